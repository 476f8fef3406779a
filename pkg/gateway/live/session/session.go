// Package session implements the per-client orchestrator: a state machine
// that binds the transport, the ASR, LLM, and TTS adapters, the tool
// registry, and the identity store into full voice turns.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/core"
	"github.com/voicewire/voicewire/pkg/core/asr"
	"github.com/voicewire/voicewire/pkg/core/llm"
	"github.com/voicewire/voicewire/pkg/core/tts"
	"github.com/voicewire/voicewire/pkg/gateway/config"
	"github.com/voicewire/voicewire/pkg/gateway/identity"
	"github.com/voicewire/voicewire/pkg/gateway/live/protocol"
	"github.com/voicewire/voicewire/pkg/gateway/skills"
	"github.com/voicewire/voicewire/pkg/gateway/tools"
)

const (
	outboundPriorityQueueSize = 64
	maxCanceledTurnIDs        = 64
	memoryAssistantMaxChars   = 500
)

// ASRStream is the recognition stream the orchestrator consumes.
type ASRStream interface {
	Events() <-chan asr.Event
	Done() <-chan struct{}
	Err() error
	SendAudio(frame []byte) error
	Finalize() error
	Close()
}

// ASRStreamFactory opens a new recognition stream.
type ASRStreamFactory func(ctx context.Context) (ASRStream, error)

// TTSContextFactory opens a new synthesis stream.
type TTSContextFactory func(ctx context.Context) (*tts.StreamingContext, error)

// TurnRecord is what the optional archive receives on clean turn commit.
type TurnRecord struct {
	SessionID     string
	TurnID        string
	UserText      string
	AssistantText string
	Metrics       protocol.MetricsMessage
}

// Archiver persists committed turns.
type Archiver interface {
	ArchiveTurn(ctx context.Context, rec TurnRecord) error
}

// Dependencies carries everything a session needs. Nil ASR, TTS, LLM, or
// Archive mean the corresponding capability is not configured.
type Dependencies struct {
	Conn     *websocket.Conn
	Config   config.Config
	Logger   *slog.Logger
	ASR      ASRStreamFactory
	TTS      TTSContextFactory
	LLM      llm.Client
	Skills   *skills.Registry
	Identity *identity.Store
	Archive  Archiver
	// BuildTools constructs the session's tool registry once the session
	// exists, so skill-toggle tools can reach back into session state.
	BuildTools func(state tools.SkillState) *tools.Registry
}

// Session is one connected voice client.
type Session struct {
	id     string
	cfg    config.Config
	logger *slog.Logger
	deps   Dependencies
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	priority   chan outboundFrame
	normal     chan outboundFrame
	writerDone chan struct{}

	tools *tools.Registry
	hist  *history

	mu             sync.Mutex
	state          protocol.State
	activeSkills   []string
	asrStream      ASRStream
	listeningStart time.Time
	turn           *Turn
	turnCancel     context.CancelFunc
	ttsCtx         *tts.StreamingContext
	lastBargeText  string
	lastBargeAt    time.Time
	lastCommitText string
	lastCommitAt   time.Time
	turnCount      int

	canceledMu    sync.Mutex
	canceledTurns []string
}

// New builds a session around an upgraded websocket connection.
func New(deps Dependencies) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	outSize := deps.Config.OutboundQueueSize
	if outSize <= 0 {
		outSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         "s_" + uuid.NewString(),
		cfg:        deps.Config,
		deps:       deps,
		conn:       deps.Conn,
		ctx:        ctx,
		cancel:     cancel,
		priority:   make(chan outboundFrame, outboundPriorityQueueSize),
		normal:     make(chan outboundFrame, outSize),
		writerDone: make(chan struct{}),
		hist:       newHistory(),
		state:      protocol.StateIdle,
	}
	s.logger = logger.With("session_id", s.id)

	if deps.BuildTools != nil {
		s.tools = deps.BuildTools(s)
	} else {
		s.tools = tools.NewRegistry(deps.Config.ToolTimeout, s.logger)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Cancel tears the session down from outside, typically during server
// drain. Run unblocks and the connection closes.
func (s *Session) Cancel() { s.cancel() }

// Run services the connection until the client disconnects or the session is
// torn down. It blocks; the caller owns the goroutine.
func (s *Session) Run() error {
	writer := &outboundWriter{
		ws:           s.conn,
		ctx:          s.ctx,
		pingInterval: s.cfg.WSPingInterval,
		writeTimeout: s.cfg.WSWriteTimeout,
		priority:     s.priority,
		normal:       s.normal,
		isCanceled:   s.isTurnCanceled,
	}
	go func() {
		defer close(s.writerDone)
		if err := writer.Run(); err != nil {
			s.logger.Warn("writer exited", "error", err)
			s.cancel()
		}
	}()

	readLimit := int64(s.cfg.MaxJSONMessageBytes)
	if int64(s.cfg.MaxAudioFrameBytes) > readLimit {
		readLimit = int64(s.cfg.MaxAudioFrameBytes)
	}
	if readLimit > 0 {
		s.conn.SetReadLimit(readLimit)
	}
	if s.cfg.WSReadTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
		})
	}

	s.sendJSON(s.sessionInfo())
	s.sendJSON(protocol.SkillsList{Type: "skills_list", Skills: s.skillInfos()})
	s.sendJSON(protocol.NewStateMessage(protocol.StateIdle))

	var readErr error
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.ctx.Err() == nil {
				readErr = err
			}
			break
		}
		switch msgType {
		case websocket.TextMessage:
			s.handleControl(data)
		case websocket.BinaryMessage:
			s.handleAudio(data)
		}
	}

	s.teardown()
	return readErr
}

func (s *Session) teardown() {
	s.stopSession(false)
	s.cancel()
	<-s.writerDone
	s.logger.Info("session closed", "turns", s.turnCountSnapshot())
}

func (s *Session) turnCountSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// --- outbound -------------------------------------------------------------

func (s *Session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode outbound message", "error", err)
		return
	}
	select {
	case s.priority <- outboundFrame{textPayload: data}:
	case <-s.ctx.Done():
	}
}

func (s *Session) sendAudio(turnID string, pcm []byte) {
	select {
	case s.normal <- outboundFrame{binaryPayload: pcm, audioTurnID: turnID}:
	case <-s.ctx.Done():
	}
}

func (s *Session) markTurnCanceled(turnID string) {
	s.canceledMu.Lock()
	s.canceledTurns = append(s.canceledTurns, turnID)
	if len(s.canceledTurns) > maxCanceledTurnIDs {
		s.canceledTurns = s.canceledTurns[len(s.canceledTurns)-maxCanceledTurnIDs:]
	}
	s.canceledMu.Unlock()
}

func (s *Session) isTurnCanceled(turnID string) bool {
	s.canceledMu.Lock()
	defer s.canceledMu.Unlock()
	for _, id := range s.canceledTurns {
		if id == turnID {
			return true
		}
	}
	return false
}

// setStateLocked transitions the state machine and tells the client.
// Callers hold s.mu.
func (s *Session) setStateLocked(next protocol.State) {
	if s.state == next {
		return
	}
	s.logger.Debug("state transition", "from", s.state, "to", next)
	s.state = next
	s.sendJSON(protocol.NewStateMessage(next))
}

// --- inbound --------------------------------------------------------------

func (s *Session) handleControl(data []byte) {
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		s.sendJSON(protocol.NewErrorMessage("", err.Error()))
		return
	}

	switch msg.Type {
	case protocol.ClientStartSession:
		s.startSession()
	case protocol.ClientStopSession:
		s.stopSession(true)
	case protocol.ClientInterrupt:
		s.interrupt()
	case protocol.ClientActivateSkill:
		if err := s.ActivateSkill(msg.Name); err != nil {
			s.sendJSON(protocol.NewErrorMessage("", err.Error()))
		}
	case protocol.ClientDeactivateSkill:
		if err := s.DeactivateSkill(msg.Name); err != nil {
			s.sendJSON(protocol.NewErrorMessage("", err.Error()))
		}
	}
}

func (s *Session) handleAudio(frame []byte) {
	if s.cfg.MaxAudioFrameBytes > 0 && len(frame) > s.cfg.MaxAudioFrameBytes {
		s.logger.Warn("dropping oversized audio frame", "bytes", len(frame))
		return
	}
	s.mu.Lock()
	stream := s.asrStream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.SendAudio(frame); err != nil {
		s.logger.Warn("forward audio", "error", err)
	}
}

func (s *Session) startSession() {
	s.mu.Lock()
	if s.state != protocol.StateIdle {
		s.mu.Unlock()
		return
	}
	if s.deps.ASR == nil {
		s.mu.Unlock()
		s.sendJSON(protocol.NewErrorMessage("", "speech recognition is not configured"))
		return
	}
	s.mu.Unlock()

	stream, err := s.deps.ASR(s.ctx)
	if err != nil {
		s.sendJSON(protocol.NewConnectionStatus("asr", "error", err.Error()))
		s.sendJSON(protocol.NewErrorMessage("", "could not connect to speech recognition"))
		return
	}
	s.sendJSON(protocol.NewConnectionStatus("asr", "connected", ""))

	s.mu.Lock()
	s.asrStream = stream
	s.listeningStart = time.Now()
	s.setStateLocked(protocol.StateListening)
	s.mu.Unlock()

	go s.asrPump(stream)
}

// stopSession moves any state back to idle, cancelling in-flight work. When
// fromClient is true, at least one turn ran, and an identity store is
// configured, a session summary is appended to memory.
func (s *Session) stopSession(fromClient bool) {
	s.mu.Lock()
	if s.state == protocol.StateIdle {
		s.mu.Unlock()
		return
	}
	s.cancelTurnLocked()
	stream := s.asrStream
	s.asrStream = nil
	turns := s.turnCount
	s.setStateLocked(protocol.StateIdle)
	s.mu.Unlock()

	if stream != nil {
		stream.Close()
		s.sendJSON(protocol.NewConnectionStatus("asr", "disconnected", ""))
	}

	if fromClient && turns > 0 && s.deps.Identity != nil {
		if err := s.deps.Identity.AppendMemory(fmt.Sprintf("Voice session ended after %d turn(s).", turns)); err != nil {
			s.logger.Warn("append session memory", "error", err)
		}
	}
}

func (s *Session) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case protocol.StateThinking, protocol.StateExecuting, protocol.StateSpeaking:
		s.bargeInLocked()
	}
}

// --- ASR ------------------------------------------------------------------

func (s *Session) asrPump(stream ASRStream) {
	for ev := range stream.Events() {
		switch ev.Kind {
		case asr.KindPartial:
			s.sendJSON(protocol.NewASRMessage(ev.Text, false))
		case asr.KindFinal:
			s.sendJSON(protocol.NewASRMessage(ev.Text, true))
			s.maybeAutoBargeIn(ev.Text)
		case asr.KindEndpoint:
			s.onEndpoint(ev.Text)
		}
	}

	if err := stream.Err(); err != nil && s.ctx.Err() == nil {
		s.sendJSON(protocol.NewConnectionStatus("asr", "error", err.Error()))
		s.mu.Lock()
		turnID := ""
		if s.turn != nil {
			turnID = s.turn.ID
		}
		s.mu.Unlock()
		s.sendJSON(protocol.NewErrorMessage(turnID, "speech recognition stream failed"))
	}
}

// maybeAutoBargeIn interrupts speech when the user clearly starts talking
// over the agent: the final transcript needs at least the configured number
// of visible characters, must differ from the previous trigger, and triggers
// are spaced by a cooldown so one utterance cannot double-fire.
func (s *Session) maybeAutoBargeIn(text string) {
	visible := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			visible++
		}
	}
	minChars := s.cfg.BargeInMinChars
	if minChars <= 0 {
		minChars = 3
	}
	if visible < minChars {
		return
	}

	normalized := normalizeUtterance(text)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != protocol.StateSpeaking && s.state != protocol.StateExecuting {
		return
	}
	cooldown := s.cfg.BargeInCooldown
	if cooldown <= 0 {
		cooldown = 1500 * time.Millisecond
	}
	if normalized == s.lastBargeText {
		return
	}
	if !s.lastBargeAt.IsZero() && time.Since(s.lastBargeAt) < cooldown {
		return
	}

	s.lastBargeText = normalized
	s.lastBargeAt = time.Now()
	s.logger.Info("auto barge-in", "text", text)
	s.bargeInLocked()
}

func normalizeUtterance(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func (s *Session) onEndpoint(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()

	if s.state == protocol.StateIdle {
		s.mu.Unlock()
		return
	}

	// The recognizer sometimes re-fires an endpoint for the same utterance
	// right after a reconnect or a trailing silence; ignore exact repeats
	// inside the dedup window.
	dedup := s.cfg.EndpointDedupWindow
	if dedup <= 0 {
		dedup = 2500 * time.Millisecond
	}
	normalized := normalizeUtterance(text)
	if normalized == s.lastCommitText && time.Since(s.lastCommitAt) < dedup {
		s.mu.Unlock()
		s.logger.Debug("duplicate endpoint ignored", "text", text)
		return
	}
	s.lastCommitText = normalized
	s.lastCommitAt = time.Now()

	// A new utterance while a turn is in flight cancels the old turn first.
	if s.turn != nil {
		s.bargeInLocked()
	}

	turn := newTurn(text, s.listeningStart)
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.turn = turn
	s.turnCancel = cancel
	s.turnCount++

	s.setStateLocked(protocol.StateThinking)
	s.sendJSON(protocol.NewTurnMessage(protocol.TurnUserCommitted, turn.ID, text))
	s.hist.append(llm.Message{Role: llm.RoleUser, Content: text})
	s.mu.Unlock()

	go s.runTurn(turnCtx, turn)
}

// --- turn execution -------------------------------------------------------

func (s *Session) runTurn(ctx context.Context, turn *Turn) {
	logger := s.logger.With("turn_id", turn.ID)

	if s.deps.LLM == nil {
		s.sendJSON(protocol.NewErrorMessage(turn.ID, "language model is not configured"))
		s.finishTurn(turn, false)
		return
	}

	textCh := make(chan string, 64)
	speakerDone := make(chan struct{})
	go s.speaker(ctx, turn, textCh, speakerDone, logger)

	loop := &agentLoop{
		client:       s.deps.LLM,
		registry:     s.tools,
		maxRounds:    s.cfg.MaxToolRounds,
		systemPrompt: s.systemPrompt,
		hist:         s.hist,
		logger:       logger,
	}

	final, err := loop.run(ctx, loopEvents{
		onText: func(delta string) {
			index, elapsed := turn.recordToken(delta)
			s.sendJSON(protocol.LLMMessage{
				Type:       "llm",
				TurnID:     turn.ID,
				Text:       delta,
				TokenIndex: index,
				ElapsedMS:  elapsed,
			})
		},
		onToolStart: func(call llm.ToolCall) {
			turn.recordToolCall()
			s.mu.Lock()
			if s.turn == turn {
				s.setStateLocked(protocol.StateExecuting)
			}
			s.mu.Unlock()
			s.sendJSON(protocol.ToolMessage{
				Type:       "tool",
				Event:      protocol.ToolStart,
				TurnID:     turn.ID,
				ToolCallID: call.ID,
				Name:       call.Name,
				Arguments:  call.Arguments,
			})
		},
		onToolResult: func(call llm.ToolCall, res tools.Result, elapsedMS int64) {
			s.sendJSON(protocol.ToolMessage{
				Type:       "tool",
				Event:      protocol.ToolResult,
				TurnID:     turn.ID,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    res.Content,
				IsError:    res.IsError,
				ElapsedMS:  elapsedMS,
			})
		},
		speak: func(delta string) {
			select {
			case textCh <- delta:
			case <-ctx.Done():
			}
		},
	})

	close(textCh)
	<-speakerDone

	if err != nil {
		if ctx.Err() != nil || isCanceled(err) {
			// Barge-in or teardown already handled the transition.
			logger.Debug("turn cancelled")
			return
		}
		logger.Error("turn failed", "error", err)
		s.sendJSON(protocol.NewConnectionStatus("llm", "error", err.Error()))
		s.sendJSON(protocol.NewErrorMessage(turn.ID, err.Error()))
		s.finishTurn(turn, false)
		return
	}
	if ctx.Err() != nil {
		return
	}

	turn.markSpeakingDone()
	s.sendJSON(protocol.LLMMessage{Type: "llm", TurnID: turn.ID, Done: true})
	s.commitTurn(ctx, turn, final)
	s.finishTurn(turn, true)
}

// speaker feeds final-round text into a lazily opened synthesis stream and
// pumps the resulting audio to the client.
func (s *Session) speaker(ctx context.Context, turn *Turn, textCh <-chan string, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)

	var sc *tts.StreamingContext
	var egressDone chan struct{}
	ttsFailed := false

	for delta := range textCh {
		if ttsFailed {
			continue
		}
		if sc == nil {
			if s.deps.TTS == nil {
				ttsFailed = true
				continue
			}
			opened, err := s.deps.TTS(ctx)
			if err != nil {
				logger.Warn("tts connect failed", "error", err)
				s.sendJSON(protocol.NewConnectionStatus("tts", "error", err.Error()))
				ttsFailed = true
				continue
			}
			sc = opened
			s.mu.Lock()
			if s.turn == turn {
				s.ttsCtx = sc
				s.setStateLocked(protocol.StateSpeaking)
			}
			s.mu.Unlock()

			egressDone = make(chan struct{})
			go func() {
				defer close(egressDone)
				for chunk := range sc.ReceiveAudio() {
					turn.recordAudioChunk(len(chunk))
					s.sendAudio(turn.ID, chunk)
				}
				if err := sc.Err(); err != nil && ctx.Err() == nil {
					logger.Warn("tts stream failed", "error", err)
					s.sendJSON(protocol.NewConnectionStatus("tts", "error", err.Error()))
				}
			}()
		}
		if err := sc.SendText(delta, false); err != nil {
			if !errors.Is(err, tts.ErrContextClosed) {
				logger.Warn("tts send failed", "error", err)
			}
			ttsFailed = true
		}
	}

	if sc == nil {
		return
	}
	if !ttsFailed {
		if err := sc.Flush(); err != nil && !errors.Is(err, tts.ErrContextClosed) {
			logger.Warn("tts flush failed", "error", err)
		}
	}
	<-egressDone
}

// commitTurn persists a cleanly finished turn: the final assistant message
// goes into history, a summary into memory, a row into the archive, and the
// metrics report to the client. Cancelled turns never reach this point, so
// history carries no assistant message for them.
func (s *Session) commitTurn(ctx context.Context, turn *Turn, assistant string) {
	s.hist.append(llm.Message{Role: llm.RoleAssistant, Content: assistant})

	if s.deps.Identity != nil {
		summary := assistant
		if len(summary) > memoryAssistantMaxChars {
			summary = summary[:memoryAssistantMaxChars] + "..."
		}
		entry := fmt.Sprintf("User: %s\nAssistant: %s", turn.UserText, summary)
		if err := s.deps.Identity.AppendMemory(entry); err != nil {
			s.logger.Warn("append turn memory", "error", err)
		}
	}

	metrics := turn.Metrics()
	s.sendJSON(metrics)

	if s.deps.Archive != nil {
		rec := TurnRecord{
			SessionID:     s.id,
			TurnID:        turn.ID,
			UserText:      turn.UserText,
			AssistantText: assistant,
			Metrics:       metrics,
		}
		if err := s.deps.Archive.ArchiveTurn(ctx, rec); err != nil {
			s.logger.Warn("archive turn", "error", err)
		}
	}
}

// finishTurn emits turn:finished and returns to listening, unless the turn
// was already finished by a barge-in.
func (s *Session) finishTurn(turn *Turn, clean bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != turn {
		return
	}
	s.turn = nil
	s.turnCancel = nil
	s.ttsCtx = nil
	s.sendJSON(protocol.NewTurnMessage(protocol.TurnFinished, turn.ID, ""))
	if s.state != protocol.StateIdle {
		s.listeningStart = time.Now()
		s.setStateLocked(protocol.StateListening)
	}
	_ = clean
}

// bargeInLocked cancels the active turn: synthesis first so no more audio is
// queued, queued audio is dropped by turn id, then the agent loop is
// cancelled and the session returns to listening. The partial assistant turn
// is not committed. Callers hold s.mu.
func (s *Session) bargeInLocked() {
	turn := s.turn
	if turn == nil {
		return
	}
	if s.ttsCtx != nil {
		s.ttsCtx.Cancel()
		s.ttsCtx = nil
	}
	s.markTurnCanceled(turn.ID)
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.turn = nil
	s.sendJSON(protocol.NewTurnMessage(protocol.TurnFinished, turn.ID, ""))
	s.listeningStart = time.Now()
	s.setStateLocked(protocol.StateListening)
}

// cancelTurnLocked is bargeIn without the return to listening, used on stop
// and teardown. Callers hold s.mu.
func (s *Session) cancelTurnLocked() {
	turn := s.turn
	if turn == nil {
		return
	}
	if s.ttsCtx != nil {
		s.ttsCtx.Cancel()
		s.ttsCtx = nil
	}
	s.markTurnCanceled(turn.ID)
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.turn = nil
	s.sendJSON(protocol.NewTurnMessage(protocol.TurnFinished, turn.ID, ""))
}

// --- skills ---------------------------------------------------------------

// ActivateSkill adds a skill to the active set. The next LLM round sees the
// rebuilt system prompt.
func (s *Session) ActivateSkill(name string) error {
	if s.deps.Skills == nil {
		return core.NewNotFoundError("no skills are available")
	}
	if _, ok := s.deps.Skills.Get(name); !ok {
		return core.NewNotFoundError(fmt.Sprintf("unknown skill %q", name))
	}

	s.mu.Lock()
	already := false
	for _, n := range s.activeSkills {
		if n == name {
			already = true
			break
		}
	}
	if !already {
		s.activeSkills = append(s.activeSkills, name)
	}
	s.mu.Unlock()

	if !already {
		s.sendJSON(protocol.SkillMessage{
			Type:   "skill",
			Event:  protocol.SkillActivated,
			Name:   name,
			Skills: s.skillInfos(),
		})
	}
	return nil
}

// DeactivateSkill removes a skill from the active set.
func (s *Session) DeactivateSkill(name string) error {
	if s.deps.Skills == nil {
		return core.NewNotFoundError("no skills are available")
	}
	if _, ok := s.deps.Skills.Get(name); !ok {
		return core.NewNotFoundError(fmt.Sprintf("unknown skill %q", name))
	}

	s.mu.Lock()
	removed := false
	for i, n := range s.activeSkills {
		if n == name {
			s.activeSkills = append(s.activeSkills[:i], s.activeSkills[i+1:]...)
			removed = true
			break
		}
	}
	s.mu.Unlock()

	if removed {
		s.sendJSON(protocol.SkillMessage{
			Type:   "skill",
			Event:  protocol.SkillDeactivated,
			Name:   name,
			Skills: s.skillInfos(),
		})
	}
	return nil
}

// ActiveSkills returns the active skill names in activation order.
func (s *Session) ActiveSkills() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.activeSkills))
	copy(out, s.activeSkills)
	return out
}

func (s *Session) activeSkillSet() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]bool, len(s.activeSkills))
	for _, n := range s.activeSkills {
		set[n] = true
	}
	return set
}

func (s *Session) skillInfos() []protocol.SkillInfo {
	if s.deps.Skills == nil {
		return []protocol.SkillInfo{}
	}
	active := s.activeSkillSet()
	infos := make([]protocol.SkillInfo, 0, s.deps.Skills.Len())
	for _, name := range s.deps.Skills.Names() {
		sk, _ := s.deps.Skills.Get(name)
		infos = append(infos, protocol.SkillInfo{
			Name:        sk.Name,
			Description: sk.Description,
			Active:      active[name],
		})
	}
	return infos
}

// --- prompt and info ------------------------------------------------------

// systemPrompt composes persona, user profile, operating instructions, the
// memory tail, the skills block, and tool guidance. It is re-evaluated every
// LLM round so skill toggles take effect immediately.
func (s *Session) systemPrompt() string {
	var parts []string

	if s.deps.Identity != nil {
		if soul, err := s.deps.Identity.Read(identity.SoulFile); err == nil && strings.TrimSpace(soul) != "" {
			parts = append(parts, strings.TrimSpace(soul))
		}
		if profile, err := s.deps.Identity.Read(identity.UserFile); err == nil && strings.TrimSpace(profile) != "" {
			parts = append(parts, "# About the user\n\n"+strings.TrimSpace(profile))
		}
		if agent, err := s.deps.Identity.Read(identity.AgentFile); err == nil && strings.TrimSpace(agent) != "" {
			parts = append(parts, strings.TrimSpace(agent))
		}
		maxChars := s.cfg.MemoryMaxChars
		if maxChars <= 0 {
			maxChars = 4000
		}
		if tail, err := s.deps.Identity.MemoryTail(maxChars); err == nil && tail != "" {
			parts = append(parts, "# Memory of past conversations\n\n"+tail)
		}
	}

	if s.deps.Skills != nil && s.deps.Skills.Len() > 0 {
		if block := s.deps.Skills.PromptBlock(s.activeSkillSet()); block != "" {
			parts = append(parts, block)
		}
	}

	parts = append(parts, "You are speaking with the user over voice. Keep replies short and natural for speech; expand numbers, symbols, and abbreviations. Use tools when they help, then answer in plain spoken language.")

	return strings.Join(parts, "\n\n")
}

func (s *Session) sessionInfo() protocol.SessionInfo {
	info := protocol.SessionInfo{
		Type:          "session_info",
		SessionID:     s.id,
		TTSModel:      s.cfg.TTSModel,
		TTSVoice:      s.cfg.TTSVoice,
		ASRConfigured: s.deps.ASR != nil,
		LLMConfigured: s.deps.LLM != nil,
		TTSConfigured: s.deps.TTS != nil,
		Tools:         s.tools.Names(),
		Skills:        s.skillInfos(),
	}
	if s.deps.LLM != nil {
		info.LLMProvider = s.deps.LLM.ProviderName()
		info.LLMModel = s.deps.LLM.Model()
	}
	if s.deps.Identity != nil {
		if persona, err := s.deps.Identity.PersonaSummary(); err == nil {
			info.Persona = persona
		}
	}
	return info
}

func isCanceled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var cerr *core.Error
	return errors.As(err, &cerr) && cerr.IsCanceled()
}
