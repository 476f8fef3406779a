package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/core"
	"github.com/voicewire/voicewire/pkg/core/asr"
	"github.com/voicewire/voicewire/pkg/core/llm"
	"github.com/voicewire/voicewire/pkg/gateway/config"
	"github.com/voicewire/voicewire/pkg/gateway/identity"
	"github.com/voicewire/voicewire/pkg/gateway/live/protocol"
	"github.com/voicewire/voicewire/pkg/gateway/skills"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		TTSModel:            "qwen-tts-realtime",
		TTSVoice:            "Cherry",
		ToolTimeout:         time.Second,
		MaxToolRounds:       3,
		WSPingInterval:      30 * time.Second,
		WSWriteTimeout:      time.Second,
		MaxAudioFrameBytes:  32 * 1024,
		MaxJSONMessageBytes: 64 * 1024,
		OutboundQueueSize:   64,
		BargeInMinChars:     3,
		BargeInCooldown:     1500 * time.Millisecond,
		EndpointDedupWindow: 2500 * time.Millisecond,
		MemoryMaxChars:      4000,
	}
}

func newTestSession(t *testing.T, mutate func(*Dependencies)) *Session {
	t.Helper()
	deps := Dependencies{
		Config: testConfig(),
		Logger: discardLogger(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	s := New(deps)
	t.Cleanup(s.Cancel)
	return s
}

// nextFrame pops one queued outbound control message.
func nextFrame(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case fr := <-s.priority:
		var m map[string]any
		if err := json.Unmarshal(fr.textPayload, &m); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound frame within 2s")
		return nil
	}
}

func framesUntil(t *testing.T, s *Session, stop func(map[string]any) bool) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		m := nextFrame(t, s)
		out = append(out, m)
		if stop(m) {
			return out
		}
	}
}

func drainFrames(s *Session) []map[string]any {
	var out []map[string]any
	for {
		select {
		case fr := <-s.priority:
			var m map[string]any
			if json.Unmarshal(fr.textPayload, &m) == nil {
				out = append(out, m)
			}
		default:
			return out
		}
	}
}

func newSkillRegistry(t *testing.T, names ...string) *skills.Registry {
	t.Helper()
	root := t.TempDir()
	for _, name := range names {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		content := "---\nname: " + name + "\ndescription: The " + name + " skill.\n---\nInstructions for " + name + ".\n"
		if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644); err != nil {
			t.Fatalf("write skill: %v", err)
		}
	}
	return skills.Discover([]string{root}, discardLogger())
}

func newIdentityStore(t *testing.T) *identity.Store {
	t.Helper()
	store, err := identity.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestSessionInfo(t *testing.T) {
	store := newIdentityStore(t)
	if err := store.Write(identity.SoulFile, "# Ada\n\nA calm, precise assistant.\n"); err != nil {
		t.Fatalf("write soul: %v", err)
	}

	s := newTestSession(t, func(d *Dependencies) {
		d.LLM = &scriptedClient{}
		d.Identity = store
		d.Skills = newSkillRegistry(t, "recipes")
	})

	info := s.sessionInfo()
	if info.Type != "session_info" {
		t.Fatalf("type = %q", info.Type)
	}
	if !strings.HasPrefix(info.SessionID, "s_") || info.SessionID != s.ID() {
		t.Fatalf("session id = %q", info.SessionID)
	}
	if info.LLMProvider != "test" || info.LLMModel != "test-model" {
		t.Fatalf("llm fields = %q/%q", info.LLMProvider, info.LLMModel)
	}
	if info.TTSModel != "qwen-tts-realtime" || info.TTSVoice != "Cherry" {
		t.Fatalf("tts fields = %q/%q", info.TTSModel, info.TTSVoice)
	}
	if info.ASRConfigured || !info.LLMConfigured || info.TTSConfigured {
		t.Fatalf("configured flags = %+v", info)
	}
	if info.Persona != "Ada" {
		t.Fatalf("persona = %q", info.Persona)
	}
	if len(info.Skills) != 1 || info.Skills[0].Name != "recipes" || info.Skills[0].Active {
		t.Fatalf("skills = %+v", info.Skills)
	}
}

func TestActivateSkill(t *testing.T) {
	s := newTestSession(t, func(d *Dependencies) {
		d.Skills = newSkillRegistry(t, "recipes", "travel")
	})

	if err := s.ActivateSkill("recipes"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got := s.ActiveSkills(); len(got) != 1 || got[0] != "recipes" {
		t.Fatalf("active = %v", got)
	}
	frames := drainFrames(s)
	if len(frames) != 1 || frames[0]["type"] != "skill" || frames[0]["event"] != "activated" {
		t.Fatalf("frames = %+v", frames)
	}

	// Re-activation is idempotent and silent.
	if err := s.ActivateSkill("recipes"); err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if got := s.ActiveSkills(); len(got) != 1 {
		t.Fatalf("active after re-activate = %v", got)
	}
	if frames := drainFrames(s); len(frames) != 0 {
		t.Fatalf("unexpected frames = %+v", frames)
	}
}

func TestActivateSkill_Unknown(t *testing.T) {
	s := newTestSession(t, func(d *Dependencies) {
		d.Skills = newSkillRegistry(t, "recipes")
	})

	err := s.ActivateSkill("nope")
	var cerr *core.Error
	if !errors.As(err, &cerr) || cerr.Type != core.ErrNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestActivateSkill_NoRegistry(t *testing.T) {
	s := newTestSession(t, nil)
	var cerr *core.Error
	if err := s.ActivateSkill("recipes"); !errors.As(err, &cerr) || cerr.Type != core.ErrNotFound {
		t.Fatalf("activate err = %v", err)
	}
	if err := s.DeactivateSkill("recipes"); !errors.As(err, &cerr) || cerr.Type != core.ErrNotFound {
		t.Fatalf("deactivate err = %v", err)
	}
}

func TestDeactivateSkill(t *testing.T) {
	s := newTestSession(t, func(d *Dependencies) {
		d.Skills = newSkillRegistry(t, "recipes")
	})

	if err := s.ActivateSkill("recipes"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	drainFrames(s)

	if err := s.DeactivateSkill("recipes"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got := s.ActiveSkills(); len(got) != 0 {
		t.Fatalf("active = %v", got)
	}
	frames := drainFrames(s)
	if len(frames) != 1 || frames[0]["event"] != "deactivated" {
		t.Fatalf("frames = %+v", frames)
	}

	// Deactivating an inactive skill is a no-op, not an error.
	if err := s.DeactivateSkill("recipes"); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	if frames := drainFrames(s); len(frames) != 0 {
		t.Fatalf("unexpected frames = %+v", frames)
	}
}

func TestSystemPrompt_Composition(t *testing.T) {
	store := newIdentityStore(t)
	for name, content := range map[string]string{
		identity.SoulFile:  "# Ada\n\nA calm assistant.",
		identity.UserFile:  "Prefers metric units.",
		identity.AgentFile: "Always confirm destructive actions.",
	} {
		if err := store.Write(name, content); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := store.AppendMemory("User asked about Lisbon."); err != nil {
		t.Fatalf("append memory: %v", err)
	}

	s := newTestSession(t, func(d *Dependencies) {
		d.Identity = store
		d.Skills = newSkillRegistry(t, "recipes")
	})
	if err := s.ActivateSkill("recipes"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	drainFrames(s)

	prompt := s.systemPrompt()
	if !strings.HasPrefix(prompt, "# Ada") {
		t.Fatalf("prompt should open with the persona, got %q", prompt[:40])
	}
	ordered := []string{
		"# Ada",
		"# About the user\n\nPrefers metric units.",
		"Always confirm destructive actions.",
		"# Memory of past conversations",
		"User asked about Lisbon.",
		"<skill name=\"recipes\" active=\"true\">",
		"Instructions for recipes.",
		"You are speaking with the user over voice.",
	}
	pos := 0
	for _, want := range ordered {
		idx := strings.Index(prompt[pos:], want)
		if idx < 0 {
			t.Fatalf("prompt missing %q after offset %d:\n%s", want, pos, prompt)
		}
		pos += idx
	}
}

func TestSystemPrompt_Minimal(t *testing.T) {
	s := newTestSession(t, nil)
	prompt := s.systemPrompt()
	if !strings.HasPrefix(prompt, "You are speaking with the user over voice.") {
		t.Fatalf("prompt = %q", prompt)
	}
	if strings.Contains(prompt, "# Memory") || strings.Contains(prompt, "<skill") {
		t.Fatalf("prompt carries sections with no sources:\n%s", prompt)
	}
}

func TestCanceledTurnRing(t *testing.T) {
	s := newTestSession(t, nil)

	s.markTurnCanceled("t1")
	if !s.isTurnCanceled("t1") || s.isTurnCanceled("t2") {
		t.Fatal("cancel marks are wrong")
	}

	for i := 0; i < maxCanceledTurnIDs; i++ {
		s.markTurnCanceled("x")
	}
	if s.isTurnCanceled("t1") {
		t.Fatal("old ids should fall off the ring")
	}
	if len(s.canceledTurns) != maxCanceledTurnIDs {
		t.Fatalf("ring size = %d", len(s.canceledTurns))
	}
}

func TestNormalizeUtterance(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello there", "hello there"},
		{"  HELLO\tThere \n", "hello there"},
		{"one  two   three", "one two three"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := normalizeUtterance(tc.in); got != tc.want {
			t.Fatalf("normalizeUtterance(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStartSession_WithoutASR(t *testing.T) {
	s := newTestSession(t, nil)
	s.startSession()

	frames := drainFrames(s)
	if len(frames) != 1 || frames[0]["type"] != "error" {
		t.Fatalf("frames = %+v", frames)
	}
	if !strings.Contains(frames[0]["message"].(string), "not configured") {
		t.Fatalf("message = %v", frames[0]["message"])
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != protocol.StateIdle {
		t.Fatalf("state = %v", s.state)
	}
}

func TestHandleControl_Invalid(t *testing.T) {
	s := newTestSession(t, nil)

	s.handleControl([]byte(`{"type":"mystery"}`))
	s.handleControl([]byte(`not json`))
	s.handleControl([]byte(`{"type":"activate_skill"}`))

	frames := drainFrames(s)
	if len(frames) != 3 {
		t.Fatalf("frames = %+v", frames)
	}
	for _, fr := range frames {
		if fr["type"] != "error" {
			t.Fatalf("frame = %+v", fr)
		}
	}
}

func TestHandleAudio_DropsOversized(t *testing.T) {
	stream := newFakeASRStream()
	s := newTestSession(t, func(d *Dependencies) {
		d.Config.MaxAudioFrameBytes = 4
	})
	s.mu.Lock()
	s.asrStream = stream
	s.mu.Unlock()

	s.handleAudio([]byte{1, 2, 3, 4, 5})
	s.handleAudio([]byte{1, 2, 3})

	frames := stream.sentFrames()
	if len(frames) != 1 || len(frames[0]) != 3 {
		t.Fatalf("forwarded frames = %v", frames)
	}
}

func TestMaybeAutoBargeIn(t *testing.T) {
	s := newTestSession(t, nil)

	turn := newTurn("tell me a story", time.Now())
	_, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.turn = turn
	s.turnCancel = cancel
	s.state = protocol.StateSpeaking
	s.mu.Unlock()

	// Too short to count as speech over the agent.
	s.maybeAutoBargeIn("ok")
	if frames := drainFrames(s); len(frames) != 0 {
		t.Fatalf("short text triggered barge-in: %+v", frames)
	}

	s.maybeAutoBargeIn("wait stop")
	s.mu.Lock()
	state, active := s.state, s.turn
	s.mu.Unlock()
	if state != protocol.StateListening || active != nil {
		t.Fatalf("state = %v, turn = %v", state, active)
	}
	if !s.isTurnCanceled(turn.ID) {
		t.Fatal("turn should be marked canceled")
	}
	frames := drainFrames(s)
	if len(frames) != 2 || frames[0]["type"] != "turn" || frames[0]["event"] != "finished" || frames[1]["type"] != "state" {
		t.Fatalf("frames = %+v", frames)
	}
	if frames[1]["state"] != "listening" {
		t.Fatalf("state frame = %+v", frames[1])
	}
}

func TestMaybeAutoBargeIn_IgnoredWhileListening(t *testing.T) {
	s := newTestSession(t, nil)
	s.mu.Lock()
	s.state = protocol.StateListening
	s.mu.Unlock()

	s.maybeAutoBargeIn("hello there friend")
	if frames := drainFrames(s); len(frames) != 0 {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestMaybeAutoBargeIn_RepeatAndCooldown(t *testing.T) {
	s := newTestSession(t, nil)

	arm := func() *Turn {
		turn := newTurn("story", time.Now())
		_, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.turn = turn
		s.turnCancel = cancel
		s.state = protocol.StateSpeaking
		s.mu.Unlock()
		return turn
	}

	arm()
	s.maybeAutoBargeIn("Wait Stop")
	drainFrames(s)

	// Same normalized text must not fire again even with a new turn.
	second := arm()
	s.maybeAutoBargeIn("wait  stop")
	if s.isTurnCanceled(second.ID) {
		t.Fatal("repeated utterance should not barge in")
	}

	// Different text inside the cooldown window is also suppressed.
	s.maybeAutoBargeIn("no really stop")
	if s.isTurnCanceled(second.ID) {
		t.Fatal("cooldown should suppress the trigger")
	}

	// Once the cooldown has passed, a new utterance fires.
	s.mu.Lock()
	s.lastBargeAt = time.Now().Add(-2 * time.Second)
	s.mu.Unlock()
	s.maybeAutoBargeIn("no really stop")
	if !s.isTurnCanceled(second.ID) {
		t.Fatal("barge-in should fire after the cooldown")
	}
}

func TestOnEndpoint_RunsTurnToCompletion(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.StreamEvent{{
		{Kind: llm.KindText, Text: "It is noon."},
		{Kind: llm.KindEnd, FinishReason: "stop"},
	}}}
	s := newTestSession(t, func(d *Dependencies) {
		d.LLM = client
	})
	s.mu.Lock()
	s.state = protocol.StateListening
	s.listeningStart = time.Now()
	s.mu.Unlock()

	s.onEndpoint("what time is it")

	frames := framesUntil(t, s, func(m map[string]any) bool {
		return m["type"] == "turn" && m["event"] == "finished"
	})
	types := make([]string, len(frames))
	for i, fr := range frames {
		types[i] = fr["type"].(string)
	}
	want := []string{"state", "turn", "llm", "llm", "metrics", "turn"}
	if len(types) != len(want) {
		t.Fatalf("frame types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame types = %v, want %v", types, want)
		}
	}
	if frames[0]["state"] != "thinking" {
		t.Fatalf("first frame = %+v", frames[0])
	}
	if frames[1]["event"] != "user_committed" || frames[1]["text"] != "what time is it" {
		t.Fatalf("commit frame = %+v", frames[1])
	}
	if frames[2]["text"] != "It is noon." {
		t.Fatalf("llm frame = %+v", frames[2])
	}
	if frames[3]["done"] != true {
		t.Fatalf("done frame = %+v", frames[3])
	}

	// Back to listening after the turn.
	if m := nextFrame(t, s); m["type"] != "state" || m["state"] != "listening" {
		t.Fatalf("final state frame = %+v", m)
	}

	msgs := s.hist.snapshot()
	if len(msgs) != 2 || msgs[0].Role != llm.RoleUser || msgs[1].Content != "It is noon." {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestOnEndpoint_DedupWithinWindow(t *testing.T) {
	s := newTestSession(t, func(d *Dependencies) {
		d.LLM = &scriptedClient{scripts: [][]llm.StreamEvent{{
			{Kind: llm.KindText, Text: "hi"},
			{Kind: llm.KindEnd, FinishReason: "stop"},
		}}}
	})
	s.mu.Lock()
	s.state = protocol.StateListening
	s.listeningStart = time.Now()
	s.mu.Unlock()

	s.onEndpoint("hello")
	framesUntil(t, s, func(m map[string]any) bool {
		return m["type"] == "turn" && m["event"] == "finished"
	})

	s.onEndpoint("  Hello ")
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	count := s.turnCount
	s.mu.Unlock()
	if count != 1 {
		t.Fatalf("turn count = %d, want the repeat ignored", count)
	}
}

func TestOnEndpoint_IgnoredWhenIdleOrEmpty(t *testing.T) {
	s := newTestSession(t, nil)

	s.onEndpoint("   ")
	s.onEndpoint("hello")

	if frames := drainFrames(s); len(frames) != 0 {
		t.Fatalf("frames = %+v", frames)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCount != 0 {
		t.Fatalf("turn count = %d", s.turnCount)
	}
}

// --- end-to-end over a live websocket --------------------------------------

type fakeASRStream struct {
	events chan asr.Event
	done   chan struct{}

	mu     sync.Mutex
	frames [][]byte

	closeOnce sync.Once
}

func newFakeASRStream() *fakeASRStream {
	return &fakeASRStream{
		events: make(chan asr.Event, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeASRStream) Events() <-chan asr.Event { return f.events }
func (f *fakeASRStream) Done() <-chan struct{}    { return f.done }
func (f *fakeASRStream) Err() error               { return nil }
func (f *fakeASRStream) Finalize() error          { return nil }

func (f *fakeASRStream) SendAudio(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeASRStream) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeASRStream) Close() {
	f.closeOnce.Do(func() {
		close(f.events)
		close(f.done)
	})
}

func readServerJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type = %d", msgType)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return m
}

func expectServerJSON(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	m := readServerJSON(t, conn)
	if m["type"] != wantType {
		t.Fatalf("message = %+v, want type %q", m, wantType)
	}
	return m
}

func TestSessionRun_FullVoiceTurn(t *testing.T) {
	stream := newFakeASRStream()
	client := &scriptedClient{scripts: [][]llm.StreamEvent{{
		{Kind: llm.KindText, Text: "It is noon."},
		{Kind: llm.KindEnd, FinishReason: "stop"},
	}}}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	runErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s := New(Dependencies{
			Conn:   conn,
			Config: testConfig(),
			Logger: discardLogger(),
			ASR: func(ctx context.Context) (ASRStream, error) {
				return stream, nil
			},
			LLM: client,
		})
		runErr <- s.Run()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	info := expectServerJSON(t, conn, "session_info")
	if info["asr_configured"] != true || info["llm_configured"] != true || info["tts_configured"] != false {
		t.Fatalf("session info = %+v", info)
	}
	expectServerJSON(t, conn, "skills_list")
	if m := expectServerJSON(t, conn, "state"); m["state"] != "idle" {
		t.Fatalf("state = %+v", m)
	}

	if err := conn.WriteJSON(map[string]string{"type": "start_session"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	status := expectServerJSON(t, conn, "connection_status")
	if status["service"] != "asr" || status["status"] != "connected" {
		t.Fatalf("status = %+v", status)
	}
	if m := expectServerJSON(t, conn, "state"); m["state"] != "listening" {
		t.Fatalf("state = %+v", m)
	}

	// Mic audio is forwarded to the recognition stream.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(stream.sentFrames()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("audio never reached the recognition stream")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stream.events <- asr.Event{Kind: asr.KindPartial, Text: "what time"}
	stream.events <- asr.Event{Kind: asr.KindFinal, Text: "what time is it"}
	stream.events <- asr.Event{Kind: asr.KindEndpoint, Text: "what time is it"}

	if m := expectServerJSON(t, conn, "asr"); m["is_final"] != false || m["text"] != "what time" {
		t.Fatalf("partial = %+v", m)
	}
	if m := expectServerJSON(t, conn, "asr"); m["is_final"] != true {
		t.Fatalf("final = %+v", m)
	}
	if m := expectServerJSON(t, conn, "state"); m["state"] != "thinking" {
		t.Fatalf("state = %+v", m)
	}
	commit := expectServerJSON(t, conn, "turn")
	if commit["event"] != "user_committed" || commit["text"] != "what time is it" {
		t.Fatalf("commit = %+v", commit)
	}
	turnID := commit["turn_id"].(string)

	if m := expectServerJSON(t, conn, "llm"); m["text"] != "It is noon." || m["turn_id"] != turnID {
		t.Fatalf("llm = %+v", m)
	}
	if m := expectServerJSON(t, conn, "llm"); m["done"] != true {
		t.Fatalf("llm done = %+v", m)
	}
	if m := expectServerJSON(t, conn, "metrics"); m["turn_id"] != turnID {
		t.Fatalf("metrics = %+v", m)
	}
	if m := expectServerJSON(t, conn, "turn"); m["event"] != "finished" || m["turn_id"] != turnID {
		t.Fatalf("finished = %+v", m)
	}
	if m := expectServerJSON(t, conn, "state"); m["state"] != "listening" {
		t.Fatalf("state = %+v", m)
	}

	if err := conn.WriteJSON(map[string]string{"type": "stop_session"}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m := expectServerJSON(t, conn, "state"); m["state"] != "idle" {
		t.Fatalf("state = %+v", m)
	}
	status = expectServerJSON(t, conn, "connection_status")
	if status["status"] != "disconnected" {
		t.Fatalf("status = %+v", status)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}
}
