package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voicewire/voicewire/pkg/core/llm"
	"github.com/voicewire/voicewire/pkg/gateway/tools"
)

// maxRoundsMessage is spoken when the model keeps calling tools until the
// round budget runs out.
const maxRoundsMessage = "(reached maximum reasoning rounds)"

// loopEvents are the callbacks the agent loop fires as a turn progresses.
// speak receives only the text of the final round, so the synthesizer hears
// one contiguous answer; onText fires for every delta so the client can
// render intermediate reasoning.
type loopEvents struct {
	onText       func(delta string)
	onToolStart  func(call llm.ToolCall)
	onToolResult func(call llm.ToolCall, res tools.Result, elapsedMS int64)
	speak        func(delta string)
}

// agentLoop runs the bounded LLM and tool cycle for one turn.
type agentLoop struct {
	client       llm.Client
	registry     *tools.Registry
	maxRounds    int
	systemPrompt func() string
	hist         *history
	logger       *slog.Logger
}

type toolOutcome struct {
	res       tools.Result
	elapsedMS int64
}

// run drives rounds until the model produces a plain text answer, the round
// budget is exhausted, or ctx is cancelled. On cancellation it returns
// ctx.Err() and commits none of the in-flight round's tool results; an
// assistant tool-call message appended before the tools ran stays in history.
//
// The final answer is returned rather than committed: the orchestrator
// appends it to history only after synthesis completes cleanly, so a
// barge-in mid-speech leaves no assistant message for the cancelled turn.
func (l *agentLoop) run(ctx context.Context, events loopEvents) (string, error) {
	fallbackSeq := 0

	for round := 1; round <= l.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		stream, err := l.client.Stream(ctx, llm.Request{
			System:   l.systemPrompt(),
			Messages: l.hist.snapshot(),
			Tools:    l.registry.Describe(),
		})
		if err != nil {
			return "", err
		}

		var deltas []string
		var calls []llm.ToolCall
		finishReason := ""
		for {
			ev, err := stream.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				stream.Close()
				return "", err
			}
			switch ev.Kind {
			case llm.KindText:
				deltas = append(deltas, ev.Text)
				events.onText(ev.Text)
			case llm.KindToolCall:
				calls = append(calls, *ev.ToolCall)
			case llm.KindEnd:
				finishReason = ev.FinishReason
			}
			if err := ctx.Err(); err != nil {
				stream.Close()
				return "", err
			}
		}
		stream.Close()
		if err := ctx.Err(); err != nil {
			return "", err
		}

		full := strings.Join(deltas, "")

		if len(calls) == 0 {
			for _, d := range deltas {
				events.speak(d)
			}
			l.logger.Debug("agent round finished",
				"round", round, "finish_reason", finishReason, "text_len", len(full))
			return full, nil
		}

		// Some providers stream tool calls without ids; mint one so start
		// and result events can always be correlated.
		for i := range calls {
			if strings.TrimSpace(calls[i].ID) == "" {
				fallbackSeq++
				calls[i].ID = fmt.Sprintf("fallback_%d_%d_%d", round, fallbackSeq, time.Now().UnixMilli())
			}
		}

		l.hist.append(llm.Message{Role: llm.RoleAssistant, Content: full, ToolCalls: calls})

		for _, call := range calls {
			events.onToolStart(call)
		}

		outcomes := make([]toolOutcome, len(calls))
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call llm.ToolCall) {
				defer wg.Done()
				started := time.Now()
				var res tools.Result
				if call.ArgumentsError {
					res = tools.Result{
						Content: fmt.Sprintf("Error: arguments for %q could not be parsed", call.Name),
						IsError: true,
					}
				} else {
					res = l.registry.Invoke(ctx, call.Name, call.Arguments)
				}
				outcomes[i] = toolOutcome{res: res, elapsedMS: time.Since(started).Milliseconds()}
			}(i, call)
		}
		wg.Wait()

		// Cancelled mid-round: discard results rather than committing a
		// half-observed round.
		if err := ctx.Err(); err != nil {
			return "", err
		}

		for i, call := range calls {
			l.hist.append(llm.Message{
				Role:       llm.RoleTool,
				Content:    outcomes[i].res.Content,
				ToolCallID: call.ID,
				Name:       call.Name,
				IsError:    outcomes[i].res.IsError,
			})
			events.onToolResult(call, outcomes[i].res, outcomes[i].elapsedMS)
		}
	}

	l.logger.Warn("agent loop exhausted round budget", "max_rounds", l.maxRounds)
	events.onText(maxRoundsMessage)
	events.speak(maxRoundsMessage)
	return maxRoundsMessage, nil
}
