package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sahilai/voiceforge/internal/metrics"
	"github.com/sahilai/voiceforge/internal/models"
	"github.com/sahilai/voiceforge/internal/voice/llm"
	"github.com/sahilai/voiceforge/internal/wire"
)

// handleTurn runs on the driver goroutine for its synchronous prefix (TURN
// and THINKING must hit the wire before anything else can preempt this
// turn), then hands the LLM/tool/TTS work off to its own goroutine so the
// driver loop stays free to process a CANCEL frame while that work is in
// flight.
func (s *Session) handleTurn(text string) {
	cancel := s.newTurnCancel()

	// A turn arriving while the assistant is speaking is a barge-in: the
	// in-flight TTS was just cancelled above, so pass through listening
	// before thinking to stay on legal state edges.
	if s.currentState() == StateSpeaking {
		s.setState(StateListening)
	}
	s.setState(StateThinking)
	s.send(wire.NewTurn(text))
	s.send(wire.NewThinking())

	s.stateMu.Lock()
	s.transcript = append(s.transcript, userMessage(text))
	s.stateMu.Unlock()

	go s.runTurnBody(cancel)
}

// runTurnBody is the tool loop plus final reply/TTS. cancel is this turn's
// dedicated cancel signal: a subsequent turn or an explicit CANCEL closes
// it, and every blocking call below is threaded with it.
func (s *Session) runTurnBody(cancel chan struct{}) {
	var steps []string

	started := time.Now()
	outcome := "completed"
	defer func() {
		metrics.TurnsTotal.WithLabelValues(outcome).Inc()
		metrics.TurnDuration.Observe(time.Since(started).Seconds())
	}()

	for i := 0; i < s.deps.MaxToolLoops; i++ {
		if cancelled(cancel) {
			outcome = "cancelled"
			return
		}

		resp, err := s.callLLM(cancel)
		if err != nil {
			if cancelled(cancel) {
				outcome = "cancelled"
				return
			}
			outcome = "error"
			s.log.Warn().Err(err).Msg("LLM call failed")
			s.send(wire.NewError("Chat failed"))
			s.setState(StateError)
			return
		}

		if len(resp.Message.ToolCalls) > 0 {
			s.stateMu.Lock()
			s.transcript = append(s.transcript, assistantToolCallMessage(resp.Message.ToolCalls))
			s.stateMu.Unlock()

			newSteps, ok := s.runToolCalls(resp.Message.ToolCalls, cancel)
			steps = append(steps, newSteps...)
			if !ok {
				outcome = "cancelled"
				return
			}
			continue
		}

		text := resp.Message.Content
		if text == "" {
			text = "Sorry, I couldn't generate a response."
		}
		s.finishTurn(text, steps, cancel)
		return
	}

	// Iteration cap reached without final text: emit a canned apology and
	// return to listening instead of going silent on the user.
	s.finishTurn("Sorry, I'm having trouble completing that request right now.", steps, cancel)
}

func (s *Session) callLLM(cancel <-chan struct{}) (llm.Response, error) {
	s.stateMu.Lock()
	transcript := append([]ChatMessage(nil), s.transcript...)
	s.stateMu.Unlock()

	systemPrompt := ""
	rest := transcript
	if len(transcript) > 0 && transcript[0].Role == RoleSystem {
		systemPrompt = transcript[0].Content
		rest = transcript[1:]
	}

	return s.deps.LLM.Chat(s.ctx, s.agent.LLMModel, systemPrompt, toLLMMessages(rest), toolCatalog(s.agent.Tools), cancel)
}

func toolCatalog(defs []models.ToolDefinition) []llm.Tool {
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.Tool{Name: d.Name, Description: d.Description, JSONSchema: d.JSONSchema})
	}
	return out
}

// runToolCalls executes every tool call in the batch concurrently,
// preserving tool_call order in the appended transcript messages and the
// emitted steps, and returns false if cancel fired mid-batch.
func (s *Session) runToolCalls(calls []llm.ToolCall, cancel <-chan struct{}) ([]string, bool) {
	type result struct {
		message ChatMessage
		step    string
	}
	results := make([]result, len(calls))

	var wg sync.WaitGroup
	done := make(chan struct{})
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			results[i] = result{
				message: toolResultMessage(call.ID, s.executeOneTool(call, cancel)),
				step:    fmt.Sprintf("Using %s", call.Name),
			}
		}(i, call)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-cancel:
		return nil, false
	}

	steps := make([]string, 0, len(calls))
	s.stateMu.Lock()
	for _, r := range results {
		s.transcript = append(s.transcript, r.message)
		steps = append(steps, r.step)
	}
	s.stateMu.Unlock()

	if cancelled(cancel) {
		return steps, false
	}
	return steps, true
}

func (s *Session) executeOneTool(call llm.ToolCall, cancel <-chan struct{}) string {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(call.ArgumentsJSON), &args); err != nil {
		return fmt.Sprintf(`Error: Invalid JSON arguments for tool "%s"`, call.Name)
	}
	return s.deps.Sandbox.Execute(s.ctx, call.Name, args, cancel)
}

func (s *Session) finishTurn(text string, steps []string, cancel <-chan struct{}) {
	if cancelled(cancel) {
		return
	}

	s.stateMu.Lock()
	s.transcript = append(s.transcript, assistantMessage(text))
	s.stateMu.Unlock()

	if steps == nil {
		steps = []string{}
	}
	s.send(wire.NewChat(text, steps))
	s.setState(StateSpeaking)

	s.synthesizeAndEmit(normalizeVoiceText(text), cancel)
}

// synthesizeAndEmit streams TTS audio for text, emitting TTS_DONE and
// returning to listening on natural completion. It does nothing further if
// cancel fired: the CANCEL handler has already emitted CANCELLED and moved
// the state to listening.
func (s *Session) synthesizeAndEmit(text string, cancel <-chan struct{}) {
	err := s.deps.TTS.Synthesize(s.ctx, text, s.agent.Voice, s.sendAudio, cancel)
	if cancelled(cancel) {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("TTS synthesis failed")
		s.send(wire.NewError("TTS synthesis failed"))
		s.setState(StateError)
		return
	}
	s.send(wire.NewTTSDone())
	s.setState(StateListening)
}

func cancelled(cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// normalizeVoiceText strips markdown emphasis/code markers the LLM might
// emit so the TTS vendor isn't asked to speak literal asterisks or
// backticks.
func normalizeVoiceText(text string) string {
	replacer := strings.NewReplacer("**", "", "*", "", "`", "", "_", "")
	return replacer.Replace(text)
}
