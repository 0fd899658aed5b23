package orchestrator

import (
	"context"

	"github.com/sahilai/voiceforge/internal/voice/llm"
)

// STTEvents receives transcript and turn callbacks from a connected
// STTHandle. A Session implements this directly.
type STTEvents interface {
	OnTranscript(text string, final bool)
	OnTurn(text string)
}

// STTHandle is a live connection to the STT vendor for one session.
type STTHandle interface {
	Send(audio []byte) error
	Clear()
	Close() error
}

// STTConnector opens an STTHandle bound to events.
type STTConnector interface {
	Connect(ctx context.Context, events STTEvents) (STTHandle, error)
}

// TTSSynthesizer streams synthesized audio for one utterance at a time,
// serialized by the implementation.
type TTSSynthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string, onAudio func([]byte), cancel <-chan struct{}) error
}

// LLMChatter issues one batched chat-completion call.
type LLMChatter interface {
	Chat(ctx context.Context, model, systemPrompt string, messages []llm.Message, tools []llm.Tool, cancel <-chan struct{}) (llm.Response, error)
}

// ToolExecutor runs one sandboxed tool call and returns its coerced string
// result; it never returns a Go error, matching the sandbox's contract.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}, cancel <-chan struct{}) string
}

// Conn is the minimal browser transport surface the driver needs. The
// gorilla websocket.Conn satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}
