// Package wire defines the JSON control-frame tag set exchanged between the
// browser (or the clientsession SDK) and the session orchestrator, plus the
// binary PCM16 framing convention that rides alongside it on the same
// WebSocket.
package wire

import "encoding/json"

// Tag is the closed set of `type` values carried by every JSON control
// frame. Frames with an unrecognized tag are dropped by the reader, never
// treated as an error.
type Tag string

const (
	// Server -> client
	TagReady     Tag = "ready"
	TagGreeting  Tag = "greeting"
	TagTranscript Tag = "transcript"
	TagTurn      Tag = "turn"
	TagThinking  Tag = "thinking"
	TagChat      Tag = "chat"
	TagTTSDone   Tag = "tts_done"
	TagCancelled Tag = "cancelled"
	TagReset     Tag = "reset"
	TagError     Tag = "error"
	TagPong      Tag = "pong"

	// Client -> server
	TagAudioReady Tag = "audio_ready"
	TagCancel     Tag = "cancel"
	TagClientReset Tag = "reset"
	TagPing       Tag = "ping"
)

// Envelope pairs a control frame's Type with its raw payload bytes. Decode
// does not use it; it reads the type through rawEnvelope.
type Envelope struct {
	Type    Tag             `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// rawEnvelope reads only the "type" field. The browser encodes frames as a
// flat JSON object with "type" plus payload fields at the top level, not
// nested under a "payload" key, so the payload fields are decoded later
// from the same bytes.
type rawEnvelope struct {
	Type Tag `json:"type"`
}

// Decode reads the Tag from a raw JSON control frame. The caller then
// unmarshals the same bytes into the concrete payload type for that tag.
// Frames with a missing or unrecognized Type are reported via ok=false so
// the caller can silently drop them.
func Decode(data []byte) (tag Tag, ok bool) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", false
	}
	if !knownTags[env.Type] {
		return "", false
	}
	return env.Type, true
}

var knownTags = map[Tag]bool{
	TagReady: true, TagGreeting: true, TagTranscript: true, TagTurn: true,
	TagThinking: true, TagChat: true, TagTTSDone: true, TagCancelled: true,
	TagReset: true, TagError: true, TagPong: true,
	TagAudioReady: true, TagCancel: true, TagPing: true,
}

// Ready is the server's `ready` payload.
type Ready struct {
	Type          Tag `json:"type"`
	SampleRate    int `json:"sampleRate"`
	TTSSampleRate int `json:"ttsSampleRate"`
	Version       int `json:"version,omitempty"`
}

func NewReady(sampleRate, ttsSampleRate, version int) Ready {
	return Ready{Type: TagReady, SampleRate: sampleRate, TTSSampleRate: ttsSampleRate, Version: version}
}

// Greeting is the server's `greeting` payload.
type Greeting struct {
	Type Tag    `json:"type"`
	Text string `json:"text"`
}

func NewGreeting(text string) Greeting { return Greeting{Type: TagGreeting, Text: text} }

// Transcript is the server's `transcript` payload (partial or final).
type Transcript struct {
	Type  Tag    `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

func NewTranscript(text string, final bool) Transcript {
	return Transcript{Type: TagTranscript, Text: text, Final: final}
}

// Turn is the server's `turn` payload: a completed user utterance.
type Turn struct {
	Type Tag    `json:"type"`
	Text string `json:"text"`
}

func NewTurn(text string) Turn { return Turn{Type: TagTurn, Text: text} }

// Thinking is the server's `thinking` payload; it carries no data.
type Thinking struct {
	Type Tag `json:"type"`
}

func NewThinking() Thinking { return Thinking{Type: TagThinking} }

// Chat is the server's `chat` payload: the final assistant reply for a turn.
type Chat struct {
	Type  Tag      `json:"type"`
	Text  string   `json:"text"`
	Steps []string `json:"steps"`
}

func NewChat(text string, steps []string) Chat {
	if steps == nil {
		steps = []string{}
	}
	return Chat{Type: TagChat, Text: text, Steps: steps}
}

// TTSDone is the server's `tts_done` payload; it carries no data.
type TTSDone struct {
	Type Tag `json:"type"`
}

func NewTTSDone() TTSDone { return TTSDone{Type: TagTTSDone} }

// Cancelled is the server's `cancelled` payload; acknowledges a cancel.
type Cancelled struct {
	Type Tag `json:"type"`
}

func NewCancelled() Cancelled { return Cancelled{Type: TagCancelled} }

// Reset is the server's `reset` payload; acknowledges a reset.
type Reset struct {
	Type Tag `json:"type"`
}

func NewReset() Reset { return Reset{Type: TagReset} }

// Error is the server's `error` payload.
type Error struct {
	Type    Tag      `json:"type"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func NewError(message string, details ...string) Error {
	return Error{Type: TagError, Message: message, Details: details}
}

// Pong is the server's heartbeat reply.
type Pong struct {
	Type Tag `json:"type"`
}

func NewPong() Pong { return Pong{Type: TagPong} }

// AudioReady is the client's ack that mic capture and playback are live.
type AudioReady struct {
	Type Tag `json:"type"`
}

func NewAudioReady() AudioReady { return AudioReady{Type: TagAudioReady} }

// Cancel is the client's barge-in / cancel request.
type Cancel struct {
	Type Tag `json:"type"`
}

func NewCancel() Cancel { return Cancel{Type: TagCancel} }

// ClientReset is the client's reset request (shares the "reset" tag with
// the server's ack; direction is inferred from who sent it).
type ClientReset struct {
	Type Tag `json:"type"`
}

func NewClientReset() ClientReset { return ClientReset{Type: TagReset} }

// Ping is the client's heartbeat probe.
type Ping struct {
	Type Tag `json:"type"`
}

func NewPing() Ping { return Ping{Type: TagPing} }

const (
	// MicSampleRate is the server-advertised microphone capture rate.
	MicSampleRate = 16000
	// MicFrameSamples is the fixed frame size posted by the client capture
	// pipeline: 100ms at 16kHz.
	MicFrameSamples = 1600
	// DefaultTTSSampleRate is the server-advertised speaker playback rate.
	DefaultTTSSampleRate = 24000
)
