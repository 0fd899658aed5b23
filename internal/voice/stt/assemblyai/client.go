// Package assemblyai adapts AssemblyAI's realtime transcription WebSocket to
// the orchestrator's STT.connect(events) contract: a handle exposing
// send(bytes), clear(), and close(), paired with onTranscript/onTurn
// callbacks delivered to the caller-supplied Events.
package assemblyai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sahilai/voiceforge/internal/logger"
	"github.com/sahilai/voiceforge/internal/wire"
)

const realtimeURL = "wss://api.assemblyai.com/v2/realtime/ws"

// Events receives transcript and turn callbacks from a connected Handle.
// Implementations must not block for long inside these callbacks: they run
// on the Handle's receive goroutine.
type Events interface {
	OnTranscript(text string, final bool)
	OnTurn(text string)
}

// Client dials AssemblyAI's realtime STT endpoint on Connect.
type Client struct {
	apiKey string
}

// NewClient builds a Client bound to apiKey.
func NewClient(apiKey string) *Client {
	return &Client{apiKey: apiKey}
}

// Handle is a live connection to the STT vendor for one session.
type Handle struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Connect opens the realtime WebSocket and starts forwarding transcript
// events to events until the returned Handle is closed or ctx is done.
func (c *Client) Connect(ctx context.Context, events Events) (*Handle, error) {
	log := logger.WithComponent("stt.assemblyai")

	if c.apiKey == "" {
		return nil, fmt.Errorf("AssemblyAI API key not configured")
	}

	url := fmt.Sprintf("%s?sample_rate=%d", realtimeURL, wire.MicSampleRate)
	header := map[string][]string{"Authorization": {c.apiKey}}

	connCtx, cancel := context.WithCancel(ctx)

	conn, _, err := websocket.DefaultDialer.DialContext(connCtx, url, header)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	h := &Handle{conn: conn, cancel: cancel}

	go h.receiveLoop(connCtx, events, log)

	return h, nil
}

// receiveLoop parses vendor messages until ctx is done or the connection
// errors, translating PartialTranscript/FinalTranscript frames into
// Events callbacks. A final transcript also fires OnTurn: AssemblyAI's
// realtime API treats "final" and "end of turn" as the same signal.
func (h *Handle) receiveLoop(ctx context.Context, events Events, log zerolog.Logger) {
	defer h.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err) {
				log.Debug().Err(err).Msg("AssemblyAI connection closed unexpectedly")
			}
			return
		}

		var resp struct {
			MessageType string  `json:"message_type"`
			Text        string  `json:"text"`
			Confidence  float64 `json:"confidence"`
		}
		if err := json.Unmarshal(message, &resp); err != nil {
			continue
		}

		switch resp.MessageType {
		case "PartialTranscript":
			if resp.Text != "" {
				events.OnTranscript(resp.Text, false)
			}
		case "FinalTranscript":
			if resp.Text != "" {
				events.OnTranscript(resp.Text, true)
				events.OnTurn(resp.Text)
			}
		case "SessionTerminated":
			return
		}
	}
}

// Send forwards raw PCM16 audio bytes to the vendor in the order received.
func (h *Handle) Send(audio []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString(audio)
	return h.conn.WriteJSON(map[string]interface{}{"audio_data": encoded})
}

// Clear drops vendor-side buffered audio at barge-in. AssemblyAI's realtime
// API has no explicit buffer-flush frame, so this is a no-op: audio already
// sent on this Handle is not discarded, and the Handle stays in use after
// the cancel.
func (h *Handle) Clear() {}

// Close terminates the session and releases the underlying connection.
// Idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	_ = h.conn.WriteJSON(map[string]bool{"terminate_session": true})
	h.cancel()
	return h.conn.Close()
}
