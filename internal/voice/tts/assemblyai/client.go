// Package assemblyai adapts a Cartesia-style streaming TTS WebSocket
// protocol to the orchestrator's TTS.synthesize(text, onAudio, cancel)
// contract. The wire shape (one JSON request frame carrying the whole text
// in, base64 PCM chunk frames out) mirrors the vendor streaming protocol this codebase's
// other adapters use; the connection itself is parameterized by the
// platform's configured TTS key and WebSocket URL rather than hardcoded to
// one vendor host.
package assemblyai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sahilai/voiceforge/internal/logger"
	"github.com/sahilai/voiceforge/internal/wire"
)

const (
	defaultWSSURL = "wss://api.assemblyai.com/v2/tts/websocket"
	modelID       = "sonic-3"
)

// Client holds the vendor credentials for TTS. Calls on one Client are
// serialized by Client itself: a prior Synthesize must finish or be
// cancelled before the next one's network call starts.
type Client struct {
	apiKey     string
	wssURL     string
	defaultVoice string

	mu sync.Mutex
}

// NewClient builds a Client. wssURL falls back to defaultWSSURL when empty.
func NewClient(apiKey, wssURL, defaultVoice string) *Client {
	if wssURL == "" {
		wssURL = defaultWSSURL
	}
	return &Client{apiKey: apiKey, wssURL: wssURL, defaultVoice: defaultVoice}
}

// Synthesize streams text to the vendor and invokes onAudio with each PCM16
// LE chunk at wire.DefaultTTSSampleRate, until the vendor reports the
// utterance complete or cancel fires. It blocks until one of those happens,
// so the orchestrator drives it from its own goroutine.
func (c *Client) Synthesize(ctx context.Context, text string, voiceID string, onAudio func([]byte), cancel <-chan struct{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := logger.WithComponent("tts.assemblyai")

	if c.apiKey == "" {
		return fmt.Errorf("TTS API key not configured")
	}
	if voiceID == "" {
		voiceID = c.defaultVoice
	}

	url := fmt.Sprintf("%s?api_key=%s", c.wssURL, c.apiKey)
	connCtx, stop := context.WithCancel(ctx)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(connCtx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to TTS vendor: %w", err)
	}
	defer conn.Close()

	go func() {
		select {
		case <-cancel:
			stop()
			_ = conn.Close()
		case <-connCtx.Done():
		}
	}()

	contextID := fmt.Sprintf("ctx_%d", time.Now().UnixNano())
	payload := map[string]interface{}{
		"model_id":   modelID,
		"transcript": text,
		"voice":      map[string]interface{}{"mode": "id", "id": voiceID},
		"output_format": map[string]interface{}{
			"container":   "raw",
			"encoding":    "pcm_s16le",
			"sample_rate": wire.DefaultTTSSampleRate,
		},
		"context_id": contextID,
	}
	if err := conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("failed to send TTS request: %w", err)
	}

	for {
		select {
		case <-cancel:
			return nil
		case <-connCtx.Done():
			return nil
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-cancel:
				return nil
			default:
			}
			return fmt.Errorf("TTS stream read failed: %w", err)
		}

		var resp struct {
			Type  string `json:"type"`
			Data  string `json:"data"`
			Done  bool   `json:"done"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(message, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			log.Warn().Str("error", resp.Error).Msg("TTS vendor reported an error")
			return fmt.Errorf("TTS vendor error: %s", resp.Error)
		}
		if resp.Type == "chunk" && resp.Data != "" {
			audio, err := base64.StdEncoding.DecodeString(resp.Data)
			if err != nil {
				continue
			}
			onAudio(audio)
		}
		if resp.Done {
			return nil
		}
	}
}
