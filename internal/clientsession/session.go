// Package clientsession is the client-side counterpart of the session
// orchestrator: a reconnecting WebSocket session owning microphone
// capture, speaker playback, the client state machine, exponential-backoff
// reconnection, and the heartbeat. It is the same state machine a browser
// client runs, packaged as a Go SDK so a CLI harness, a desktop client, or
// an integration test can drive a live server.
package clientsession

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sahilai/voiceforge/internal/logger"
	"github.com/sahilai/voiceforge/internal/metrics"
	"github.com/sahilai/voiceforge/internal/wire"
)

// State is the client session's lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateListening  State = "listening"
	StateThinking   State = "thinking"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

const (
	textMessage   = websocket.TextMessage
	binaryMessage = websocket.BinaryMessage

	// DefaultPingInterval is the heartbeat period; one missed PONG window
	// closes the socket and lets reconnection take over.
	DefaultPingInterval = 30 * time.Second
)

// DefaultReconnectPolicy: 1s base, doubling, capped, five attempts before
// a terminal MAX_RECONNECTS.
var DefaultReconnectPolicy = ReconnectPolicy{
	MaxAttempts: 5,
	BaseDelay:   time.Second,
	Factor:      2,
	Cap:         30 * time.Second,
}

// ReconnectPolicy shapes the backoff between unintentional disconnects.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	Cap         time.Duration
}

// Delay returns the backoff before reconnect attempt k (zero-based):
// min(base * factor^k, cap).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt)))
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Conn is the transport surface the session drives; *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the session WebSocket. The default wraps gorilla's dialer.
type Dialer func(url string) (Conn, error)

func defaultDialer(url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	return conn, err
}

// Options configures a Session. Zero values select production defaults;
// the scheduling hook exists so tests can drive backoff and heartbeat with
// fake timers.
type Options struct {
	Dialer       Dialer
	Capturer     Capturer
	Player       Player
	Reconnect    ReconnectPolicy
	PingInterval time.Duration

	// AfterFunc schedules fn after d and returns a stop capability.
	// Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, fn func()) (stop func())
}

// Session is one reconnecting client session. All exported methods are
// safe for concurrent use.
type Session struct {
	url  string
	opts Options
	bus  *bus
	log  zerolog.Logger

	mu            sync.Mutex
	state         State
	conn          Conn
	connGen       int
	messages      []Message
	attempts      int
	intentional   bool
	pongPending   bool
	audioLive     bool
	awaitingReset bool
	stopReconnect func()
	stopHeartbeat func()

	writeMu sync.Mutex

	cancelPending atomic.Bool
}

// New builds a Session against platformURL (ws(s)://host, "/session" is
// appended). Connect starts it.
func New(platformURL string, opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = defaultDialer
	}
	if opts.Reconnect == (ReconnectPolicy{}) {
		opts.Reconnect = DefaultReconnectPolicy
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		}
	}
	return &Session{
		url:  platformURL + "/session",
		opts: opts,
		bus:  newBus(),
		log:  logger.WithComponent("clientsession"),
	}
}

// On subscribes fn to events of kind and returns an unsubscribe func.
func (s *Session) On(kind EventKind, fn func(Event)) func() {
	return s.bus.subscribe(kind, fn)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the conversation as seen client-side.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Connect opens the WebSocket and starts the session. It returns once the
// socket is open (or has failed and reconnection is scheduled); the rest
// of the lifecycle is event-driven.
func (s *Session) Connect() {
	s.mu.Lock()
	s.intentional = false
	s.mu.Unlock()
	s.dial()
}

func (s *Session) dial() {
	s.setState(StateConnecting)

	conn, err := s.opts.Dialer(s.url)
	if err != nil {
		s.log.Warn().Err(err).Msg("connect failed")
		s.bus.emit(Event{Kind: EventError, ErrorKind: ErrConnectionFailed, ErrorText: err.Error()})
		s.scheduleReconnect()
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.connGen++
	gen := s.connGen
	s.pongPending = false
	s.mu.Unlock()

	s.setState(StateReady)
	s.bus.emit(Event{Kind: EventConnected})
	s.startHeartbeat(gen)

	go s.readLoop(conn, gen)
}

// readLoop consumes frames from one socket generation until it dies. The
// generation guards against a stale loop (from a replaced socket)
// mutating current state.
func (s *Session) readLoop(conn Conn, gen int) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(gen)
			return
		}
		if mt == binaryMessage {
			s.handleAudioFrame(data)
			continue
		}
		s.handleControlFrame(data, gen)
	}
}

// handleAudioFrame enqueues speaker audio unless a local cancel is
// pending: frames that raced the cancel are dropped until the server's
// CANCELLED acknowledgement clears the flag.
func (s *Session) handleAudioFrame(data []byte) {
	if s.cancelPending.Load() {
		return
	}
	if s.opts.Player != nil {
		s.opts.Player.Enqueue(data)
	}
}

func (s *Session) handleControlFrame(data []byte, gen int) {
	tag, ok := wire.Decode(data)
	if !ok {
		return
	}

	switch tag {
	case wire.TagReady:
		var msg wire.Ready
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.handleReady(msg, gen)
	case wire.TagGreeting:
		var msg wire.Greeting
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.appendMessage(Message{Role: "assistant", Content: msg.Text})
		s.setState(StateSpeaking)
	case wire.TagTranscript:
		var msg wire.Transcript
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.bus.emit(Event{Kind: EventTranscript, Transcript: msg.Text, Final: msg.Final})
	case wire.TagTurn:
		var msg wire.Turn
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.appendMessage(Message{Role: "user", Content: msg.Text})
		s.bus.emit(Event{Kind: EventTranscript, Transcript: "", Final: false})
	case wire.TagThinking:
		s.setState(StateThinking)
	case wire.TagChat:
		var msg wire.Chat
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.appendMessage(Message{Role: "assistant", Content: msg.Text, Steps: msg.Steps})
		s.setState(StateSpeaking)
	case wire.TagTTSDone:
		s.setState(StateListening)
	case wire.TagCancelled:
		s.cancelPending.Store(false)
		if s.opts.Player != nil {
			s.opts.Player.Clear()
		}
		s.setState(StateListening)
	case wire.TagReset:
		s.handleResetAck()
	case wire.TagPong:
		s.mu.Lock()
		s.pongPending = false
		s.mu.Unlock()
	case wire.TagError:
		var msg wire.Error
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.setState(StateError)
		s.bus.emit(Event{Kind: EventError, ErrorKind: ErrServerError, ErrorText: msg.Message})
	}
}

// handleReady negotiates audio: capture and playback are started
// concurrently and both must succeed before AUDIO_READY is sent. A READY
// also resets the reconnect attempt counter.
func (s *Session) handleReady(msg wire.Ready, gen int) {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	metrics.ReconnectsTotal.WithLabelValues("succeeded").Inc()

	if s.opts.Capturer == nil || s.opts.Player == nil {
		// Headless mode (no audio devices wired): still acknowledge so a
		// test harness can drive the session.
		s.sendJSON(wire.NewAudioReady())
		s.setState(StateListening)
		s.bus.emit(Event{Kind: EventAudioReady})
		return
	}

	var wg sync.WaitGroup
	var capErr, playErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		capErr = s.opts.Capturer.Start(msg.SampleRate, s.sendAudioFrame)
	}()
	go func() {
		defer wg.Done()
		playErr = s.opts.Player.Start(msg.TTSSampleRate)
	}()
	wg.Wait()

	if capErr != nil || playErr != nil {
		_ = s.opts.Capturer.Close()
		_ = s.opts.Player.Close()
		kind := ErrAudioSetupFailed
		err := playErr
		if capErr != nil {
			kind = ErrMicDenied
			err = capErr
		}
		s.log.Warn().Err(err).Msg("audio setup failed")
		s.setState(StateError)
		s.bus.emit(Event{Kind: EventError, ErrorKind: kind, ErrorText: err.Error()})
		return
	}

	s.mu.Lock()
	stale := gen != s.connGen || s.conn == nil
	s.audioLive = !stale
	s.mu.Unlock()
	if stale {
		// Socket died while audio was being set up; tear the
		// partially-built audio back down and let reconnection handle it.
		_ = s.opts.Capturer.Close()
		_ = s.opts.Player.Close()
		return
	}

	s.sendJSON(wire.NewAudioReady())
	s.setState(StateListening)
	s.bus.emit(Event{Kind: EventAudioReady})
}

// sendAudioFrame posts one captured microphone frame. Runs on the capture
// device's goroutine.
func (s *Session) sendAudioFrame(frame []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteMessage(binaryMessage, frame)
}

func (s *Session) handleResetAck() {
	if s.opts.Player != nil {
		s.opts.Player.Clear()
	}
	s.mu.Lock()
	s.messages = nil
	s.awaitingReset = false
	s.mu.Unlock()
	s.bus.emit(Event{Kind: EventReset})
}

// Cancel is the user's barge-in: set the local drop flag, flush playback,
// tell the server, and return to listening immediately. The flag is
// cleared only by the server's CANCELLED acknowledgement.
func (s *Session) Cancel() {
	s.cancelPending.Store(true)
	if s.opts.Player != nil {
		s.opts.Player.Clear()
	}
	s.sendJSON(wire.NewCancel())
	s.setState(StateListening)
}

// Reset flushes playback and clears the conversation. With an open socket
// the clear is deferred to the server's RESET acknowledgement; with a
// closed one it happens locally and a reconnect cycle is started.
func (s *Session) Reset() {
	if s.opts.Player != nil {
		s.opts.Player.Clear()
	}

	s.mu.Lock()
	open := s.conn != nil
	if open {
		s.awaitingReset = true
	} else {
		s.messages = nil
	}
	s.mu.Unlock()

	if open {
		s.sendJSON(wire.NewClientReset())
		return
	}

	s.bus.emit(Event{Kind: EventReset})
	s.Disconnect()
	s.Connect()
}

// Disconnect ends the session on purpose: no reconnect follows.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.intentional = true
	conn := s.conn
	s.conn = nil
	stopReconnect := s.stopReconnect
	s.stopReconnect = nil
	stopHeartbeat := s.stopHeartbeat
	s.stopHeartbeat = nil
	audioLive := s.audioLive
	s.audioLive = false
	s.mu.Unlock()

	if stopReconnect != nil {
		stopReconnect()
	}
	if stopHeartbeat != nil {
		stopHeartbeat()
	}
	if audioLive {
		if s.opts.Capturer != nil {
			_ = s.opts.Capturer.Close()
		}
		if s.opts.Player != nil {
			_ = s.opts.Player.Close()
		}
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.bus.emit(Event{Kind: EventDisconnected})
}

// handleClose reacts to the socket dying. Intentional disconnects were
// already handled by Disconnect; anything else schedules a reconnect.
func (s *Session) handleClose(gen int) {
	s.mu.Lock()
	if gen != s.connGen {
		s.mu.Unlock()
		return
	}
	intentional := s.intentional
	s.conn = nil
	stopHeartbeat := s.stopHeartbeat
	s.stopHeartbeat = nil
	audioLive := s.audioLive
	s.audioLive = false
	s.mu.Unlock()

	if stopHeartbeat != nil {
		stopHeartbeat()
	}
	if audioLive {
		if s.opts.Capturer != nil {
			_ = s.opts.Capturer.Close()
		}
		if s.opts.Player != nil {
			_ = s.opts.Player.Close()
		}
	}
	if intentional {
		return
	}

	s.bus.emit(Event{Kind: EventDisconnected})
	s.scheduleReconnect()
}

// scheduleReconnect books the next dial attempt with exponential backoff,
// or gives up with MAX_RECONNECTS once the policy's attempts are
// exhausted.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.intentional {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.opts.Reconnect.MaxAttempts {
		s.mu.Unlock()
		metrics.ReconnectsTotal.WithLabelValues("exhausted").Inc()
		s.setState(StateError)
		s.bus.emit(Event{
			Kind:      EventError,
			ErrorKind: ErrMaxReconnects,
			ErrorText: fmt.Sprintf("giving up after %d reconnect attempts", s.opts.Reconnect.MaxAttempts),
		})
		return
	}
	delay := s.opts.Reconnect.Delay(s.attempts)
	s.attempts++
	s.stopReconnect = s.opts.AfterFunc(delay, func() {
		s.mu.Lock()
		s.stopReconnect = nil
		intentional := s.intentional
		s.mu.Unlock()
		if !intentional {
			s.dial()
		}
	})
	s.mu.Unlock()

	metrics.ReconnectsTotal.WithLabelValues("scheduled").Inc()
	s.log.Debug().Dur("delay", delay).Msg("reconnect scheduled")
}

// startHeartbeat begins the PING/PONG cycle for one socket generation:
// every interval, a missing PONG since the previous tick closes the socket
// (reconnect takes over); otherwise a PING is sent and a PONG becomes due.
func (s *Session) startHeartbeat(gen int) {
	var tick func()
	tick = func() {
		s.mu.Lock()
		if gen != s.connGen || s.conn == nil {
			s.mu.Unlock()
			return
		}
		missed := s.pongPending
		conn := s.conn
		if !missed {
			s.pongPending = true
		}
		s.mu.Unlock()

		if missed {
			s.log.Warn().Msg("heartbeat missed, closing socket")
			_ = conn.Close()
			return
		}
		s.sendJSON(wire.NewPing())

		s.mu.Lock()
		if gen == s.connGen && s.conn != nil {
			s.stopHeartbeat = s.opts.AfterFunc(s.opts.PingInterval, tick)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.stopHeartbeat = s.opts.AfterFunc(s.opts.PingInterval, tick)
	s.mu.Unlock()
}

func (s *Session) appendMessage(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.bus.emit(Event{Kind: EventMessage, Message: &m})
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.bus.emit(Event{Kind: EventStateChange, State: next})
}

func (s *Session) sendJSON(payload interface{}) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.WriteMessage(textMessage, data)
}
