// Package orchestrator drives one browser WebSocket through its lifetime:
// the state machine, cancellation, and fan-in from the STT/LLM/TTS
// collaborators described by the adapter interfaces in this package.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sahilai/voiceforge/internal/logger"
	"github.com/sahilai/voiceforge/internal/metrics"
	"github.com/sahilai/voiceforge/internal/models"
	"github.com/sahilai/voiceforge/internal/wire"
)

const (
	textMessage   = 1
	binaryMessage = 2
)

// MaxToolIterations bounds the tool-call loop per turn.
const MaxToolIterations = 3

type frame struct {
	messageType int
	data        []byte
}

type sttEvent struct {
	turn  bool
	text  string
	final bool
}

// Deps bundles the collaborators a Session needs, so construction doesn't
// require one constructor argument per adapter.
type Deps struct {
	STT     STTConnector
	TTS     TTSSynthesizer
	LLM     LLMChatter
	Sandbox ToolExecutor

	MicSampleRate int
	TTSSampleRate int
	MaxToolLoops  int
}

// Session owns one open browser WebSocket for its entire lifetime. It is
// driven by one goroutine (Run). The frame reader and STT event callbacks
// only post to its channels; the turn and greeting goroutines write frames
// under sendMu and touch the transcript and state under stateMu.
type Session struct {
	id    string
	agent *models.AgentDefinition
	conn  Conn
	deps  Deps
	log   zerolog.Logger

	stateMu    sync.Mutex
	transcript []ChatMessage
	state      SessionState

	sttHandle STTHandle

	turnCancel   chan struct{}
	turnCancelMu sync.Mutex

	sendMu sync.Mutex

	frames    chan frame
	sttEvents chan sttEvent
	done      chan struct{}
	doneOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession constructs a driver for one browser connection. It does not
// touch the network until Run is called.
func NewSession(conn Conn, agent *models.AgentDefinition, deps Deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	if deps.MaxToolLoops <= 0 {
		deps.MaxToolLoops = MaxToolIterations
	}
	if deps.MicSampleRate <= 0 {
		deps.MicSampleRate = wire.MicSampleRate
	}
	if deps.TTSSampleRate <= 0 {
		deps.TTSSampleRate = wire.DefaultTTSSampleRate
	}

	id := uuid.New().String()
	return &Session{
		id:         id,
		agent:      agent,
		conn:       conn,
		deps:       deps,
		log:        logger.WithSessionID(id),
		transcript: []ChatMessage{systemMessage(agent.Instructions)},
		state:      StateConnecting,
		frames:     make(chan frame, 8),
		sttEvents:  make(chan sttEvent, 16),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run drives the session until the browser closes the connection or an
// unrecoverable setup failure occurs. It always returns (never panics the
// caller's goroutine): any internal failure is logged and folds the
// session into StateError rather than propagating.
func (s *Session) Run() {
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	defer s.teardown()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("session driver panicked, closing session")
			s.setState(StateError)
		}
	}()

	go s.readLoop()

	if !s.connectSTT() {
		// Session stays open in StateError so the client can retry via reset.
		s.driverLoop()
		return
	}

	s.setState(StateReady)
	s.send(wire.NewReady(s.deps.MicSampleRate, s.deps.TTSSampleRate, 1))

	s.driverLoop()
}

func (s *Session) driverLoop() {
	for {
		select {
		case fr, ok := <-s.frames:
			if !ok {
				return
			}
			s.handleFrame(fr)
		case ev := <-s.sttEvents:
			s.handleSTTEvent(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) connectSTT() bool {
	handle, err := s.deps.STT.Connect(s.ctx, s)
	if err != nil {
		s.log.Warn().Err(err).Msg("STT connect failed")
		s.setState(StateError)
		s.send(wire.NewError("Failed to connect to speech recognition"))
		return false
	}
	s.sttHandle = handle
	return true
}

func (s *Session) readLoop() {
	defer close(s.frames)
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == binaryMessage {
			// Audio never blocks the reader on a busy driver: a full
			// buffer drops the frame rather than stalling the socket.
			select {
			case s.frames <- frame{messageType: mt, data: data}:
			case <-s.done:
				return
			default:
			}
			continue
		}
		select {
		case s.frames <- frame{messageType: mt, data: data}:
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleFrame(fr frame) {
	if fr.messageType == binaryMessage {
		s.forwardAudio(fr.data)
		return
	}

	tag, ok := wire.Decode(fr.data)
	if !ok {
		return
	}

	switch tag {
	case wire.TagAudioReady:
		s.handleAudioReady()
	case wire.TagCancel:
		s.handleCancel()
	case wire.TagClientReset:
		s.handleReset()
	case wire.TagPing:
		s.send(wire.NewPong())
	}
}

// forwardAudio hands one frame to the STT handle synchronously, on the
// driver loop, in arrival order; a send error is logged and the frame is
// lost. Frames are dropped under back-pressure upstream, in readLoop, when
// the driver's frame buffer is full.
func (s *Session) forwardAudio(data []byte) {
	if s.sttHandle == nil {
		return
	}
	if err := s.sttHandle.Send(data); err != nil {
		s.log.Debug().Err(err).Msg("failed to forward audio to STT")
	}
}

func (s *Session) handleAudioReady() {
	if s.currentState() != StateReady {
		return
	}
	s.setState(StateListening)
	if s.agent.Greeting != "" {
		go s.runGreeting()
	}
}

// runGreeting synthesizes the agent's configured greeting the same way a
// turn's final reply is spoken, without going through the LLM/tool loop. It
// runs on its own goroutine so a barge-in cancel can be processed by the
// driver loop while the greeting is still streaming.
func (s *Session) runGreeting() {
	s.send(wire.NewGreeting(s.agent.Greeting))

	s.stateMu.Lock()
	s.transcript = append(s.transcript, assistantMessage(s.agent.Greeting))
	s.stateMu.Unlock()

	s.setState(StateSpeaking)

	cancel := s.newTurnCancel()
	s.synthesizeAndEmit(s.agent.Greeting, cancel)
}

// OnTranscript implements STTEvents. It is called from the STT adapter's
// own goroutine, so it only ever posts to sttEvents.
func (s *Session) OnTranscript(text string, final bool) {
	select {
	case s.sttEvents <- sttEvent{text: text, final: final}:
	case <-s.done:
	}
}

// OnTurn implements STTEvents.
func (s *Session) OnTurn(text string) {
	select {
	case s.sttEvents <- sttEvent{turn: true, text: text}:
	case <-s.done:
	}
}

func (s *Session) handleSTTEvent(ev sttEvent) {
	if ev.turn {
		s.handleTurn(ev.text)
		return
	}
	s.send(wire.NewTranscript(ev.text, ev.final))
}

// newTurnCancel closes any previous turn's cancel channel and installs a
// fresh one for the operation about to start: at most one chat and one
// TTS stream are ever in flight, and starting a new one cancels the old.
func (s *Session) newTurnCancel() chan struct{} {
	s.turnCancelMu.Lock()
	defer s.turnCancelMu.Unlock()
	if s.turnCancel != nil {
		close(s.turnCancel)
	}
	ch := make(chan struct{})
	s.turnCancel = ch
	return ch
}

func (s *Session) cancelInflight() {
	s.turnCancelMu.Lock()
	defer s.turnCancelMu.Unlock()
	if s.turnCancel != nil {
		close(s.turnCancel)
		s.turnCancel = nil
	}
}

func (s *Session) handleCancel() {
	s.cancelInflight()
	if s.sttHandle != nil {
		s.sttHandle.Clear()
	}
	s.send(wire.NewCancelled())
	s.setState(StateListening)
}

func (s *Session) handleReset() {
	s.cancelInflight()

	s.stateMu.Lock()
	if len(s.transcript) > 1 {
		s.transcript = s.transcript[:1]
	}
	wasError := s.state == StateError
	s.stateMu.Unlock()

	s.send(wire.NewReset())

	if wasError {
		s.setStateForce(StateConnecting)
		if s.connectSTT() {
			s.setState(StateReady)
			s.send(wire.NewReady(s.deps.MicSampleRate, s.deps.TTSSampleRate, 1))
		}
	}
}

func (s *Session) setState(next SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !canTransition(s.state, next) {
		s.log.Warn().Str("from", string(s.state)).Str("to", string(next)).Msg("rejected illegal state transition")
		return
	}
	s.state = next
}

// setStateForce sets the state without consulting the transition table. It
// is used only for the error->connecting recovery edge in handleReset.
func (s *Session) setStateForce(next SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = next
}

func (s *Session) currentState() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// send and sendAudio share sendMu: gorilla's websocket.Conn permits only
// one concurrent writer, and the turn goroutine (streaming TTS chunks) runs
// alongside the driver loop (which may still emit cancelled/error frames).
func (s *Session) send(payload interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal outgoing frame")
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.conn.WriteMessage(textMessage, b); err != nil {
		s.log.Debug().Err(err).Msg("failed to write frame to browser")
	}
}

func (s *Session) sendAudio(chunk []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.conn.WriteMessage(binaryMessage, chunk); err != nil {
		s.log.Debug().Err(err).Msg("failed to write audio frame to browser")
	}
}

func (s *Session) teardown() {
	s.doneOnce.Do(func() { close(s.done) })
	s.cancelInflight()
	s.cancel()
	if s.sttHandle != nil {
		_ = s.sttHandle.Close()
	}
	_ = s.conn.Close()
}
