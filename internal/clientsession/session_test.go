package clientsession

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahilai/voiceforge/internal/logger"
	"github.com/sahilai/voiceforge/internal/wire"
)

func init() {
	logger.Init(false)
}

// ---- fakes ----

type fakeConn struct {
	in     chan []byte // nil sentinel never used; close(in) ends the read loop
	binary chan []byte
	mu     sync.Mutex
	writes [][]byte
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), binary: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return textMessage, data, nil
	case data, ok := <-c.binary:
		if !ok {
			return 0, nil, io.EOF
		}
		return binaryMessage, data, nil
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.in) })
	return nil
}

func (c *fakeConn) pushJSON(t *testing.T, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) sentTags(t *testing.T) []wire.Tag {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var tags []wire.Tag
	for _, w := range c.writes {
		if tag, ok := wire.Decode(w); ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
}

func (d *fakeDialer) dial(url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, fmt.Errorf("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

// fakeScheduler records scheduled callbacks instead of arming real timers;
// the test advances time by firing them.
type fakeScheduler struct {
	mu      sync.Mutex
	entries []*scheduled
}

type scheduled struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (s *fakeScheduler) afterFunc(d time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &scheduled{delay: d, fn: fn}
	s.entries = append(s.entries, e)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		e.stopped = true
	}
}

// fire pops the most recent entry with the given delay and runs it.
func (s *fakeScheduler) fire(t *testing.T, delay time.Duration) {
	t.Helper()
	s.mu.Lock()
	var target *scheduled
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].delay == delay && !s.entries[i].stopped {
			target = s.entries[i]
			s.entries[i].stopped = true
			break
		}
	}
	s.mu.Unlock()
	require.NotNil(t, target, "no pending callback with delay %v", delay)
	target.fn()
}

func (s *fakeScheduler) pendingDelays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, e := range s.entries {
		if !e.stopped {
			out = append(out, e.delay)
		}
	}
	return out
}

type fakePlayer struct {
	mu       sync.Mutex
	enqueued [][]byte
	clears   int
	started  bool
	startErr error
}

func (p *fakePlayer) Start(sampleRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	return nil
}

func (p *fakePlayer) Enqueue(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = append(p.enqueued, chunk)
}

func (p *fakePlayer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears++
}

func (p *fakePlayer) Close() error { return nil }

func (p *fakePlayer) enqueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.enqueued)
}

type fakeCapturer struct {
	mu       sync.Mutex
	started  bool
	startErr error
}

func (c *fakeCapturer) Start(sampleRate int, onFrame func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	return nil
}

func (c *fakeCapturer) Close() error { return nil }

// ---- harness ----

type clientHarness struct {
	session  *Session
	dialer   *fakeDialer
	sched    *fakeScheduler
	player   *fakePlayer
	capturer *fakeCapturer

	mu     sync.Mutex
	events []Event
}

func newClientHarness(t *testing.T) *clientHarness {
	t.Helper()
	h := &clientHarness{
		dialer:   &fakeDialer{},
		sched:    &fakeScheduler{},
		player:   &fakePlayer{},
		capturer: &fakeCapturer{},
	}
	h.session = New("ws://localhost:8080", Options{
		Dialer:    h.dialer.dial,
		Capturer:  h.capturer,
		Player:    h.player,
		AfterFunc: h.sched.afterFunc,
	})
	for _, kind := range []EventKind{EventStateChange, EventMessage, EventTranscript, EventError, EventConnected, EventDisconnected, EventAudioReady, EventReset} {
		kind := kind
		h.session.On(kind, func(ev Event) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		})
	}
	return h
}

func (h *clientHarness) eventsOf(kind EventKind) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (h *clientHarness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.State() == want }, 2*time.Second, 5*time.Millisecond)
}

func (h *clientHarness) connectAndNegotiate(t *testing.T) *fakeConn {
	t.Helper()
	h.session.Connect()
	h.waitState(t, StateReady)
	conn := h.dialer.latest()
	conn.pushJSON(t, wire.NewReady(16000, 24000, 1))
	h.waitState(t, StateListening)
	return conn
}

// ---- tests ----

func TestConnect_NegotiatesAudioAndSendsAudioReady(t *testing.T) {
	h := newClientHarness(t)
	conn := h.connectAndNegotiate(t)

	require.Eventually(t, func() bool {
		for _, tag := range conn.sentTags(t) {
			if tag == wire.TagAudioReady {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.player.started)
	assert.True(t, h.capturer.started)
	assert.NotEmpty(t, h.eventsOf(EventAudioReady))
}

func TestConnect_MicDeniedEntersError(t *testing.T) {
	h := newClientHarness(t)
	h.capturer.startErr = fmt.Errorf("permission denied")

	h.session.Connect()
	h.waitState(t, StateReady)
	h.dialer.latest().pushJSON(t, wire.NewReady(16000, 24000, 1))

	h.waitState(t, StateError)
	errs := h.eventsOf(EventError)
	require.NotEmpty(t, errs)
	assert.Equal(t, ErrMicDenied, errs[len(errs)-1].ErrorKind)
}

func TestMessages_TurnAndChatAppend(t *testing.T) {
	h := newClientHarness(t)
	conn := h.connectAndNegotiate(t)

	conn.pushJSON(t, wire.NewTurn("hello there"))
	conn.pushJSON(t, wire.NewThinking())
	h.waitState(t, StateThinking)
	conn.pushJSON(t, wire.NewChat("hi!", []string{"Using get_weather"}))
	h.waitState(t, StateSpeaking)
	conn.pushJSON(t, wire.NewTTSDone())
	h.waitState(t, StateListening)

	msgs := h.session.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hello there", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, []string{"Using get_weather"}, msgs[1].Steps)
}

// Property 4: after a local cancel, zero PCM bytes reach playback until
// the server's CANCELLED arrives.
func TestCancel_DropsLateAudioUntilAck(t *testing.T) {
	h := newClientHarness(t)
	conn := h.connectAndNegotiate(t)

	h.session.Cancel()
	assert.Equal(t, StateListening, h.session.State())

	conn.binary <- []byte{1, 2}
	conn.binary <- []byte{3, 4}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.player.enqueuedCount())

	conn.pushJSON(t, wire.NewCancelled())
	require.Eventually(t, func() bool { return !h.session.cancelPending.Load() }, time.Second, 5*time.Millisecond)

	conn.binary <- []byte{5, 6}
	require.Eventually(t, func() bool { return h.player.enqueuedCount() == 1 }, time.Second, 5*time.Millisecond)
}

// S5: five unintentional closes yield five reconnects at 1s, 2s, 4s, 8s,
// 16s; the sixth close raises MAX_RECONNECTS.
func TestReconnect_ExponentialBackoffThenGivesUp(t *testing.T) {
	h := newClientHarness(t)
	h.session.Connect()
	h.waitState(t, StateReady)
	require.Equal(t, 1, h.dialer.count())

	wantDelays := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, delay := range wantDelays {
		_ = h.dialer.latest().Close()
		delay := delay
		require.Eventually(t, func() bool {
			for _, d := range h.sched.pendingDelays() {
				if d == delay {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond, "reconnect %d not scheduled at %v", i+1, delay)

		h.sched.fire(t, delay)
		require.Equal(t, i+2, h.dialer.count())
	}

	// Sixth close exhausts the policy.
	_ = h.dialer.latest().Close()
	require.Eventually(t, func() bool {
		errs := h.eventsOf(EventError)
		return len(errs) > 0 && errs[len(errs)-1].ErrorKind == ErrMaxReconnects
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateError, h.session.State())
	assert.Equal(t, 6, h.dialer.count())
}

// The attempt counter resets on a received READY, restarting the backoff
// sequence from the base delay.
func TestReconnect_AttemptsResetOnReady(t *testing.T) {
	h := newClientHarness(t)
	conn := h.connectAndNegotiate(t)

	// Two failures walk the backoff up to 2s.
	_ = conn.Close()
	require.Eventually(t, func() bool {
		for _, d := range h.sched.pendingDelays() {
			if d == 1000*time.Millisecond {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	h.sched.fire(t, 1000*time.Millisecond)
	_ = h.dialer.latest().Close()
	require.Eventually(t, func() bool {
		for _, d := range h.sched.pendingDelays() {
			if d == 2000*time.Millisecond {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	h.sched.fire(t, 2000*time.Millisecond)

	// This attempt succeeds and READY arrives: the counter resets.
	h.waitState(t, StateReady)
	h.dialer.latest().pushJSON(t, wire.NewReady(16000, 24000, 1))
	h.waitState(t, StateListening)

	// The next failure schedules at the base delay again.
	_ = h.dialer.latest().Close()
	require.Eventually(t, func() bool {
		for _, d := range h.sched.pendingDelays() {
			if d == 1000*time.Millisecond {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

// S6: reset with a closed socket emits a local reset and dials a new
// connection.
func TestReset_WithClosedSocketReconnects(t *testing.T) {
	h := newClientHarness(t)
	h.connectAndNegotiate(t)
	h.session.Disconnect()
	require.Equal(t, 1, h.dialer.count())

	h.session.Reset()

	assert.NotEmpty(t, h.eventsOf(EventReset))
	require.Eventually(t, func() bool { return h.dialer.count() == 2 }, time.Second, 5*time.Millisecond)
}

// Reset with an open socket defers the clear to the server's ack.
func TestReset_WithOpenSocketAwaitsAck(t *testing.T) {
	h := newClientHarness(t)
	conn := h.connectAndNegotiate(t)
	conn.pushJSON(t, wire.NewTurn("hi"))
	require.Eventually(t, func() bool { return len(h.session.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	h.session.Reset()
	// Not cleared yet: the ack hasn't arrived.
	assert.Len(t, h.session.Messages(), 1)
	assert.Empty(t, h.eventsOf(EventReset))

	conn.pushJSON(t, wire.NewReset())
	require.Eventually(t, func() bool { return len(h.session.Messages()) == 0 }, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, h.eventsOf(EventReset))
}

func TestDisconnect_IsIntentionalNoReconnect(t *testing.T) {
	h := newClientHarness(t)
	h.connectAndNegotiate(t)
	h.session.Disconnect()

	time.Sleep(50 * time.Millisecond)
	for _, d := range h.sched.pendingDelays() {
		assert.NotEqual(t, 1000*time.Millisecond, d, "reconnect scheduled after intentional disconnect")
	}
	assert.Equal(t, 1, h.dialer.count())
}

// A missed PONG window closes the socket; reconnection takes over.
func TestHeartbeat_MissedPongClosesSocket(t *testing.T) {
	h := newClientHarness(t)
	conn := h.connectAndNegotiate(t)

	// First tick: sends PING, pong becomes due.
	h.sched.fire(t, DefaultPingInterval)
	require.Eventually(t, func() bool {
		for _, tag := range conn.sentTags(t) {
			if tag == wire.TagPing {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// Second tick with no PONG received: the socket is closed and a
	// reconnect gets scheduled.
	h.sched.fire(t, DefaultPingInterval)
	require.Eventually(t, func() bool {
		for _, d := range h.sched.pendingDelays() {
			if d == 1000*time.Millisecond {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeat_PongKeepsSessionAlive(t *testing.T) {
	h := newClientHarness(t)
	conn := h.connectAndNegotiate(t)

	h.sched.fire(t, DefaultPingInterval)
	conn.pushJSON(t, wire.NewPong())
	require.Eventually(t, func() bool {
		h.session.mu.Lock()
		defer h.session.mu.Unlock()
		return !h.session.pongPending
	}, time.Second, 5*time.Millisecond)

	// Next tick sends another PING instead of closing.
	h.sched.fire(t, DefaultPingInterval)
	require.Eventually(t, func() bool {
		pings := 0
		for _, tag := range conn.sentTags(t) {
			if tag == wire.TagPing {
				pings++
			}
		}
		return pings == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.dialer.count())
}

func TestReconnectPolicy_DelaySequenceAndCap(t *testing.T) {
	p := ReconnectPolicy{MaxAttempts: 5, BaseDelay: time.Second, Factor: 2, Cap: 10 * time.Second}
	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(4)) // capped
}

func TestEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := newBus()
	var got int
	unsub := b.subscribe(EventReset, func(Event) { got++ })
	b.emit(Event{Kind: EventReset})
	unsub()
	b.emit(Event{Kind: EventReset})
	assert.Equal(t, 1, got)
}
