package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Player streams mono PCM16 chunks to the default output device. Chunks
// are buffered in order; Clear drops everything buffered but not yet
// played, giving the instant flush the client needs on barge-in. It
// satisfies clientsession.Player.
type Player struct {
	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	buffer  []byte
	started bool
}

// NewPlayer builds an idle Player; the device opens on Start.
func NewPlayer() *Player {
	return &Player{}
}

// Start opens the default playback device at sampleRate. The device pulls
// from the internal buffer; silence is emitted while the buffer is empty.
func (p *Player) Start(sampleRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("playback already started")
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize audio context: %w", err)
	}

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.SampleRate = uint32(sampleRate)
	config.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			p.mu.Lock()
			n := copy(output, p.buffer)
			p.buffer = p.buffer[n:]
			p.mu.Unlock()
			for i := n; i < len(output); i++ {
				output[i] = 0
			}
		},
	}

	device, err := malgo.InitDevice(ctx.Context, config, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to open playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to start playback device: %w", err)
	}

	p.ctx = ctx
	p.device = device
	p.started = true
	return nil
}

// Enqueue appends one PCM16 chunk to the playback buffer.
func (p *Player) Enqueue(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.buffer = append(p.buffer, chunk...)
}

// Clear instantly drops all buffered-but-unplayed audio.
func (p *Player) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = nil
}

// Close stops and releases the playback device. Idempotent. Teardown
// happens outside the mutex because Uninit waits for the data callback,
// which takes it.
func (p *Player) Close() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.buffer = nil
	device, ctx := p.device, p.ctx
	p.device, p.ctx = nil, nil
	p.mu.Unlock()

	device.Uninit()
	_ = ctx.Uninit()
	ctx.Free()
	return nil
}
