// Package audio provides the client's PCM16 primitives: fixed-frame
// microphone capture and streaming speaker playback with instant clear,
// both over miniaudio via malgo.
package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/sahilai/voiceforge/internal/wire"
)

const bytesPerSample = 2 // PCM16 LE mono

// Capturer records mono PCM16 from the default input device and posts
// fixed-size frames (wire.MicFrameSamples samples, ~100ms at 16kHz) to the
// callback supplied to Start. It satisfies clientsession.Capturer.
type Capturer struct {
	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	pending []byte
	started bool
}

// NewCapturer builds an idle Capturer; the device opens on Start.
func NewCapturer() *Capturer {
	return &Capturer{}
}

// Start opens the default capture device at sampleRate and begins posting
// frames to onFrame from the device's callback goroutine.
func (c *Capturer) Start(sampleRate int, onFrame func(frame []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("capture already started")
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize audio context: %w", err)
	}

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.Capture.Format = malgo.FormatS16
	config.Capture.Channels = 1
	config.SampleRate = uint32(sampleRate)
	config.Alsa.NoMMap = 1

	frameBytes := wire.MicFrameSamples * bytesPerSample

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.mu.Lock()
			c.pending = append(c.pending, input...)
			var frames [][]byte
			for len(c.pending) >= frameBytes {
				frame := make([]byte, frameBytes)
				copy(frame, c.pending[:frameBytes])
				c.pending = c.pending[frameBytes:]
				frames = append(frames, frame)
			}
			c.mu.Unlock()
			for _, f := range frames {
				onFrame(f)
			}
		},
	}

	device, err := malgo.InitDevice(ctx.Context, config, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to open capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	c.ctx = ctx
	c.device = device
	c.started = true
	return nil
}

// Close stops and releases the capture device. Idempotent. The device is
// torn down outside the mutex: Uninit waits for the data callback, which
// itself takes the mutex.
func (c *Capturer) Close() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.pending = nil
	device, ctx := c.device, c.ctx
	c.device, c.ctx = nil, nil
	c.mu.Unlock()

	device.Uninit()
	_ = ctx.Uninit()
	ctx.Free()
	return nil
}
