package orchestrator

import (
	"context"

	"github.com/sahilai/voiceforge/internal/voice/stt/assemblyai"
)

// sttConnector bridges *assemblyai.Client to STTConnector. The vendor
// package declares its own Events interface (so it doesn't have to import
// orchestrator); this shim is the one place that reconciles the two
// identically-shaped but distinctly-named interfaces.
type sttConnector struct {
	client *assemblyai.Client
}

// NewSTTConnector wraps client as an STTConnector.
func NewSTTConnector(client *assemblyai.Client) STTConnector {
	return sttConnector{client: client}
}

func (a sttConnector) Connect(ctx context.Context, events STTEvents) (STTHandle, error) {
	return a.client.Connect(ctx, events)
}
