// Package api is the catalog/admin HTTP surface: operator auth and agent
// definition CRUD. The voice-session and deploy surfaces live in the
// registry package; this one only manages the durable catalog behind them.
package api

import (
	"github.com/sahilai/voiceforge/internal/services"
)

// Handlers holds all API handlers
type Handlers struct {
	Auth  *AuthHandler
	Agent *AgentHandler
}

// NewHandlers creates all API handlers
func NewHandlers(svc *services.Services) *Handlers {
	return &Handlers{
		Auth:  NewAuthHandler(svc.Auth),
		Agent: NewAgentHandler(svc.Agent),
	}
}
