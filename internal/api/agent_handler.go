package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sahilai/voiceforge/internal/logger"
	"github.com/sahilai/voiceforge/internal/services"
)

// AgentHandler handles agent-catalog endpoints
type AgentHandler struct {
	agentService *services.AgentService
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(agentService *services.AgentService) *AgentHandler {
	return &AgentHandler{agentService: agentService}
}

func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("agent-handler")
	requestID := middleware.GetReqID(r.Context())

	agents, err := h.agentService.List()
	if err != nil {
		log.Error().Str("request_id", requestID).Err(err).Msg("Failed to fetch agents")
		respondError(w, http.StatusInternalServerError, "Failed to fetch agents")
		return
	}

	respondJSON(w, http.StatusOK, agents)
}

func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("agent-handler")
	requestID := middleware.GetReqID(r.Context())

	var input services.CreateAgentInput
	if err := parseJSON(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if input.Slug == "" || input.Instructions == "" {
		respondError(w, http.StatusBadRequest, "Slug and instructions are required")
		return
	}

	agent, err := h.agentService.Create(input)
	if err != nil {
		if err == services.ErrSlugTaken {
			respondError(w, http.StatusConflict, "Slug already in use")
			return
		}
		log.Error().Str("request_id", requestID).Err(err).Msg("Failed to create agent")
		respondError(w, http.StatusInternalServerError, "Failed to create agent")
		return
	}

	log.Info().
		Str("request_id", requestID).
		Str("agent_id", agent.ID.String()).
		Str("slug", agent.Slug).
		Msg("Agent created")

	respondJSON(w, http.StatusCreated, agent)
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := getUUIDParam(r, "id")
	if err != nil {
		// Fall back to slug lookup so /api/agents/{slug} also resolves.
		agent, serr := h.agentService.GetBySlug(chi.URLParam(r, "id"))
		if serr != nil {
			respondError(w, http.StatusNotFound, "Agent not found")
			return
		}
		respondJSON(w, http.StatusOK, agent)
		return
	}

	agent, err := h.agentService.GetByID(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Agent not found")
		return
	}

	respondJSON(w, http.StatusOK, agent)
}

func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("agent-handler")
	requestID := middleware.GetReqID(r.Context())

	id, err := getUUIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid agent ID")
		return
	}

	var input services.UpdateAgentInput
	if err := parseJSON(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	agent, err := h.agentService.Update(id, input)
	if err != nil {
		if err == services.ErrNotFound {
			respondError(w, http.StatusNotFound, "Agent not found")
			return
		}
		log.Error().Str("request_id", requestID).Err(err).Msg("Failed to update agent")
		respondError(w, http.StatusInternalServerError, "Failed to update agent")
		return
	}

	respondJSON(w, http.StatusOK, agent)
}

func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := getUUIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid agent ID")
		return
	}

	if err := h.agentService.Delete(id); err != nil {
		if err == services.ErrNotFound {
			respondError(w, http.StatusNotFound, "Agent not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to delete agent")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
