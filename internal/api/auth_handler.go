package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/sahilai/voiceforge/internal/logger"
	"github.com/sahilai/voiceforge/internal/services"
)

// AuthHandler handles operator authentication endpoints
type AuthHandler struct {
	authService *services.AuthService
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("auth-handler")
	requestID := middleware.GetReqID(r.Context())

	var input services.RegisterInput
	if err := parseJSON(r, &input); err != nil {
		log.Warn().Str("request_id", requestID).Err(err).Msg("Invalid request body")
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if input.Email == "" || input.Password == "" || input.Name == "" {
		respondError(w, http.StatusBadRequest, "Email, password, and name are required")
		return
	}

	response, err := h.authService.Register(input)
	if err != nil {
		if err == services.ErrUserExists {
			respondError(w, http.StatusConflict, "User already exists")
			return
		}
		log.Error().Str("request_id", requestID).Err(err).Msg("Failed to register user")
		respondError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	log.Info().
		Str("request_id", requestID).
		Str("user_id", response.User.ID.String()).
		Str("email", input.Email).
		Msg("User registered successfully")

	respondJSON(w, http.StatusCreated, response)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("auth-handler")
	requestID := middleware.GetReqID(r.Context())

	var input services.LoginInput
	if err := parseJSON(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	response, err := h.authService.Login(input)
	if err != nil {
		if err == services.ErrInvalidCredentials {
			respondError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		log.Error().Str("request_id", requestID).Err(err).Msg("Failed to log in")
		respondError(w, http.StatusInternalServerError, "Failed to log in")
		return
	}

	respondJSON(w, http.StatusOK, response)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var input struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := parseJSON(r, &input); err != nil || input.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "Refresh token is required")
		return
	}

	response, err := h.authService.RefreshToken(input.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	}

	respondJSON(w, http.StatusOK, response)
}
