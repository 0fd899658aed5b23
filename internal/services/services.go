package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sahilai/voiceforge/internal/config"
	"github.com/sahilai/voiceforge/internal/logger"
	"github.com/sahilai/voiceforge/internal/middleware"
	"github.com/sahilai/voiceforge/internal/models"
	"github.com/sahilai/voiceforge/internal/repository"
)

// Common errors
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrSlugTaken          = errors.New("slug already in use")
)

// Services holds all application services
type Services struct {
	Auth  *AuthService
	Agent *AgentService
}

// NewServices creates all services with their dependencies
func NewServices(repos *repository.Repositories, cfg *config.Config) *Services {
	return &Services{
		Auth:  NewAuthService(repos.User, cfg),
		Agent: NewAgentService(repos.Agent),
	}
}

// ==================== Auth Service ====================

type AuthService struct {
	userRepo *repository.UserRepository
	cfg      *config.Config
}

func NewAuthService(userRepo *repository.UserRepository, cfg *config.Config) *AuthService {
	return &AuthService{userRepo: userRepo, cfg: cfg}
}

// RegisterInput holds operator registration data
type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// LoginInput holds operator login data
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse contains authentication tokens and user info
type AuthResponse struct {
	User         *models.User `json:"user"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// Register creates a new operator account
func (s *AuthService) Register(input RegisterInput) (*AuthResponse, error) {
	log := logger.WithComponent("auth-service")

	existing, err := s.userRepo.GetByEmail(input.Email)
	if err == nil && existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		log.Error().Err(err).Msg("Failed to hash password")
		return nil, err
	}

	user := &models.User{
		Email:        input.Email,
		PasswordHash: string(hash),
		Name:         input.Name,
		Role:         "operator",
	}
	if err := s.userRepo.Create(user); err != nil {
		log.Error().Err(err).Str("email", input.Email).Msg("Failed to create user")
		return nil, err
	}

	log.Info().Str("user_id", user.ID.String()).Str("email", input.Email).Msg("User registered")
	return s.generateTokens(user)
}

// Login authenticates an operator and returns tokens
func (s *AuthService) Login(input LoginInput) (*AuthResponse, error) {
	log := logger.WithComponent("auth-service")

	user, err := s.userRepo.GetByEmail(input.Email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.Password)); err != nil {
		log.Debug().Str("email", input.Email).Msg("Invalid password attempt")
		return nil, ErrInvalidCredentials
	}

	log.Info().Str("user_id", user.ID.String()).Msg("User logged in")
	return s.generateTokens(user)
}

// RefreshToken generates new tokens from a valid refresh token
func (s *AuthService) RefreshToken(refreshToken string) (*AuthResponse, error) {
	token, err := jwt.ParseWithClaims(refreshToken, &middleware.Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*middleware.Claims)
	if !ok {
		return nil, ErrUnauthorized
	}

	user, err := s.userRepo.GetByID(claims.UserID)
	if err != nil {
		return nil, ErrUnauthorized
	}

	return s.generateTokens(user)
}

func (s *AuthService) generateTokens(user *models.User) (*AuthResponse, error) {
	expiresAt := time.Now().Add(24 * time.Hour)

	accessClaims := &middleware.Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims)
	accessTokenString, err := accessToken.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return nil, err
	}

	refreshClaims := &middleware.Claims{
		UserID: user.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(7 * 24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	refreshToken := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims)
	refreshTokenString, err := refreshToken.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return nil, err
	}

	return &AuthResponse{
		User:         user,
		AccessToken:  accessTokenString,
		RefreshToken: refreshTokenString,
		ExpiresAt:    expiresAt,
	}, nil
}

// ==================== Agent Service ====================

type AgentService struct {
	agentRepo *repository.AgentRepository
}

func NewAgentService(agentRepo *repository.AgentRepository) *AgentService {
	return &AgentService{agentRepo: agentRepo}
}

// CreateAgentInput holds the catalog fields of a new agent definition.
type CreateAgentInput struct {
	Slug             string                 `json:"slug"`
	Instructions     string                 `json:"instructions"`
	Greeting         string                 `json:"greeting"`
	Voice            string                 `json:"voice"`
	Prompt           string                 `json:"prompt"`
	LLMModel         string                 `json:"llmModel"`
	BuiltinToolNames []string               `json:"builtinToolNames"`
	Tools            models.ToolDefinitions `json:"tools"`
}

// UpdateAgentInput holds the mutable catalog fields; nil pointers leave
// the current value untouched.
type UpdateAgentInput struct {
	Instructions *string                 `json:"instructions"`
	Greeting     *string                 `json:"greeting"`
	Voice        *string                 `json:"voice"`
	Prompt       *string                 `json:"prompt"`
	LLMModel     *string                 `json:"llmModel"`
	Tools        *models.ToolDefinitions `json:"tools"`
	IsActive     *bool                   `json:"isActive"`
}

func (s *AgentService) List() ([]models.AgentDefinition, error) {
	return s.agentRepo.List()
}

func (s *AgentService) GetByID(id uuid.UUID) (*models.AgentDefinition, error) {
	agent, err := s.agentRepo.GetByID(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return agent, nil
}

func (s *AgentService) GetBySlug(slug string) (*models.AgentDefinition, error) {
	agent, err := s.agentRepo.GetBySlug(slug)
	if err != nil {
		return nil, ErrNotFound
	}
	return agent, nil
}

func (s *AgentService) Create(input CreateAgentInput) (*models.AgentDefinition, error) {
	log := logger.WithComponent("agent-service")

	if existing, err := s.agentRepo.GetBySlug(input.Slug); err == nil && existing != nil {
		return nil, ErrSlugTaken
	}

	agent := &models.AgentDefinition{
		Slug:             input.Slug,
		Instructions:     input.Instructions,
		Greeting:         input.Greeting,
		Voice:            input.Voice,
		Prompt:           input.Prompt,
		BuiltinToolNames: input.BuiltinToolNames,
		Tools:            input.Tools,
		IsActive:         true,
	}
	if input.LLMModel != "" {
		agent.LLMModel = input.LLMModel
	}

	if err := s.agentRepo.Create(agent); err != nil {
		log.Error().Err(err).Str("slug", input.Slug).Msg("Failed to create agent")
		return nil, err
	}

	log.Info().Str("agent_id", agent.ID.String()).Str("slug", agent.Slug).Msg("Agent created")
	return agent, nil
}

func (s *AgentService) Update(id uuid.UUID, input UpdateAgentInput) (*models.AgentDefinition, error) {
	agent, err := s.agentRepo.GetByID(id)
	if err != nil {
		return nil, ErrNotFound
	}

	if input.Instructions != nil {
		agent.Instructions = *input.Instructions
	}
	if input.Greeting != nil {
		agent.Greeting = *input.Greeting
	}
	if input.Voice != nil {
		agent.Voice = *input.Voice
	}
	if input.Prompt != nil {
		agent.Prompt = *input.Prompt
	}
	if input.LLMModel != nil {
		agent.LLMModel = *input.LLMModel
	}
	if input.Tools != nil {
		agent.Tools = *input.Tools
	}
	if input.IsActive != nil {
		agent.IsActive = *input.IsActive
	}

	if err := s.agentRepo.Update(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *AgentService) Delete(id uuid.UUID) error {
	if _, err := s.agentRepo.GetByID(id); err != nil {
		return ErrNotFound
	}
	return s.agentRepo.Delete(id)
}
