package repository

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sahilai/voiceforge/internal/models"
)

type Repositories struct {
	User  *UserRepository
	Agent *AgentRepository
}

func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:  NewUserRepository(db),
		Agent: NewAgentRepository(db),
	}
}

// ==================== User Repository ====================

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(user *models.User) error {
	return r.db.Create(user).Error
}

func (r *UserRepository) GetByID(id uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.db.First(&user, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) GetByEmail(email string) (*models.User, error) {
	var user models.User
	err := r.db.First(&user, "email = ?", email).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) Update(user *models.User) error {
	return r.db.Save(user).Error
}

func (r *UserRepository) Delete(id uuid.UUID) error {
	return r.db.Delete(&models.User{}, "id = ?", id).Error
}

// ==================== Agent Repository ====================

type AgentRepository struct {
	db *gorm.DB
}

func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

func (r *AgentRepository) Create(agent *models.AgentDefinition) error {
	return r.db.Create(agent).Error
}

func (r *AgentRepository) GetByID(id uuid.UUID) (*models.AgentDefinition, error) {
	var agent models.AgentDefinition
	err := r.db.First(&agent, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *AgentRepository) GetBySlug(slug string) (*models.AgentDefinition, error) {
	var agent models.AgentDefinition
	err := r.db.First(&agent, "slug = ? AND is_active = ?", slug, true).Error
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *AgentRepository) List() ([]models.AgentDefinition, error) {
	var agents []models.AgentDefinition
	err := r.db.Order("created_at DESC").Find(&agents).Error
	return agents, err
}

func (r *AgentRepository) Update(agent *models.AgentDefinition) error {
	return r.db.Save(agent).Error
}

// Upsert writes agent keyed by slug: update the existing row if one
// exists, insert otherwise. Used by cmd/seed so re-seeding replaces the
// catalog record in place.
func (r *AgentRepository) Upsert(agent *models.AgentDefinition) error {
	existing, err := r.GetBySlug(agent.Slug)
	if err != nil {
		return r.db.Create(agent).Error
	}
	agent.ID = existing.ID
	agent.CreatedAt = existing.CreatedAt
	return r.db.Save(agent).Error
}

func (r *AgentRepository) Delete(id uuid.UUID) error {
	return r.db.Delete(&models.AgentDefinition{}, "id = ?", id).Error
}
