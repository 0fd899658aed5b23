package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel is the common embedded fields for every persisted row: a UUID
// primary key, timestamps, and soft-delete support.
type BaseModel struct {
	ID        uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate generates a UUID before insert if one was not already set.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// User is an operator account permitted to deploy bundles and manage the
// agent catalog. Voice sessions themselves are not authenticated beyond
// the publishable slug.
type User struct {
	BaseModel
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`
	Name         string `gorm:"not null" json:"name"`
	Role         string `gorm:"default:operator" json:"role"` // operator, admin
}

// ToolDefinition is one JSON-schema-described tool an AgentDefinition
// exposes to the LLM, with its JavaScript handler as opaque source text
// until sandbox compile time.
type ToolDefinition struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	JSONSchema    string `json:"jsonSchema"`
	HandlerSource string `json:"handlerSource"`
}

// ToolDefinitions is the JSONB-backed list of an agent's tools.
type ToolDefinitions []ToolDefinition

// AgentDefinition is the immutable-per-deploy configuration of one voice
// agent, looked up by slug. It is the catalog counterpart of a deployed
// bundle (registry.Bundle); worker.js/client.js/manifest.json live on disk and
// in the registry's KV index, not here — this is the catalog record a
// human (or the deploy endpoint) edits.
type AgentDefinition struct {
	BaseModel
	Slug             string          `gorm:"uniqueIndex;not null" json:"slug"`
	Instructions     string          `gorm:"type:text;not null" json:"instructions"`
	Greeting         string          `json:"greeting"`
	Voice            string          `json:"voice"`
	Prompt           string          `gorm:"type:text" json:"prompt,omitempty"`
	BuiltinToolNames StringList      `gorm:"type:jsonb" json:"builtinToolNames"`
	Tools            ToolDefinitions `gorm:"type:jsonb" json:"tools"`
	LLMModel         string          `gorm:"default:claude-sonnet-4-5-20250929" json:"llmModel"`
	IsActive         bool            `gorm:"default:true" json:"isActive"`
}
