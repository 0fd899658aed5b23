package repository

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sahilai/voiceforge/internal/models"
)

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to connect to test database")

	err = db.AutoMigrate(
		&models.User{},
		&models.AgentDefinition{},
	)
	require.NoError(t, err, "Failed to migrate test database")

	return db
}

func testAgent(slug, greeting string) *models.AgentDefinition {
	return &models.AgentDefinition{
		Slug:         slug,
		Instructions: "You are a helpful assistant",
		Greeting:     greeting,
		Voice:        "default",
		IsActive:     true,
		Tools: models.ToolDefinitions{
			{Name: "echo", Description: "Echo", JSONSchema: `{"type":"object"}`, HandlerSource: "async (args, ctx) => args.text"},
		},
	}
}

// TestUserSoftDelete verifies that user deletion is soft delete
func TestUserSoftDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepository(db)

	user := &models.User{
		Email:        "test@example.com",
		PasswordHash: "hashedpassword",
		Name:         "Test User",
		Role:         "operator",
	}
	err := repo.Create(user)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, user.ID)

	err = repo.Delete(user.ID)
	require.NoError(t, err)

	// Verify user is soft deleted (not retrievable by normal query)
	_, err = repo.GetByID(user.ID)
	assert.Error(t, err, "Soft-deleted user should not be retrievable")

	// Verify user still exists in database with deleted_at set
	var deletedUser models.User
	err = db.Unscoped().First(&deletedUser, "id = ?", user.ID).Error
	require.NoError(t, err, "User should still exist in database")
	assert.True(t, deletedUser.DeletedAt.Valid, "DeletedAt should be set")
}

// TestAgentSoftDelete verifies that agent deletion is soft delete
func TestAgentSoftDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgentRepository(db)

	agent := testAgent("soft-delete-agent", "Hello!")
	err := repo.Create(agent)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, agent.ID)

	err = repo.Delete(agent.ID)
	require.NoError(t, err)

	_, err = repo.GetByID(agent.ID)
	assert.Error(t, err, "Soft-deleted agent should not be retrievable")

	_, err = repo.GetBySlug("soft-delete-agent")
	assert.Error(t, err, "Soft-deleted agent should not resolve by slug")

	var deleted models.AgentDefinition
	err = db.Unscoped().First(&deleted, "id = ?", agent.ID).Error
	require.NoError(t, err, "Agent should still exist in database")
	assert.True(t, deleted.DeletedAt.Valid, "DeletedAt should be set")
}

// TestListExcludesSoftDeleted verifies that list queries exclude soft-deleted records
func TestListExcludesSoftDeleted(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgentRepository(db)

	a1 := testAgent("agent-1", "")
	a2 := testAgent("agent-2", "")
	a3 := testAgent("agent-3", "")
	require.NoError(t, repo.Create(a1))
	require.NoError(t, repo.Create(a2))
	require.NoError(t, repo.Create(a3))

	agents, err := repo.List()
	require.NoError(t, err)
	assert.Len(t, agents, 3, "Should have 3 agents")

	require.NoError(t, repo.Delete(a2.ID))

	agents, err = repo.List()
	require.NoError(t, err)
	assert.Len(t, agents, 2, "Should have 2 agents after soft delete")
	for _, a := range agents {
		assert.NotEqual(t, a2.ID, a.ID, "Deleted agent should not be in list")
	}
}

func TestGetBySlugIgnoresInactive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgentRepository(db)

	agent := testAgent("paused-agent", "")
	agent.IsActive = false
	require.NoError(t, repo.Create(agent))

	_, err := repo.GetBySlug("paused-agent")
	assert.Error(t, err, "Inactive agent should not resolve by slug")
}

func TestUpsertReplacesBySlug(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgentRepository(db)

	original := testAgent("upsert-agent", "Hello!")
	require.NoError(t, repo.Upsert(original))
	require.NotEqual(t, uuid.Nil, original.ID)

	replacement := testAgent("upsert-agent", "Howdy!")
	require.NoError(t, repo.Upsert(replacement))
	assert.Equal(t, original.ID, replacement.ID, "Upsert should keep the existing row's ID")

	got, err := repo.GetBySlug("upsert-agent")
	require.NoError(t, err)
	assert.Equal(t, "Howdy!", got.Greeting)
	assert.Equal(t, original.CreatedAt.Unix(), got.CreatedAt.Unix(), "Upsert should preserve CreatedAt")

	agents, err := repo.List()
	require.NoError(t, err)
	assert.Len(t, agents, 1, "Upsert must not create a second row for the slug")
}

// TestToolDefinitionsRoundTrip verifies the JSON column types survive a
// write/read cycle.
func TestToolDefinitionsRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgentRepository(db)

	agent := testAgent("jsonb-agent", "")
	agent.BuiltinToolNames = models.StringList{"end_call", "transfer"}
	require.NoError(t, repo.Create(agent))

	got, err := repo.GetBySlug("jsonb-agent")
	require.NoError(t, err)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "echo", got.Tools[0].Name)
	assert.Contains(t, got.Tools[0].HandlerSource, "=>")
	assert.Equal(t, models.StringList{"end_call", "transfer"}, got.BuiltinToolNames)
}
