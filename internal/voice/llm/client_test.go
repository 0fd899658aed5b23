package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChat_NoKeyConfigured(t *testing.T) {
	c := NewClient("", "")
	_, err := c.Chat(context.Background(), "claude-sonnet-4-5-20250929", "", nil, nil, nil)
	require.Error(t, err)
}

func TestChat_RoutesByModelPrefix(t *testing.T) {
	c := NewClient("anthropic-key", "")
	_, err := c.Chat(context.Background(), "gpt-4o-mini", "", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OpenAI")
}

func TestAnthropicTools_FallsBackToObjectSchemaOnBadJSON(t *testing.T) {
	out := anthropicTools([]Tool{{Name: "broken", Description: "d", JSONSchema: "not json"}})
	require.Len(t, out, 1)
	schema, ok := out[0]["input_schema"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "object", schema["type"])
}

func TestOpenAITools_PreservesValidSchema(t *testing.T) {
	out := openAITools([]Tool{{Name: "get_weather", Description: "d", JSONSchema: `{"type":"object","properties":{"city":{"type":"string"}}}`}})
	require.Len(t, out, 1)
	fn, ok := out[0]["function"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "get_weather", fn["name"])
}
