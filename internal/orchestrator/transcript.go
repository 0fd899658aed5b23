package orchestrator

import "github.com/sahilai/voiceforge/internal/voice/llm"

// Role is the tag of a ChatMessage variant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is one entry of a session's transcript. Assistant messages
// may carry pending tool calls instead of (or alongside an empty) content;
// tool messages carry the call they answer.
type ChatMessage struct {
	Role       Role
	Content    string
	ToolCalls  []llm.ToolCall
	ToolCallID string
}

func systemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

func userMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

func assistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

func assistantToolCallMessage(calls []llm.ToolCall) ChatMessage {
	return ChatMessage{Role: RoleAssistant, ToolCalls: calls}
}

func toolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, ToolCallID: callID, Content: content}
}

// toLLMMessages flattens a transcript into the llm package's wire shape.
func toLLMMessages(transcript []ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(transcript))
	for _, m := range transcript {
		out = append(out, llm.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}
