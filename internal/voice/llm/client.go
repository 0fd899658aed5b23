// Package llm talks to an Anthropic or OpenAI-compatible chat completions
// endpoint and returns a single batched response rather than a token
// stream: the turn algorithm needs to see a whole message (or a whole
// batch of parallel tool calls) before it can act, so there is no streaming
// consumer for partial deltas here.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sahilai/voiceforge/internal/logger"
)

// Message is one entry in the conversation transcript sent to the model.
// ToolCalls is set on assistant messages that invoked tools; ToolCallID and
// Name identify a tool-result message responding to one of them.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is one invocation the model asked for.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"argumentsJson"`
}

// Tool describes one callable function the model may choose to invoke.
type Tool struct {
	Name        string
	Description string
	JSONSchema  string
}

// ResponseMessage is choices[0].message from the adapter's point of view:
// ToolCalls is non-empty for a tool-call batch; otherwise Content holds the
// final reply, which is empty when the vendor returned no text.
type ResponseMessage struct {
	Content   string
	ToolCalls []ToolCall
}

// Response wraps ResponseMessage to mirror the vendors'
// choices[0].message{content?, tool_calls?} shape.
type Response struct {
	Message ResponseMessage
}

// Client dispatches to Anthropic or OpenAI based on the model name prefix.
type Client struct {
	anthropicKey string
	openAIKey    string
	httpClient   *http.Client
}

// NewClient builds a Client holding both vendor keys; either may be empty
// if that provider is unused.
func NewClient(anthropicKey, openAIKey string) *Client {
	return &Client{anthropicKey: anthropicKey, openAIKey: openAIKey, httpClient: &http.Client{}}
}

// Chat sends the transcript and tool catalog to the model named by model
// and returns its single batched response. cancel aborts the in-flight
// HTTP call.
func (c *Client) Chat(ctx context.Context, model, systemPrompt string, messages []Message, tools []Tool, cancel <-chan struct{}) (Response, error) {
	log := logger.WithComponent("llm")

	callCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-callCtx.Done():
		}
	}()

	switch {
	case strings.HasPrefix(model, "claude") || strings.HasPrefix(model, "anthropic"):
		log.Debug().Str("model", model).Str("provider", "anthropic").Msg("dispatching chat")
		return c.chatAnthropic(callCtx, model, systemPrompt, messages, tools)
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1"):
		log.Debug().Str("model", model).Str("provider", "openai").Msg("dispatching chat")
		return c.chatOpenAI(callCtx, model, systemPrompt, messages, tools)
	case c.anthropicKey != "":
		return c.chatAnthropic(callCtx, model, systemPrompt, messages, tools)
	case c.openAIKey != "":
		return c.chatOpenAI(callCtx, model, systemPrompt, messages, tools)
	default:
		return Response{}, fmt.Errorf("no LLM API key configured")
	}
}

func (c *Client) chatAnthropic(ctx context.Context, model, systemPrompt string, messages []Message, tools []Tool) (Response, error) {
	if c.anthropicKey == "" {
		return Response{}, fmt.Errorf("Anthropic API key not configured")
	}

	anthropicMessages := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		switch {
		case len(m.ToolCalls) > 0:
			blocks := make([]map[string]interface{}, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				var input map[string]interface{}
				_ = json.Unmarshal([]byte(tc.ArgumentsJSON), &input)
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			anthropicMessages = append(anthropicMessages, map[string]interface{}{"role": "assistant", "content": blocks})
		case m.ToolCallID != "":
			anthropicMessages = append(anthropicMessages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "tool_result", "tool_use_id": m.ToolCallID, "content": m.Content},
				},
			})
		default:
			anthropicMessages = append(anthropicMessages, map[string]interface{}{"role": m.Role, "content": m.Content})
		}
	}

	payload := map[string]interface{}{
		"model":      model,
		"max_tokens": 1024,
		"system":     systemPrompt,
		"messages":   anthropicMessages,
	}
	if len(tools) > 0 {
		payload["tools"] = anthropicTools(tools)
	}

	var parsed struct {
		Content []struct {
			Type  string                 `json:"type"`
			Text  string                 `json:"text"`
			ID    string                 `json:"id"`
			Name  string                 `json:"name"`
			Input map[string]interface{} `json:"input"`
		} `json:"content"`
	}
	if err := c.post(ctx, "https://api.anthropic.com/v1/messages", payload, map[string]string{
		"x-api-key":         c.anthropicKey,
		"anthropic-version": "2023-06-01",
	}, &parsed); err != nil {
		return Response{}, err
	}

	var text strings.Builder
	var calls []ToolCall
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, ArgumentsJSON: string(args)})
		}
	}
	if len(calls) > 0 {
		return Response{Message: ResponseMessage{ToolCalls: calls}}, nil
	}
	return Response{Message: ResponseMessage{Content: text.String()}}, nil
}

func anthropicTools(tools []Tool) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		var schema interface{}
		if err := json.Unmarshal([]byte(t.JSONSchema), &schema); err != nil {
			schema = map[string]interface{}{"type": "object"}
		}
		out = append(out, map[string]interface{}{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": schema,
		})
	}
	return out
}

func (c *Client) chatOpenAI(ctx context.Context, model, systemPrompt string, messages []Message, tools []Tool) (Response, error) {
	if c.openAIKey == "" {
		return Response{}, fmt.Errorf("OpenAI API key not configured")
	}

	openAIMessages := []map[string]interface{}{{"role": "system", "content": systemPrompt}}
	for _, m := range messages {
		switch {
		case len(m.ToolCalls) > 0:
			calls := make([]map[string]interface{}, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, map[string]interface{}{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      tc.Name,
						"arguments": tc.ArgumentsJSON,
					},
				})
			}
			openAIMessages = append(openAIMessages, map[string]interface{}{"role": "assistant", "tool_calls": calls})
		case m.ToolCallID != "":
			openAIMessages = append(openAIMessages, map[string]interface{}{
				"role":         "tool",
				"tool_call_id": m.ToolCallID,
				"content":      m.Content,
			})
		default:
			openAIMessages = append(openAIMessages, map[string]interface{}{"role": m.Role, "content": m.Content})
		}
	}

	payload := map[string]interface{}{
		"model":    model,
		"messages": openAIMessages,
	}
	if len(tools) > 0 {
		payload["tools"] = openAITools(tools)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "https://api.openai.com/v1/chat/completions", payload, map[string]string{
		"Authorization": "Bearer " + c.openAIKey,
	}, &parsed); err != nil {
		return Response{}, err
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("OpenAI returned no choices")
	}

	msg := parsed.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		calls := make([]ToolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, ArgumentsJSON: tc.Function.Arguments})
		}
		return Response{Message: ResponseMessage{ToolCalls: calls}}, nil
	}
	return Response{Message: ResponseMessage{Content: msg.Content}}, nil
}

func openAITools(tools []Tool) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		var schema interface{}
		if err := json.Unmarshal([]byte(t.JSONSchema), &schema); err != nil {
			schema = map[string]interface{}{"type": "object"}
		}
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  schema,
			},
		})
	}
	return out
}

func (c *Client) post(ctx context.Context, url string, payload interface{}, headers map[string]string, out interface{}) error {
	log := logger.WithComponent("llm")

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("body", string(respBody)).Msg("LLM API error")
		return fmt.Errorf("LLM API error: %s - %s", resp.Status, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}
