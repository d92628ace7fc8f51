// Package llm defines the model gateway contract used by chat, classify
// and tool-call nodes.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrEmptyResponse is returned by gateways when the model produced no choice.
var ErrEmptyResponse = errors.New("model returned no choices")

// Gateway performs chat completions against a model provider.
//
// When req.Stream is set and onDelta is non-nil, content chunks are passed
// to onDelta as they arrive; the returned response always carries the full
// content and usage.
type Gateway interface {
	ChatCompletion(ctx context.Context, req ChatRequest, onDelta DeltaFunc) (*ChatResponse, error)
}

// DeltaFunc receives streamed content chunks.
type DeltaFunc func(delta string)

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req ChatRequest, onDelta DeltaFunc) (*ChatResponse, error)

// ChatCompletion implements Gateway.
func (f GatewayFunc) ChatCompletion(ctx context.Context, req ChatRequest, onDelta DeltaFunc) (*ChatResponse, error) {
	return f(ctx, req, onDelta)
}

// ChatRequest configures a completion call.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Message is a conversation turn.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Role identifies the message sender.
type Role string

// Standard message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Tool describes a function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatResponse is the result of a completion call.
type ChatResponse struct {
	Content      string        `json:"content"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	Usage        TokenUsage    `json:"usage"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason"`
	Duration     time.Duration `json:"duration"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }
