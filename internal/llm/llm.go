// Package llm defines the model-client contract. The production client lives
// outside this module; Scripted backs tests and dev mode.
package llm

import "context"

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request describes one model call.
type Request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Client streams or generates completions. Stream sends raw text chunks on
// the first channel; a terminal error, if any, arrives on the second before
// both are closed. A nil receive from the error channel means clean end.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan string, <-chan error)
	Generate(ctx context.Context, req Request) (string, error)
}
