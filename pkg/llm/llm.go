// Package llm provides the chat-completion client used by the
// extraction pipeline and the entity resolver.
package llm

import "context"

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	Messages    []Message
	Temperature float32
	MaxTokens   int
	// JSONMode asks the provider to constrain output to a JSON object.
	JSONMode bool
}

// Provider is the completion surface. Implementations classify their
// failures with the error taxonomy: rate limits and outages transient,
// auth and malformed requests terminal.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}
