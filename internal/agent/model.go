// ABOUTME: Model abstraction the agent loop streams completions from
// ABOUTME: Concrete backends live in internal/llm

package agent

import "context"

// Roles used in Prompt.History.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message is one prior conversational exchange.
type Message struct {
	Role string
	Text string
}

// Prompt is everything a model needs for one completion.
type Prompt struct {
	System  string
	History []Message
	Input   string
	// Stop sequences end the completion early. The loop uses these so the
	// model does not invent its own tool observations.
	Stop []string
}

// Model streams a single completion.
type Model interface {
	// Stream generates a completion for p, calling onToken for each chunk as
	// it arrives, and returns the full text.
	Stream(ctx context.Context, p Prompt, onToken func(string)) (string, error)
	// Name identifies the backing model for logs and stats.
	Name() string
}
