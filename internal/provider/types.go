package provider

import "context"

// Backend defines the interface to the local inference service.
type Backend interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ListModels(ctx context.Context) ([]Model, error)
	HealthCheck(ctx context.Context) error
}

// ChatRequest represents one completion request to the backend.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
}

// Message represents a chat message in the transcript.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolName  string     `json:"tool_name,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ChatResponse represents a parsed backend reply.
type ChatResponse struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	DoneReason string     `json:"done_reason"`
}

// Tool defines a tool offered to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function and its parameter schema.
type ToolFunction struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  interface{} `json:"parameters"`
}

// ToolCall is the model's request to invoke a tool. The ID is assigned
// locally when the reply is parsed; Ollama does not return call identifiers.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Model describes an available local model.
type Model struct {
	Name       string `json:"name"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

// OutcomeKind classifies a backend reply for the agent loop.
type OutcomeKind int

const (
	// OutcomeThought is plain reasoning text (or a malformed reply); the
	// loop continues and the iteration still counts toward the budget.
	OutcomeThought OutcomeKind = iota
	// OutcomeToolCalls carries one or more tool invocation requests.
	OutcomeToolCalls
	// OutcomeFinal is the model's final answer.
	OutcomeFinal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeThought:
		return "thought"
	case OutcomeToolCalls:
		return "tool_calls"
	case OutcomeFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Outcome is the disambiguated result of one completion.
type Outcome struct {
	Kind  OutcomeKind
	Text  string
	Calls []ToolCall
}
