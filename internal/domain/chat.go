package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// generation engine and LLM integrations.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDescriptor advertises a callable tool to the model.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// CompletionRequest is one model call.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Tools       []ToolDescriptor
	Temperature float64
	MaxTokens   int
}

// CompletionResponse is the normalized model reply.
type CompletionResponse struct {
	Content          string
	ToolCalls        []ToolCall
	Model            string
	PromptTokens     int
	CompletionTokens int
}
