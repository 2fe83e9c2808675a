// Package agent defines the external-collaborator interfaces an Agent
// Session drives: a ChatModel for LLM turns, a Tool for side-effecting
// calls the LLM requests, and a CodeExecutor for sandboxed code blocks.
// Concrete provider adapters live in agent/anthropic, agent/openai and
// agent/google; mock implementations live alongside each interface for
// use in Scheduler and Session tests.
package agent

import "context"

// ChatModel abstracts an LLM chat provider. Implementations translate
// Message/ToolSpec into a provider's wire format and ChatOut back, and
// must respect ctx cancellation.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn in a chat conversation.
type Message struct {
	Role    string
	Content string
}

// Standard role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolSpec describes a tool an LLM may call, in JSON Schema form.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is an LLM turn's output: text, tool calls, or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is a single tool invocation the LLM requested.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}
