package agent

import "context"

// Tool is a side-effecting call an LLM can request via a ToolCall. Call
// input/output are plain maps so the Capture Pipeline can persist them
// as JSON without a tool-specific schema.
type Tool interface {
	Name() string
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}
