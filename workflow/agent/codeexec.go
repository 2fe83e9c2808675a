package agent

import (
	"context"
	"regexp"
	"strings"
)

// CodeExecutor runs fenced code blocks in a sandboxed backend and
// reports their output and any generated files. Structure mirrors
// trpc-agent-go's codeexecutor.CodeExecutor so a real sandbox adapter
// (local process, container, notebook kernel) can be dropped in
// without touching the Agent Session.
type CodeExecutor interface {
	ExecuteCode(ctx context.Context, input CodeExecutionInput) (CodeExecutionResult, error)
	CodeBlockDelimiter() CodeBlockDelimiter
}

// CodeExecutionInput is one execution request: one or more code blocks
// sharing an execution id (so output files can be correlated back to
// the triggering node).
type CodeExecutionInput struct {
	CodeBlocks  []CodeBlock
	ExecutionID string
}

// CodeExecutionResult is what a CodeExecutor reports back.
type CodeExecutionResult struct {
	Output      string
	OutputFiles []GeneratedFile
}

// GeneratedFile is one file produced by code execution.
type GeneratedFile struct {
	Name     string
	Content  string
	MIMEType string
}

// CodeBlock is a single block of code and its language tag.
type CodeBlock struct {
	Code     string
	Language string
}

// CodeBlockDelimiter gives the fence markers a CodeExecutor expects
// around a block, e.g. "```python" / "```".
type CodeBlockDelimiter struct {
	Start string
	End   string
}

// ExtractCodeBlocks pulls fenced code blocks out of agent text using
// delimiter, permissive rather than exhaustive about what counts as a
// language tag, mirroring trpc-agent-go's ExtractCodeBlock.
func ExtractCodeBlocks(text string, delimiter CodeBlockDelimiter) []CodeBlock {
	var blocks []CodeBlock
	start := regexp.QuoteMeta(delimiter.Start)
	end := regexp.QuoteMeta(delimiter.End)
	pattern := regexp.MustCompile(`(?s)` + start + `([^\n]*)\n(.*?)` + end)
	for _, m := range pattern.FindAllStringSubmatch(text, -1) {
		if len(m) < 3 {
			continue
		}
		blocks = append(blocks, CodeBlock{Language: strings.TrimSpace(m[1]), Code: m[2]})
	}
	return blocks
}
