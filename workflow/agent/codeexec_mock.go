package agent

import "context"

// MockCodeExecutor is a scripted CodeExecutor for tests.
type MockCodeExecutor struct {
	Delimiter CodeBlockDelimiter
	Result    CodeExecutionResult
	Err       error
	Calls     []CodeExecutionInput
}

func (m *MockCodeExecutor) ExecuteCode(ctx context.Context, input CodeExecutionInput) (CodeExecutionResult, error) {
	if ctx.Err() != nil {
		return CodeExecutionResult{}, ctx.Err()
	}
	m.Calls = append(m.Calls, input)
	if m.Err != nil {
		return CodeExecutionResult{}, m.Err
	}
	return m.Result, nil
}

func (m *MockCodeExecutor) CodeBlockDelimiter() CodeBlockDelimiter {
	if m.Delimiter.Start == "" {
		return CodeBlockDelimiter{Start: "```", End: "```"}
	}
	return m.Delimiter
}
