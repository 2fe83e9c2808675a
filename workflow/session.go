package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowforge/corewf/workflow/agent"
	"github.com/flowforge/corewf/workflow/capture"
)

// handoffTool is the reserved tool name an Agent Session watches for in a
// ChatOut's tool calls: a call to it ends the current round as a handoff
// rather than a regular tool invocation, per spec.md §4.7's on_handoff hook.
const handoffTool = "handoff"

// AgentSession holds a conversation with one LLM persona across one or more
// Step rounds, emitting on_agent_message/on_code_exec/on_tool_call/
// on_handoff hooks to the Capture Pipeline synchronously in call order, per
// spec.md §4.7. It implements NodeExecutor directly so the Scheduler can
// dispatch a node straight into a session.
type AgentSession struct {
	runID, sessionID, nodeID, persona string

	chat      agent.ChatModel
	tools     map[string]agent.Tool
	toolSpecs []agent.ToolSpec
	codeExec  agent.CodeExecutor
	capture   *capture.Pipeline

	mu       sync.Mutex
	messages []agent.Message
	lastErr  error
	abort    context.CancelFunc
}

// NewAgentSession wires a session for one node's persona. tools may be
// empty; codeExec may be nil to disable code execution for this persona.
func NewAgentSession(runID, sessionID, nodeID, persona string, chat agent.ChatModel, tools []agent.Tool, codeExec agent.CodeExecutor, cap *capture.Pipeline) *AgentSession {
	byName := make(map[string]agent.Tool, len(tools))
	specs := make([]agent.ToolSpec, 0, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
		specs = append(specs, agent.ToolSpec{Name: t.Name()})
	}
	return &AgentSession{
		runID:     runID,
		sessionID: sessionID,
		nodeID:    nodeID,
		persona:   persona,
		chat:      chat,
		tools:     byName,
		toolSpecs: specs,
		codeExec:  codeExec,
		capture:   cap,
	}
}

// Start initializes the conversation with a system prompt and a goal, per
// spec.md §4.7's start(persona, context) -> session_handle.
func (s *AgentSession) Start(systemPrompt, goal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = []agent.Message{{Role: agent.RoleSystem, Content: systemPrompt}}
	if goal != "" {
		s.messages = append(s.messages, agent.Message{Role: agent.RoleUser, Content: goal})
	}
}

// augmentForRetry appends a user turn describing the prior failure, so a
// retried round's prompt reflects it, per spec.md §4.6's "logic errors may
// trigger one adaptive retry whose prompt is augmented with the error".
func (s *AgentSession) augmentForRetry(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, agent.Message{
		Role:    agent.RoleUser,
		Content: fmt.Sprintf("The previous attempt failed: %s. Please try a different approach.", err.Error()),
	})
}

// Abort best-effort cancels any in-flight LLM/tool/code call started by
// Execute, per spec.md §4.7's abort() contract.
func (s *AgentSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abort != nil {
		s.abort()
	}
}

// StepResult is one round's outcome: Done is true once the model produced a
// final answer with no further tool calls or code blocks to run.
type StepResult struct {
	Text string
	Done bool
}

// Step advances the conversation by one round: one ChatModel turn, followed
// by any tool calls and any fenced code blocks the turn's text contains,
// each emitting its hook(s) synchronously in call order.
func (s *AgentSession) Step(ctx context.Context) (StepResult, error) {
	s.mu.Lock()
	messages := append([]agent.Message(nil), s.messages...)
	s.mu.Unlock()

	s.hook(ctx, "agent_call", "start", capture.Hook{AgentName: s.persona})

	out, err := s.chat.Chat(ctx, messages, s.toolSpecs)
	if err != nil {
		s.hook(ctx, "agent_call", "complete", capture.Hook{
			AgentName:    s.persona,
			Status:       "error",
			ErrorMessage: err.Error(),
		})
		return StepResult{}, err
	}

	s.hook(ctx, "agent_call", "complete", capture.Hook{
		AgentName: s.persona,
		Status:    "ok",
		Text:      out.Text,
		Outputs:   map[string]interface{}{"text": out.Text, "tool_calls": len(out.ToolCalls)},
	})

	s.mu.Lock()
	s.messages = append(s.messages, agent.Message{Role: agent.RoleAssistant, Content: out.Text})
	s.mu.Unlock()

	for _, call := range out.ToolCalls {
		if call.Name == handoffTool {
			return s.runHandoff(ctx, call)
		}
		if err := s.runTool(ctx, call); err != nil {
			return StepResult{}, err
		}
	}

	ranCode, err := s.runCodeBlocks(ctx, out.Text)
	if err != nil {
		return StepResult{}, err
	}

	return StepResult{Text: out.Text, Done: len(out.ToolCalls) == 0 && !ranCode}, nil
}

// runHandoff emits on_handoff and ends the round: the model asked to hand
// the conversation off to another persona rather than continue itself.
func (s *AgentSession) runHandoff(ctx context.Context, call agent.ToolCall) (StepResult, error) {
	toPersona, _ := call.Input["to_persona"].(string)
	if toPersona == "" {
		toPersona = "unknown"
	}
	s.hook(ctx, "handoff", "", capture.Hook{
		Meta: map[string]interface{}{"from_persona": s.persona, "to_persona": toPersona},
	})
	return StepResult{Done: true}, nil
}

// runTool invokes one tool call, emitting start/complete tool_call hooks
// and appending the result as a tool message so the next round sees it.
func (s *AgentSession) runTool(ctx context.Context, call agent.ToolCall) error {
	s.hook(ctx, "tool_call", "start", capture.Hook{
		Meta: map[string]interface{}{"tool_name": call.Name, "arguments": call.Input},
	})

	tool, ok := s.tools[call.Name]
	if !ok {
		s.hook(ctx, "tool_call", "complete", capture.Hook{
			Status:       "error",
			ErrorMessage: "unknown tool: " + call.Name,
			Meta:         map[string]interface{}{"tool_name": call.Name},
		})
		s.mu.Lock()
		s.messages = append(s.messages, agent.Message{Role: agent.RoleTool, Content: "error: unknown tool " + call.Name})
		s.mu.Unlock()
		return nil
	}

	result, err := tool.Call(ctx, call.Input)
	if err != nil {
		s.hook(ctx, "tool_call", "complete", capture.Hook{
			Status:       "error",
			ErrorMessage: err.Error(),
			Meta:         map[string]interface{}{"tool_name": call.Name},
		})
		return err
	}

	s.hook(ctx, "tool_call", "complete", capture.Hook{
		Status:  "ok",
		Outputs: result,
		Meta:    map[string]interface{}{"tool_name": call.Name},
	})
	s.mu.Lock()
	s.messages = append(s.messages, agent.Message{Role: agent.RoleTool, Content: fmt.Sprintf("%v", result)})
	s.mu.Unlock()
	return nil
}

// runCodeBlocks extracts and executes fenced code blocks from text, if a
// code executor is bound, emitting code_exec start/complete and a file_gen
// hook per generated file. Returns whether any code ran.
func (s *AgentSession) runCodeBlocks(ctx context.Context, text string) (bool, error) {
	if s.codeExec == nil {
		return false, nil
	}
	blocks := agent.ExtractCodeBlocks(text, s.codeExec.CodeBlockDelimiter())
	if len(blocks) == 0 {
		return false, nil
	}

	var joinedCode, language string
	for _, b := range blocks {
		joinedCode += b.Code
		if language == "" {
			language = b.Language
		}
	}

	execID := uuid.NewString()
	s.hook(ctx, "code_exec", "start", capture.Hook{
		Code:     joinedCode,
		Language: language,
		Meta:     map[string]interface{}{"language": language},
	})

	result, err := s.codeExec.ExecuteCode(ctx, agent.CodeExecutionInput{CodeBlocks: blocks, ExecutionID: execID})
	if err != nil {
		s.hook(ctx, "code_exec", "complete", capture.Hook{
			Status:       "error",
			ErrorMessage: err.Error(),
			Meta:         map[string]interface{}{"language": language, "exit_code": 1},
		})
		return true, err
	}

	s.hook(ctx, "code_exec", "complete", capture.Hook{
		Status:  "ok",
		Text:    result.Output,
		Outputs: map[string]interface{}{"output": result.Output},
		Meta:    map[string]interface{}{"language": language, "exit_code": 0},
	})

	for _, f := range result.OutputFiles {
		isText := f.MIMEType == "" || len(f.MIMEType) >= 4 && f.MIMEType[:4] == "text"
		embedded := capture.EmbedContent(isText, int64(len(f.Content)), f.Content)
		s.hook(ctx, "file_gen", "", capture.Hook{
			Meta: map[string]interface{}{
				"path":          f.Name,
				"inferred_type": f.MIMEType,
				"size_bytes":    int64(len(f.Content)),
				"content":       embedded,
			},
			Outputs: map[string]interface{}{"content": embedded},
		})
	}

	s.mu.Lock()
	s.messages = append(s.messages, agent.Message{Role: agent.RoleTool, Content: "code execution output: " + result.Output})
	s.mu.Unlock()

	return true, nil
}

// hook fills in the run/node/session identity common to every Capture call
// before delegating; a capture failure (recorded on the pipeline's trace
// span) is discarded here and does not interrupt the session, matching
// spec.md §4.3's persist-first
// policy (a dropped broadcast never blocks the agent loop).
func (s *AgentSession) hook(ctx context.Context, eventType, subtype string, h capture.Hook) {
	h.RunID = s.runID
	h.NodeID = s.nodeID
	h.SessionID = s.sessionID
	h.EventType = eventType
	h.EventSubtype = subtype
	_, _ = s.capture.Capture(ctx, h)
}

// maxStepRounds bounds a single Execute call's ReAct-style loop so a
// model that never stops requesting tool calls can't run a node forever.
const maxStepRounds = 25

// Execute drives the session through rounds until Step reports Done, then
// reports a NodeOutcome; it implements NodeExecutor directly. Attempt 0
// starts the conversation fresh; later attempts (retries) reuse the
// session's accumulated messages, augmented with the prior failure.
func (s *AgentSession) Execute(ctx context.Context, nc *NodeContext, n *Node) (NodeOutcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.abort = cancel
	s.mu.Unlock()
	defer cancel()

	if nc.Attempt == 0 {
		s.Start(n.Description, n.Goal)
	} else if s.lastErr != nil {
		s.augmentForRetry(s.lastErr)
	}

	var last StepResult
	for i := 0; i < maxStepRounds; i++ {
		res, err := s.Step(ctx)
		if err != nil {
			s.lastErr = err
			return NodeOutcome{}, err
		}
		last = res
		if res.Done {
			s.lastErr = nil
			return NodeOutcome{
				Status:  NodeStatusCompleted,
				Summary: last.Text,
				Payload: map[string]interface{}{"persona": s.persona, "rounds": i + 1},
			}, nil
		}
	}

	exhausted := NewWorkflowError(KindFatal, "AGENT_ROUNDS_EXHAUSTED",
		fmt.Sprintf("exceeded %d rounds without a final answer", maxStepRounds), nil)
	s.lastErr = exhausted
	return NodeOutcome{}, exhausted
}

// SessionFactory implements NodeExecutor by lazily creating one
// AgentSession per node, keyed by node id, so a retried attempt reuses the
// same conversation state rather than starting over.
type SessionFactory struct {
	runID, sessionID string
	chatFor          func(persona string) agent.ChatModel
	toolsFor         func(persona string) []agent.Tool
	codeExecFor      func(persona string) agent.CodeExecutor
	capture          *capture.Pipeline

	mu       sync.Mutex
	sessions map[string]*AgentSession
}

// NewSessionFactory wires a NodeExecutor that hands each node its own
// AgentSession, built from persona-scoped collaborator lookups.
func NewSessionFactory(runID, sessionID string, chatFor func(string) agent.ChatModel, toolsFor func(string) []agent.Tool, codeExecFor func(string) agent.CodeExecutor, cap *capture.Pipeline) *SessionFactory {
	return &SessionFactory{
		runID:       runID,
		sessionID:   sessionID,
		chatFor:     chatFor,
		toolsFor:    toolsFor,
		codeExecFor: codeExecFor,
		capture:     cap,
		sessions:    make(map[string]*AgentSession),
	}
}

func (f *SessionFactory) Execute(ctx context.Context, nc *NodeContext, n *Node) (NodeOutcome, error) {
	return f.sessionFor(n).Execute(ctx, nc, n)
}

func (f *SessionFactory) sessionFor(n *Node) *AgentSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[n.NodeID]
	if !ok {
		var codeExec agent.CodeExecutor
		if f.codeExecFor != nil {
			codeExec = f.codeExecFor(n.Persona)
		}
		var tools []agent.Tool
		if f.toolsFor != nil {
			tools = f.toolsFor(n.Persona)
		}
		sess = NewAgentSession(f.runID, f.sessionID, n.NodeID, n.Persona, f.chatFor(n.Persona), tools, codeExec, f.capture)
		f.sessions[n.NodeID] = sess
	}
	return sess
}

// Abort cancels every live session's in-flight call, for a Supervisor
// shutdown path that needs to stop all agent work without waiting for the
// Scheduler's own cancellation grace period.
func (f *SessionFactory) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sess := range f.sessions {
		sess.Abort()
	}
}
