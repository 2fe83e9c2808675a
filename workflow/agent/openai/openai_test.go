package openai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowforge/corewf/workflow/agent"
)

type mockOpenAIClient struct {
	outs      []agent.ChatOut
	errs      []error
	callCount int
}

func (m *mockOpenAIClient) createChatCompletion(ctx context.Context, messages []agent.Message, tools []agent.ToolSpec) (agent.ChatOut, error) {
	i := m.callCount
	m.callCount++
	if i < len(m.errs) && m.errs[i] != nil {
		return agent.ChatOut{}, m.errs[i]
	}
	if i < len(m.outs) {
		return m.outs[i], nil
	}
	return agent.ChatOut{}, nil
}

func TestChatModel_Construction(t *testing.T) {
	t.Run("defaults the model name", func(t *testing.T) {
		m := NewChatModel("key", "")
		if m.modelName != "gpt-4o" {
			t.Errorf("expected default model name, got %q", m.modelName)
		}
	})

	t.Run("honors an explicit model name", func(t *testing.T) {
		m := NewChatModel("key", "gpt-4o-mini")
		if m.modelName != "gpt-4o-mini" {
			t.Errorf("expected gpt-4o-mini, got %q", m.modelName)
		}
	})
}

func TestChatModel_ChatSucceedsOnFirstAttempt(t *testing.T) {
	mock := &mockOpenAIClient{outs: []agent.ChatOut{{Text: "hi there"}}}
	m := &ChatModel{client: mock, modelName: "gpt-4o", maxRetries: 3, retryDelay: time.Millisecond}

	out, err := m.Chat(context.Background(), []agent.Message{{Role: agent.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "hi there" {
		t.Errorf("expected 'hi there', got %q", out.Text)
	}
	if mock.callCount != 1 {
		t.Errorf("expected 1 call, got %d", mock.callCount)
	}
}

func TestChatModel_ChatRetriesTransientErrorsThenSucceeds(t *testing.T) {
	mock := &mockOpenAIClient{
		errs: []error{errors.New("temporary 503 from upstream"), nil},
		outs: []agent.ChatOut{{}, {Text: "recovered"}},
	}
	m := &ChatModel{client: mock, modelName: "gpt-4o", maxRetries: 3, retryDelay: time.Millisecond}

	out, err := m.Chat(context.Background(), []agent.Message{{Role: agent.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "recovered" {
		t.Errorf("expected 'recovered', got %q", out.Text)
	}
	if mock.callCount != 2 {
		t.Errorf("expected 2 calls, got %d", mock.callCount)
	}
}

func TestChatModel_ChatFailsFastOnNonTransientError(t *testing.T) {
	wantErr := errors.New("invalid request: bad schema")
	mock := &mockOpenAIClient{errs: []error{wantErr}}
	m := &ChatModel{client: mock, modelName: "gpt-4o", maxRetries: 3, retryDelay: time.Millisecond}

	_, err := m.Chat(context.Background(), []agent.Message{{Role: agent.RoleUser, Content: "hi"}}, nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if mock.callCount != 1 {
		t.Errorf("expected no retries for a non-transient error, got %d calls", mock.callCount)
	}
}

func TestChatModel_ChatExhaustsRetriesAndWrapsLastError(t *testing.T) {
	mock := &mockOpenAIClient{errs: []error{
		errors.New("timeout"), errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
	}}
	m := &ChatModel{client: mock, modelName: "gpt-4o", maxRetries: 3, retryDelay: time.Millisecond}

	_, err := m.Chat(context.Background(), []agent.Message{{Role: agent.RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if mock.callCount != 4 {
		t.Errorf("expected maxRetries+1 = 4 calls, got %d", mock.callCount)
	}
}

func TestChatModel_ChatRespectsContextCancellation(t *testing.T) {
	mock := &mockOpenAIClient{outs: []agent.ChatOut{{Text: "never"}}}
	m := &ChatModel{client: mock, modelName: "gpt-4o", maxRetries: 3, retryDelay: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Chat(ctx, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if mock.callCount != 0 {
		t.Errorf("cancelled call should not reach the client, got %d", mock.callCount)
	}
}

func TestIsTransientError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"rate limit error", &rateLimitError{message: "rate limited"}, true},
		{"timeout text match", errors.New("upstream timeout"), true},
		{"503 text match", errors.New("503 service unavailable"), true},
		{"non-transient", errors.New("invalid api key"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := isTransientError(c.err); got != c.want {
				t.Errorf("isTransientError(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestChatModel_ChatUsesLongerBackoffForRateLimit(t *testing.T) {
	mock := &mockOpenAIClient{
		errs: []error{&rateLimitError{message: "slow down"}, &rateLimitError{message: "slow down"}, nil},
		outs: []agent.ChatOut{{}, {}, {Text: "ok"}},
	}
	m := &ChatModel{client: mock, modelName: "gpt-4o", maxRetries: 3, retryDelay: time.Millisecond}

	start := time.Now()
	out, err := m.Chat(context.Background(), []agent.Message{{Role: agent.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "ok" {
		t.Errorf("expected 'ok', got %q", out.Text)
	}
	// Rate-limit retries wait retryDelay*1 then retryDelay*2; two plain
	// transient errors would wait only 2*retryDelay in total.
	if time.Since(start) < 3*m.retryDelay {
		t.Errorf("expected growing rate-limit backoff of at least 3*retryDelay before recovering")
	}
}
