package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// loopTestProvider allows control over LLM responses for loop testing.
type loopTestProvider struct {
	responses   [][]CompletionChunk
	currentCall int32
}

func (p *loopTestProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	call := int(atomic.AddInt32(&p.currentCall, 1)) - 1
	ch := make(chan *CompletionChunk, 10)

	go func() {
		defer close(ch)
		if call < len(p.responses) {
			for _, chunk := range p.responses[call] {
				select {
				case ch <- &chunk:
				case <-ctx.Done():
					ch <- &CompletionChunk{Error: ctx.Err()}
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *loopTestProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	return CompleteViaStream(ctx, p, req)
}
func (p *loopTestProvider) HealthCheck(ctx context.Context) bool { return true }
func (p *loopTestProvider) Name() string                        { return "loop-test" }
func (p *loopTestProvider) Models() []Model                     { return nil }
func (p *loopTestProvider) SupportsTools() bool                 { return true }

// loopMemoryStore implements sessions.Store for testing.
type loopMemoryStore struct {
	history  []*models.Message
	messages []*models.Message
}

func newLoopMemoryStore() *loopMemoryStore {
	return &loopMemoryStore{}
}

func (s *loopMemoryStore) Create(ctx context.Context, session *models.Session) error { return nil }
func (s *loopMemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) Update(ctx context.Context, session *models.Session) error { return nil }
func (s *loopMemoryStore) Delete(ctx context.Context, id string) error               { return nil }
func (s *loopMemoryStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) List(ctx context.Context, agentID string, opts sessions.ListOptions) ([]*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	s.messages = append(s.messages, msg)
	return nil
}
func (s *loopMemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return s.history, nil
}

func newTestLoop(provider LLMProvider, registry *ToolRegistry, store *loopMemoryStore, opts LoopOptions) *Loop {
	return NewLoop(LoopConfig{
		Provider: provider,
		Registry: registry,
		Executor: NewExecutor(registry, nil),
		Sessions: store,
		Memory:   NewMemoryComposer(store, nil),
		Options:  opts,
	})
}

func drain(t *testing.T, ch <-chan *ResponseChunk) (string, error) {
	t.Helper()
	var text string
	var err error
	for chunk := range ch {
		if chunk.Error != nil {
			err = chunk.Error
		}
		text += chunk.Text
	}
	return text, err
}

func TestLoop_NoToolCalls(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{{Text: "Hello, how can I help?"}, {Done: true}},
		},
	}

	registry := NewToolRegistry()
	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, LoopOptions{})

	session := &models.Session{ID: "session-1"}
	ch, err := loop.Run(context.Background(), session, "hi", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	text, runErr := drain(t, ch)
	if runErr != nil {
		t.Fatalf("unexpected error: %v", runErr)
	}
	if text != "Hello, how can I help?" {
		t.Errorf("got text %q, want %q", text, "Hello, how can I help?")
	}
	if provider.currentCall != 1 {
		t.Errorf("provider called %d times, want 1", provider.currentCall)
	}
}

func TestLoop_SingleToolCall(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`{"text":"test"}`)}},
				{Done: true},
			},
			{
				{Text: "The tool returned: test"},
				{Done: true},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name: "echo",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			var p struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(params, &p)
			return &ToolResult{Content: p.Text}, nil
		},
	})

	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, LoopOptions{})

	session := &models.Session{ID: "session-1"}
	ch, err := loop.Run(context.Background(), session, "echo test", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	text, runErr := drain(t, ch)
	if runErr != nil {
		t.Fatalf("unexpected error: %v", runErr)
	}
	if text != "The tool returned: test" {
		t.Errorf("got text %q, want %q", text, "The tool returned: test")
	}
	if provider.currentCall != 2 {
		t.Errorf("provider called %d times, want 2", provider.currentCall)
	}
}

func TestLoop_PersistsMessagesInOrder(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{
				{Text: "done"},
				{Done: true},
			},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name: "echo",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})

	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, LoopOptions{})

	session := &models.Session{ID: "session-1"}
	ch, err := loop.Run(context.Background(), session, "hi", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, runErr := drain(t, ch); runErr != nil {
		t.Fatalf("unexpected error: %v", runErr)
	}

	// user, assistant+toolcall, tool result, final assistant
	if len(store.messages) != 4 {
		t.Fatalf("got %d persisted messages, want 4", len(store.messages))
	}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	for i, want := range wantRoles {
		if store.messages[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, store.messages[i].Role, want)
		}
	}
	if len(store.messages[1].ToolCalls) != 1 {
		t.Errorf("assistant message tool calls = %d, want 1", len(store.messages[1].ToolCalls))
	}
	if store.messages[1].Content != "" {
		t.Errorf("assistant message with tool calls should have empty content, got %q", store.messages[1].Content)
	}
	if len(store.messages[2].ToolResults) != 1 {
		t.Errorf("tool message results = %d, want 1", len(store.messages[2].ToolResults))
	}
	if store.messages[3].Content != "done" {
		t.Errorf("final assistant content = %q, want %q", store.messages[3].Content, "done")
	}
}

func TestLoop_MaxIterationsReached(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{{ToolCall: &models.ToolCall{ID: "call-1", Name: "noop", Input: json.RawMessage(`{}`)}}, {Done: true}},
			{{ToolCall: &models.ToolCall{ID: "call-2", Name: "noop", Input: json.RawMessage(`{}`)}}, {Done: true}},
			{{ToolCall: &models.ToolCall{ID: "call-3", Name: "noop", Input: json.RawMessage(`{}`)}}, {Done: true}},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name: "noop",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})

	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, LoopOptions{MaxIterations: 3})

	session := &models.Session{ID: "session-1"}
	ch, err := loop.Run(context.Background(), session, "loop forever", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var loopErr error
	for chunk := range ch {
		if chunk.Error != nil {
			loopErr = chunk.Error
		}
	}

	if loopErr == nil {
		t.Fatal("expected max iterations error")
	}
	var loopError *LoopError
	if !errors.As(loopErr, &loopError) {
		t.Fatalf("expected LoopError, got %T", loopErr)
	}
	if !errors.Is(loopError.Cause, ErrMaxIterations) {
		t.Errorf("expected ErrMaxIterations, got %v", loopError.Cause)
	}
}

func TestLoop_ProviderStreamError(t *testing.T) {
	expectedErr := errors.New("provider unavailable")
	provider := &erroringStreamProvider{err: expectedErr}

	registry := NewToolRegistry()
	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, LoopOptions{})

	session := &models.Session{ID: "session-1"}
	ch, err := loop.Run(context.Background(), session, "test", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var gotErr error
	for chunk := range ch {
		if chunk.Error != nil {
			gotErr = chunk.Error
		}
	}
	if gotErr == nil {
		t.Fatal("expected provider error")
	}
	var loopError *LoopError
	if !errors.As(gotErr, &loopError) {
		t.Fatalf("expected LoopError, got %T", gotErr)
	}
	if loopError.Phase != PhaseStream {
		t.Errorf("phase = %s, want %s", loopError.Phase, PhaseStream)
	}
	if !errors.Is(loopError.Cause, ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", loopError.Cause)
	}
}

type erroringStreamProvider struct{ err error }

func (p *erroringStreamProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	return nil, p.err
}
func (p *erroringStreamProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	return nil, p.err
}
func (p *erroringStreamProvider) HealthCheck(ctx context.Context) bool { return false }
func (p *erroringStreamProvider) Name() string                        { return "erroring" }
func (p *erroringStreamProvider) Models() []Model                     { return nil }
func (p *erroringStreamProvider) SupportsTools() bool                 { return false }

func TestLoop_StreamingErrorChunk(t *testing.T) {
	streamErr := errors.New("streaming failed")
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{{Text: "partial..."}, {Error: streamErr}},
		},
	}

	registry := NewToolRegistry()
	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, LoopOptions{})

	session := &models.Session{ID: "session-1"}
	ch, err := loop.Run(context.Background(), session, "test", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var gotErr error
	for chunk := range ch {
		if chunk.Error != nil {
			gotErr = chunk.Error
		}
	}
	if gotErr == nil {
		t.Fatal("expected streaming error")
	}
}

func TestLoop_PacksSystemMessagesIntoSystem(t *testing.T) {
	var capturedSystem string
	var capturedMessages []CompletionMessage
	provider := &capturingProvider{
		onStream: func(req *CompletionRequest) {
			capturedSystem = req.System
			capturedMessages = req.Messages
		},
	}

	store := newLoopMemoryStore()
	store.history = []*models.Message{
		{ID: "user-1", Role: models.RoleUser, Content: "hello"},
	}

	loop := NewLoop(LoopConfig{
		Provider: provider,
		Registry: NewToolRegistry(),
		Executor: NewExecutor(NewToolRegistry(), nil),
		Sessions: store,
		Memory:   NewMemoryComposer(store, nil),
		Persona:  "system history",
	})

	session := &models.Session{ID: "session-1"}
	ch, err := loop.Run(context.Background(), session, "next", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, runErr := drain(t, ch); runErr != nil {
		t.Fatalf("unexpected error: %v", runErr)
	}

	if capturedSystem != "system history" {
		t.Fatalf("system = %q, want %q", capturedSystem, "system history")
	}
	for _, cm := range capturedMessages {
		if cm.Role == "system" {
			t.Fatalf("system role should not appear in messages: %+v", cm)
		}
	}
}

type capturingProvider struct {
	onStream func(req *CompletionRequest)
}

func (p *capturingProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.onStream != nil {
		p.onStream(req)
	}
	ch := make(chan *CompletionChunk, 1)
	ch <- &CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}
func (p *capturingProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	return CompleteViaStream(ctx, p, req)
}
func (p *capturingProvider) HealthCheck(ctx context.Context) bool { return true }
func (p *capturingProvider) Name() string                        { return "capturing" }
func (p *capturingProvider) Models() []Model                     { return nil }
func (p *capturingProvider) SupportsTools() bool                 { return true }

func TestLoop_MultipleToolCalls(t *testing.T) {
	var toolExecutions int32
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "increment", Input: json.RawMessage(`{}`)}},
				{ToolCall: &models.ToolCall{ID: "call-2", Name: "increment", Input: json.RawMessage(`{}`)}},
				{ToolCall: &models.ToolCall{ID: "call-3", Name: "increment", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{{Text: "Done"}, {Done: true}},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name: "increment",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			atomic.AddInt32(&toolExecutions, 1)
			return &ToolResult{Content: "incremented"}, nil
		},
	})

	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, LoopOptions{})

	session := &models.Session{ID: "session-1"}
	ch, err := loop.Run(context.Background(), session, "run increment 3 times", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, runErr := drain(t, ch); runErr != nil {
		t.Fatalf("unexpected error: %v", runErr)
	}

	if toolExecutions != 3 {
		t.Errorf("tool executed %d times, want 3", toolExecutions)
	}
}

func TestLoop_ToolErrorContinuesTurn(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{{ToolCall: &models.ToolCall{ID: "call-1", Name: "failing", Input: json.RawMessage(`{}`)}}, {Done: true}},
			{{Text: "Tool failed"}, {Done: true}},
		},
	}

	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name: "failing",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "error occurred", IsError: true}, nil
		},
	})

	store := newLoopMemoryStore()
	loop := newTestLoop(provider, registry, store, LoopOptions{})

	session := &models.Session{ID: "session-1"}
	ch, err := loop.Run(context.Background(), session, "test", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	text, runErr := drain(t, ch)
	if runErr != nil {
		t.Fatalf("unexpected loop error: %v", runErr)
	}
	if text != "Tool failed" {
		t.Errorf("got text %q, want %q", text, "Tool failed")
	}
	if len(store.messages) < 3 {
		t.Fatalf("expected at least 3 persisted messages, got %d", len(store.messages))
	}
	toolMsg := store.messages[2]
	if len(toolMsg.ToolResults) != 1 || !toolMsg.ToolResults[0].IsError {
		t.Errorf("expected persisted tool result marked as error, got %+v", toolMsg.ToolResults)
	}
}

func TestLoopError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *LoopError
		contains string
	}{
		{
			name:     "with message",
			err:      &LoopError{Phase: PhaseStream, Iteration: 2, Message: "streaming failed"},
			contains: "streaming failed",
		},
		{
			name:     "with cause",
			err:      &LoopError{Phase: PhaseExecuteTools, Iteration: 1, Cause: errors.New("tool error")},
			contains: "tool error",
		},
		{
			name:     "phase only",
			err:      &LoopError{Phase: PhaseComplete, Iteration: 3},
			contains: "complete",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errStr := tt.err.Error()
			if !containsIgnoreCase(errStr, tt.contains) {
				t.Errorf("error string %q should contain %q", errStr, tt.contains)
			}
		})
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func TestLoopError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	loopErr := &LoopError{Phase: PhaseInit, Cause: cause}

	if !errors.Is(loopErr, cause) {
		t.Error("LoopError should unwrap to its cause")
	}
}
