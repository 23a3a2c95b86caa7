package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	agentctx "github.com/haasonsaas/nexus/internal/agent/context"
	"github.com/haasonsaas/nexus/internal/jobs"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// summarizerTestStore is a minimal in-memory sessions.Store that actually
// tracks session state, unlike loopMemoryStore's Get/Update no-ops, since
// the summarizer needs to read back what it persists.
type summarizerTestStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	history  map[string][]*models.Message
}

func newSummarizerTestStore() *summarizerTestStore {
	return &summarizerTestStore{
		sessions: make(map[string]*models.Session),
		history:  make(map[string][]*models.Message),
	}
}

func (s *summarizerTestStore) Create(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *summarizerTestStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id], nil
}

func (s *summarizerTestStore) Update(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *summarizerTestStore) Delete(ctx context.Context, id string) error { return nil }

func (s *summarizerTestStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	return nil, nil
}

func (s *summarizerTestStore) GetOrCreate(ctx context.Context, key, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	return nil, nil
}

func (s *summarizerTestStore) List(ctx context.Context, agentID string, opts sessions.ListOptions) ([]*models.Session, error) {
	return nil, nil
}

func (s *summarizerTestStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[sessionID] = append(s.history[sessionID], msg)
	return nil
}

func (s *summarizerTestStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[sessionID], nil
}

// summarizeProvider is a fake LLMProvider whose Complete always returns a
// fixed summary, recording how many times it was called.
type summarizeProvider struct {
	mu    sync.Mutex
	calls int
	text  string
}

func (p *summarizeProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	return CompleteViaStreamChan(p.text), nil
}

func (p *summarizeProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return &CompletionResult{Text: p.text}, nil
}

func (p *summarizeProvider) HealthCheck(ctx context.Context) bool { return true }
func (p *summarizeProvider) Name() string                         { return "summarize-test" }
func (p *summarizeProvider) Models() []Model                      { return nil }
func (p *summarizeProvider) SupportsTools() bool                  { return false }

func (p *summarizeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// CompleteViaStreamChan returns a single-chunk done stream; unused by these
// tests but required to satisfy LLMProvider.
func CompleteViaStreamChan(text string) <-chan *CompletionChunk {
	ch := make(chan *CompletionChunk, 1)
	ch <- &CompletionChunk{Text: text, Done: true}
	close(ch)
	return ch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSummaryScheduler_TriggersAboveThreshold(t *testing.T) {
	store := newSummarizerTestStore()
	session := &models.Session{ID: "sess-1"}
	store.Create(context.Background(), session)
	for i := 0; i < 5; i++ {
		store.AppendMessage(context.Background(), session.ID, &models.Message{Role: models.RoleUser, Content: "msg"})
	}

	provider := &summarizeProvider{text: "the user discussed five things"}
	jobStore := jobs.NewMemoryStore()
	cfg := agentctx.SummarizationConfig{MaxMsgsBeforeSummary: 3, KeepRecentMessages: 1, MaxSummaryLength: 500}
	scheduler := NewSummaryScheduler(store, jobStore, provider, "", cfg, 2)

	scheduler.Schedule(session)

	waitFor(t, func() bool { return provider.callCount() == 1 })

	updated, _ := store.Get(context.Background(), session.ID)
	if updated.Metadata[SummaryKey] != "the user discussed five things" {
		t.Errorf("summary not persisted: %+v", updated.Metadata)
	}
	if seq, _ := updated.Metadata[LastSummarizedSeqKey].(int); seq != 5 {
		t.Errorf("last_summarized_seq = %v, want 5", updated.Metadata[LastSummarizedSeqKey])
	}

	jobList, _ := jobStore.List(context.Background(), 10, 0)
	if len(jobList) != 1 || jobList[0].Status != jobs.StatusSucceeded {
		t.Fatalf("expected one succeeded job, got %+v", jobList)
	}
	if jobList[0].Kind != jobs.KindSummarize {
		t.Errorf("job kind = %q, want %q", jobList[0].Kind, jobs.KindSummarize)
	}
}

func TestSummaryScheduler_SkipsBelowThreshold(t *testing.T) {
	store := newSummarizerTestStore()
	session := &models.Session{ID: "sess-2"}
	store.Create(context.Background(), session)
	store.AppendMessage(context.Background(), session.ID, &models.Message{Role: models.RoleUser, Content: "hi"})

	provider := &summarizeProvider{text: "should not be called"}
	cfg := agentctx.SummarizationConfig{MaxMsgsBeforeSummary: 10, KeepRecentMessages: 1, MaxSummaryLength: 500}
	scheduler := NewSummaryScheduler(store, jobs.NewMemoryStore(), provider, "", cfg, 2)

	scheduler.Schedule(session)
	time.Sleep(50 * time.Millisecond)

	if provider.callCount() != 0 {
		t.Errorf("provider called %d times, want 0", provider.callCount())
	}
}

func TestSummaryScheduler_NilSessionIsNoop(t *testing.T) {
	scheduler := NewSummaryScheduler(newSummarizerTestStore(), jobs.NewMemoryStore(), &summarizeProvider{}, "", agentctx.SummarizationConfig{}, 1)
	scheduler.Schedule(nil)
}
