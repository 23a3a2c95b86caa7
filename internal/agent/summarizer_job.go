package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	agentctx "github.com/haasonsaas/nexus/internal/agent/context"
	"github.com/haasonsaas/nexus/internal/jobs"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// LastSummarizedSeqKey is the Session.Metadata key holding the count of
// messages folded into the warm summary so far.
const LastSummarizedSeqKey = "last_summarized_seq"

// SummaryKey is the Session.Metadata key MemoryComposer reads the warm
// summary text from.
const SummaryKey = "summary"

// SummaryScheduler runs the warm-tier background summarization task: when a
// conversation's un-summarized message count crosses SUMMARY_THRESHOLD, it
// prompts the provider for a fresh summary and atomically updates the
// session's summary and last_summarized_seq metadata. It deliberately never
// touches the foreground request's context or session handle beyond the
// session ID passed to Schedule — all persistence happens through its own
// calls against Sessions/Jobs, on their own context, so a slow or failing
// summarization can never block or poison the user-facing turn.
type SummaryScheduler struct {
	Sessions  sessions.Store
	Jobs      jobs.Store
	Provider  LLMProvider
	Model     string
	Config    agentctx.SummarizationConfig
	Timeout   time.Duration
	Logger    *slog.Logger

	inFlight chan struct{}
}

// NewSummaryScheduler builds a scheduler bounded to run at most parallelism
// summarization jobs at once.
func NewSummaryScheduler(store sessions.Store, jobStore jobs.Store, provider LLMProvider, model string, cfg agentctx.SummarizationConfig, parallelism int) *SummaryScheduler {
	if parallelism <= 0 {
		parallelism = 2
	}
	if cfg.MaxMsgsBeforeSummary <= 0 {
		cfg = agentctx.DefaultSummarizationConfig()
	}
	return &SummaryScheduler{
		Sessions: store,
		Jobs:     jobStore,
		Provider: provider,
		Model:    model,
		Config:   cfg,
		Timeout:  60 * time.Second,
		Logger:   slog.Default(),
		inFlight: make(chan struct{}, parallelism),
	}
}

// Schedule checks whether session needs a fresh warm summary and, if so,
// launches the summarization job on its own goroutine. It returns
// immediately in all cases; the caller (the reasoning loop) must not wait on
// it.
func (s *SummaryScheduler) Schedule(session *models.Session) {
	if s == nil || s.Sessions == nil || s.Provider == nil || session == nil {
		return
	}

	select {
	case s.inFlight <- struct{}{}:
	default:
		// Worker pool saturated; skip this trigger, the next turn will retry.
		return
	}

	go func() {
		defer func() { <-s.inFlight }()
		ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
		defer cancel()
		s.run(ctx, session.ID)
	}()
}

func (s *SummaryScheduler) run(ctx context.Context, sessionID string) {
	session, err := s.Sessions.Get(ctx, sessionID)
	if err != nil || session == nil {
		s.Logger.Warn("summarizer: failed to load session", "error", err, "session_id", sessionID)
		return
	}

	history, err := s.Sessions.GetHistory(ctx, sessionID, 0)
	if err != nil {
		s.Logger.Warn("summarizer: failed to read history", "error", err, "session_id", sessionID)
		return
	}

	lastSeq := lastSummarizedSeq(session)
	if lastSeq > len(history) {
		lastSeq = len(history)
	}
	delta := history[lastSeq:]
	if len(delta) <= s.Config.MaxMsgsBeforeSummary {
		return
	}

	toSummarize := delta
	if keep := s.Config.KeepRecentMessages; keep > 0 && len(toSummarize) > keep {
		toSummarize = toSummarize[:len(toSummarize)-keep]
	}
	if len(toSummarize) == 0 {
		return
	}

	job := &jobs.Job{
		ID:             uuid.NewString(),
		Kind:           jobs.KindSummarize,
		ConversationID: sessionID,
		Status:         jobs.StatusRunning,
		CreatedAt:      time.Now(),
		StartedAt:      time.Now(),
	}
	if s.Jobs != nil {
		_ = s.Jobs.Create(ctx, job)
	}

	prompt := agentctx.BuildSummarizationPrompt(toSummarize, s.Config.MaxSummaryLength)
	if prior := warmSummary(session); prior != "" {
		prompt = "Prior summary:\n" + prior + "\n\n" + prompt
	}

	result, err := s.Provider.Complete(ctx, &CompletionRequest{
		Model:    s.Model,
		Messages: []CompletionMessage{{Role: "user", Content: prompt}},
	})
	job.FinishedAt = time.Now()
	if err != nil {
		job.Status = jobs.StatusFailed
		job.Error = err.Error()
		if s.Jobs != nil {
			_ = s.Jobs.Update(ctx, job)
		}
		s.Logger.Warn("summarizer: generation failed", "error", err, "session_id", sessionID)
		return
	}

	if session.Metadata == nil {
		session.Metadata = make(map[string]any)
	}
	session.Metadata[SummaryKey] = result.Text
	session.Metadata[LastSummarizedSeqKey] = len(history)
	session.UpdatedAt = time.Now()
	if err := s.Sessions.Update(ctx, session); err != nil {
		job.Status = jobs.StatusFailed
		job.Error = fmt.Errorf("persist summary: %w", err).Error()
		if s.Jobs != nil {
			_ = s.Jobs.Update(ctx, job)
		}
		s.Logger.Warn("summarizer: failed to persist summary", "error", err, "session_id", sessionID)
		return
	}

	job.Status = jobs.StatusSucceeded
	if s.Jobs != nil {
		_ = s.Jobs.Update(ctx, job)
	}
}

func lastSummarizedSeq(session *models.Session) int {
	if session == nil || session.Metadata == nil {
		return 0
	}
	switch v := session.Metadata[LastSummarizedSeqKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
