package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Default tier sizes (HOT_WINDOW_SIZE, cold top-K).
const (
	DefaultHotWindowSize = 50
	DefaultColdTopK      = 5
)

// HotWindowSource is the narrow slice of sessions.Store the composer needs:
// a pure read of the most recent N messages.
type HotWindowSource interface {
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// ColdMemorySearcher is the narrow slice of memory.Manager the composer
// needs: similarity search scoped to a session.
type ColdMemorySearcher interface {
	Search(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error)
}

// MemoryComposer joins the hot, warm, and cold tiers into the single
// ordered message list a provider call expects. Warm summary text is
// read directly from the session's metadata, where the background
// summarizer writes it, rather than from a dedicated store.
type MemoryComposer struct {
	Hot       HotWindowSource
	Cold      ColdMemorySearcher
	HotWindow int
	ColdTopK  int
	Threshold float32
}

// NewMemoryComposer returns a composer with the spec's default tier sizes.
func NewMemoryComposer(hot HotWindowSource, cold ColdMemorySearcher) *MemoryComposer {
	return &MemoryComposer{
		Hot:       hot,
		Cold:      cold,
		HotWindow: DefaultHotWindowSize,
		ColdTopK:  DefaultColdTopK,
		Threshold: 0.7,
	}
}

// Compose builds the system-prompt-adjacent message list:
// [persona] + [warm summary] + [retrieved cold memories, timestamped] + [hot window].
// query is the current turn's user text, used to drive the cold-tier search.
func (c *MemoryComposer) Compose(ctx context.Context, persona string, session *models.Session, query string) ([]CompletionMessage, error) {
	var out []CompletionMessage

	persona = strings.TrimSpace(persona)
	if persona != "" {
		out = append(out, CompletionMessage{Role: "system", Content: persona})
	}

	if summary := warmSummary(session); summary != "" {
		out = append(out, CompletionMessage{Role: "system", Content: "Conversation summary so far:\n" + summary})
	}

	if c.Cold != nil && session != nil && strings.TrimSpace(query) != "" {
		recalled, err := c.coldRecall(ctx, session, query)
		if err != nil {
			return nil, fmt.Errorf("cold memory recall: %w", err)
		}
		if recalled != "" {
			out = append(out, CompletionMessage{Role: "system", Content: recalled})
		}
	}

	if c.Hot != nil && session != nil {
		window := c.HotWindow
		if window <= 0 {
			window = DefaultHotWindowSize
		}
		history, err := c.Hot.GetHistory(ctx, session.ID, window)
		if err != nil {
			return nil, fmt.Errorf("hot window read: %w", err)
		}
		history = repairTranscript(history)
		out = append(out, messagesToCompletion(history)...)
	}

	return out, nil
}

func warmSummary(session *models.Session) string {
	if session == nil || session.Metadata == nil {
		return ""
	}
	summary, _ := session.Metadata["summary"].(string)
	return strings.TrimSpace(summary)
}

func (c *MemoryComposer) coldRecall(ctx context.Context, session *models.Session, query string) (string, error) {
	topK := c.ColdTopK
	if topK <= 0 {
		topK = DefaultColdTopK
	}
	resp, err := c.Cold.Search(ctx, &models.SearchRequest{
		Query:     query,
		Scope:     models.ScopeSession,
		ScopeID:   session.ID,
		Limit:     topK,
		Threshold: c.Threshold,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Results) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Relevant past context (not part of the recent window):\n")
	for _, r := range resp.Results {
		if r == nil || r.Entry == nil {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s\n", r.Entry.CreatedAt.Format("2006-01-02 15:04"), r.Entry.Content)
	}
	return b.String(), nil
}

// messagesToCompletion converts persisted transcript messages into the
// provider-facing wire shape. Iteration ≥ 2 context stripping (clearing an
// assistant message's raw tool-call content while keeping tool_calls
// itself) happens in the reasoning loop, not here, since this only runs
// once per turn against already-committed history.
func messagesToCompletion(history []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		out = append(out, CompletionMessage{
			Role:        string(msg.Role),
			Content:     msg.Content,
			ToolCalls:   msg.ToolCalls,
			ToolResults: msg.ToolResults,
			Attachments: msg.Attachments,
		})
	}
	return out
}
