package agent

import (
	"log/slog"
	"time"
)

// LoopOptions configures reasoning-loop and tool-execution behavior. It is
// the in-process equivalent of the MAX_TOOL_TURNS / TOOL_TIMEOUT_MS /
// TOOL_RESULT_MAX_CHARS configuration keys.
type LoopOptions struct {
	// MaxIterations is the hard ceiling on LLM-stream + tool-execute
	// iterations for a single turn (MAX_TOOL_TURNS, default 5).
	MaxIterations int

	// ToolParallelism caps concurrent tool execution within one iteration.
	ToolParallelism int

	// ToolTimeout applies a default timeout to each tool call.
	ToolTimeout time.Duration

	// ToolMaxAttempts controls retry attempts for tool execution.
	ToolMaxAttempts int

	// ToolRetryBackoff waits between retry attempts.
	ToolRetryBackoff time.Duration

	// LLMTimeout bounds a single provider.Stream call.
	LLMTimeout time.Duration

	// TurnTimeout bounds the whole turn across all iterations.
	TurnTimeout time.Duration

	// DisableToolEvents disables ToolEvent emission while processing.
	DisableToolEvents bool

	// MaxToolCalls limits total tool calls per request (0 = unlimited).
	MaxToolCalls int

	// ToolResultGuard redacts and truncates tool results before persistence.
	ToolResultGuard ToolResultGuard

	// Logger receives loop diagnostics.
	Logger *slog.Logger
}

// DefaultLoopOptions returns the baseline loop options, matching the spec's
// documented defaults.
func DefaultLoopOptions() LoopOptions {
	return LoopOptions{
		MaxIterations:    5,
		ToolParallelism:  4,
		ToolTimeout:      30 * time.Second,
		ToolMaxAttempts:  1,
		ToolRetryBackoff: 0,
		LLMTimeout:       120 * time.Second,
		TurnTimeout:      10 * time.Minute,
		Logger:           slog.Default(),
	}
}

func mergeLoopOptions(base LoopOptions, override LoopOptions) LoopOptions {
	merged := base
	if override.MaxIterations > 0 {
		merged.MaxIterations = override.MaxIterations
	}
	if override.ToolParallelism > 0 {
		merged.ToolParallelism = override.ToolParallelism
	}
	if override.ToolTimeout > 0 {
		merged.ToolTimeout = override.ToolTimeout
	}
	if override.ToolMaxAttempts > 0 {
		merged.ToolMaxAttempts = override.ToolMaxAttempts
	}
	if override.ToolRetryBackoff > 0 {
		merged.ToolRetryBackoff = override.ToolRetryBackoff
	}
	if override.LLMTimeout > 0 {
		merged.LLMTimeout = override.LLMTimeout
	}
	if override.TurnTimeout > 0 {
		merged.TurnTimeout = override.TurnTimeout
	}
	if override.DisableToolEvents {
		merged.DisableToolEvents = true
	}
	if override.MaxToolCalls > 0 {
		merged.MaxToolCalls = override.MaxToolCalls
	}
	if override.ToolResultGuard.active() {
		merged.ToolResultGuard = override.ToolResultGuard
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	return merged
}
