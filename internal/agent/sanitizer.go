package agent

// ExecutionPath selects how much of the sanitizer's buffering behavior
// applies to a turn.
type ExecutionPath string

const (
	// PathFast streams content straight through; no tool calls are possible.
	PathFast ExecutionPath = "fast"
	// PathTool and PathAgentic may accumulate a structured tool call in the
	// same iteration as streamed content, so content must be held back
	// until the iteration's shape (tool call or not) is known.
	PathTool    ExecutionPath = "tool"
	PathAgentic ExecutionPath = "agentic"
)

// outputSanitizer streams chunks to the transport while applying §4.7's
// rules: content is buffered and discarded (never persisted or shown) when
// a structured tool call is accumulating in the same iteration, the
// model's own terminal sentinel is suppressed until the loop has no more
// iterations planned, and conversation_id is attached exactly once.
type outputSanitizer struct {
	path           ExecutionPath
	conversationID string

	buffered     []byte
	toolAccruing bool
	doneSent     bool
}

func newOutputSanitizer(path ExecutionPath, conversationID string) *outputSanitizer {
	return &outputSanitizer{path: path, conversationID: conversationID}
}

// markToolAccruing records that this iteration is going to end in a tool
// call, so any buffered/future content chunks get discarded rather than
// forwarded or persisted.
func (s *outputSanitizer) markToolAccruing() {
	s.toolAccruing = true
	s.buffered = nil
}

// content processes one incremental text chunk. It returns the text to
// forward to the client immediately, which is empty when the path buffers
// content pending the iteration's outcome.
func (s *outputSanitizer) content(text string) (forward string) {
	if text == "" {
		return ""
	}
	if s.path == PathFast || !s.toolAccruing {
		if s.path == PathFast {
			return text
		}
		// Tool/Agentic paths still buffer speculatively until we know
		// whether a tool call closes out the iteration.
		s.buffered = append(s.buffered, text...)
		return ""
	}
	// Known tool-accruing iteration: drop immediately, never forward.
	return ""
}

// flushNonToolIteration releases any buffered content from an iteration
// that turned out NOT to end in a tool call (safe to show the user).
func (s *outputSanitizer) flushNonToolIteration() string {
	if s.toolAccruing || len(s.buffered) == 0 {
		return ""
	}
	out := string(s.buffered)
	s.buffered = nil
	return out
}

// resetIteration clears per-iteration buffering state ahead of the next
// loop iteration.
func (s *outputSanitizer) resetIteration() {
	s.buffered = nil
	s.toolAccruing = false
}

// terminal produces the loop's own done chunk, translating the provider's
// done=true only when moreIterations is false. It is idempotent: once sent,
// subsequent calls return nil so conversation_id is attached exactly once.
func (s *outputSanitizer) terminal(moreIterations bool) *ResponseChunk {
	if moreIterations || s.doneSent {
		return nil
	}
	s.doneSent = true
	return &ResponseChunk{Done: true, ConversationID: s.conversationID}
}
