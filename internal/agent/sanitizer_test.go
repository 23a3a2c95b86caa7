package agent

import "testing"

func TestOutputSanitizer_FastPathPassesThrough(t *testing.T) {
	s := newOutputSanitizer(PathFast, "conv-1")
	if got := s.content("hello"); got != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
}

func TestOutputSanitizer_ToolPathBuffersUntilIterationOutcomeKnown(t *testing.T) {
	s := newOutputSanitizer(PathTool, "conv-1")

	if got := s.content("thinking about it"); got != "" {
		t.Errorf("content before outcome known = %q, want empty", got)
	}

	// Iteration resolves with no tool call: buffered text is safe to flush.
	if got := s.flushNonToolIteration(); got != "thinking about it" {
		t.Errorf("flushNonToolIteration = %q, want buffered text", got)
	}
}

func TestOutputSanitizer_DiscardsContentWhenToolAccruing(t *testing.T) {
	s := newOutputSanitizer(PathTool, "conv-1")
	s.content("partial reasoning")
	s.markToolAccruing()
	s.content("more json leaking out")

	if got := s.flushNonToolIteration(); got != "" {
		t.Errorf("flushNonToolIteration after tool-accruing = %q, want empty", got)
	}
}

func TestOutputSanitizer_TerminalSuppressedWhileMoreIterationsPlanned(t *testing.T) {
	s := newOutputSanitizer(PathAgentic, "conv-1")
	if chunk := s.terminal(true); chunk != nil {
		t.Errorf("terminal(true) = %+v, want nil", chunk)
	}
}

func TestOutputSanitizer_TerminalSentExactlyOnce(t *testing.T) {
	s := newOutputSanitizer(PathAgentic, "conv-1")

	chunk := s.terminal(false)
	if chunk == nil || !chunk.Done || chunk.ConversationID != "conv-1" {
		t.Fatalf("terminal(false) = %+v, want done chunk with conversation id", chunk)
	}

	if again := s.terminal(false); again != nil {
		t.Errorf("second terminal() call = %+v, want nil", again)
	}
}
