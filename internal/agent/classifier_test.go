package agent

import (
	"context"
	"testing"
)

type fakeClassifierProvider struct {
	text string
	err  error
}

func (f *fakeClassifierProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	ch := make(chan *CompletionChunk, 1)
	ch <- &CompletionChunk{Text: f.text, Done: true}
	close(ch)
	return ch, nil
}

func (f *fakeClassifierProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &CompletionResult{Text: f.text}, nil
}

func (f *fakeClassifierProvider) HealthCheck(ctx context.Context) bool { return true }
func (f *fakeClassifierProvider) Name() string                        { return "fake" }
func (f *fakeClassifierProvider) Models() []Model                     { return nil }
func (f *fakeClassifierProvider) SupportsTools() bool                 { return true }

func TestClassifier_BypassesOnAttachments(t *testing.T) {
	c := NewClassifier(&fakeClassifierProvider{text: "INTENT: GIT\nCOMPLEXITY: COMPLEX"}, "test-model")
	got := c.Classify(context.Background(), "a long enough message to skip the length heuristic", true)
	if got.Intent != IntentGeneral || got.Complexity != ComplexitySimple {
		t.Errorf("Classify with attachments = %+v, want GENERAL/SIMPLE", got)
	}
}

func TestClassifier_HeuristicShortCircuit(t *testing.T) {
	c := NewClassifier(&fakeClassifierProvider{text: "INTENT: GIT\nCOMPLEXITY: COMPLEX"}, "test-model")

	got := c.Classify(context.Background(), "thanks!", false)
	if got.Intent != IntentGeneral || got.Complexity != ComplexitySimple {
		t.Errorf("short greeting = %+v, want GENERAL/SIMPLE", got)
	}

	got = c.Classify(context.Background(), "explain this ```go\nfunc main() {}\n```", false)
	if got.Intent != IntentFilesystem || got.Complexity != ComplexitySimple {
		t.Errorf("code fence = %+v, want FILESYSTEM/SIMPLE", got)
	}
}

func TestClassifier_ParsesProviderResponse(t *testing.T) {
	c := NewClassifier(&fakeClassifierProvider{text: "INTENT: GIT\nCOMPLEXITY: COMPLEX"}, "test-model")
	got := c.Classify(context.Background(), "can you rebase this branch onto main and resolve conflicts", false)
	if got.Intent != IntentGit || got.Complexity != ComplexityComplex {
		t.Errorf("Classify = %+v, want GIT/COMPLEX", got)
	}
}

func TestClassifier_DefaultsOnUnparseableOutput(t *testing.T) {
	c := NewClassifier(&fakeClassifierProvider{text: "I'm not sure what you mean"}, "test-model")
	got := c.Classify(context.Background(), "can you rebase this branch onto main and resolve conflicts", false)
	if got.Intent != IntentGeneral || got.Complexity != ComplexitySimple {
		t.Errorf("Classify = %+v, want GENERAL/SIMPLE default", got)
	}
}

func TestClassifier_DefaultsOnProviderError(t *testing.T) {
	c := NewClassifier(&fakeClassifierProvider{err: context.DeadlineExceeded}, "test-model")
	got := c.Classify(context.Background(), "can you rebase this branch onto main and resolve conflicts", false)
	if got.Intent != IntentGeneral || got.Complexity != ComplexitySimple {
		t.Errorf("Classify = %+v, want GENERAL/SIMPLE default", got)
	}
}

func TestParseClassification_CaseAndWhitespaceInsensitive(t *testing.T) {
	got := parseClassification("  intent:   fetch  \n  complexity:  simple  ")
	if got.Intent != IntentFetch || got.Complexity != ComplexitySimple {
		t.Errorf("parseClassification = %+v, want FETCH/SIMPLE", got)
	}
}
