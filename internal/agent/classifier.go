package agent

import (
	"context"
	"regexp"
	"strings"
)

// Intent is the scope label a turn is routed under. Beyond the four named
// here, a deployment can widen the keyword table in SchemasFor without
// touching the classifier itself — unrecognized intents just fall back to
// the unfiltered essential set.
type Intent string

const (
	IntentGeneral    Intent = "GENERAL"
	IntentFilesystem Intent = "FILESYSTEM"
	IntentGit        Intent = "GIT"
	IntentFetch      Intent = "FETCH"
)

// Complexity decides which execution path the reasoning loop takes.
type Complexity string

const (
	ComplexitySimple  Complexity = "SIMPLE"
	ComplexityComplex Complexity = "COMPLEX"
)

// Classification is the classifier's verdict for one turn.
type Classification struct {
	Intent     Intent
	Complexity Complexity
}

var (
	intentLine     = regexp.MustCompile(`(?im)^\s*INTENT\s*:\s*(\w+)\s*$`)
	complexityLine = regexp.MustCompile(`(?im)^\s*COMPLEXITY\s*:\s*(\w+)\s*$`)

	heuristicCodeFence = regexp.MustCompile("```")
	heuristicGreeting  = regexp.MustCompile(`(?i)^\s*(hi|hey|hello|thanks|thank you|ok|okay)[.!?\s]*$`)
)

const classifierPrompt = `Classify the user's most recent message. Respond with exactly two lines and nothing else:
INTENT: one of GENERAL, FILESYSTEM, GIT, FETCH
COMPLEXITY: one of SIMPLE, COMPLEX

SIMPLE means the reply needs at most one tool call or none at all. COMPLEX means the task likely needs multiple tool calls or multi-step reasoning.`

// Classifier produces a Classification for a turn via a single non-streaming
// provider.Complete call, with a cheap heuristic pre-pass that can
// short-circuit the round trip for unambiguous cases.
type Classifier struct {
	provider LLMProvider
	model    string
}

// NewClassifier creates a classifier that issues its Complete calls against
// the given provider and model.
func NewClassifier(provider LLMProvider, model string) *Classifier {
	return &Classifier{provider: provider, model: model}
}

// Classify returns the classification for the most recent user message.
// hasAttachments bypasses the classifier entirely per spec: media turns
// always route GENERAL/SIMPLE and rely on a separate vision-model switch.
func (c *Classifier) Classify(ctx context.Context, userContent string, hasAttachments bool) Classification {
	if hasAttachments {
		return Classification{Intent: IntentGeneral, Complexity: ComplexitySimple}
	}

	if cls, ok := heuristicClassify(userContent); ok {
		return cls
	}

	if c.provider == nil {
		return Classification{Intent: IntentGeneral, Complexity: ComplexitySimple}
	}

	result, err := c.provider.Complete(ctx, &CompletionRequest{
		Model:     c.model,
		System:    classifierPrompt,
		Messages:  []CompletionMessage{{Role: "user", Content: userContent}},
		MaxTokens: 32,
	})
	if err != nil || result == nil {
		return Classification{Intent: IntentGeneral, Complexity: ComplexitySimple}
	}

	return parseClassification(result.Text)
}

// heuristicClassify short-circuits obviously unambiguous turns: fenced code
// blocks always imply at least a filesystem-flavored SIMPLE turn, and short
// greetings/acknowledgements never need a tool.
func heuristicClassify(content string) (Classification, bool) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Classification{}, false
	}
	if heuristicGreeting.MatchString(trimmed) {
		return Classification{Intent: IntentGeneral, Complexity: ComplexitySimple}, true
	}
	if len(trimmed) < 12 {
		return Classification{Intent: IntentGeneral, Complexity: ComplexitySimple}, true
	}
	if heuristicCodeFence.MatchString(trimmed) {
		return Classification{Intent: IntentFilesystem, Complexity: ComplexitySimple}, true
	}
	return Classification{}, false
}

// parseClassification tolerantly extracts INTENT/COMPLEXITY lines from the
// classifier's raw response text, defaulting to GENERAL/SIMPLE on anything
// it can't parse.
func parseClassification(text string) Classification {
	cls := Classification{Intent: IntentGeneral, Complexity: ComplexitySimple}

	if m := intentLine.FindStringSubmatch(text); m != nil {
		switch strings.ToUpper(m[1]) {
		case string(IntentGeneral):
			cls.Intent = IntentGeneral
		case string(IntentFilesystem):
			cls.Intent = IntentFilesystem
		case string(IntentGit):
			cls.Intent = IntentGit
		case string(IntentFetch):
			cls.Intent = IntentFetch
		}
	}

	if m := complexityLine.FindStringSubmatch(text); m != nil {
		switch strings.ToUpper(m[1]) {
		case string(ComplexitySimple):
			cls.Complexity = ComplexitySimple
		case string(ComplexityComplex):
			cls.Complexity = ComplexityComplex
		}
	}

	return cls
}
