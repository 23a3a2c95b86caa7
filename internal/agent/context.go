package agent

import (
	"context"
	"strings"

	"github.com/haasonsaas/nexus/internal/tools/policy"
	"github.com/haasonsaas/nexus/pkg/models"
)

type sessionKey struct{}
type systemPromptKey struct{}
type toolPolicyKey struct{}
type toolResolverKey struct{}

// MaxResponseTextSize is the maximum size of accumulated response text (1MB).
// This prevents memory exhaustion from malicious or buggy model responses.
const MaxResponseTextSize = 1 << 20

// MaxToolCallsPerIteration is the maximum number of tool calls the loop will
// act on within a single iteration, regardless of how many the model returns.
const MaxToolCallsPerIteration = 100

// WithSession stores the active session in the context so tools (vector
// memory search/write, introspection) can scope themselves without the
// caller threading a session argument through every call.
func WithSession(ctx context.Context, session *models.Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFromContext retrieves the session stored by WithSession, or nil.
func SessionFromContext(ctx context.Context) *models.Session {
	session, _ := ctx.Value(sessionKey{}).(*models.Session)
	return session
}

// WithSystemPrompt stores a request-scoped system prompt override, used when
// a caller wants to replace the persona/session default for a single turn.
func WithSystemPrompt(ctx context.Context, prompt string) context.Context {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ctx
	}
	return context.WithValue(ctx, systemPromptKey{}, prompt)
}

func systemPromptFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(systemPromptKey{}).(string)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// WithToolPolicy stores a tool allow/deny policy override for the duration
// of a request, consulted by the registry's filtering helpers.
func WithToolPolicy(ctx context.Context, resolver *policy.Resolver, toolPolicy *policy.Policy) context.Context {
	if resolver == nil || toolPolicy == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, toolResolverKey{}, resolver)
	return context.WithValue(ctx, toolPolicyKey{}, toolPolicy)
}

func toolPolicyFromContext(ctx context.Context) (*policy.Resolver, *policy.Policy, bool) {
	resolver, ok := ctx.Value(toolResolverKey{}).(*policy.Resolver)
	if !ok || resolver == nil {
		return nil, nil, false
	}
	pol, ok := ctx.Value(toolPolicyKey{}).(*policy.Policy)
	if !ok || pol == nil {
		return nil, nil, false
	}
	return resolver, pol, true
}
