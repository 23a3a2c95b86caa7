package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/tools/policy"
	"github.com/haasonsaas/nexus/pkg/models"
)

// LoopConfig wires together every collaborator a Loop needs to drive a turn:
// the provider, the tool registry and executor, session persistence, the
// intent classifier, and the three memory tiers.
type LoopConfig struct {
	Provider   LLMProvider
	Registry   *ToolRegistry
	Executor   *Executor
	Sessions   sessions.Store
	Classifier *Classifier
	Memory     *MemoryComposer
	ToolEvents ToolEventStore
	Emitter    *EventEmitter
	Resolver   *policy.Resolver
	Policy     *policy.Policy
	// Summarizer triggers the warm-tier background summary refresh. Nil
	// disables background summarization entirely.
	Summarizer *SummaryScheduler

	// Persona is the base system prompt prepended ahead of the warm/cold
	// memory tiers.
	Persona string
	// Model selects which model the provider should use for this loop's
	// chat turns (the classifier may use a different, cheaper model).
	Model string

	Options LoopOptions
}

// Loop drives the bounded reasoning state machine: classify the turn,
// select an execution path (Fast, Tool, or Agentic), then iterate
// LLM-stream + tool-execute until the model stops requesting tools or the
// iteration ceiling (MAX_TOOL_TURNS) is reached.
type Loop struct {
	cfg  LoopConfig
	opts LoopOptions
}

// NewLoop builds a Loop from its configuration, applying default option
// values for anything the caller left zero.
func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{
		cfg:  cfg,
		opts: mergeLoopOptions(DefaultLoopOptions(), cfg.Options),
	}
}

// Run persists the inbound message, then drives the reasoning loop on a
// separate goroutine, streaming chunks back on the returned channel. The
// channel is closed once the terminal chunk has been sent.
func (l *Loop) Run(ctx context.Context, session *models.Session, userText string, attachments []models.Attachment) (<-chan *ResponseChunk, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: run requires a session", ErrInternalInvariantViolated)
	}
	if l.cfg.Provider == nil {
		return nil, ErrNoProvider
	}

	ctx = WithSession(ctx, session)
	turnCtx, cancel := context.WithTimeout(ctx, l.opts.TurnTimeout)

	userMsg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Role:        models.RoleUser,
		Content:     userText,
		Attachments: attachments,
		CreatedAt:   time.Now(),
	}
	if l.cfg.Sessions != nil {
		if err := l.cfg.Sessions.AppendMessage(ctx, session.ID, userMsg); err != nil {
			cancel()
			return nil, fmt.Errorf("persist inbound message: %w", err)
		}
	}

	chunks := make(chan *ResponseChunk, 16)
	go func() {
		defer cancel()
		defer close(chunks)
		l.run(turnCtx, session, userText, len(attachments) > 0, chunks)
	}()
	return chunks, nil
}

func (l *Loop) run(ctx context.Context, session *models.Session, userText string, hasAttachments bool, chunks chan<- *ResponseChunk) {
	emitter := l.cfg.Emitter
	if emitter != nil {
		emitter.RunStarted(ctx)
	}

	cls := Classification{Intent: IntentGeneral, Complexity: ComplexitySimple}
	if l.cfg.Classifier != nil {
		cls = l.cfg.Classifier.Classify(ctx, userText, hasAttachments)
	}

	path, maxTools := selectPath(cls, l.cfg.Registry)
	sanitizer := newOutputSanitizer(path, session.ID)

	var lastAssistantText string

	for iteration := 0; ; iteration++ {
		if ctx.Err() != nil {
			l.emitFatal(chunks, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: ErrContextCancelled})
			return
		}
		if iteration >= l.opts.MaxIterations {
			l.emitIterationLimitExceeded(chunks, iteration, lastAssistantText, sanitizer)
			return
		}

		if emitter != nil {
			emitter.SetIter(iteration)
			emitter.IterStarted(ctx)
		}
		sanitizer.resetIteration()

		composed, err := l.assembleMessages(ctx, session, userText)
		if err != nil {
			l.emitFatal(chunks, &LoopError{Phase: PhaseInit, Iteration: iteration, Cause: err})
			return
		}

		var schemas []ToolSchema
		if path != PathFast && l.cfg.Registry != nil {
			schemas = l.cfg.Registry.SchemasFor(string(cls.Intent), userText, maxTools)
		}

		req := l.buildRequest(composed, schemas)
		streamChunks, err := l.cfg.Provider.Stream(ctx, req)
		if err != nil {
			l.emitFatal(chunks, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)})
			return
		}

		assistantText, toolCalls, known, streamErr := l.consumeStream(streamChunks, sanitizer, chunks)
		if streamErr != nil {
			l.emitFatal(chunks, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: streamErr})
			return
		}

		if len(toolCalls) == 0 {
			if salvaged := salvageToolCall(assistantText, known); salvaged != nil {
				toolCalls = append(toolCalls, *salvaged)
				assistantText = ""
			}
		}

		lastAssistantText = assistantText

		if len(toolCalls) == 0 {
			if trailing := sanitizer.flushNonToolIteration(); trailing != "" {
				chunks <- &ResponseChunk{Text: trailing}
			}
			l.persistMessage(ctx, session, &models.Message{
				ID:        uuid.NewString(),
				SessionID: session.ID,
				Role:      models.RoleAssistant,
				Content:   assistantText,
				CreatedAt: time.Now(),
			})
			if l.cfg.Summarizer != nil {
				l.cfg.Summarizer.Schedule(session)
			}
			if emitter != nil {
				emitter.IterFinished(ctx)
				emitter.RunFinished(ctx, nil)
			}
			if term := sanitizer.terminal(false); term != nil {
				chunks <- term
			}
			return
		}

		if len(toolCalls) > MaxToolCallsPerIteration {
			toolCalls = toolCalls[:MaxToolCallsPerIteration]
		}

		sanitizer.markToolAccruing()
		assistantMsg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Role:      models.RoleAssistant,
			// Raw tool-call content is never persisted: only the structured
			// tool_calls survive, which is what keeps a re-composed
			// transcript free of the model's inline JSON on the next turn.
			Content:   "",
			ToolCalls: toolCalls,
			CreatedAt: time.Now(),
		}
		l.persistMessage(ctx, session, assistantMsg)

		results := l.executeTools(ctx, session, toolCalls, chunks)
		toolMsg := &models.Message{
			ID:          uuid.NewString(),
			SessionID:   session.ID,
			Role:        models.RoleTool,
			ToolResults: results,
			CreatedAt:   time.Now(),
		}
		l.persistMessage(ctx, session, toolMsg)

		if emitter != nil {
			emitter.IterFinished(ctx)
		}
	}
}

// selectPath implements the routing table: a COMPLEX classification always
// takes the agentic path; otherwise a turn with any tools registered takes
// the tool path, and an empty registry is Fast by construction.
func selectPath(cls Classification, registry *ToolRegistry) (ExecutionPath, int) {
	if cls.Complexity == ComplexityComplex {
		return PathAgentic, DefaultToolFilterMax
	}
	if registry != nil && len(registry.AsLLMTools()) > 0 {
		return PathTool, DefaultToolFilterMax
	}
	return PathFast, 0
}

// assembleMessages implements the per-iteration contract's first step:
// repair the persisted transcript, then compose the memory tiers on top of
// the current turn's query.
func (l *Loop) assembleMessages(ctx context.Context, session *models.Session, userText string) ([]CompletionMessage, error) {
	if l.cfg.Memory == nil {
		return []CompletionMessage{{Role: "user", Content: userText}}, nil
	}
	return l.cfg.Memory.Compose(ctx, l.cfg.Persona, session, userText)
}

// buildRequest splits composed messages into the provider's System field
// (system-role entries) and its chat Messages list, and attaches tool
// schemas as lightweight Tool adapters.
func (l *Loop) buildRequest(composed []CompletionMessage, schemas []ToolSchema) *CompletionRequest {
	var system []string
	messages := make([]CompletionMessage, 0, len(composed))
	for _, m := range composed {
		if m.Role == "system" {
			if m.Content != "" {
				system = append(system, m.Content)
			}
			continue
		}
		messages = append(messages, m)
	}

	var tools []Tool
	for _, s := range schemas {
		tools = append(tools, schemaTool{schema: s})
	}

	return &CompletionRequest{
		Model:    l.cfg.Model,
		System:   strings.Join(system, "\n\n"),
		Messages: messages,
		Tools:    tools,
	}
}

// schemaTool adapts a ToolSchema (name/description/input schema only) to
// the full Tool interface so it can be attached to a CompletionRequest.
// Execute is never called on it: providers only read Name/Description/
// Schema when building their wire-format tool definitions, and actual
// execution always goes through the registry and executor instead.
type schemaTool struct {
	schema ToolSchema
}

func (t schemaTool) Name() string            { return t.schema.Name }
func (t schemaTool) Description() string     { return t.schema.Description }
func (t schemaTool) Schema() json.RawMessage { return t.schema.InputSchema }
func (t schemaTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return nil, fmt.Errorf("schemaTool %q is a provider-facing stand-in and cannot execute", t.schema.Name)
}

// consumeStream drains one iteration's provider stream, applying the
// output sanitizer's per-chunk rules, and returns the accumulated
// assistant text plus any structured tool calls. known is the set of tool
// names currently registered, used by the caller for salvage-parsing when
// no structured tool call arrived.
func (l *Loop) consumeStream(streamChunks <-chan *CompletionChunk, sanitizer *outputSanitizer, out chan<- *ResponseChunk) (string, []models.ToolCall, map[string]struct{}, error) {
	var text strings.Builder
	var toolCalls []models.ToolCall
	var totalSize int

	known := make(map[string]struct{})
	if l.cfg.Registry != nil {
		for _, t := range l.cfg.Registry.AsLLMTools() {
			known[t.Name()] = struct{}{}
		}
	}

	for chunk := range streamChunks {
		if chunk.Error != nil {
			return text.String(), toolCalls, known, chunk.Error
		}
		if chunk.Text != "" {
			totalSize += len(chunk.Text)
			if totalSize > MaxResponseTextSize {
				return text.String(), toolCalls, known, fmt.Errorf("%w: response exceeded %d bytes", ErrProviderBadOutput, MaxResponseTextSize)
			}
			text.WriteString(chunk.Text)
			if forward := sanitizer.content(chunk.Text); forward != "" {
				out <- &ResponseChunk{Text: forward}
			}
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
			sanitizer.markToolAccruing()
		}
	}

	return text.String(), toolCalls, known, nil
}

// executeTools runs every tool call concurrently (bounded by the
// executor's concurrency limit), emitting a status event per call and
// guarding each result before it is handed back to the model.
func (l *Loop) executeTools(ctx context.Context, session *models.Session, calls []models.ToolCall, out chan<- *ResponseChunk) []models.ToolResult {
	resolver, toolPolicy, hasPolicy := toolPolicyFromContext(ctx)
	if !hasPolicy {
		resolver, toolPolicy = l.cfg.Resolver, l.cfg.Policy
	}

	results := make([]models.ToolResult, len(calls))

	if l.cfg.Registry == nil {
		for i, call := range calls {
			results[i] = models.ToolResult{ToolCallID: call.ID, Content: "tool not found: " + call.Name, IsError: true}
		}
		return results
	}

	var known []models.ToolCall
	knownIdx := make(map[string]int, len(calls))
	for i, call := range calls {
		if _, ok := l.cfg.Registry.Get(call.Name); !ok {
			out <- &ResponseChunk{Event: models.NewToolEvent(models.EventToolFailed, call.Name, call.ID).WithMessage("tool not found")}
			results[i] = models.ToolResult{ToolCallID: call.ID, Content: "tool not found: " + call.Name, IsError: true}
			continue
		}
		if resolver != nil && toolPolicy != nil && !resolver.IsAllowed(toolPolicy, call.Name) {
			out <- &ResponseChunk{Event: models.NewToolEvent(models.EventToolFailed, call.Name, call.ID).WithMessage("tool denied by policy")}
			results[i] = models.ToolResult{ToolCallID: call.ID, Content: "tool denied by policy: " + call.Name, IsError: true}
			continue
		}
		knownIdx[call.ID] = i
		known = append(known, call)
	}

	if l.cfg.Executor == nil || len(known) == 0 {
		return results
	}

	for _, call := range known {
		out <- &ResponseChunk{Event: models.NewToolEvent(models.EventToolStarted, call.Name, call.ID).WithMessage("Using " + call.Name + "...")}
	}

	execResults := l.cfg.Executor.ExecuteAll(ctx, known)
	guard := l.opts.ToolResultGuard
	for _, r := range execResults {
		i, ok := knownIdx[r.ToolCallID]
		if !ok {
			continue
		}
		var toolResult models.ToolResult
		switch {
		case r.Error != nil:
			toolResult = models.ToolResult{ToolCallID: r.ToolCallID, Content: r.Error.Error(), IsError: true}
			out <- &ResponseChunk{Event: models.NewToolEvent(models.EventToolFailed, r.ToolName, r.ToolCallID).WithMessage(r.Error.Error())}
		case r.Result != nil:
			toolResult = models.ToolResult{ToolCallID: r.ToolCallID, Content: r.Result.Content, IsError: r.Result.IsError}
			out <- &ResponseChunk{Event: models.NewToolEvent(models.EventToolCompleted, r.ToolName, r.ToolCallID)}
		}
		results[i] = guardToolResult(guard, r.ToolName, toolResult, resolver)
	}
	return results
}

func (l *Loop) persistMessage(ctx context.Context, session *models.Session, msg *models.Message) {
	if l.cfg.Sessions != nil {
		if err := l.cfg.Sessions.AppendMessage(ctx, session.ID, msg); err != nil && l.opts.Logger != nil {
			l.opts.Logger.Warn("failed to persist message", "error", err, "session_id", session.ID, "role", msg.Role)
		}
	}
	if l.cfg.ToolEvents == nil {
		return
	}
	for i := range msg.ToolCalls {
		_ = l.cfg.ToolEvents.AddToolCall(ctx, session.ID, msg.ID, &msg.ToolCalls[i])
	}
	for i := range msg.ToolResults {
		_ = l.cfg.ToolEvents.AddToolResult(ctx, session.ID, msg.ID, nil, &msg.ToolResults[i])
	}
}

func (l *Loop) emitFatal(chunks chan<- *ResponseChunk, err *LoopError) {
	if l.cfg.Emitter != nil {
		l.cfg.Emitter.RunError(context.Background(), err, false)
	}
	chunks <- &ResponseChunk{Error: err}
}

// emitIterationLimitExceeded surfaces ErrMaxIterations together with
// whatever partial assistant text the final iteration produced, then sends
// the loop's own terminal chunk so the transport can still close out the
// turn cleanly.
func (l *Loop) emitIterationLimitExceeded(chunks chan<- *ResponseChunk, iteration int, partial string, sanitizer *outputSanitizer) {
	loopErr := &LoopError{
		Phase:     PhaseContinue,
		Iteration: iteration,
		Message:   "reasoning loop exceeded its iteration limit",
		Cause:     ErrMaxIterations,
	}
	if l.cfg.Emitter != nil {
		l.cfg.Emitter.RunError(context.Background(), loopErr, false)
	}
	if partial != "" {
		chunks <- &ResponseChunk{Text: partial}
	}
	chunks <- &ResponseChunk{Error: loopErr}
	if term := sanitizer.terminal(false); term != nil {
		chunks <- term
	}
}
