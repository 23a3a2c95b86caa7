package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/nexus/internal/tools/policy"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Tools are registered by name and can be retrieved for execution during agent conversations.
type ToolRegistry struct {
	mu                 sync.RWMutex
	tools              map[string]Tool
	essentialAllowlist []string
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry by its name.
// If a tool with the same name already exists, it is replaced.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Refresh replaces the full set of registered tools atomically. MCP-backed
// registrations use this after a tool host reconnects and republishes its
// tool list, so callers never observe a partially-populated registry.
func (r *ToolRegistry) Refresh(tools []Tool) {
	next := make(map[string]Tool, len(tools))
	for _, t := range tools {
		next[t.Name()] = t
	}
	r.mu.Lock()
	r.tools = next
	r.mu.Unlock()
}

// SetEssentialAllowlist configures TOOL_ALLOWLIST: the tool names or
// patterns (e.g. "mcp:*", "read_*") that essentialTools treats as always
// eligible for a turn's schema budget, regardless of intent or query
// relevance. An empty allowlist falls back to a deterministic name-sorted
// truncation of every registered tool.
func (r *ToolRegistry) SetEssentialAllowlist(patterns []string) {
	r.mu.Lock()
	r.essentialAllowlist = append([]string(nil), patterns...)
	r.mu.Unlock()
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20

	// MaxEssentialTools caps the always-available allowlist a registry will
	// honor, independent of how many tools are actually registered.
	MaxEssentialTools = 15

	// DefaultToolFilterMax bounds how many tool schemas SchemasFor hands the
	// model for a single turn (TOOL_FILTER_MAX).
	DefaultToolFilterMax = 5
)

// Execute runs a tool by name with the given JSON parameters.
// Returns an error result if the tool is not found or parameters are invalid.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	// Validate tool name
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}

	// Validate params size
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{
			Content: "tool not found: " + name,
			IsError: true,
		}, nil
	}
	return tool.Execute(ctx, params)
}

// AsLLMTools returns all registered tools as a slice for passing to LLM providers.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// ToolSchema is the wire shape the reasoning loop hands a provider: just
// enough for the model to decide whether and how to call a tool.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// intentKeywords maps a classified intent to the keywords that make a tool
// name or description relevant to it. A tool matches an intent if any
// keyword appears as a substring of its name or description (case-folded).
var intentKeywords = map[string][]string{
	"FILESYSTEM": {"file", "read", "write", "ls", "dir", "list", "show", "view", "path", "edit", "patch"},
	"GIT":        {"git", "commit", "branch", "diff", "merge", "clone", "push", "pull"},
	"FETCH":      {"http", "url", "fetch", "download", "web", "search"},
}

// essentialTools returns the tools eligible for a turn's schema budget
// regardless of intent, enforcing TOOL_ALLOWLIST: with no configured
// allowlist every registered tool is eligible, sorted by name for a
// deterministic result (AsLLMTools iterates a map); with an allowlist
// configured, only tools matching one of its name/pattern entries are
// eligible at all. Either way the result is capped at MaxEssentialTools.
func (r *ToolRegistry) essentialTools(tools []Tool) []Tool {
	r.mu.RLock()
	allowlist := append([]string(nil), r.essentialAllowlist...)
	r.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })

	if len(allowlist) == 0 {
		if len(tools) <= MaxEssentialTools {
			return tools
		}
		return tools[:MaxEssentialTools]
	}

	allowed := make([]Tool, 0, MaxEssentialTools)
	for _, t := range tools {
		if !matchesToolPatterns(allowlist, t.Name(), nil) {
			continue
		}
		allowed = append(allowed, t)
		if len(allowed) == MaxEssentialTools {
			break
		}
	}
	return allowed
}

func toolRelevantToIntent(tool Tool, intent string) bool {
	keywords, ok := intentKeywords[strings.ToUpper(intent)]
	if !ok || len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(tool.Name() + " " + tool.Description())
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func queryRelevantToTool(tool Tool, query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return false
	}
	haystack := strings.ToLower(tool.Name() + " " + tool.Description())
	for _, word := range strings.Fields(query) {
		if len(word) >= 3 && strings.Contains(haystack, word) {
			return true
		}
	}
	return false
}

// SchemasFor selects the tool schemas offered to the model for a single
// turn. Selection intersects a bounded allowlist with intent-keyword
// relevance, falls back to query-keyword overlap when intent filtering
// leaves nothing, and always caps the result at maxTools (TOOL_FILTER_MAX).
// A maxTools of 0 or less uses DefaultToolFilterMax.
func (r *ToolRegistry) SchemasFor(intent, query string, maxTools int) []ToolSchema {
	if maxTools <= 0 {
		maxTools = DefaultToolFilterMax
	}

	allowed := r.essentialTools(r.AsLLMTools())

	relevant := make([]Tool, 0, len(allowed))
	for _, t := range allowed {
		if toolRelevantToIntent(t, intent) {
			relevant = append(relevant, t)
		}
	}
	if len(relevant) == 0 {
		for _, t := range allowed {
			if queryRelevantToTool(t, query) {
				relevant = append(relevant, t)
			}
		}
	}
	if len(relevant) == 0 {
		relevant = allowed
	}

	if len(relevant) > maxTools {
		relevant = relevant[:maxTools]
	}

	schemas := make([]ToolSchema, 0, len(relevant))
	for _, t := range relevant {
		schemas = append(schemas, ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return schemas
}

func normalizeToolName(name string, resolver *policy.Resolver) string {
	if resolver == nil {
		return policy.NormalizeTool(name)
	}
	return resolver.CanonicalName(name)
}

func matchesToolPatterns(patterns []string, toolName string, resolver *policy.Resolver) bool {
	if len(patterns) == 0 {
		return false
	}
	name := normalizeToolName(toolName, resolver)
	for _, pattern := range patterns {
		if matchToolPattern(normalizeToolName(pattern, resolver), name) {
			return true
		}
	}
	return false
}

func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}

func guardToolResult(guard ToolResultGuard, toolName string, result models.ToolResult, resolver *policy.Resolver) models.ToolResult {
	return guard.Apply(toolName, result, resolver)
}

