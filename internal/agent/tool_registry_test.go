package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
)

type stubTool struct {
	name string
}

func (s stubTool) Name() string                  { return s.name }
func (s stubTool) Description() string           { return "stub tool " + s.name }
func (s stubTool) Schema() json.RawMessage       { return json.RawMessage(`{"type":"object"}`) }
func (s stubTool) Execute(context.Context, json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: "ok"}, nil
}

func registryWithTools(n int) *ToolRegistry {
	r := NewToolRegistry()
	for i := 0; i < n; i++ {
		r.Register(stubTool{name: fmt.Sprintf("tool_%02d", i)})
	}
	return r
}

func TestSchemasFor_NoAllowlistIsDeterministicAndCapped(t *testing.T) {
	r := registryWithTools(MaxEssentialTools + 5)

	first := r.SchemasFor("", "", MaxEssentialTools+5)
	second := r.SchemasFor("", "", MaxEssentialTools+5)

	if len(first) != MaxEssentialTools {
		t.Fatalf("len(first) = %d, want %d", len(first), MaxEssentialTools)
	}
	if len(first) != len(second) {
		t.Fatalf("non-deterministic result count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Name != second[i].Name {
			t.Fatalf("non-deterministic ordering at %d: %q vs %q", i, first[i].Name, second[i].Name)
		}
	}
}

func TestSchemasFor_AllowlistRestrictsEssentialSet(t *testing.T) {
	r := NewToolRegistry()
	r.Register(stubTool{name: "read_file"})
	r.Register(stubTool{name: "write_file"})
	r.Register(stubTool{name: "shell_exec"})
	r.SetEssentialAllowlist([]string{"read_file", "write_file"})

	schemas := r.SchemasFor("", "", MaxEssentialTools)

	for _, s := range schemas {
		if s.Name == "shell_exec" {
			t.Fatalf("SchemasFor returned %q, which is not in the configured allowlist", s.Name)
		}
	}
	if len(schemas) != 2 {
		t.Fatalf("len(schemas) = %d, want 2", len(schemas))
	}
}

func TestSchemasFor_AllowlistWildcardMatchesMCPNamespace(t *testing.T) {
	r := NewToolRegistry()
	r.Register(stubTool{name: "mcp:filesystem.read_file"})
	r.Register(stubTool{name: "shell_exec"})
	r.SetEssentialAllowlist([]string{"mcp:*"})

	schemas := r.SchemasFor("", "", MaxEssentialTools)
	if len(schemas) != 1 || schemas[0].Name != "mcp:filesystem.read_file" {
		t.Fatalf("SchemasFor() = %+v, want only the mcp:* tool", schemas)
	}
}

func TestSchemasFor_AllowlistCapsAtMaxEssentialTools(t *testing.T) {
	r := NewToolRegistry()
	allowlist := make([]string, 0, MaxEssentialTools+3)
	for i := 0; i < MaxEssentialTools+3; i++ {
		name := fmt.Sprintf("tool_%02d", i)
		r.Register(stubTool{name: name})
		allowlist = append(allowlist, name)
	}
	r.SetEssentialAllowlist(allowlist)

	schemas := r.SchemasFor("", "", MaxEssentialTools+3)
	if len(schemas) != MaxEssentialTools {
		t.Fatalf("len(schemas) = %d, want %d", len(schemas), MaxEssentialTools)
	}
}

func TestRefresh_ReplacesEntireToolSet(t *testing.T) {
	r := NewToolRegistry()
	r.Register(stubTool{name: "old_tool"})

	r.Refresh([]Tool{stubTool{name: "new_tool"}})

	if _, ok := r.Get("old_tool"); ok {
		t.Fatalf("Get(%q) found a tool that should have been dropped by Refresh", "old_tool")
	}
	if _, ok := r.Get("new_tool"); !ok {
		t.Fatalf("Get(%q) did not find the tool Refresh should have registered", "new_tool")
	}
}
