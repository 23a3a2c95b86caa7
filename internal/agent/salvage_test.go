package agent

import (
	"strings"
	"testing"
)

func TestSalvageToolCall(t *testing.T) {
	known := map[string]struct{}{"read_file": {}, "web_search": {}}

	tests := []struct {
		name      string
		content   string
		wantNil   bool
		wantName  string
		wantInput string
	}{
		{
			name:      "parameters field",
			content:   `Sure, let me check that. {"name": "read_file", "parameters": {"path": "a.go"}} done.`,
			wantName:  "read_file",
			wantInput: `{"path": "a.go"}`,
		},
		{
			name:      "arguments field",
			content:   `{"name": "web_search", "arguments": {"query": "weather {braces}"}}`,
			wantName:  "web_search",
			wantInput: `{"query": "weather {braces}"}`,
		},
		{
			name:    "unknown tool name rejected",
			content: `{"name": "delete_everything", "parameters": {}}`,
			wantNil: true,
		},
		{
			name:    "missing name rejected",
			content: `{"parameters": {"path": "a.go"}}`,
			wantNil: true,
		},
		{
			name:    "no json object",
			content: "just a plain sentence with no tool call",
			wantNil: true,
		},
		{
			name:    "unbalanced braces",
			content: `{"name": "read_file", "parameters": {"path": "a.go"}`,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := salvageToolCall(tt.content, known)
			if tt.wantNil {
				if call != nil {
					t.Fatalf("salvageToolCall(%q) = %+v, want nil", tt.content, call)
				}
				return
			}
			if call == nil {
				t.Fatalf("salvageToolCall(%q) = nil, want non-nil", tt.content)
			}
			if call.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", call.Name, tt.wantName)
			}
			if call.ID == "" || !strings.HasPrefix(call.ID, "salvaged_") {
				t.Errorf("ID = %q, want salvaged_ prefix", call.ID)
			}
			if string(call.Input) != tt.wantInput {
				t.Errorf("Input = %s, want %s", call.Input, tt.wantInput)
			}
		})
	}
}

func TestFindMatchingBrace(t *testing.T) {
	tests := []struct {
		s     string
		start int
		want  int
	}{
		{`{"a": 1}`, 0, 7},
		{`{"a": "}"}`, 0, 9},
		{`{"a": {"b": 1}}`, 0, 14},
		{`{"a": 1`, 0, -1},
	}
	for _, tt := range tests {
		if got := findMatchingBrace(tt.s, tt.start); got != tt.want {
			t.Errorf("findMatchingBrace(%q, %d) = %d, want %d", tt.s, tt.start, got, tt.want)
		}
	}
}
