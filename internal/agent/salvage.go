package agent

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/pkg/models"
)

// salvageToolCall scans accumulated assistant content for an ad-hoc JSON
// tool-call object when the provider never emitted a structured tool_calls
// field. Some models, especially smaller or locally-hosted ones, fall back
// to describing the call as inline JSON instead of using the API's native
// tool-call mechanism.
//
// It scans from the first '{' to its matching '}' using balanced-brace,
// string-aware counting (so braces inside quoted strings don't confuse the
// scan), then requires the object to have a "name" field naming one of the
// tools currently on offer. Returns nil if no such object is found or it
// doesn't name a known tool.
func salvageToolCall(content string, known map[string]struct{}) *models.ToolCall {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return nil
	}

	end := findMatchingBrace(content, start)
	if end < 0 {
		return nil
	}

	var candidate struct {
		Name       string          `json:"name"`
		Parameters json.RawMessage `json:"parameters"`
		Arguments  json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &candidate); err != nil {
		return nil
	}
	if candidate.Name == "" {
		return nil
	}
	if _, ok := known[candidate.Name]; !ok {
		return nil
	}

	input := candidate.Parameters
	if len(input) == 0 {
		input = candidate.Arguments
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	return &models.ToolCall{
		ID:    "salvaged_" + uuid.NewString(),
		Name:  candidate.Name,
		Input: input,
	}
}

// findMatchingBrace returns the index of the '}' matching the '{' at start,
// skipping over brace characters that appear inside double-quoted strings.
// Returns -1 if the braces never balance.
func findMatchingBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
