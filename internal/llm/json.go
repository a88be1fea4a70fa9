package llm

import (
	"errors"
	"strings"
)

// ErrNoJSON is returned when no balanced JSON object can be found in a response.
var ErrNoJSON = errors.New("no JSON object in response")

// ExtractJSON pulls the first balanced JSON object out of an LLM response.
// Models leak prose and markdown fences around their JSON, so this strips
// ``` fences first, then scans for the first balanced {...} while respecting
// string literals and escapes. If the response contains several objects the
// first one wins.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	// Strip a markdown code fence if the response is wrapped in one.
	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		// Drop an optional language tag like "json".
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			firstLine := strings.TrimSpace(rest[:nl])
			if firstLine == "json" || firstLine == "JSON" || firstLine == "" {
				rest = rest[nl+1:]
			}
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		if obj, err := scanObject(rest); err == nil {
			return obj, nil
		}
	}

	return scanObject(s)
}

// scanObject finds the first balanced top-level JSON object in s.
func scanObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", ErrNoJSON
	}

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
				return s[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}
