package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON pulls a JSON value out of an LLM response. It tries, in
// order: the whole response as JSON, the first fenced code block, and the
// first balanced {...} or [...] span.
func ExtractJSON(response string) (interface{}, error) {
	trimmed := strings.TrimSpace(response)

	var data interface{}
	if err := json.Unmarshal([]byte(trimmed), &data); err == nil {
		return data, nil
	}

	if m := fencedJSON.FindStringSubmatch(trimmed); m != nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &data); err == nil {
			return data, nil
		}
	}

	for _, open := range []byte{'{', '['} {
		if span := balancedSpan(trimmed, open); span != "" {
			if err := json.Unmarshal([]byte(span), &data); err == nil {
				return data, nil
			}
		}
	}

	return nil, fmt.Errorf("no valid JSON found in response")
}

// balancedSpan returns the first balanced JSON-ish span starting with open.
// Tracks string literals so braces inside quoted text don't confuse depth.
func balancedSpan(s string, open byte) string {
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
