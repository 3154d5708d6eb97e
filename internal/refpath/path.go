// Package refpath parses and resolves {{path}} reference expressions against
// JSON-shaped data. The grammar supports dotted names, numeric bracket
// indices ([0]), quoted string bracket keys (['Sales Person'], ["Name"]),
// and the wildcard [*] which yields the whole array.
package refpath

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is one element of a parsed reference path.
type Segment struct {
	// Name is the field name for name segments (including quoted bracket keys)
	Name string

	// Index is the array index for index segments
	Index int

	// IsIndex marks numeric bracket segments
	IsIndex bool

	// Wildcard marks the [*] segment
	Wildcard bool
}

// String renders the segment in path syntax, used in error messages.
func (s Segment) String() string {
	switch {
	case s.Wildcard:
		return "[*]"
	case s.IsIndex:
		return fmt.Sprintf("[%d]", s.Index)
	case strings.ContainsAny(s.Name, ". []"):
		return fmt.Sprintf("[%q]", s.Name)
	default:
		return s.Name
	}
}

// Parse tokenizes a reference path into segments. The tokenizer respects
// quotes inside brackets so dotted keys like ['first.last'] stay intact.
func Parse(path string) ([]Segment, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty reference path")
	}

	var segs []Segment
	var name strings.Builder
	flush := func() {
		if name.Len() > 0 {
			segs = append(segs, Segment{Name: name.String()})
			name.Reset()
		}
	}

	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			flush()
			i++
		case '[':
			flush()
			end, seg, err := parseBracket(path, i)
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
			i = end
		default:
			name.WriteByte(path[i])
			i++
		}
	}
	flush()

	if len(segs) == 0 {
		return nil, fmt.Errorf("reference path %q has no segments", path)
	}
	return segs, nil
}

// parseBracket parses one bracket expression starting at path[start] == '['.
// Returns the index just past the closing bracket.
func parseBracket(path string, start int) (int, Segment, error) {
	i := start + 1
	if i >= len(path) {
		return 0, Segment{}, fmt.Errorf("unterminated bracket in %q", path)
	}

	// Quoted string key: ['...'] or ["..."]
	if path[i] == '\'' || path[i] == '"' {
		quote := path[i]
		i++
		var key strings.Builder
		for i < len(path) && path[i] != quote {
			key.WriteByte(path[i])
			i++
		}
		if i >= len(path) {
			return 0, Segment{}, fmt.Errorf("unterminated quote in %q", path)
		}
		i++ // past closing quote
		if i >= len(path) || path[i] != ']' {
			return 0, Segment{}, fmt.Errorf("expected ']' after quoted key in %q", path)
		}
		return i + 1, Segment{Name: key.String()}, nil
	}

	end := strings.IndexByte(path[i:], ']')
	if end < 0 {
		return 0, Segment{}, fmt.Errorf("unterminated bracket in %q", path)
	}
	body := strings.TrimSpace(path[i : i+end])
	next := i + end + 1

	if body == "*" {
		return next, Segment{Wildcard: true}, nil
	}

	idx, err := strconv.Atoi(body)
	if err != nil {
		return 0, Segment{}, fmt.Errorf("invalid bracket index %q in %q", body, path)
	}
	if idx < 0 {
		return 0, Segment{}, fmt.Errorf("negative bracket index %d in %q", idx, path)
	}
	return next, Segment{Index: idx, IsIndex: true}, nil
}
