package transform

import (
	"fmt"
	"strings"

	"github.com/tombee/pilot/pkg/errors"
)

// is2D reports whether the array looks like spreadsheet rows: every
// element is itself an array and there is at least one row.
func is2D(items []interface{}) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if _, ok := item.([]interface{}); !ok {
			return false
		}
	}
	return true
}

// headerIndex finds a column by name in a header row, case-insensitive.
func headerIndex(header []interface{}, name string) int {
	want := strings.ToLower(strings.TrimSpace(name))
	for i, cell := range header {
		if s, ok := cell.(string); ok && strings.ToLower(strings.TrimSpace(s)) == want {
			return i
		}
	}
	return -1
}

// rowsToObjects converts 2-D rows into objects keyed by header names.
// Header names are lowercased and trimmed so downstream references stay
// stable across sheet formatting changes.
func rowsToObjects(input interface{}, cfg map[string]interface{}) (interface{}, error) {
	rows, ok := input.([]interface{})
	if !ok {
		return nil, invalidInput("rows_to_objects", input)
	}
	if len(rows) == 0 {
		return []interface{}{}, nil
	}

	headers := cfgStringSlice(cfg, "headers")
	dataRows := rows
	if len(headers) == 0 {
		headerRow, ok := rows[0].([]interface{})
		if !ok {
			return nil, &errors.WorkflowError{
				Code:    errors.CodeInvalidTransformInput,
				Message: "rows_to_objects requires 2-D rows or explicit headers",
			}
		}
		headers = make([]string, len(headerRow))
		for i, cell := range headerRow {
			headers[i] = fmt.Sprintf("%v", cell)
		}
		dataRows = rows[1:]
	}
	for i, h := range headers {
		headers[i] = strings.ToLower(strings.TrimSpace(h))
	}

	out := make([]interface{}, 0, len(dataRows))
	for _, raw := range dataRows {
		row, ok := raw.([]interface{})
		if !ok {
			continue
		}
		obj := make(map[string]interface{}, len(headers))
		for i, h := range headers {
			if h == "" {
				continue
			}
			if i < len(row) {
				obj[h] = row[i]
			} else {
				obj[h] = nil
			}
		}
		out = append(out, obj)
	}
	return out, nil
}

// mapHeaders renames the header row of 2-D rows via config.mapping,
// optionally lowercasing the rest with config.normalize.
func mapHeaders(input interface{}, cfg map[string]interface{}) (interface{}, error) {
	rows, ok := input.([]interface{})
	if !ok || !is2D(rows) {
		return nil, invalidInput("map_headers", input)
	}
	mapping := cfgStringMap(cfg, "mapping")
	normalize := cfgBool(cfg, "normalize")

	header := rows[0].([]interface{})
	renamed := make([]interface{}, len(header))
	for i, cell := range header {
		name := fmt.Sprintf("%v", cell)
		if replacement, ok := mapping[name]; ok {
			name = replacement
		} else if replacement, ok := mapping[strings.ToLower(strings.TrimSpace(name))]; ok {
			name = replacement
		} else if normalize {
			name = strings.ToLower(strings.TrimSpace(name))
		}
		renamed[i] = name
	}

	out := make([]interface{}, len(rows))
	out[0] = renamed
	copy(out[1:], rows[1:])
	return out, nil
}
