package pilot

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tombee/pilot/pkg/errors"
)

// Extraction patterns keyed by the field classes they recognize. These
// run against the raw document text; the field name (and its schema
// type) picks the class.
var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
	urlPattern    = regexp.MustCompile(`https?://[^\s"'<>]+`)
	datePattern   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4}|\d{4}/\d{2}/\d{2})\b`)
	amountPattern = regexp.MustCompile(`[$€£]\s?\d[\d,]*(?:\.\d{2})?|\b\d[\d,]*\.\d{2}\b`)
	numberPattern = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)
)

// handleExtraction pulls structured fields out of document text using
// deterministic patterns, without an LLM call. The output schema's
// property names and types drive which pattern applies to each field.
func (e *Engine) handleExtraction(_ context.Context, step *Step, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	input, err := e.resolver.ResolveAllVariables(step.Input, ec, scope)
	if err != nil {
		return nil, err
	}
	input = extractOutputShell(input)

	text, ok := documentText(input)
	if !ok {
		if step.OCRFallback {
			return nil, &errors.WorkflowError{
				Code:    errors.CodeInvalidTransformInput,
				StepID:  step.ID,
				Message: "input is not text and no OCR provider is configured",
				Details: map[string]interface{}{"ocr_fallback": true},
			}
		}
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			StepID:  step.ID,
			Message: "deterministic extraction requires text input",
		}
	}

	props := schemaProperties(step.OutputSchema)
	if len(props) == 0 {
		return nil, &errors.ValidationError{
			Field:      "output_schema",
			Message:    "deterministic extraction requires an output schema with properties",
			Suggestion: "declare the fields to extract as schema properties",
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	extracted := make(map[string]interface{}, len(props))
	var missing []interface{}
	for _, name := range names {
		val, found := extractField(text, name, props[name])
		if found {
			extracted[name] = val
		} else {
			extracted[name] = nil
			missing = append(missing, name)
		}
	}

	result := map[string]interface{}{
		"extracted": extracted,
		"found":     len(props) - len(missing),
		"total":     len(props),
	}
	if step.DocumentType != "" {
		result["documentType"] = step.DocumentType
	}
	if len(missing) > 0 {
		result["missing"] = missing
	}
	return result, nil
}

// documentText pulls the text body out of the resolved input. Strings
// pass through; objects yield their first conventional text field.
func documentText(input interface{}) (string, bool) {
	switch v := input.(type) {
	case string:
		return v, v != ""
	case map[string]interface{}:
		for _, key := range []string{"text", "content", "body", "document", "data"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func schemaProperties(schema map[string]interface{}) map[string]string {
	if schema == nil {
		return nil
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(props))
	for name, raw := range props {
		typ := "string"
		if spec, ok := raw.(map[string]interface{}); ok {
			if t, ok := spec["type"].(string); ok {
				typ = t
			}
		}
		out[name] = typ
	}
	return out
}

// extractField matches one schema field against the text. The label
// form "Field Name: value" is tried first; class patterns second.
func extractField(text, name, typ string) (interface{}, bool) {
	if val, ok := labeledValue(text, name); ok {
		return coerceExtracted(val, typ), true
	}

	lower := strings.ToLower(name)
	var pattern *regexp.Regexp
	switch {
	case strings.Contains(lower, "email"):
		pattern = emailPattern
	case strings.Contains(lower, "phone") || strings.Contains(lower, "tel"):
		pattern = phonePattern
	case strings.Contains(lower, "url") || strings.Contains(lower, "link"):
		pattern = urlPattern
	case strings.Contains(lower, "date") || strings.HasSuffix(lower, "_at"):
		pattern = datePattern
	case strings.Contains(lower, "amount") || strings.Contains(lower, "total") ||
		strings.Contains(lower, "price") || strings.Contains(lower, "cost"):
		pattern = amountPattern
	case typ == "number" || typ == "integer":
		pattern = numberPattern
	default:
		return nil, false
	}

	match := pattern.FindString(text)
	if match == "" {
		return nil, false
	}
	return coerceExtracted(strings.TrimSpace(match), typ), true
}

// labeledValue finds "Name: value" lines, tolerating snake_case and
// space-separated labels.
func labeledValue(text, name string) (string, bool) {
	label := strings.ReplaceAll(name, "_", `[ _]`)
	re, err := regexp.Compile(`(?im)^\s*` + label + `\s*[:=]\s*(.+)$`)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func coerceExtracted(raw, typ string) interface{} {
	switch typ {
	case "number", "integer":
		cleaned := strings.TrimLeft(raw, "$€£ ")
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			if typ == "integer" {
				return int(f)
			}
			return f
		}
		return raw
	case "boolean":
		switch strings.ToLower(raw) {
		case "true", "yes", "y", "1":
			return true
		case "false", "no", "n", "0":
			return false
		}
		return raw
	default:
		return raw
	}
}
