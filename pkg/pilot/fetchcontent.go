package pilot

import (
	"context"
	"regexp"
	"strings"

	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/pkg/errors"
)

// contentActionPatterns match connector actions that return the content
// of an item (attachment bytes, file body, message body).
var contentActionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^get_.+_attachment$`),
	regexp.MustCompile(`^get_.+_content$`),
	regexp.MustCompile(`^download_.+$`),
	regexp.MustCompile(`^fetch_.+_content$`),
	regexp.MustCompile(`^get_file$`),
}

// fetchContent enriches each input item with fetched content by
// discovering a matching content action on the source plugin and
// auto-mapping item fields onto its parameters.
func (e *Engine) fetchContent(ctx context.Context, input interface{}, cfg map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
	if e.plugins == nil {
		return nil, &errors.WorkflowError{
			Code:    errors.CodePluginFailed,
			Message: "fetch_content requires a plugin runtime",
		}
	}

	plugin := stringOr(cfg["plugin"], "")
	if plugin == "" {
		if env, ok := input.(map[string]interface{}); ok {
			plugin = stringOr(env[shape.SourcePluginKey], "")
		}
	}
	if plugin == "" {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: "fetch_content cannot determine the source plugin; set config.plugin",
		}
	}

	items, ok := input.([]interface{})
	if !ok {
		items = shape.UnwrapArray(input)
	}
	if items == nil {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: "fetch_content requires an array of items",
		}
	}

	action := stringOr(cfg["action"], "")
	var actionDef ActionDefinition
	if def, found := e.plugins.Definition(plugin); found {
		if action == "" {
			action = discoverContentAction(def)
		}
		actionDef = def.Actions[action]
	}
	if action == "" {
		return nil, &errors.WorkflowError{
			Code:    errors.CodePluginFailed,
			Message: "no content action found on plugin " + plugin,
		}
	}

	contentField := stringOr(cfg["content_field"], "content")

	out := make([]interface{}, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			out = append(out, raw)
			continue
		}
		enriched := make(map[string]interface{}, len(item)+1)
		for k, v := range item {
			enriched[k] = v
		}

		params := mapItemParams(item, actionDef.Parameters)
		result, err := e.plugins.Execute(ctx, ec.UserID, plugin, action, params)
		switch {
		case err != nil:
			enriched[contentField+"_error"] = err.Error()
		case !result.Success:
			enriched[contentField+"_error"] = result.Error
		default:
			enriched[contentField] = result.Data
		}
		out = append(out, enriched)
	}
	return out, nil
}

func discoverContentAction(def *PluginDefinition) string {
	best := ""
	for name := range def.Actions {
		for _, pattern := range contentActionPatterns {
			if pattern.MatchString(name) {
				if best == "" || name < best {
					best = name
				}
			}
		}
	}
	return best
}

// mapItemParams fills action parameters from item fields: exact name,
// camel/snake variants, partial *_id matching, then the _parentData
// summary left by flatten.
func mapItemParams(item map[string]interface{}, paramSchema map[string]interface{}) map[string]interface{} {
	params := map[string]interface{}{}
	props, _ := paramSchema["properties"].(map[string]interface{})
	if props == nil {
		// Without a declared schema, forward the conventional identifiers.
		for _, key := range []string{"id", "attachment_id", "message_id", "file_id"} {
			if val, ok := shape.ExtractValueByKey(item, key); ok {
				params[key] = val
			}
		}
		return params
	}

	var parentData map[string]interface{}
	if pd, ok := item["_parentData"].(map[string]interface{}); ok {
		parentData = pd
	}

	for name := range props {
		if val, ok := lookupParam(item, name); ok {
			params[name] = val
			continue
		}
		if parentData != nil {
			if val, ok := lookupParam(parentData, name); ok {
				params[name] = val
			}
		}
	}
	return params
}

func lookupParam(item map[string]interface{}, name string) (interface{}, bool) {
	if val, ok := item[name]; ok {
		return val, true
	}
	for _, variant := range []string{toCamel(name), toSnake(name)} {
		if val, ok := item[variant]; ok {
			return val, true
		}
	}
	if val, ok := shape.ExtractValueByKey(item, name); ok {
		return val, true
	}
	// attachment_id style parameters accept the item's own id.
	if strings.HasSuffix(name, "_id") || strings.HasSuffix(name, "Id") {
		if val, ok := item["id"]; ok {
			return val, true
		}
	}
	return nil, false
}

func toCamel(s string) string {
	parts := strings.Split(s, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
