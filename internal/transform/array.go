package transform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/pkg/errors"
)

// tupleUnwrapPattern matches the idiom of extracting the first element
// of row tuples. When items are already plain objects the map is a
// no-op and the input passes through unchanged.
var tupleUnwrapPattern = regexp.MustCompile(`^\s*items?\.map\(\s*(\w+)\s*=>\s*(\w+)\[0\]\s*\)\s*$`)

// perItemMapPattern matches "items.map(x => body)" so the body can be
// evaluated per element.
var perItemMapPattern = regexp.MustCompile(`^\s*items?\.map\(\s*(\w+)\s*=>\s*(.+?)\s*\)\s*$`)

func (p *Pipeline) mapOp(items []interface{}, cfg map[string]interface{}, opts Options) (interface{}, error) {
	if columns := cfgStringSlice(cfg, "columns"); len(columns) > 0 {
		return mapColumns(items, columns, cfg, opts)
	}
	if expr := cfgString(cfg, "expression"); expr != "" {
		return p.mapExpression(items, expr)
	}
	return items, nil
}

// mapColumns projects objects into 2-D rows in column order.
func mapColumns(items []interface{}, columns []string, cfg map[string]interface{}, opts Options) (interface{}, error) {
	mapping := cfgStringMap(cfg, "column_mapping")
	rows := make([]interface{}, 0, len(items)+1)

	addHeaders := cfgBool(cfg, "add_headers") && len(items) > 0
	if addHeaders && opts.HeaderSourceEmpty != nil {
		// A non-empty destination already carries headers.
		addHeaders = *opts.HeaderSourceEmpty
	}
	if addHeaders {
		header := make([]interface{}, len(columns))
		for i, c := range columns {
			header[i] = c
		}
		rows = append(rows, header)
	}

	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			// Scalars project into single-cell rows.
			rows = append(rows, []interface{}{item})
			continue
		}
		row := make([]interface{}, len(columns))
		for i, col := range columns {
			val, _ := shape.FindFieldValue(obj, col, mapping)
			row[i] = cellValue(val)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// cellValue renders nested composites as JSON so spreadsheet rows stay
// flat.
func cellValue(val interface{}) interface{} {
	switch val.(type) {
	case nil, string, bool, float64, int, int64:
		return val
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}

func (p *Pipeline) mapExpression(items []interface{}, expr string) (interface{}, error) {
	if m := tupleUnwrapPattern.FindStringSubmatch(expr); m != nil && m[1] == m[2] {
		if !itemsAreTuples(items) {
			return items, nil
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			row := item.([]interface{})
			out[i] = row[0]
		}
		return out, nil
	}

	if m := perItemMapPattern.FindStringSubmatch(expr); m != nil {
		varName, body := m[1], m[2]
		out := make([]interface{}, len(items))
		for i, item := range items {
			val, err := p.eval.Evaluate(body, map[string]interface{}{
				varName: item,
				"index": i,
			})
			if err != nil {
				return nil, &errors.WorkflowError{
					Code:    errors.CodeInvalidTransformInput,
					Message: fmt.Sprintf("map expression failed on item %d: %v", i, err),
					Cause:   err,
				}
			}
			out[i] = val
		}
		return out, nil
	}

	result, err := p.eval.Evaluate(expr, map[string]interface{}{
		"item":  items,
		"items": items,
	})
	if err != nil {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: fmt.Sprintf("map expression failed: %v", err),
			Cause:   err,
		}
	}
	return result, nil
}

func itemsAreTuples(items []interface{}) bool {
	for _, item := range items {
		if _, ok := item.([]interface{}); !ok {
			return false
		}
	}
	return len(items) > 0
}

func (p *Pipeline) filterOp(items []interface{}, cfg map[string]interface{}, opts Options) (interface{}, error) {
	// Pre-computed tuple filters [original, bool] unwrap directly.
	if tuples, ok := boolTuples(items); ok {
		kept := make([]interface{}, 0, len(tuples))
		for _, t := range tuples {
			if t.keep {
				kept = append(kept, t.value)
			}
		}
		return filterResult(kept, len(items)), nil
	}

	pred := opts.Predicate
	if pred == nil {
		cond := cfgString(cfg, "condition", "expression")
		if cond == "" {
			return filterResult(items, len(items)), nil
		}
		pred = func(item interface{}, index int) (bool, error) {
			return p.eval.EvaluateBool(cond, map[string]interface{}{
				"item":  item,
				"index": index,
			})
		}
	}

	kept := make([]interface{}, 0, len(items))
	for i, item := range items {
		ok, err := pred(item, i)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, item)
		}
	}
	return filterResult(kept, len(items)), nil
}

// filterResult wraps the kept items with the counters downstream steps
// and calibration reports read. Schema-aware unwrapping recognizes
// "items" as the primary collection, so chained transforms keep working.
func filterResult(kept []interface{}, original int) map[string]interface{} {
	return map[string]interface{}{
		"items":         kept,
		"count":         len(kept),
		"originalCount": original,
		"removed":       original - len(kept),
		"filtered":      true,
	}
}

type boolTuple struct {
	value interface{}
	keep  bool
}

func boolTuples(items []interface{}) ([]boolTuple, bool) {
	if len(items) == 0 {
		return nil, false
	}
	out := make([]boolTuple, len(items))
	for i, item := range items {
		pair, ok := item.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, false
		}
		keep, ok := pair[1].(bool)
		if !ok {
			return nil, false
		}
		out[i] = boolTuple{value: pair[0], keep: keep}
	}
	return out, true
}

func (p *Pipeline) reduceOp(items []interface{}, cfg map[string]interface{}) (interface{}, error) {
	reducer := cfgString(cfg, "reducer", "operation", "type")
	field := cfgString(cfg, "field")

	switch reducer {
	case "sum":
		total := 0.0
		for _, item := range items {
			if f, ok := numericValue(item, field); ok {
				total += f
			}
		}
		return total, nil
	case "count":
		return float64(len(items)), nil
	case "concat":
		var parts []interface{}
		for _, item := range items {
			if arr, ok := item.([]interface{}); ok {
				parts = append(parts, arr...)
			} else {
				parts = append(parts, item)
			}
		}
		return parts, nil
	case "merge":
		merged := map[string]interface{}{}
		for _, item := range items {
			if obj, ok := item.(map[string]interface{}); ok {
				for k, v := range obj {
					merged[k] = v
				}
			}
		}
		return merged, nil
	default:
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: fmt.Sprintf("unknown reducer %q (want sum, count, concat, or merge)", reducer),
		}
	}
}

// sortLevel is one key of a multi-level sort.
type sortLevel struct {
	field string
	desc  bool
}

func (p *Pipeline) sortOp(items []interface{}, cfg map[string]interface{}) (interface{}, error) {
	levels := sortLevels(cfg)
	if len(levels) == 0 {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: "sort requires sort_by",
		}
	}
	out := append([]interface{}(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		for _, lv := range levels {
			cmp := compareValues(sortKey(out[i], lv.field), sortKey(out[j], lv.field))
			if cmp == 0 {
				continue
			}
			if lv.desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return out, nil
}

func sortLevels(cfg map[string]interface{}) []sortLevel {
	switch v := cfg["sort_by"].(type) {
	case string:
		return []sortLevel{{field: v, desc: strings.EqualFold(cfgString(cfg, "order"), "desc")}}
	case []interface{}:
		levels := make([]sortLevel, 0, len(v))
		for _, raw := range v {
			switch lv := raw.(type) {
			case string:
				levels = append(levels, sortLevel{field: lv})
			case map[string]interface{}:
				levels = append(levels, sortLevel{
					field: cfgString(lv, "field", "column"),
					desc:  strings.EqualFold(cfgString(lv, "order", "direction"), "desc"),
				})
			}
		}
		return levels
	default:
		return nil
	}
}

func sortKey(item interface{}, field string) interface{} {
	if field == "" {
		return item
	}
	if obj, ok := item.(map[string]interface{}); ok {
		val, _ := shape.FindFieldValue(obj, field, nil)
		return val
	}
	return item
}

// compareValues orders with type detection: nulls last, then numbers
// (including numeric strings), then ISO dates, then strings.
func compareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	if af, aok := asNumber(a); aok {
		if bf, bok := asNumber(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if at, aok := asISODate(a); aok {
		if bt, bok := asISODate(b); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asISODate(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (p *Pipeline) groupOp(items []interface{}, cfg map[string]interface{}) (interface{}, error) {
	key := cfgString(cfg, "column", "field", "groupBy", "group_by")
	if key == "" {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: "group requires a column, field, or groupBy key",
		}
	}

	rows := items
	var header []interface{}
	colIndex := -1
	if is2D(items) {
		header, _ = items[0].([]interface{})
		colIndex = headerIndex(header, key)
		rows = items[1:]
	}

	grouped := map[string]interface{}{}
	order := []string{}
	for _, item := range rows {
		k := groupKey(item, key, colIndex)
		bucket, ok := grouped[k].([]interface{})
		if !ok {
			order = append(order, k)
		}
		grouped[k] = append(bucket, item)
	}
	sort.Strings(order)

	groups := make([]interface{}, 0, len(order))
	for _, k := range order {
		members := grouped[k].([]interface{})
		groups = append(groups, map[string]interface{}{
			"key":   k,
			"items": members,
			"count": len(members),
		})
	}

	result := map[string]interface{}{
		"grouped": grouped,
		"groups":  groups,
		"keys":    toInterfaceSlice(order),
		"count":   len(order),
	}
	// Direct key access for definitions that address groups by name.
	for k, v := range grouped {
		if _, reserved := result[k]; !reserved {
			result[k] = v
		}
	}
	return result, nil
}

func groupKey(item interface{}, key string, colIndex int) string {
	if colIndex >= 0 {
		if row, ok := item.([]interface{}); ok && colIndex < len(row) {
			return fmt.Sprintf("%v", row[colIndex])
		}
		return ""
	}
	if obj, ok := item.(map[string]interface{}); ok {
		if val, found := shape.FindFieldValue(obj, key, nil); found {
			return fmt.Sprintf("%v", val)
		}
	}
	return ""
}

func (p *Pipeline) aggregateOp(items []interface{}, cfg map[string]interface{}) (interface{}, error) {
	op := cfgString(cfg, "operation", "aggregation_type", "type")
	field := cfgString(cfg, "field")
	if op == "" {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: "aggregate requires an operation (sum, avg, min, max, count)",
		}
	}

	if op == "count" {
		return aggregateResult(op, field, float64(len(items)), len(items)), nil
	}

	values := make([]float64, 0, len(items))
	for _, item := range items {
		if f, ok := numericValue(item, field); ok {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return aggregateResult(op, field, 0, 0), nil
	}

	var result float64
	switch op {
	case "sum", "avg":
		for _, f := range values {
			result += f
		}
		if op == "avg" {
			result /= float64(len(values))
		}
	case "min":
		result = values[0]
		for _, f := range values[1:] {
			if f < result {
				result = f
			}
		}
	case "max":
		result = values[0]
		for _, f := range values[1:] {
			if f > result {
				result = f
			}
		}
	default:
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: fmt.Sprintf("unknown aggregate operation %q", op),
		}
	}
	return aggregateResult(op, field, result, len(values)), nil
}

func aggregateResult(op, field string, value float64, count int) map[string]interface{} {
	return map[string]interface{}{
		"result":    value,
		"operation": op,
		"field":     field,
		"count":     count,
	}
}

func numericValue(item interface{}, field string) (float64, bool) {
	if field != "" {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return 0, false
		}
		val, found := shape.FindFieldValue(obj, field, nil)
		if !found {
			return 0, false
		}
		return asNumber(val)
	}
	return asNumber(item)
}

func (p *Pipeline) deduplicateOp(items []interface{}, cfg map[string]interface{}) (interface{}, error) {
	key := cfgString(cfg, "column", "field", "key")

	rows := items
	var header interface{}
	colIndex := -1
	if is2D(items) {
		header = items[0]
		if key != "" {
			colIndex = headerIndex(items[0].([]interface{}), key)
		}
		rows = items[1:]
	}

	seen := map[string]bool{}
	kept := make([]interface{}, 0, len(rows))
	for _, item := range rows {
		k := dedupeKey(item, key, colIndex)
		if seen[k] {
			continue
		}
		seen[k] = true
		kept = append(kept, item)
	}
	if header != nil {
		kept = append([]interface{}{header}, kept...)
	}

	return map[string]interface{}{
		"items":         kept,
		"count":         len(kept),
		"originalCount": len(items),
		"removed":       len(items) - len(kept),
	}, nil
}

func dedupeKey(item interface{}, key string, colIndex int) string {
	if colIndex >= 0 {
		if row, ok := item.([]interface{}); ok && colIndex < len(row) {
			return fmt.Sprintf("%v", row[colIndex])
		}
		return ""
	}
	if key != "" {
		if val, found := shape.ExtractValueByKey(item, key); found {
			return fmt.Sprintf("%v", val)
		}
		return ""
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprintf("%v", item)
	}
	return string(raw)
}

func (p *Pipeline) flattenOp(items []interface{}, cfg map[string]interface{}) (interface{}, error) {
	if field := cfgString(cfg, "field"); field != "" {
		return flattenField(items, field), nil
	}
	depth := cfgInt(cfg, "depth", 1)
	if depth < 1 {
		depth = 1
	}
	return flattenDepth(items, depth), nil
}

// flattenField extracts a child array per parent and tags each child
// with parent identity so downstream enrichment can navigate back.
func flattenField(items []interface{}, field string) []interface{} {
	out := []interface{}{}
	for _, item := range items {
		parent, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		raw, found := shape.FindFieldValue(parent, field, nil)
		if !found {
			continue
		}
		children, ok := raw.([]interface{})
		if !ok {
			continue
		}
		parentData := parentSummary(parent)
		for _, child := range children {
			if obj, ok := child.(map[string]interface{}); ok {
				enriched := make(map[string]interface{}, len(obj)+2)
				for k, v := range obj {
					enriched[k] = v
				}
				if id, ok := parentData["id"]; ok {
					enriched["_parentId"] = id
				}
				enriched["_parentData"] = parentData
				out = append(out, enriched)
			} else {
				out = append(out, child)
			}
		}
	}
	return out
}

func parentSummary(parent map[string]interface{}) map[string]interface{} {
	summary := map[string]interface{}{}
	for _, key := range []string{"id", "subject", "from", "messageId", "message_id"} {
		if val, ok := shape.ExtractValueByKey(parent, key); ok {
			summary[key] = val
		}
	}
	return summary
}

func flattenDepth(items []interface{}, depth int) []interface{} {
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		if nested, ok := item.([]interface{}); ok && depth > 0 {
			out = append(out, flattenDepth(nested, depth-1)...)
		} else {
			out = append(out, item)
		}
	}
	return out
}

func (p *Pipeline) pivotOp(items []interface{}, cfg map[string]interface{}) (interface{}, error) {
	rowKey := cfgString(cfg, "rowKey", "row_key")
	columnKey := cfgString(cfg, "columnKey", "column_key")
	valueKey := cfgString(cfg, "valueKey", "value_key")
	if rowKey == "" || columnKey == "" || valueKey == "" {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: "pivot requires rowKey, columnKey, and valueKey",
		}
	}

	pivoted := map[string]interface{}{}
	columnSet := map[string]bool{}
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		rv, _ := shape.FindFieldValue(obj, rowKey, nil)
		cv, _ := shape.FindFieldValue(obj, columnKey, nil)
		vv, _ := shape.FindFieldValue(obj, valueKey, nil)
		row := fmt.Sprintf("%v", rv)
		col := fmt.Sprintf("%v", cv)
		cells, ok := pivoted[row].(map[string]interface{})
		if !ok {
			cells = map[string]interface{}{}
			pivoted[row] = cells
		}
		cells[col] = vv
		columnSet[col] = true
	}

	columns := make([]string, 0, len(columnSet))
	for c := range columnSet {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return map[string]interface{}{
		"rows":    pivoted,
		"columns": toInterfaceSlice(columns),
	}, nil
}

func (p *Pipeline) splitOp(items []interface{}, cfg map[string]interface{}) (interface{}, error) {
	size := cfgInt(cfg, "size", 0)
	if size <= 0 {
		if count := cfgInt(cfg, "count", 0); count > 0 {
			size = (len(items) + count - 1) / count
		}
	}
	if size <= 0 {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: "split requires a positive size or count",
		}
	}
	chunks := []interface{}{}
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, append([]interface{}(nil), items[start:end]...))
	}
	return chunks, nil
}

func (p *Pipeline) expandOp(items []interface{}, cfg map[string]interface{}) (interface{}, error) {
	delimiter := cfgString(cfg, "delimiter")
	if delimiter == "" {
		delimiter = "."
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		if obj, ok := item.(map[string]interface{}); ok {
			out[i] = flattenKeys(obj, "", delimiter)
		} else {
			out[i] = item
		}
	}
	return out, nil
}

func flattenKeys(obj map[string]interface{}, prefix, delimiter string) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + delimiter + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range flattenKeys(nested, key, delimiter) {
				out[nk] = nv
			}
		} else {
			out[key] = v
		}
	}
	return out
}

func (p *Pipeline) partitionOp(items []interface{}, cfg map[string]interface{}, opts Options) (interface{}, error) {
	field := cfgString(cfg, "field", "column")
	if field == "" && opts.Predicate == nil {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: "partition requires a field",
		}
	}
	handleEmpty := cfgString(cfg, "handle_empty")
	if handleEmpty == "" {
		handleEmpty = "separate"
	}

	partitions := map[string]interface{}{}
	order := []string{}
	add := func(key string, item interface{}) {
		bucket, ok := partitions[key].([]interface{})
		if !ok {
			order = append(order, key)
		}
		partitions[key] = append(bucket, item)
	}

	for i, item := range items {
		if opts.Predicate != nil {
			ok, err := opts.Predicate(item, i)
			if err != nil {
				return nil, err
			}
			if ok {
				add("matched", item)
			} else {
				add("unmatched", item)
			}
			continue
		}

		var key string
		if obj, ok := item.(map[string]interface{}); ok {
			if val, found := shape.FindFieldValue(obj, field, nil); found && val != nil {
				key = fmt.Sprintf("%v", val)
			}
		}
		if key == "" {
			switch handleEmpty {
			case "skip":
				continue
			case "empty":
				key = ""
			default:
				key = "empty"
			}
		}
		add(key, item)
	}
	sort.Strings(order)

	return map[string]interface{}{
		"partitions": partitions,
		"keys":       toInterfaceSlice(order),
		"count":      len(order),
	}, nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
