// Package htmltable renders workflow data as self-contained HTML
// fragments suitable for email bodies, with inline styles only.
package htmltable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/pkg/errors"
)

const (
	tableStyle  = "border-collapse:collapse;width:100%;font-family:Arial,Helvetica,sans-serif;font-size:14px;"
	headerStyle = "background-color:#f3f4f6;border:1px solid #d1d5db;padding:8px 12px;text-align:left;font-weight:600;"
	cellStyle   = "border:1px solid #d1d5db;padding:8px 12px;vertical-align:top;"
	rowAltStyle = "background-color:#fafafa;"
)

var markdown = goldmark.New(goldmark.WithRendererOptions(gmhtml.WithHardWraps()))

// Config selects and labels columns.
type Config struct {
	// Columns are the fields to render, in order. Empty renders all keys
	// of the first item.
	Columns []string

	// HeaderNames maps a column to its display label.
	HeaderNames map[string]string

	// ColumnMapping is the declared field alias table consulted during
	// fuzzy cell lookup.
	ColumnMapping map[string]string

	// Title renders as a caption above the table.
	Title string
}

// Render produces an HTML table from an array of objects, 2-D rows, or
// a markdown string. Cell lookup is fuzzy so semantic column names hit
// connector fields with different spellings.
func Render(input interface{}, cfg Config) (string, error) {
	switch v := input.(type) {
	case string:
		return renderMarkdown(v)
	case []interface{}:
		return renderRows(v, cfg)
	case map[string]interface{}:
		if items := shape.UnwrapArray(v); items != nil {
			return renderRows(items, cfg)
		}
		return renderRows([]interface{}{v}, cfg)
	default:
		return "", &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: fmt.Sprintf("render_table cannot render %T", input),
		}
	}
}

func renderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", errors.Wrap(err, "markdown conversion failed")
	}
	return buf.String(), nil
}

func renderRows(items []interface{}, cfg Config) (string, error) {
	if len(items) == 0 {
		return `<p style="font-family:Arial,Helvetica,sans-serif;">No data.</p>`, nil
	}

	// 2-D rows carry their own header.
	if rows, ok := as2D(items); ok {
		return render2D(rows, cfg), nil
	}

	columns := cfg.Columns
	if len(columns) == 0 {
		if first, ok := items[0].(map[string]interface{}); ok {
			columns = sortedKeys(first)
		} else {
			columns = []string{"value"}
		}
	}

	var b strings.Builder
	openTable(&b, cfg.Title)
	b.WriteString("<tr>")
	for _, col := range columns {
		label := col
		if name, ok := cfg.HeaderNames[col]; ok {
			label = name
		}
		fmt.Fprintf(&b, `<th style=%q>%s</th>`, headerStyle, html.EscapeString(label))
	}
	b.WriteString("</tr>")

	for i, item := range items {
		style := cellStyle
		if i%2 == 1 {
			style = cellStyle + rowAltStyle
		}
		b.WriteString("<tr>")
		obj, isObj := item.(map[string]interface{})
		for _, col := range columns {
			var val interface{}
			if isObj {
				val, _ = shape.FindFieldValue(obj, col, cfg.ColumnMapping)
			} else {
				val = item
			}
			fmt.Fprintf(&b, `<td style=%q>%s</td>`, style, html.EscapeString(cellText(val)))
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return b.String(), nil
}

func render2D(rows [][]interface{}, cfg Config) string {
	var b strings.Builder
	openTable(&b, cfg.Title)
	for i, row := range rows {
		b.WriteString("<tr>")
		for _, cell := range row {
			if i == 0 {
				fmt.Fprintf(&b, `<th style=%q>%s</th>`, headerStyle, html.EscapeString(cellText(cell)))
			} else {
				fmt.Fprintf(&b, `<td style=%q>%s</td>`, cellStyle, html.EscapeString(cellText(cell)))
			}
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return b.String()
}

func openTable(b *strings.Builder, title string) {
	if title != "" {
		fmt.Fprintf(b, `<h3 style="font-family:Arial,Helvetica,sans-serif;">%s</h3>`, html.EscapeString(title))
	}
	fmt.Fprintf(b, `<table style=%q>`, tableStyle)
}

func as2D(items []interface{}) ([][]interface{}, bool) {
	rows := make([][]interface{}, len(items))
	for i, item := range items {
		row, ok := item.([]interface{})
		if !ok {
			return nil, false
		}
		rows[i] = row
	}
	return rows, len(rows) > 0
}

func cellText(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool, float64, int, int64:
		return fmt.Sprintf("%v", v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func sortedKeys(obj map[string]interface{}) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// Stable order keeps repeated renders identical.
	sort.Strings(keys)
	return keys
}
