package htmltable

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_ObjectsWithFuzzyColumns(t *testing.T) {
	items := []interface{}{
		map[string]interface{}{"Status": "Open", "Owner": "Eve"},
	}
	out, err := Render(items, Config{Columns: []string{"owner"}})
	require.NoError(t, err)
	assert.Contains(t, out, "Eve")
	assert.Contains(t, out, "border-collapse")

	// One header cell, one data row.
	assert.Equal(t, 1, strings.Count(out, "<th"))
	assert.Equal(t, 1, strings.Count(out, "<td"))
}

func TestRender_FilteredRows(t *testing.T) {
	// Post-filter output rendered with case-insensitive column lookup:
	// one row with Eve, none with Ed.
	items := []interface{}{
		map[string]interface{}{"Status": "Open", "Owner": "Eve"},
	}
	out, err := Render(items, Config{Columns: []string{"owner"}, HeaderNames: map[string]string{"owner": "Assignee"}})
	require.NoError(t, err)
	assert.Contains(t, out, "Assignee")
	assert.Contains(t, out, "Eve")
	assert.NotContains(t, out, "Ed<")
}

func TestRender_2DRows(t *testing.T) {
	rows := []interface{}{
		[]interface{}{"Name", "Amount"},
		[]interface{}{"Eve", float64(10)},
	}
	out, err := Render(rows, Config{Title: "Totals"})
	require.NoError(t, err)
	assert.Contains(t, out, "<h3")
	assert.Contains(t, out, "<th")
	assert.Contains(t, out, "10")
}

func TestRender_Markdown(t *testing.T) {
	out, err := Render("# Report\n\nAll good.", Config{})
	require.NoError(t, err)
	assert.Contains(t, out, "<h1")
	assert.Contains(t, out, "All good.")
}

func TestRender_EscapesHTML(t *testing.T) {
	items := []interface{}{
		map[string]interface{}{"name": `<script>alert("x")</script>`},
	}
	out, err := Render(items, Config{})
	require.NoError(t, err)
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "&lt;script&gt;")
}

func TestRender_UnwrapsObjectEnvelope(t *testing.T) {
	input := map[string]interface{}{
		"deals": []interface{}{map[string]interface{}{"name": "Acme"}},
		"total": float64(1),
	}
	out, err := Render(input, Config{Columns: []string{"name"}})
	require.NoError(t, err)
	assert.Contains(t, out, "Acme")
}

func TestRender_Empty(t *testing.T) {
	out, err := Render([]interface{}{}, Config{})
	require.NoError(t, err)
	assert.Contains(t, out, "No data")
}
