package refpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		path string
		want []Segment
	}{
		{
			name: "dotted names",
			path: "step1.data.rows",
			want: []Segment{{Name: "step1"}, {Name: "data"}, {Name: "rows"}},
		},
		{
			name: "numeric index",
			path: "items[0].id",
			want: []Segment{{Name: "items"}, {Index: 0, IsIndex: true}, {Name: "id"}},
		},
		{
			name: "single-quoted key with space",
			path: "row['Sales Person']",
			want: []Segment{{Name: "row"}, {Name: "Sales Person"}},
		},
		{
			name: "double-quoted key",
			path: `row["Name"]`,
			want: []Segment{{Name: "row"}, {Name: "Name"}},
		},
		{
			name: "quoted key containing dots",
			path: "obj['first.last'].value",
			want: []Segment{{Name: "obj"}, {Name: "first.last"}, {Name: "value"}},
		},
		{
			name: "wildcard",
			path: "emails[*]",
			want: []Segment{{Name: "emails"}, {Wildcard: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, path := range []string{"", "items[", "items['open", "items[x]", "items[-1]"} {
		_, err := Parse(path)
		assert.Error(t, err, path)
	}
}

func TestResolve(t *testing.T) {
	data := map[string]interface{}{
		"row": map[string]interface{}{
			"Sales Person": "Alice",
			"Total":        float64(12),
		},
		"items": []interface{}{
			map[string]interface{}{"id": "a"},
			map[string]interface{}{"id": "b"},
		},
		"nullable": nil,
	}

	resolve := func(path string) (interface{}, error) {
		segs, err := Parse(path)
		require.NoError(t, err)
		return Resolve(data, segs)
	}

	t.Run("quoted key with space", func(t *testing.T) {
		v, err := resolve("row['Sales Person']")
		require.NoError(t, err)
		assert.Equal(t, "Alice", v)
	})

	t.Run("numeric index", func(t *testing.T) {
		v, err := resolve("items[1].id")
		require.NoError(t, err)
		assert.Equal(t, "b", v)
	})

	t.Run("wildcard returns whole array", func(t *testing.T) {
		v, err := resolve("items[*]")
		require.NoError(t, err)
		assert.Len(t, v, 2)
	})

	t.Run("explicit null resolves to nil without error", func(t *testing.T) {
		v, err := resolve("nullable")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("missing key is ErrNotFound", func(t *testing.T) {
		_, err := resolve("row.missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("index on non-array errors", func(t *testing.T) {
		_, err := resolve("row[0]")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected array")
	})

	t.Run("index out of range", func(t *testing.T) {
		_, err := resolve("items[5]")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestResolve_CaseInsensitiveFallback(t *testing.T) {
	data := map[string]interface{}{
		"Owner": "Eve",
	}
	segs, err := Parse("owner")
	require.NoError(t, err)
	v, err := Resolve(data, segs)
	require.NoError(t, err)
	assert.Equal(t, "Eve", v)
}

func TestResolve_WrapperUnwrap(t *testing.T) {
	// CRM-style record with values nested under "fields"
	data := map[string]interface{}{
		"contact": map[string]interface{}{
			"fields": map[string]interface{}{
				"email": "eve@example.com",
			},
		},
	}
	segs, err := Parse("contact.email")
	require.NoError(t, err)
	v, err := Resolve(data, segs)
	require.NoError(t, err)
	assert.Equal(t, "eve@example.com", v)
}
