package debugger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallter/smart-xdebug-mcp/pkg/dbgp"
)

// orderVar is the $order fixture: an object with scalar fields and an array
// of item objects.
func orderVar() *dbgp.VarInfo {
	return &dbgp.VarInfo{
		Name: "$order", Type: "object", Classname: "App\\Order", NumChildren: 3,
		Children: []dbgp.VarInfo{
			{Name: "id", Type: "int", Value: int64(123)},
			{Name: "total", Type: "float", Value: 99.99},
			{Name: "items", Type: "array", NumChildren: 2, Children: []dbgp.VarInfo{
				{Name: "0", Type: "object", Classname: "App\\Item", Children: []dbgp.VarInfo{
					{Name: "sku", Type: "string", Value: "A1"},
					{Name: "qty", Type: "int", Value: int64(2)},
				}},
				{Name: "1", Type: "object", Classname: "App\\Item", Children: []dbgp.VarInfo{
					{Name: "sku", Type: "string", Value: "B2"},
					{Name: "qty", Type: "int", Value: int64(1)},
				}},
			}},
		},
	}
}

func TestFlatten(t *testing.T) {
	plain := Flatten(orderVar())
	obj, ok := plain.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(123), obj["id"])

	items, ok := obj["items"].([]any)
	require.True(t, ok, "numerically keyed array children flatten to a slice")
	require.Len(t, items, 2)
	first, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "A1", first["sku"])
}

func TestFlattenAssociativeArrayIsMap(t *testing.T) {
	v := &dbgp.VarInfo{Name: "$config", Type: "array", Children: []dbgp.VarInfo{
		{Name: "host", Type: "string", Value: "localhost"},
		{Name: "port", Type: "int", Value: int64(9003)},
	}}
	obj, ok := Flatten(v).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "localhost", obj["host"])
}

func TestFlattenScalar(t *testing.T) {
	v := &dbgp.VarInfo{Name: "$i", Type: "int", Value: int64(50)}
	assert.Equal(t, int64(50), Flatten(v))
}

func TestStructuralSummary(t *testing.T) {
	result := structuralResult(orderVar(), "$order")

	assert.Equal(t, "$order", result["variable"])
	assert.Equal(t, "App\\Order", result["classname"])

	structure, ok := result["structure"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"id", "total", "items"}, structure["keys"])
	assert.Equal(t, 3, structure["children_count"])

	preview, ok := structure["preview"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "(int) 123", preview["id"])
	assert.Equal(t, "(float) 99.99", preview["total"])
	assert.Equal(t, "(array) [2 children]", preview["items"])
}

func TestStructuralSummaryPreviewCapsAtThree(t *testing.T) {
	v := &dbgp.VarInfo{Name: "$row", Type: "object", Children: []dbgp.VarInfo{
		{Name: "a", Type: "int", Value: int64(1)},
		{Name: "b", Type: "int", Value: int64(2)},
		{Name: "c", Type: "int", Value: int64(3)},
		{Name: "d", Type: "int", Value: int64(4)},
	}}
	structure := structuralResult(v, "$row")["structure"].(map[string]any)
	assert.Len(t, structure["preview"], previewChildren)
	assert.Len(t, structure["keys"], 4)
}

func TestStructuralSummaryTruncatesLongValues(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	v := &dbgp.VarInfo{Name: "$blob", Type: "object", Children: []dbgp.VarInfo{
		{Name: "payload", Type: "string", Value: string(long)},
	}}
	preview := structuralResult(v, "$blob")["structure"].(map[string]any)["preview"].(map[string]string)
	assert.Len(t, preview["payload"], len("(string) ")+previewValueCap+len("..."))
}

func TestScalarBypassesSummary(t *testing.T) {
	v := &dbgp.VarInfo{Name: "$i", Type: "int", Value: int64(50)}
	result := structuralResult(v, "$i")
	assert.Equal(t, int64(50), result["value"])
	assert.NotContains(t, result, "structure")
}

func TestFilterWildcard(t *testing.T) {
	info := orderVar()
	result := applyFilter(info, Flatten(info), "$order", "$.items[*].sku")
	assert.Equal(t, "$.items[*].sku", result["filter"])
	assert.Equal(t, []any{"A1", "B2"}, result["value"])
	assert.Equal(t, false, result["truncated"])
}

func TestFilterSingleValueUnwrapped(t *testing.T) {
	info := orderVar()
	result := applyFilter(info, Flatten(info), "$order", "$.items[0].sku")
	assert.Equal(t, "A1", result["value"])
}

func TestFilterRecursiveDescent(t *testing.T) {
	info := orderVar()
	result := applyFilter(info, Flatten(info), "$order", "$..sku")
	assert.ElementsMatch(t, []any{"A1", "B2"}, result["value"])
}

func TestFilterErrorsDowngradeToDiagnostic(t *testing.T) {
	info := orderVar()
	plain := Flatten(info)

	for _, filter := range []string{"$.[[[", "$.nonexistent.deep"} {
		result := applyFilter(info, plain, "$order", filter)
		require.Contains(t, result, "error", "filter %q", filter)
		assert.Equal(t, "$order", result["variable"])
		assert.Equal(t, "object", result["type"])
		keys, ok := result["available_keys"].([]string)
		require.True(t, ok)
		assert.NotEmpty(t, keys)
		assert.Contains(t, keys, "$.id")
		assert.NotEmpty(t, result["hint"])
	}
}

func TestAvailableKeysBreadthFirstAndCapped(t *testing.T) {
	plain := map[string]any{
		"a": map[string]any{"x": 1, "y": 2},
		"b": []any{"one", "two"},
		"c": 3,
	}
	keys := availableKeys(plain, 20)
	assert.Equal(t, []string{"$.a", "$.b", "$.c", "$.a.x", "$.a.y", "$.b[0]", "$.b[1]"}, keys)

	assert.Len(t, availableKeys(plain, 4), 4)
}
