package structural

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

type point struct{ X, Y int }

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindScalar, KindOf(nil))
	assert.Equal(t, KindScalar, KindOf("x"))
	assert.Equal(t, KindScalar, KindOf(point{1, 2}))
	assert.Equal(t, KindRecord, KindOf(map[string]any{}))
	assert.Equal(t, KindList, KindOf([]any{}))
	assert.Equal(t, KindOpaque, KindOf([]int{1}))
}

func TestIdentical(t *testing.T) {
	m := map[string]any{"a": 1}
	l := []any{1, 2}

	assert.True(t, Identical(m, m))
	assert.False(t, Identical(m, map[string]any{"a": 1}))
	assert.True(t, Identical(l, l))
	assert.False(t, Identical(l, []any{1, 2}))
	assert.True(t, Identical(1, 1))
	assert.False(t, Identical(1, 1.0))
	assert.True(t, Identical(nil, nil))
	assert.False(t, Identical(nil, 0))

	s := []int{1}
	assert.True(t, Identical(s, s))
	assert.False(t, Identical([]int{1}, []int{1}))
}

func TestEqual(t *testing.T) {
	a := map[string]any{"list": []any{1, "two", map[string]any{"x": true}}}
	b := map[string]any{"list": []any{1, "two", map[string]any{"x": true}}}
	c := map[string]any{"list": []any{1, "two", map[string]any{"x": false}}}

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.True(t, Equal([]int{1, 2}, []int{1, 2}))
	assert.False(t, Equal([]any{1}, []any{1, 2}))
}

func TestReplaceEqualDeep_ReturnsPrevWhenEqual(t *testing.T) {
	prev := map[string]any{"todos": []any{map[string]any{"id": 1.0, "done": false}}}
	next := map[string]any{"todos": []any{map[string]any{"id": 1.0, "done": false}}}

	out := ReplaceEqualDeep(prev, next)
	assert.True(t, Identical(out, prev))
}

func TestReplaceEqualDeep_SharesUnchangedSubtrees(t *testing.T) {
	unchanged := map[string]any{"id": 1.0, "title": "keep"}
	prev := map[string]any{
		"items": []any{unchanged, map[string]any{"id": 2.0, "title": "old"}},
		"meta":  map[string]any{"page": 1.0},
	}
	next := map[string]any{
		"items": []any{
			map[string]any{"id": 1.0, "title": "keep"},
			map[string]any{"id": 2.0, "title": "new"},
		},
		"meta": map[string]any{"page": 1.0},
	}

	out := ReplaceEqualDeep(prev, next).(map[string]any)

	assert.False(t, Identical(out, prev))
	assert.True(t, Identical(out["meta"], prev["meta"]))
	items := out["items"].([]any)
	assert.True(t, Identical(items[0], unchanged))
	assert.False(t, Identical(items[1], prev["items"].([]any)[1]))
	assert.Empty(t, cmp.Diff(next, out))
}

func TestReplaceEqualDeep_ShapeChanges(t *testing.T) {
	prev := []any{1, 2, 3}
	next := []any{1, 2}
	out := ReplaceEqualDeep(prev, next)
	assert.Equal(t, []any{1, 2}, out)
	assert.False(t, Identical(out, prev))

	assert.Equal(t, "x", ReplaceEqualDeep(map[string]any{}, "x"))
	assert.Equal(t, 5, ReplaceEqualDeep(nil, 5))
}

func TestReplaceEqualDeep_OpaqueValuesReplaced(t *testing.T) {
	prev := []int{1, 2}
	next := []int{1, 2}
	out := ReplaceEqualDeep(prev, next)
	assert.True(t, Identical(out, next))
}
