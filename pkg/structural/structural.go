// Package structural implements structural sharing over a tagged value model.
//
// Values are classified as records (map[string]any), lists ([]any), scalars
// (comparable values) or opaque values. ReplaceEqualDeep returns a value equal to next
// that reuses every subtree of prev which is deeply equal, so callers can detect
// "nothing changed" with Identical instead of a deep comparison.
package structural

import (
	"reflect"
)

// Kind classifies a value for structural sharing.
type Kind int

const (
	// KindScalar is a comparable value such as a string, number, bool or nil.
	KindScalar Kind = iota
	// KindRecord is a map[string]any.
	KindRecord
	// KindList is a []any.
	KindList
	// KindOpaque is anything else. Opaque values are only reused when identical.
	KindOpaque
)

// KindOf classifies v.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindScalar
	case map[string]any:
		return KindRecord
	case []any:
		return KindList
	}
	if reflect.TypeOf(v).Comparable() {
		return KindScalar
	}
	return KindOpaque
}

// Identical reports reference identity for records and lists, and equality for scalars.
func Identical(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || (av == nil) != (bv == nil) {
			return false
		}
		return av == nil || reflect.ValueOf(av).UnsafePointer() == reflect.ValueOf(bv).UnsafePointer()
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) || (av == nil) != (bv == nil) {
			return false
		}
		return len(av) == 0 || &av[0] == &bv[0]
	}
	return safeEqual(a, b)
}

// safeEqual compares interface values without panicking on incomparable dynamic types.
func safeEqual(a, b any) (eq bool) {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if !ta.Comparable() {
		return isPointerLike(a) && reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

func isPointerLike(v any) bool {
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return true
	}
	return false
}

// Equal reports deep structural equality over records, lists and scalars. Opaque values
// fall back to reflect.DeepEqual.
func Equal(a, b any) bool {
	if Identical(a, b) {
		return true
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	if KindOf(a) == KindOpaque && KindOf(b) == KindOpaque {
		return reflect.DeepEqual(a, b)
	}
	return false
}

// ReplaceEqualDeep returns prev if next is deeply equal to it. Otherwise it returns a
// copy of next in which every deeply equal subtree is replaced by the one from prev.
func ReplaceEqualDeep(prev, next any) any {
	if Identical(prev, next) {
		return prev
	}

	switch nv := next.(type) {
	case map[string]any:
		pv, ok := prev.(map[string]any)
		if !ok || pv == nil || nv == nil {
			return next
		}
		out := make(map[string]any, len(nv))
		equalItems := 0
		for k, n := range nv {
			p, had := pv[k]
			if !had {
				out[k] = n
				continue
			}
			shared := ReplaceEqualDeep(p, n)
			out[k] = shared
			if Identical(shared, p) {
				equalItems++
			}
		}
		if len(pv) == len(nv) && equalItems == len(pv) {
			return prev
		}
		return out
	case []any:
		pv, ok := prev.([]any)
		if !ok || pv == nil || nv == nil {
			return next
		}
		out := make([]any, len(nv))
		equalItems := 0
		for i, n := range nv {
			if i >= len(pv) {
				out[i] = n
				continue
			}
			shared := ReplaceEqualDeep(pv[i], n)
			out[i] = shared
			if Identical(shared, pv[i]) {
				equalItems++
			}
		}
		if len(pv) == len(nv) && equalItems == len(pv) {
			return prev
		}
		return out
	}
	return next
}
