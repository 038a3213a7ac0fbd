package syncstore

import (
	"regexp"
	"time"

	"golang.org/x/exp/maps"
)

// values are the json model plus two scalar extensions:
// - mapping: map[string]any
// - sequence: []any
// - scalars: nil, bool, string, float64, int, int64, time.Time, *regexp.Regexp
// - Absent: explicit delete marker inside updates
// cyclic values are undefined and callers must not produce them

type absentValue struct{}

// inside an update, Absent on a key means "delete this key",
// never "no change"
var Absent = absentValue{}

// keys that collide with prototype-sensitive identifiers in other
// object models sharing the wire format. silently dropped on merge
// and decode as a corruption defense, not a merge semantic
var reservedKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Clone returns a value structurally equal to `v` that shares no mutable
// sub-structure with it. Date-like and pattern-like scalars are fresh
// equivalent instances rather than aliases.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	case time.Time:
		// a value copy is already independent. reconstructing through
		// unix nanoseconds would corrupt dates outside the int64 range,
		// including the zero time
		return t
	case *regexp.Regexp:
		if t == nil {
			return (*regexp.Regexp)(nil)
		}
		return regexp.MustCompile(t.String())
	default:
		// immutable scalar
		return v
	}
}

// Merge combines `target` with the partial update `source` into a new value.
// Neither input is mutated. Precedence:
// 1. source is Absent: the result is Absent (delete signal one level up)
// 2. either side is not a plain mapping: deep clone of source, full
//    replacement. sequences are always replaced wholesale
// 3. both mappings: clone of target, then per source key either delete
//    (Absent) or recurse
func Merge(target any, source any) any {
	if _, ok := source.(absentValue); ok {
		return Absent
	}
	targetMap, targetOk := target.(map[string]any)
	sourceMap, sourceOk := source.(map[string]any)
	if !targetOk || !sourceOk {
		return Clone(source)
	}

	out := make(map[string]any, len(targetMap)+len(sourceMap))
	for k, e := range targetMap {
		out[k] = Clone(e)
	}
	for k, e := range sourceMap {
		if reservedKeys[k] {
			continue
		}
		if _, ok := e.(absentValue); ok {
			delete(out, k)
			continue
		}
		out[k] = Merge(targetMap[k], e)
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// Equal is deep structural equality over the value model.
// numeric values compare across int/int64/float64 so an in-process value
// equals its wire round-trip.
func Equal(a any, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}

	switch at := a.(type) {
	case nil:
		return b == nil
	case absentValue:
		_, ok := b.(absentValue)
		return ok
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case time.Time:
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	case *regexp.Regexp:
		bt, ok := b.(*regexp.Regexp)
		if !ok {
			return false
		}
		if at == nil || bt == nil {
			return at == bt
		}
		return at.String() == bt.String()
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for _, k := range maps.Keys(at) {
			be, ok := bt[k]
			if !ok || !Equal(at[k], be) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	}
	return false
}
