package syncstore

import (
	"regexp"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestClone(t *testing.T) {
	now := time.Now()
	pattern := regexp.MustCompile(`^a+b*$`)

	original := map[string]any{
		"name": "doc",
		"count": 2,
		"tags": []any{"x", "y"},
		"nested": map[string]any{
			"when":    now,
			"pattern": pattern,
		},
	}

	cloned := Clone(original).(map[string]any)
	assert.Equal(t, true, Equal(original, cloned))

	// no aliasing of mutable sub-structure
	cloned["tags"].([]any)[0] = "z"
	cloned["nested"].(map[string]any)["when"] = now.Add(time.Hour)
	assert.Equal(t, "x", original["tags"].([]any)[0])
	assert.Equal(t, true, now.Equal(original["nested"].(map[string]any)["when"].(time.Time)))

	// date-like and pattern-like scalars are fresh instances
	clonedWhen := Clone(now).(time.Time)
	assert.Equal(t, true, now.Equal(clonedWhen))
	clonedPattern := Clone(pattern).(*regexp.Regexp)
	if clonedPattern == pattern {
		t.Fatal("pattern clone aliases the original")
	}
	assert.Equal(t, pattern.String(), clonedPattern.String())
}

func TestCloneExtremeTime(t *testing.T) {
	// dates outside the int64-nanosecond range must survive cloning,
	// the zero time included
	zero := time.Time{}
	assert.Equal(t, true, Equal(zero, Clone(zero)))

	farFuture := time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, true, Equal(farFuture, Clone(farFuture)))

	farPast := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, true, Equal(farPast, Clone(farPast)))

	state := map[string]any{"since": zero, "until": farFuture}
	assert.Equal(t, true, Equal(state, Clone(state)))
}

func TestEqual(t *testing.T) {
	assert.Equal(t, true, Equal(nil, nil))
	assert.Equal(t, false, Equal(nil, "a"))
	assert.Equal(t, true, Equal("a", "a"))
	assert.Equal(t, true, Equal(true, true))
	assert.Equal(t, false, Equal(true, false))

	// numeric equality holds across int/int64/float64, so an
	// in-process value equals its wire round-trip
	assert.Equal(t, true, Equal(1, float64(1)))
	assert.Equal(t, true, Equal(int64(7), 7))
	assert.Equal(t, false, Equal(1, float64(1.5)))

	now := time.Now()
	assert.Equal(t, true, Equal(now, now.In(time.UTC)))
	assert.Equal(t, false, Equal(now, now.Add(time.Nanosecond)))

	assert.Equal(t, true, Equal(regexp.MustCompile(`a+`), regexp.MustCompile(`a+`)))
	assert.Equal(t, false, Equal(regexp.MustCompile(`a+`), regexp.MustCompile(`b+`)))

	assert.Equal(t, true, Equal(
		map[string]any{"a": []any{1, 2}},
		map[string]any{"a": []any{float64(1), float64(2)}},
	))
	assert.Equal(t, false, Equal(
		map[string]any{"a": []any{1, 2}},
		map[string]any{"a": []any{1}},
	))
	assert.Equal(t, false, Equal(
		map[string]any{"a": 1},
		map[string]any{"a": 1, "b": 2},
	))

	assert.Equal(t, true, Equal(Absent, Absent))
	assert.Equal(t, false, Equal(Absent, nil))
}

func TestMergeDeletion(t *testing.T) {
	out := Merge(
		map[string]any{"a": 1, "b": 2},
		map[string]any{"b": Absent},
	)
	assert.Equal(t, true, Equal(map[string]any{"a": 1}, out))
}

func TestMergeReplacement(t *testing.T) {
	// sequences are replaced wholesale, never merged element-wise
	out := Merge(
		map[string]any{"a": []any{1, 2}},
		map[string]any{"a": []any{3}},
	)
	assert.Equal(t, true, Equal(map[string]any{"a": []any{3}}, out))

	// scalar over mapping is a full replacement too
	out = Merge(
		map[string]any{"a": map[string]any{"deep": 1}},
		map[string]any{"a": "flat"},
	)
	assert.Equal(t, true, Equal(map[string]any{"a": "flat"}, out))

	// mapping over scalar
	out = Merge(
		map[string]any{"a": "flat"},
		map[string]any{"a": map[string]any{"deep": 1}},
	)
	assert.Equal(t, true, Equal(map[string]any{"a": map[string]any{"deep": 1}}, out))
}

func TestMergeReservedKeys(t *testing.T) {
	out := Merge(
		map[string]any{},
		map[string]any{"__proto__": map[string]any{"polluted": true}},
	)
	assert.Equal(t, true, Equal(map[string]any{}, out))

	out = Merge(
		map[string]any{"a": 1},
		map[string]any{"constructor": 1, "prototype": 2, "b": 3},
	)
	assert.Equal(t, true, Equal(map[string]any{"a": 1, "b": 3}, out))
}

func TestMergeNested(t *testing.T) {
	target := map[string]any{
		"window": map[string]any{"width": 800, "height": 600},
		"theme":  "dark",
	}
	source := map[string]any{
		"window": map[string]any{"width": 1024},
	}
	out := Merge(target, source)
	assert.Equal(t, true, Equal(map[string]any{
		"window": map[string]any{"width": 1024, "height": 600},
		"theme":  "dark",
	}, out))

	// inputs never mutated
	assert.Equal(t, true, Equal(map[string]any{
		"window": map[string]any{"width": 800, "height": 600},
		"theme":  "dark",
	}, target))
	assert.Equal(t, true, Equal(map[string]any{
		"window": map[string]any{"width": 1024},
	}, source))
}

func TestMergeAbsentRoot(t *testing.T) {
	out := Merge(map[string]any{"a": 1}, Absent)
	assert.Equal(t, true, Equal(Absent, out))
}

func TestMergeNoAliasing(t *testing.T) {
	source := map[string]any{"a": map[string]any{"b": []any{1}}}
	out := Merge(map[string]any{}, source).(map[string]any)
	out["a"].(map[string]any)["b"].([]any)[0] = 9
	assert.Equal(t, 1, source["a"].(map[string]any)["b"].([]any)[0])
}

// applying b then c as two sequential writes must equal one write of c
// merged onto the post-b state
func TestMergeSequentialApplication(t *testing.T) {
	a := map[string]any{
		"x": map[string]any{"k1": 1, "k2": 2},
		"y": []any{1, 2},
	}
	b := map[string]any{
		"x": map[string]any{"k2": Absent, "k3": 3},
	}
	c := map[string]any{
		"x": map[string]any{"k1": 10},
		"y": []any{9},
	}

	afterB := Merge(a, b)
	afterC := Merge(afterB, c)

	assert.Equal(t, true, Equal(map[string]any{
		"x": map[string]any{"k1": 10, "k3": 3},
		"y": []any{9},
	}, afterC))
}
