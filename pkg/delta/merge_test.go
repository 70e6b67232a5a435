package delta_test

import (
	"reflect"
	"testing"

	"github.com/statecast-project/statecast/pkg/delta"
)

func TestMergeRoundTrip(t *testing.T) {
	baseline := delta.Record{"id": 1, "name": "Alice", "age": 30}
	candidate := delta.Record{"id": 1, "name": "Alice", "age": 31, "extra": true}

	// Compute then merge, expect to arrive at candidate.
	chg, err := delta.Compute(baseline, candidate)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	got := delta.Merge(baseline, chg)
	if !reflect.DeepEqual(got, candidate) {
		t.Fatalf("merge failed: got %v, want %v", got, candidate)
	}
}

func TestMergeIsPure(t *testing.T) {
	base := delta.Record{"a": 1}
	out := delta.Merge(base, nil)
	if !reflect.DeepEqual(out, base) {
		t.Fatalf("nil change: got %v, want copy of base", out)
	}
	out["b"] = 2
	if _, leaked := base["b"]; leaked {
		t.Fatal("merge result aliases base")
	}
}

func TestMergeNullsOverwrite(t *testing.T) {
	base := delta.Record{"a": 1, "b": 2}
	out := delta.Merge(base, delta.Record{"b": nil})
	want := delta.Record{"a": 1, "b": nil}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("got %v, want %v", out, want)
	}
}
