package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/statecast-project/statecast/internal/store"
	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

var ctx = context.Background()

func contact(id int64, name string, ts float64) delta.Record {
	rec := delta.Record{"id": id, "name": name}
	return instance.Mark(rec, "crm.Contact", instance.OpUpdate, ts)
}

func TestRoundtripAndIsolation(t *testing.T) {
	s := New(nil)
	t.Cleanup(func() { _ = s.Close() })

	rec := contact(1, "ada", 10)
	if err := s.PutInstance(ctx, "crm", 7, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	// mutating the caller's record must not reach the store
	rec["name"] = "mutated"

	got, err := s.GetInstance(ctx, "crm", 7, "crm.Contact", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["name"] != "ada" {
		t.Fatalf("caller mutation leaked into store: %v", got)
	}

	// and mutating a returned record must not poison later reads
	got["name"] = "poisoned"
	again, _ := s.GetInstance(ctx, "crm", 7, "crm.Contact", 1)
	if again["name"] != "ada" {
		t.Fatalf("returned record aliased store memory: %v", again)
	}

	if _, err := s.GetInstance(ctx, "crm", 7, "crm.Contact", 99); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestListOrder(t *testing.T) {
	s := New(nil)
	_ = s.PutInstance(ctx, "crm", 7, instance.Mark(delta.Record{"id": int64(5)}, "crm.Deal", instance.OpCreate, 1))
	_ = s.PutInstance(ctx, "crm", 7, instance.Mark(delta.Record{"id": int64(2)}, "crm.Contact", instance.OpCreate, 1))
	_ = s.PutInstance(ctx, "crm", 7, instance.Mark(delta.Record{"id": int64(1)}, "crm.Contact", instance.OpCreate, 1))
	_ = s.PutInstance(ctx, "crm", 8, instance.Mark(delta.Record{"id": int64(1)}, "crm.Contact", instance.OpCreate, 1))

	recs, err := s.ListInstances(ctx, "crm", 7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("want 3 records, got %d", len(recs))
	}
	id0, _ := instance.ID(recs[0])
	id1, _ := instance.ID(recs[1])
	if instance.Type(recs[0]) != "crm.Contact" || id0 != 1 || id1 != 2 {
		t.Fatalf("wrong order: %v", recs)
	}
	if instance.Type(recs[2]) != "crm.Deal" {
		t.Fatalf("wrong order: %v", recs)
	}
}

func TestUpdateLog(t *testing.T) {
	s := New(nil)

	_ = s.AppendUpdate(ctx, "crm", 7, contact(1, "a", 10))
	_ = s.AppendUpdate(ctx, "crm", 7, contact(1, "b", 30))
	_ = s.AppendUpdate(ctx, "crm", 7, contact(1, "c", 30))
	_ = s.AppendUpdate(ctx, "crm", 7, contact(1, "d", 20))

	recs, err := s.UpdatesSince(ctx, "crm", 7, 10)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	var got []string
	for _, rec := range recs {
		got = append(got, rec["name"].(string))
	}
	want := []string{"d", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}

func TestDeleteAnchorAndPrune(t *testing.T) {
	s := New(nil)

	_ = s.PutInstance(ctx, "crm", 7, contact(1, "ada", 10))
	_ = s.AppendUpdate(ctx, "crm", 7, contact(1, "ada", 10))
	_ = s.AppendUpdate(ctx, "crm", 8, contact(2, "old", 5))
	_ = s.AppendUpdate(ctx, "crm", 8, contact(2, "new", 50))

	if err := s.DeleteAnchor(ctx, "crm", 7); err != nil {
		t.Fatalf("delete anchor: %v", err)
	}
	if _, err := s.GetInstance(ctx, "crm", 7, "crm.Contact", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("instance survived: %v", err)
	}

	n, err := s.PruneUpdates(ctx, 20)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned: want 1, got %d", n)
	}

	st, _ := s.Stats(ctx)
	if st.Instances != 0 || st.Updates != 1 {
		t.Fatalf("stats: %+v", st)
	}
}
