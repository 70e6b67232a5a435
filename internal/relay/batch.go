package relay

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

type batchKey struct {
	channel string
	anchor  int64
	typ     string
	id      int64
}

// Batch stages publishes and deletes so a burst of writes to the same
// instance collapses into one outgoing update. Staged items are
// deduplicated by (channel, anchor, type, id) with last-write-wins;
// first-staged order is preserved across replacements. Flush stamps
// every item with a single shared timestamp.
type Batch struct {
	relay *Relay

	mu    sync.Mutex
	order []batchKey
	items map[batchKey]delta.Record // nil value stages a delete
}

// NewBatch returns an empty batch bound to the relay. A batch may be
// reused after Flush.
func (r *Relay) NewBatch() *Batch {
	return &Batch{
		relay: r,
		items: make(map[batchKey]delta.Record),
	}
}

// Add stages one record. The record needs its type and id up front to
// take part in deduplication.
func (b *Batch) Add(channelName string, anchor int64, rec delta.Record) error {
	typ := instance.Type(rec)
	if typ == "" {
		return fmt.Errorf("batch: record has no %s", instance.KeyType)
	}
	id, err := instance.ID(rec)
	if err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	b.stage(batchKey{channelName, anchor, typ, id}, maps.Clone(rec))
	return nil
}

// AddDelete stages a tombstone for the instance.
func (b *Batch) AddDelete(channelName string, anchor int64, typ string, id int64) {
	b.stage(batchKey{channelName, anchor, typ, id}, nil)
}

func (b *Batch) stage(key batchKey, rec delta.Record) {
	b.mu.Lock()
	if _, seen := b.items[key]; !seen {
		b.order = append(b.order, key)
	}
	b.items[key] = rec
	b.mu.Unlock()
}

// Len returns the number of staged items.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Flush publishes the staged items in first-staged order under one
// relay lock and one timestamp. Item failures are logged, joined into
// the returned error and do not stop the rest of the batch. The batch
// is empty afterwards.
func (b *Batch) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	order := b.order
	items := b.items
	b.order = nil
	b.items = make(map[batchKey]delta.Record)
	b.mu.Unlock()

	if len(order) == 0 {
		return 0, nil
	}

	r := b.relay
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := instance.At(r.clock())
	flushed := 0
	var errs []error
	for _, key := range order {
		rec := items[key]
		var err error
		if rec == nil {
			_, err = r.deleteAt(ctx, key.channel, key.anchor, key.typ, key.id, ts)
		} else {
			_, err = r.publishAt(ctx, key.channel, key.anchor, rec, ts)
		}
		if err != nil {
			r.log.Warn().Err(err).
				Str("channel", key.channel).
				Int64("anchor", key.anchor).
				Str("type", key.typ).
				Int64("id", key.id).
				Msg("batch item failed")
			errs = append(errs, fmt.Errorf("%s/%s/%d: %w", key.channel, key.typ, key.id, err))
			continue
		}
		flushed++
	}
	return flushed, errors.Join(errs...)
}
