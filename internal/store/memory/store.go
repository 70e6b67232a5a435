// Package memory is an in-process StateStore for tests and dev runs.
// Records pass through the codec on the way in and out, so callers get
// the same value isolation the file-backed store gives them.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/statecast-project/statecast/internal/store"
	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

type anchorKey struct {
	channel string
	anchor  int64
}

type instanceKey struct {
	anchorKey
	typ string
	id  int64
}

type logEntry struct {
	ts   float64
	seq  uint32
	data []byte
}

type Store struct {
	codec store.Codec

	mu        sync.RWMutex
	instances map[instanceKey][]byte
	updates   map[anchorKey][]logEntry
	seq       map[anchorKey]uint32
	closed    bool
}

var _ store.StateStore = (*Store)(nil)

// New returns an empty store. Pass nil for [codec] to use the default
// MessagePack implementation.
func New(codec store.Codec) *Store {
	if codec == nil {
		codec = store.DefaultCodec
	}
	return &Store{
		codec:     codec,
		instances: make(map[instanceKey][]byte),
		updates:   make(map[anchorKey][]logEntry),
		seq:       make(map[anchorKey]uint32),
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.instances = nil
	s.updates = nil
	s.seq = nil
	return nil
}

func (s *Store) PutInstance(_ context.Context, channel string, anchor int64, rec delta.Record) error {
	id, err := instance.ID(rec)
	if err != nil {
		return err
	}
	data, err := s.codec.Marshal(rec)
	if err != nil {
		return err
	}
	key := instanceKey{anchorKey{channel, anchor}, instance.Type(rec), id}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrNotFound
	}
	s.instances[key] = data
	return nil
}

func (s *Store) GetInstance(_ context.Context, channel string, anchor int64, typ string, id int64) (delta.Record, error) {
	s.mu.RLock()
	data, ok := s.instances[instanceKey{anchorKey{channel, anchor}, typ, id}]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	var rec delta.Record
	if err := s.codec.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) ListInstances(_ context.Context, channel string, anchor int64) ([]delta.Record, error) {
	group := anchorKey{channel, anchor}

	s.mu.RLock()
	keys := make([]instanceKey, 0, 8)
	for k := range s.instances {
		if k.anchorKey == group {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].typ != keys[j].typ {
			return keys[i].typ < keys[j].typ
		}
		return keys[i].id < keys[j].id
	})
	blobs := make([][]byte, 0, len(keys))
	for _, k := range keys {
		blobs = append(blobs, s.instances[k])
	}
	s.mu.RUnlock()

	out := make([]delta.Record, 0, len(blobs))
	for _, data := range blobs {
		var rec delta.Record
		if err := s.codec.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) AppendUpdate(_ context.Context, channel string, anchor int64, rec delta.Record) error {
	data, err := s.codec.Marshal(rec)
	if err != nil {
		return err
	}
	group := anchorKey{channel, anchor}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrNotFound
	}
	seq := s.seq[group]
	s.seq[group] = seq + 1
	s.updates[group] = append(s.updates[group], logEntry{
		ts:   instance.TimestampOf(rec),
		seq:  seq,
		data: data,
	})
	return nil
}

func (s *Store) UpdatesSince(_ context.Context, channel string, anchor int64, since float64) ([]delta.Record, error) {
	group := anchorKey{channel, anchor}

	s.mu.RLock()
	entries := make([]logEntry, len(s.updates[group]))
	copy(entries, s.updates[group])
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ts != entries[j].ts {
			return entries[i].ts < entries[j].ts
		}
		return entries[i].seq < entries[j].seq
	})

	var out []delta.Record
	for _, e := range entries {
		if e.ts <= since {
			continue
		}
		var rec delta.Record
		if err := s.codec.Unmarshal(e.data, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) DeleteAnchor(_ context.Context, channel string, anchor int64) error {
	group := anchorKey{channel, anchor}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.instances {
		if k.anchorKey == group {
			delete(s.instances, k)
		}
	}
	delete(s.updates, group)
	delete(s.seq, group)
	return nil
}

func (s *Store) PruneUpdates(_ context.Context, before float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for group, entries := range s.updates {
		kept := entries[:0]
		for _, e := range entries {
			if e.ts < before {
				pruned++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.updates, group)
			continue
		}
		s.updates[group] = kept
	}
	return pruned, nil
}

func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := store.Stats{Instances: len(s.instances)}
	for _, entries := range s.updates {
		st.Updates += len(entries)
	}
	return st, nil
}
