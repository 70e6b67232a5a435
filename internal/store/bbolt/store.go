// Package bbolt persists state in a single BoltDB file. Two buckets
// carry the data: `instances` holds the latest record per instance,
// `updates` holds the replay log ordered by timestamp.
package bbolt

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/statecast-project/statecast/internal/store"
	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

var (
	bucketInstances = []byte("instances") // <chan>|<anchor>|<type>|<id> -> record
	bucketUpdates   = []byte("updates")   // <chan>|<anchor>|<ts><seq>   -> record
)

type Store struct {
	db    *bbolt.DB
	codec store.Codec

	// seq breaks ties between log entries sharing a timestamp. One
	// counter per (channel, anchor) prefix, seeded lazily from the last
	// persisted key.
	seq   map[string]uint32
	seqMu sync.Mutex
}

var _ store.StateStore = (*Store)(nil)

// New opens (or creates) a BoltDB database file.
// Pass nil for [codec] to use the default MessagePack implementation.
func New(path string, codec store.Codec) (*Store, error) {
	if codec == nil {
		codec = store.DefaultCodec
	}
	db, err := bbolt.Open(path, 0666, &bbolt.Options{
		Timeout:      0,
		FreelistType: bbolt.FreelistMapType,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketInstances, bucketUpdates} {
			if _, e := tx.CreateBucketIfNotExists(b); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create default buckets: %w", err)
	}
	return &Store{
		db:    db,
		codec: codec,
		seq:   make(map[string]uint32),
	}, nil
}

// OpenReadOnly opens an existing database file for inspection. Writes
// fail; missing buckets read as empty.
func OpenReadOnly(path string, codec store.Codec) (*Store, error) {
	if codec == nil {
		codec = store.DefaultCodec
	}
	db, err := bbolt.Open(path, 0666, &bbolt.Options{
		Timeout:  0,
		ReadOnly: true,
	})
	if err != nil {
		return nil, err
	}
	return &Store{
		db:    db,
		codec: codec,
		seq:   make(map[string]uint32),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutInstance writes the latest full record of an instance.
func (s *Store) PutInstance(_ context.Context, channel string, anchor int64, rec delta.Record) error {
	id, err := instance.ID(rec)
	if err != nil {
		return err
	}
	payload, err := s.codec.Marshal(rec)
	if err != nil {
		return err
	}
	key := keyInstance(channel, anchor, instance.Type(rec), id)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInstances).Put(key, payload)
	})
}

// GetInstance returns the latest record, or [store.ErrNotFound].
func (s *Store) GetInstance(_ context.Context, channel string, anchor int64, typ string, id int64) (delta.Record, error) {
	var rec delta.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		if b == nil {
			return store.ErrNotFound
		}
		v := b.Get(keyInstance(channel, anchor, typ, id))
		if v == nil {
			return store.ErrNotFound
		}
		return s.codec.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListInstances returns every record of the anchor in (type, id) order.
func (s *Store) ListInstances(_ context.Context, channel string, anchor int64) ([]delta.Record, error) {
	prefix := prefixAnchor(channel, anchor)
	var out []delta.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec delta.Record
			if err := s.codec.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// AppendUpdate appends rec to the anchor's update log.
func (s *Store) AppendUpdate(_ context.Context, channel string, anchor int64, rec delta.Record) error {
	payload, err := s.codec.Marshal(rec)
	if err != nil {
		return err
	}
	prefix := prefixAnchor(channel, anchor)
	ts := instance.TimestampOf(rec)
	return s.db.Update(func(tx *bbolt.Tx) error {
		seq := s.claimSeq(tx, prefix)
		return tx.Bucket(bucketUpdates).Put(keyUpdate(prefix, ts, seq), payload)
	})
}

// UpdatesSince returns log entries strictly newer than since.
func (s *Store) UpdatesSince(_ context.Context, channel string, anchor int64, since float64) ([]delta.Record, error) {
	prefix := prefixAnchor(channel, anchor)
	seek := keyUpdate(prefix, since, 0)
	var out []delta.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUpdates)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(seek); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if tsOfKey(k) <= since {
				continue
			}
			var rec delta.Record
			if err := s.codec.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// DeleteAnchor removes all state and log entries of one anchor.
func (s *Store) DeleteAnchor(_ context.Context, channel string, anchor int64) error {
	prefix := prefixAnchor(channel, anchor)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketInstances, bucketUpdates} {
			b := tx.Bucket(name)
			if b == nil {
				continue
			}
			var doomed [][]byte
			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				doomed = append(doomed, bytes.Clone(k))
			}
			for _, k := range doomed {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.seqMu.Lock()
	delete(s.seq, string(prefix))
	s.seqMu.Unlock()
	return nil
}

// PruneUpdates drops log entries older than before across all anchors.
func (s *Store) PruneUpdates(_ context.Context, before float64) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUpdates)
		if b == nil {
			return nil
		}
		var doomed [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if tsOfKey(k) < before {
				doomed = append(doomed, bytes.Clone(k))
			}
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(doomed)
		return nil
	})
	return pruned, err
}

// Stats counts stored records.
func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	var st store.Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketInstances); b != nil {
			st.Instances = b.Stats().KeyN
		}
		if b := tx.Bucket(bucketUpdates); b != nil {
			st.Updates = b.Stats().KeyN
		}
		return nil
	})
	return st, err
}

// WalkInstances visits every stored instance record. Return false from
// fn to stop early. Used by offline tooling; not part of the
// [store.StateStore] contract.
func (s *Store) WalkInstances(_ context.Context, fn func(channel string, anchor int64, rec delta.Record) bool) error {
	return s.walk(bucketInstances, fn)
}

// WalkUpdates visits every update-log record in key order.
func (s *Store) WalkUpdates(_ context.Context, fn func(channel string, anchor int64, rec delta.Record) bool) error {
	return s.walk(bucketUpdates, fn)
}

func (s *Store) walk(bucket []byte, fn func(channel string, anchor int64, rec delta.Record) bool) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			channel, anchor, ok := splitAnchor(k)
			if !ok {
				continue
			}
			var rec delta.Record
			if err := s.codec.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			if !fn(channel, anchor, rec) {
				return nil
			}
		}
		return nil
	})
}

// claimSeq hands out the next log sequence number for a prefix. The
// first claim after open scans the bucket tail so restarts keep
// appending past existing entries.
func (s *Store) claimSeq(tx *bbolt.Tx, prefix []byte) uint32 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	key := string(prefix)
	if n, ok := s.seq[key]; ok {
		s.seq[key] = n + 1
		return n
	}

	var next uint32
	c := tx.Bucket(bucketUpdates).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		next = seqOfKey(k) + 1
	}
	s.seq[key] = next + 1
	return next
}
