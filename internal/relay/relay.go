// Package relay owns the write path: it turns published records into
// stored state, computes the delta against the previous record, and
// hands the outgoing record to the hub.
package relay

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/statecast-project/statecast/internal/channel"
	"github.com/statecast-project/statecast/internal/hub"
	"github.com/statecast-project/statecast/internal/store"
	"github.com/statecast-project/statecast/internal/util"
	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

// Relay serializes the read-compute-write sequence of every publish.
// The mutex is relay-wide: two publishes for the same instance must
// never interleave between baseline read and state write.
type Relay struct {
	reg   *channel.Registry
	store store.StateStore
	hub   *hub.Hub
	cache *baselineCache

	clock func() time.Time
	log   zerolog.Logger
	mu    sync.Mutex
}

// Option configures the relay.
type Option func(*Relay)

// WithClock replaces the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(r *Relay) { r.clock = clock }
}

// WithLogger sets the relay's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Relay) { r.log = log }
}

func New(reg *channel.Registry, st store.StateStore, h *hub.Hub, opts ...Option) *Relay {
	r := &Relay{
		reg:   reg,
		store: st,
		hub:   h,
		cache: newBaselineCache(),
		clock: time.Now,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close stops the baseline cache janitor.
func (r *Relay) Close() {
	r.cache.close()
}

// PublishResult reports what a publish did.
type PublishResult struct {
	// Changed is false when the candidate matched stored state and
	// nothing was written or dispatched.
	Changed bool `json:"changed"`
	// Created is true when no previous record existed (or only a
	// tombstone did).
	Created bool `json:"created,omitempty"`
	// Timestamp is the wire timestamp stamped onto the record. Zero
	// when nothing changed.
	Timestamp float64 `json:"tstamp,omitempty"`
}

// Publish stores candidate as the latest state of its instance and
// dispatches the change. The candidate map is never modified.
func (r *Relay) Publish(ctx context.Context, channelName string, anchor int64, candidate delta.Record) (PublishResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishAt(ctx, channelName, anchor, candidate, instance.At(r.clock()))
}

// publishAt is the locked core of Publish; batches reuse it to stamp
// every item with one shared timestamp.
func (r *Relay) publishAt(ctx context.Context, channelName string, anchor int64, candidate delta.Record, ts float64) (PublishResult, error) {
	ch, err := r.reg.Get(channelName)
	if err != nil {
		return PublishResult{}, err
	}
	typ := instance.Type(candidate)
	if !ch.AcceptsType(typ) {
		return PublishResult{}, fmt.Errorf("%w: %q on channel %q", channel.ErrTypeNotAllowed, typ, channelName)
	}
	id, err := instance.ID(candidate)
	if err != nil {
		return PublishResult{}, err
	}

	// The candidate stays untouched: work on a copy. The user key is
	// persisted with the record so snapshots and replays can honor it;
	// only the socket never sees it.
	rec := maps.Clone(candidate)
	userKey, hasUserKey := instance.UserKeyOf(rec)

	key := cacheKey(channelName, anchor, typ, id)
	baseline := r.cache.get(key)
	if baseline == nil {
		baseline, err = r.store.GetInstance(ctx, channelName, anchor, typ, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return PublishResult{}, err
		}
	}

	// A tombstone baseline means the instance was deleted; publishing
	// it again is a create, not an update against the tombstone.
	created := baseline == nil || instance.IsDeleted(baseline)

	op := instance.OpCreate
	var change delta.Record
	if !created {
		change, err = delta.Compute(baseline, rec)
		if err != nil {
			return PublishResult{}, fmt.Errorf("publish %s/%d on %q: %w", typ, id, channelName, err)
		}
		if change == nil {
			return PublishResult{}, nil
		}
		op = instance.OpUpdate
	}

	instance.Mark(rec, typ, op, ts)
	if err := r.store.PutInstance(ctx, channelName, anchor, rec); err != nil {
		return PublishResult{}, err
	}
	if err := r.store.AppendUpdate(ctx, channelName, anchor, rec); err != nil {
		return PublishResult{}, err
	}
	r.cache.set(key, rec)

	outgoing := maps.Clone(rec)
	if !created {
		outgoing = instance.CopyMeta(change, rec)
	}
	delete(outgoing, instance.KeyUserKey)
	var keyPtr *int64
	if hasUserKey {
		keyPtr = util.Ptr(userKey)
	}
	r.hub.Dispatch(channelName, anchor, outgoing, keyPtr)

	r.log.Debug().
		Str("channel", channelName).
		Int64("anchor", anchor).
		Str("type", typ).
		Int64("id", id).
		Str("op", op).
		Float64("tstamp", ts).
		Msg("published")

	return PublishResult{Changed: true, Created: created, Timestamp: ts}, nil
}

// Delete stores a tombstone for the instance and dispatches it. Deletes
// are idempotent; tombstoning an unknown instance is not an error.
func (r *Relay) Delete(ctx context.Context, channelName string, anchor int64, typ string, id int64) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteAt(ctx, channelName, anchor, typ, id, instance.At(r.clock()))
}

func (r *Relay) deleteAt(ctx context.Context, channelName string, anchor int64, typ string, id int64, ts float64) (float64, error) {
	ch, err := r.reg.Get(channelName)
	if err != nil {
		return 0, err
	}
	if !ch.AcceptsType(typ) {
		return 0, fmt.Errorf("%w: %q on channel %q", channel.ErrTypeNotAllowed, typ, channelName)
	}

	tomb := instance.Tombstone(typ, id, ts)
	if err := r.store.PutInstance(ctx, channelName, anchor, tomb); err != nil {
		return 0, err
	}
	if err := r.store.AppendUpdate(ctx, channelName, anchor, tomb); err != nil {
		return 0, err
	}
	r.cache.drop(cacheKey(channelName, anchor, typ, id))
	r.hub.Dispatch(channelName, anchor, tomb, nil)

	r.log.Debug().
		Str("channel", channelName).
		Int64("anchor", anchor).
		Str("type", typ).
		Int64("id", id).
		Msg("tombstoned")

	return ts, nil
}

// Reset drops all stored state of one anchor and tells the group. Used
// when an anchor's backing data disappears at the source.
func (r *Relay) Reset(ctx context.Context, channelName string, anchor int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.reg.Get(channelName); err != nil {
		return err
	}
	if err := r.store.DeleteAnchor(ctx, channelName, anchor); err != nil {
		return err
	}
	r.cache.dropPrefix(cachePrefix(channelName, anchor))
	r.hub.Notify(channelName, anchor, delta.Record{"message": "anchor reset"})

	r.log.Info().
		Str("channel", channelName).
		Int64("anchor", anchor).
		Msg("anchor reset")
	return nil
}

// Notify broadcasts a system notification to the group.
func (r *Relay) Notify(channelName string, anchor int64, payload delta.Record) {
	r.hub.Notify(channelName, anchor, payload)
}

func cachePrefix(channelName string, anchor int64) string {
	return fmt.Sprintf("%s|%d|", channelName, anchor)
}

func cacheKey(channelName string, anchor int64, typ string, id int64) string {
	return fmt.Sprintf("%s|%d|%s|%d", channelName, anchor, typ, id)
}
