// Package store defines the persistence contract of the state server:
// the latest record of every instance, plus an ordered update log that
// reconnecting subscribers replay.
package store

import (
	"context"
	"errors"

	"github.com/statecast-project/statecast/pkg/delta"
)

var ErrNotFound = errors.New("not found")

// Stats summarizes what a store currently holds.
type Stats struct {
	Instances int `json:"instances"`
	Updates   int `json:"updates"`
}

// StateStore persists instance state per (channel, anchor). Records
// passed in must already carry their meta fields; implementations read
// `_instance_type`, `id` and `_tstamp` to build keys and never modify
// the record.
type StateStore interface {
	// PutInstance writes the latest full record of an instance,
	// replacing any previous one. Tombstones are stored like state.
	PutInstance(ctx context.Context, channel string, anchor int64, rec delta.Record) error
	// GetInstance returns the latest record, or ErrNotFound.
	GetInstance(ctx context.Context, channel string, anchor int64, typ string, id int64) (delta.Record, error)
	// ListInstances returns every stored record of the anchor, ordered
	// by (type, id). Tombstones are included; callers filter.
	ListInstances(ctx context.Context, channel string, anchor int64) ([]delta.Record, error)

	// AppendUpdate appends a record to the anchor's update log. Log
	// order is (`_tstamp`, insertion) so same-timestamp batches keep
	// their publish order.
	AppendUpdate(ctx context.Context, channel string, anchor int64, rec delta.Record) error
	// UpdatesSince returns log records with `_tstamp` strictly greater
	// than since, in log order.
	UpdatesSince(ctx context.Context, channel string, anchor int64, since float64) ([]delta.Record, error)

	// DeleteAnchor removes all state and log entries of one anchor.
	DeleteAnchor(ctx context.Context, channel string, anchor int64) error
	// PruneUpdates drops log entries with `_tstamp` older than before,
	// across all channels, and returns how many were removed.
	PruneUpdates(ctx context.Context, before float64) (int, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
