// Package hub fans published records out to live subscribers. Groups
// are keyed by (channel, anchor); delivery is non-blocking so one slow
// consumer can never stall a publish.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/statecast-project/statecast/internal/channel"
	"github.com/statecast-project/statecast/internal/util"
	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

const defaultBuffer = 64

type groupKey struct {
	channel string
	anchor  int64
}

// Subscriber is one live stream attached to a group. Records arrive on
// Updates; the channel closes when the subscriber is dropped, either
// by Close or because it fell too far behind.
type Subscriber struct {
	ID string

	hub   *Hub
	group groupKey

	userKey *int64
	filters []*vm.Program

	ch     chan delta.Record
	lagged atomic.Bool

	// sendMu orders sends against the close, so a publish racing a
	// disconnect can never hit a closed channel.
	sendMu sync.Mutex
	closed bool
}

// send queues rec without blocking. It reports false when the buffer
// is full; sends to an already closed subscriber are silently dropped.
func (s *Subscriber) send(rec delta.Record) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- rec:
		return true
	default:
		return false
	}
}

func (s *Subscriber) closeCh() {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.sendMu.Unlock()
}

// Updates delivers records in publish order.
func (s *Subscriber) Updates() <-chan delta.Record {
	return s.ch
}

// Lagged reports whether the hub dropped this subscriber for falling
// behind. Streams use it to tell a clean close from an overrun.
func (s *Subscriber) Lagged() bool {
	return s.lagged.Load()
}

// Close detaches the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.hub.drop(s)
}

// Options configure one subscription.
type Options struct {
	// UserKey makes the subscriber eligible for records published with
	// the same key. Nil subscribers only see broadcast records.
	UserKey *int64
	// Filters must all pass for a record to be delivered. Nil entries
	// are skipped.
	Filters []*vm.Program
	// Buffer overrides the per-subscriber queue length.
	Buffer int
}

type Hub struct {
	mu     sync.RWMutex
	groups map[groupKey]map[string]*Subscriber

	buffer  int
	dropped atomic.Uint64
	log     zerolog.Logger
}

// Option configures the hub.
type Option func(*Hub)

// WithBuffer sets the default per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(h *Hub) { h.buffer = util.Clamp(n, 1, 1<<16) }
}

// WithLogger sets the hub's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Hub) { h.log = log }
}

func New(opts ...Option) *Hub {
	h := &Hub{
		groups: make(map[groupKey]map[string]*Subscriber),
		buffer: defaultBuffer,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe attaches a new subscriber to (channel, anchor).
func (h *Hub) Subscribe(channelName string, anchor int64, opts Options) *Subscriber {
	buffer := h.buffer
	if opts.Buffer > 0 {
		buffer = util.Clamp(opts.Buffer, 1, 1<<16)
	}
	sub := &Subscriber{
		ID:      uuid.NewString(),
		hub:     h,
		group:   groupKey{channelName, anchor},
		userKey: opts.UserKey,
		filters: opts.Filters,
		ch:      make(chan delta.Record, buffer),
	}

	h.mu.Lock()
	group, ok := h.groups[sub.group]
	if !ok {
		group = make(map[string]*Subscriber)
		h.groups[sub.group] = group
	}
	group[sub.ID] = sub
	h.mu.Unlock()

	h.log.Debug().
		Str("subscriber", sub.ID).
		Str("channel", channelName).
		Int64("anchor", anchor).
		Msg("subscribed")
	return sub
}

// Dispatch delivers rec to the group. A non-nil userKey restricts
// delivery to subscribers holding the same key. Subscribers whose
// queue is full are dropped and their channel closed; they reconnect
// and replay from their last timestamp.
func (h *Hub) Dispatch(channelName string, anchor int64, rec delta.Record, userKey *int64) {
	h.mu.RLock()
	group := h.groups[groupKey{channelName, anchor}]
	subs := make([]*Subscriber, 0, len(group))
	for _, sub := range group {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if userKey != nil && (sub.userKey == nil || *sub.userKey != *userKey) {
			continue
		}
		if !h.pass(sub, rec) {
			continue
		}
		if !sub.send(rec) {
			sub.lagged.Store(true)
			h.dropped.Add(1)
			h.drop(sub)
			h.log.Warn().
				Str("subscriber", sub.ID).
				Str("channel", channelName).
				Int64("anchor", anchor).
				Msg("subscriber lagged, dropping")
		}
	}
}

// Notify broadcasts a system notification to the group.
func (h *Hub) Notify(channelName string, anchor int64, payload delta.Record) {
	rec := instance.Notification(payload, instance.At(time.Now()))
	h.Dispatch(channelName, anchor, rec, nil)
}

func (h *Hub) pass(sub *Subscriber, rec delta.Record) bool {
	for _, prog := range sub.filters {
		if prog == nil {
			continue
		}
		ok, err := channel.EvalFilter(prog, rec)
		if err != nil {
			h.log.Error().Err(err).
				Str("subscriber", sub.ID).
				Msg("filter failed, skipping record")
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func (h *Hub) drop(sub *Subscriber) {
	h.mu.Lock()
	if group, ok := h.groups[sub.group]; ok {
		delete(group, sub.ID)
		if len(group) == 0 {
			delete(h.groups, sub.group)
		}
	}
	h.mu.Unlock()

	sub.closeCh()
}

// Stats summarizes the hub's current shape.
type Stats struct {
	Groups      int    `json:"groups"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Stats{Groups: len(h.groups), Dropped: h.dropped.Load()}
	for _, group := range h.groups {
		st.Subscribers += len(group)
	}
	return st
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Subscriber
	for _, group := range h.groups {
		for _, sub := range group {
			all = append(all, sub)
		}
	}
	h.groups = make(map[groupKey]map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range all {
		sub.closeCh()
	}
}
