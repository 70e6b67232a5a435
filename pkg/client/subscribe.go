package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

// SubscribeOptions narrow a subscription.
type SubscribeOptions struct {
	// Since replays the update log from this timestamp instead of
	// dumping current state.
	Since float64
	// Filter is a server-side record filter expression.
	Filter string
}

// Event is one frame of a subscription.
type Event struct {
	// Records carried by the frame.
	Records []delta.Record
	// Op is the operation of the frame's records.
	Op string
	// InitialState is set on frames sent before the end marker.
	InitialState bool
	// EndOfInitialState marks the switch to live updates. Records is
	// empty on the marker event.
	EndOfInitialState bool
}

// Subscription is a live stream of events for one anchor.
type Subscription struct {
	events chan Event
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}

	mu  sync.Mutex
	err error
}

// Subscribe opens a stream for the anchor. The server's status record
// is consumed here: a non-200 status surfaces as an *APIError and no
// subscription is returned.
func (c *Client) Subscribe(ctx context.Context, channel string, anchor int64, opts SubscribeOptions) (*Subscription, error) {
	u := c.base + c.anchorPath(channel, anchor) + "/subscribe"
	q := url.Values{}
	if opts.Since > 0 {
		q.Set("since", strconv.FormatFloat(opts.Since, 'f', -1, 64))
	}
	if opts.Filter != "" {
		q.Set("filter", opts.Filter)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := apiError(resp)
		resp.Body.Close()
		cancel()
		return nil, err
	}

	br := bufio.NewReader(resp.Body)
	if err := readStatus(br); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	sub := &Subscription{
		events: make(chan Event, 16),
		cancel: cancel,
		closed: make(chan struct{}),
	}
	go sub.consume(resp.Body, br)
	return sub, nil
}

// Updates delivers events until the stream ends. The channel closes on
// server EOF, Close, or context cancel; check Err afterwards.
func (sub *Subscription) Updates() <-chan Event {
	return sub.events
}

// Err reports why the stream ended, nil for a clean shutdown.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Close tears the subscription down. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		close(sub.closed)
		sub.cancel()
	})
}

func (sub *Subscription) setErr(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.err == nil {
		sub.err = err
	}
}

// readStatus consumes the stream's first line and converts a non-200
// status record into an error.
func readStatus(br *bufio.Reader) error {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read status record: %w", err)
	}
	var status struct {
		StatusCode int    `json:"status_code"`
		Error      string `json:"error"`
	}
	if err := json.Unmarshal(line, &status); err != nil {
		return fmt.Errorf("malformed status record: %w", err)
	}
	if status.StatusCode != http.StatusOK {
		return &APIError{StatusCode: status.StatusCode, Message: status.Error}
	}
	return nil
}

func (sub *Subscription) consume(body io.ReadCloser, br *bufio.Reader) {
	defer close(sub.events)
	defer body.Close()

	initial := true
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var recs []delta.Record
		if err := json.Unmarshal(line, &recs); err != nil {
			sub.setErr(fmt.Errorf("malformed frame: %w", err))
			return
		}
		if len(recs) == 0 {
			continue
		}

		var ev Event
		if isEndMarker(recs[0]) {
			initial = false
			ev = Event{EndOfInitialState: true}
		} else {
			ev = Event{
				Records:      recs,
				Op:           instance.OperationOf(recs[0]),
				InitialState: initial,
			}
		}
		select {
		case sub.events <- ev:
		case <-sub.closed:
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		sub.setErr(err)
	}
}

func isEndMarker(rec delta.Record) bool {
	return instance.OperationOf(rec) == instance.OpEndInitialState
}
