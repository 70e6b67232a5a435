// Package client is a small SDK over the statecast HTTP API.
//
// Consumers keep a local view with delta.Merge: apply every event's
// records to a map keyed by instance type and id.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/statecast-project/statecast/pkg/delta"
)

type Client struct {
	base  string
	token string
	http  *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithToken authenticates every request with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-200 response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// PublishResult reports what a publish did.
type PublishResult struct {
	Changed   bool    `json:"changed"`
	Created   bool    `json:"created"`
	Timestamp float64 `json:"tstamp"`
}

// BatchResult reports a batch flush.
type BatchResult struct {
	Flushed int      `json:"flushed"`
	Errors  []string `json:"errors"`
}

// ChannelInfo describes one configured channel.
type ChannelInfo struct {
	Name   string   `json:"name"`
	Types  []string `json:"types"`
	Public bool     `json:"public"`
}

// Publish sends one record and returns what changed.
func (c *Client) Publish(ctx context.Context, channel string, anchor int64, rec delta.Record) (PublishResult, error) {
	var res PublishResult
	err := c.do(ctx, http.MethodPost, c.anchorPath(channel, anchor)+"/instances", rec, &res)
	return res, err
}

// PublishBatch sends records as one atomic flush with a shared
// timestamp. Duplicate (type, id) pairs collapse last-write-wins.
func (c *Client) PublishBatch(ctx context.Context, channel string, anchor int64, recs []delta.Record) (BatchResult, error) {
	var res BatchResult
	err := c.do(ctx, http.MethodPost, c.anchorPath(channel, anchor)+"/batch", recs, &res)
	return res, err
}

// Delete tombstones an instance and returns the deletion timestamp.
func (c *Client) Delete(ctx context.Context, channel string, anchor int64, typ string, id int64) (float64, error) {
	path := fmt.Sprintf("%s/instances/%s/%d", c.anchorPath(channel, anchor), url.PathEscape(typ), id)
	var res struct {
		Timestamp float64 `json:"tstamp"`
	}
	err := c.do(ctx, http.MethodDelete, path, nil, &res)
	return res.Timestamp, err
}

// Snapshot returns the anchor's live instances.
func (c *Client) Snapshot(ctx context.Context, channel string, anchor int64) ([]delta.Record, error) {
	var recs []delta.Record
	err := c.do(ctx, http.MethodGet, c.anchorPath(channel, anchor), nil, &recs)
	return recs, err
}

// Channels lists the channels the server is configured with.
func (c *Client) Channels(ctx context.Context) ([]ChannelInfo, error) {
	var infos []ChannelInfo
	err := c.do(ctx, http.MethodGet, "/v1/channels", nil, &infos)
	return infos, err
}

func (c *Client) anchorPath(channel string, anchor int64) string {
	return fmt.Sprintf("/v1/channels/%s/anchors/%d", url.PathEscape(channel), anchor)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
