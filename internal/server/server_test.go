package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/statecast-project/statecast/internal/channel"
	"github.com/statecast-project/statecast/internal/hub"
	"github.com/statecast-project/statecast/internal/relay"
	"github.com/statecast-project/statecast/internal/store/memory"
	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

// ----------------------------------------------------------------------------
// fixture
// ----------------------------------------------------------------------------

const (
	aliceToken = "alice-token" // user key 7
	bobToken   = "bob-token"   // user key 8
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	reg, err := channel.NewRegistry([]channel.Config{
		{Name: "ops", Types: []string{"task", "alert"}, Public: true},
		{Name: "crm", Types: []string{"contact"}, Permission: "User == 7"},
		{Name: "board", Types: []string{"card"}, Public: true,
			Visibility: `Field("archived") != true`},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	h := hub.New()
	t.Cleanup(h.Close)

	st := memory.New(nil)
	t.Cleanup(func() { _ = st.Close() })

	rl := relay.New(reg, st, h)
	t.Cleanup(rl.Close)

	srv := New(reg, st, rl, h, WithTokens(map[string]int64{
		aliceToken: 7,
		bobToken:   8,
	}))

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func publish(t *testing.T, base, channelName string, anchor int64, token string, rec delta.Record) relay.PublishResult {
	t.Helper()

	url := fmt.Sprintf("%s/v1/channels/%s/anchors/%d/instances", base, channelName, anchor)
	resp, body := doJSON(t, http.MethodPost, url, token, rec)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish status = %d, body %s", resp.StatusCode, body)
	}
	var res relay.PublishResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode publish result: %v", err)
	}
	return res
}

func snapshot(t *testing.T, base, channelName string, anchor int64, token string) []delta.Record {
	t.Helper()

	url := fmt.Sprintf("%s/v1/channels/%s/anchors/%d", base, channelName, anchor)
	resp, body := doJSON(t, http.MethodGet, url, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status = %d, body %s", resp.StatusCode, body)
	}
	var recs []delta.Record
	if err := json.Unmarshal(body, &recs); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return recs
}

// ----------------------------------------------------------------------------
// stream helpers
// ----------------------------------------------------------------------------

type stream struct {
	resp  *http.Response
	lines chan string
}

// openStream subscribes and starts pumping response lines. The HTTP
// status is asserted to be 200; protocol-level errors arrive as status
// records in the body.
func openStream(t *testing.T, url string) *stream {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("subscribe status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q, want application/x-ndjson", ct)
	}

	st := &stream{resp: resp, lines: make(chan string, 64)}
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			st.lines <- sc.Text()
		}
		close(st.lines)
	}()
	t.Cleanup(func() { resp.Body.Close() })
	return st
}

func (st *stream) next(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-st.lines:
		if !ok {
			t.Fatalf("stream closed early")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stream line")
	}
	return ""
}

func (st *stream) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case line, ok := <-st.lines:
		if ok {
			t.Fatalf("unexpected stream line %q", line)
		}
	case <-time.After(300 * time.Millisecond):
	}
}

// statusRecord decodes the single-object status line.
func statusRecord(t *testing.T, line string) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("decode status line %q: %v", line, err)
	}
	return rec
}

// frameRecord decodes a one-element array line into its record.
func frameRecord(t *testing.T, line string) delta.Record {
	t.Helper()
	var frame []delta.Record
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		t.Fatalf("decode frame %q: %v", line, err)
	}
	if len(frame) != 1 {
		t.Fatalf("frame has %d records, want 1: %q", len(frame), line)
	}
	return frame[0]
}

// readStatus asserts the first line of a fresh stream.
func readStatus(t *testing.T, st *stream, wantCode int, wantError string) {
	t.Helper()
	rec := statusRecord(t, st.next(t))
	if got, _ := rec["status_code"].(float64); int(got) != wantCode {
		t.Fatalf("status_code = %v, want %d", rec["status_code"], wantCode)
	}
	if wantError != "" {
		if got, _ := rec["error"].(string); got != wantError {
			t.Fatalf("status error = %q, want %q", rec["error"], wantError)
		}
	}
}

// readInitialState drains frames until the end marker and returns them
// keyed by instance type.
func readInitialState(t *testing.T, st *stream) map[string][]delta.Record {
	t.Helper()
	out := map[string][]delta.Record{}
	for {
		rec := frameRecord(t, st.next(t))
		if op := instance.OperationOf(rec); op == instance.OpEndInitialState {
			return out
		}
		typ := instance.Type(rec)
		out[typ] = append(out[typ], rec)
	}
}

// ----------------------------------------------------------------------------
// plain endpoints
// ----------------------------------------------------------------------------

func TestHealthAndChannels(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("status = %v, want ok", health["status"])
	}
	if got, _ := health["channels"].(float64); int(got) != 3 {
		t.Errorf("channels = %v, want 3", health["channels"])
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/channels", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("channels status = %d", resp.StatusCode)
	}
	var infos []channelInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		t.Fatalf("decode channels: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("len(channels) = %d, want 3", len(infos))
	}
	byName := map[string]channelInfo{}
	for _, info := range infos {
		byName[info.Name] = info
	}
	if !byName["ops"].Public || byName["crm"].Public {
		t.Errorf("public flags wrong: %+v", byName)
	}
	if len(byName["ops"].Types) != 2 {
		t.Errorf("ops types = %v", byName["ops"].Types)
	}
}

func TestPublishSnapshotRoundtrip(t *testing.T) {
	ts := newTestServer(t)

	res := publish(t, ts.URL, "ops", 42, "", delta.Record{
		"_instance_type": "task",
		"id":             1,
		"title":          "deploy",
		"done":           false,
	})
	if !res.Changed || !res.Created || res.Timestamp == 0 {
		t.Fatalf("create result = %+v", res)
	}

	// identical republish is a no-op
	res = publish(t, ts.URL, "ops", 42, "", delta.Record{
		"_instance_type": "task",
		"id":             1,
		"title":          "deploy",
		"done":           false,
	})
	if res.Changed {
		t.Fatalf("no-op republish reported a change: %+v", res)
	}

	// changed field flows through
	res = publish(t, ts.URL, "ops", 42, "", delta.Record{
		"_instance_type": "task",
		"id":             1,
		"title":          "deploy",
		"done":           true,
	})
	if !res.Changed || res.Created {
		t.Fatalf("update result = %+v", res)
	}

	recs := snapshot(t, ts.URL, "ops", 42, "")
	if len(recs) != 1 {
		t.Fatalf("snapshot has %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec["done"] != true || rec["title"] != "deploy" {
		t.Errorf("snapshot record = %v", rec)
	}
	if op := instance.OperationOf(rec); op != instance.OpUpdate {
		t.Errorf("operation = %q, want update", op)
	}

	// other anchors stay empty
	if recs := snapshot(t, ts.URL, "ops", 43, ""); len(recs) != 0 {
		t.Errorf("anchor 43 snapshot = %v, want empty", recs)
	}
}

func TestPublishErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name     string
		url      string
		body     string
		wantCode int
	}{
		{
			name:     "unknown channel",
			url:      "/v1/channels/nope/anchors/1/instances",
			body:     `{"_instance_type":"task","id":1}`,
			wantCode: http.StatusNotFound,
		},
		{
			name:     "type not allowed",
			url:      "/v1/channels/ops/anchors/1/instances",
			body:     `{"_instance_type":"contact","id":1}`,
			wantCode: http.StatusUnprocessableEntity,
		},
		{
			name:     "missing id",
			url:      "/v1/channels/ops/anchors/1/instances",
			body:     `{"_instance_type":"task","title":"x"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "invalid JSON",
			url:      "/v1/channels/ops/anchors/1/instances",
			body:     `{"broken`,
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+tt.url, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
		})
	}

	// a field changing kind is an ordinary update, not an error
	publish(t, ts.URL, "ops", 9, "", delta.Record{
		"_instance_type": "task", "id": 5, "tags": []any{"a"},
	})
	res := publish(t, ts.URL, "ops", 9, "", delta.Record{
		"_instance_type": "task", "id": 5, "tags": map[string]any{"a": true},
	})
	if !res.Changed || res.Created {
		t.Errorf("kind change result = %+v, want an update", res)
	}
}

func TestAuthorization(t *testing.T) {
	ts := newTestServer(t)
	url := ts.URL + "/v1/channels/crm/anchors/1/instances"
	rec := delta.Record{"_instance_type": "contact", "id": 1, "name": "Ada"}

	tests := []struct {
		name     string
		token    string
		wantCode int
	}{
		{"no token on private channel", "", http.StatusUnauthorized},
		{"unknown token", "stranger", http.StatusUnauthorized},
		{"token without permission", bobToken, http.StatusForbidden},
		{"token with permission", aliceToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodPost, url, tt.token, rec)
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
		})
	}

	// ?token= works for clients that cannot set headers
	resp, _ := doJSON(t, http.MethodGet,
		ts.URL+"/v1/channels/crm/anchors/1?token="+aliceToken, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query token snapshot status = %d, want 200", resp.StatusCode)
	}
}

func TestBatchEndpoint(t *testing.T) {
	ts := newTestServer(t)

	body := []delta.Record{
		{"_instance_type": "task", "id": 1, "title": "first"},
		{"_instance_type": "task", "id": 1, "title": "second"},
		{"title": "no type or id"},
		{"_instance_type": "alert", "id": 2, "level": "warn"},
	}
	resp, data := doJSON(t, http.MethodPost,
		ts.URL+"/v1/channels/ops/anchors/7/batch", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch status = %d, body %s", resp.StatusCode, data)
	}
	var br batchResponse
	if err := json.Unmarshal(data, &br); err != nil {
		t.Fatalf("decode batch response: %v", err)
	}
	if br.Flushed != 2 {
		t.Errorf("flushed = %d, want 2", br.Flushed)
	}
	if len(br.Errors) != 1 || !strings.HasPrefix(br.Errors[0], "record 2:") {
		t.Errorf("errors = %v, want one starting with %q", br.Errors, "record 2:")
	}

	// the duplicate deduped last-write-wins, one timestamp for all
	recs := snapshot(t, ts.URL, "ops", 7, "")
	if len(recs) != 2 {
		t.Fatalf("snapshot has %d records, want 2", len(recs))
	}
	tstamps := map[float64]bool{}
	for _, rec := range recs {
		tstamp := instance.TimestampOf(rec)
		tstamps[tstamp] = true
		if instance.Type(rec) == "task" && rec["title"] != "second" {
			t.Errorf("task title = %v, want second", rec["title"])
		}
	}
	if len(tstamps) != 1 {
		t.Errorf("batch produced %d distinct timestamps, want 1", len(tstamps))
	}
}

func TestDeleteEndpoint(t *testing.T) {
	ts := newTestServer(t)

	publish(t, ts.URL, "ops", 3, "", delta.Record{
		"_instance_type": "task", "id": 11, "title": "temp",
	})

	resp, body := doJSON(t, http.MethodDelete,
		ts.URL+"/v1/channels/ops/anchors/3/instances/task/11", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, body %s", resp.StatusCode, body)
	}
	var res map[string]float64
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode delete response: %v", err)
	}
	if res["tstamp"] == 0 {
		t.Errorf("delete tstamp = 0, want set")
	}

	if recs := snapshot(t, ts.URL, "ops", 3, ""); len(recs) != 0 {
		t.Errorf("snapshot after delete = %v, want empty", recs)
	}
}

func TestSnapshotVisibility(t *testing.T) {
	ts := newTestServer(t)

	publish(t, ts.URL, "board", 1, "", delta.Record{
		"_instance_type": "card", "id": 1, "label": "open",
	})
	publish(t, ts.URL, "board", 1, "", delta.Record{
		"_instance_type": "card", "id": 2, "label": "old", "archived": true,
	})

	recs := snapshot(t, ts.URL, "board", 1, "")
	if len(recs) != 1 {
		t.Fatalf("snapshot has %d records, want 1", len(recs))
	}
	if recs[0]["label"] != "open" {
		t.Errorf("visible record = %v", recs[0])
	}
}

func TestSnapshotUserKey(t *testing.T) {
	ts := newTestServer(t)

	publish(t, ts.URL, "ops", 5, "", delta.Record{
		"_instance_type": "task", "id": 1, "title": "everyone",
	})
	publish(t, ts.URL, "ops", 5, "", delta.Record{
		"_instance_type": "task", "id": 2, "title": "alice only", "_user_key": 7,
	})

	if recs := snapshot(t, ts.URL, "ops", 5, ""); len(recs) != 1 {
		t.Errorf("anonymous snapshot has %d records, want 1", len(recs))
	}
	if recs := snapshot(t, ts.URL, "ops", 5, bobToken); len(recs) != 1 {
		t.Errorf("bob snapshot has %d records, want 1", len(recs))
	}

	recs := snapshot(t, ts.URL, "ops", 5, aliceToken)
	if len(recs) != 2 {
		t.Fatalf("alice snapshot has %d records, want 2", len(recs))
	}
	for _, rec := range recs {
		if _, ok := rec[instance.KeyUserKey]; ok {
			t.Errorf("user key leaked into snapshot: %v", rec)
		}
	}
}

// ----------------------------------------------------------------------------
// streaming
// ----------------------------------------------------------------------------

func subscribeURL(base, channelName string, anchor int64, query string) string {
	url := fmt.Sprintf("%s/v1/channels/%s/anchors/%d/subscribe", base, channelName, anchor)
	if query != "" {
		url += "?" + query
	}
	return url
}

func TestSubscribeInvalidFilter(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(subscribeURL(ts.URL, "ops", 1, "filter="+url.QueryEscape("Types(")))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(subscribeURL(ts.URL, "ops", 1, "since=yesterday"))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", resp.StatusCode)
	}
}

func TestSubscribeStatusRecords(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name      string
		url       string
		wantCode  int
		wantError string
	}{
		{
			name:      "unknown channel",
			url:       subscribeURL(ts.URL, "nope", 1, ""),
			wantCode:  http.StatusNotFound,
			wantError: "error/not-found",
		},
		{
			name:      "private channel without token",
			url:       subscribeURL(ts.URL, "crm", 1, ""),
			wantCode:  http.StatusUnauthorized,
			wantError: "error/unauthorized",
		},
		{
			name:      "private channel wrong user",
			url:       subscribeURL(ts.URL, "crm", 1, "token="+bobToken),
			wantCode:  http.StatusForbidden,
			wantError: "error/forbidden",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := openStream(t, tt.url)
			readStatus(t, st, tt.wantCode, tt.wantError)
			// error streams end after the status record
			select {
			case _, ok := <-st.lines:
				if ok {
					t.Errorf("stream stayed open after error status")
				}
			case <-time.After(2 * time.Second):
				t.Errorf("stream not closed after error status")
			}
		})
	}
}

func TestSubscribeInitialStateAndLive(t *testing.T) {
	ts := newTestServer(t)

	publish(t, ts.URL, "ops", 42, "", delta.Record{
		"_instance_type": "task", "id": 1, "title": "deploy",
	})
	publish(t, ts.URL, "ops", 42, "", delta.Record{
		"_instance_type": "alert", "id": 2, "level": "warn",
	})

	st := openStream(t, subscribeURL(ts.URL, "ops", 42, ""))
	readStatus(t, st, http.StatusOK, "")

	state := readInitialState(t, st)
	if len(state["task"]) != 1 || len(state["alert"]) != 1 {
		t.Fatalf("initial state = %v", state)
	}
	for typ, recs := range state {
		op := instance.OperationOf(recs[0])
		if op != instance.OpInitialState {
			t.Errorf("%s operation = %q, want initial_state", typ, op)
		}
	}

	// live update arrives after the marker, as a delta
	publish(t, ts.URL, "ops", 42, "", delta.Record{
		"_instance_type": "task", "id": 1, "title": "deploy", "done": true,
	})
	live := frameRecord(t, st.next(t))
	if op := instance.OperationOf(live); op != instance.OpUpdate {
		t.Errorf("live operation = %q, want update", op)
	}
	if live["done"] != true {
		t.Errorf("live record = %v, want done true", live)
	}
	if _, ok := live["title"]; ok {
		t.Errorf("unchanged field sent in delta: %v", live)
	}

	// no-op publishes stay silent
	publish(t, ts.URL, "ops", 42, "", delta.Record{
		"_instance_type": "task", "id": 1, "title": "deploy", "done": true,
	})
	st.expectSilence(t)
}

func TestSubscribeSinceReplay(t *testing.T) {
	ts := newTestServer(t)

	first := publish(t, ts.URL, "ops", 8, "", delta.Record{
		"_instance_type": "task", "id": 1, "title": "a",
	})
	publish(t, ts.URL, "ops", 8, "", delta.Record{
		"_instance_type": "task", "id": 2, "title": "b",
	})
	publish(t, ts.URL, "ops", 8, "", delta.Record{
		"_instance_type": "task", "id": 1, "title": "a2",
	})

	st := openStream(t, subscribeURL(ts.URL, "ops", 8,
		"since="+url.QueryEscape(fmt.Sprintf("%v", first.Timestamp))))
	readStatus(t, st, http.StatusOK, "")

	// log entries newer than since, original operations intact
	rec := frameRecord(t, st.next(t))
	if op := instance.OperationOf(rec); op != instance.OpCreate {
		t.Errorf("first replayed op = %q, want create", op)
	}
	if id, _ := instance.ID(rec); id != 2 {
		t.Errorf("first replayed id = %d, want 2", id)
	}

	rec = frameRecord(t, st.next(t))
	if op := instance.OperationOf(rec); op != instance.OpUpdate {
		t.Errorf("second replayed op = %q, want update", op)
	}

	end := frameRecord(t, st.next(t))
	if op := instance.OperationOf(end); op != instance.OpEndInitialState {
		t.Errorf("marker op = %q, want end_initial_state", op)
	}
}

func TestSubscribeFilter(t *testing.T) {
	ts := newTestServer(t)

	publish(t, ts.URL, "ops", 4, "", delta.Record{
		"_instance_type": "task", "id": 1, "title": "keep",
	})
	publish(t, ts.URL, "ops", 4, "", delta.Record{
		"_instance_type": "alert", "id": 2, "level": "warn",
	})

	st := openStream(t, subscribeURL(ts.URL, "ops", 4,
		"filter="+url.QueryEscape(`Types("task")`)))
	readStatus(t, st, http.StatusOK, "")

	state := readInitialState(t, st)
	if len(state) != 1 || len(state["task"]) != 1 {
		t.Fatalf("filtered initial state = %v", state)
	}

	// filtered-out live records never arrive
	publish(t, ts.URL, "ops", 4, "", delta.Record{
		"_instance_type": "alert", "id": 3, "level": "page",
	})
	publish(t, ts.URL, "ops", 4, "", delta.Record{
		"_instance_type": "task", "id": 5, "title": "next",
	})
	live := frameRecord(t, st.next(t))
	if instance.Type(live) != "task" {
		t.Errorf("live type = %q, want task", instance.Type(live))
	}
	if id, _ := instance.ID(live); id != 5 {
		t.Errorf("live id = %d, want 5", id)
	}
}

func TestSubscribeUserKeyGating(t *testing.T) {
	ts := newTestServer(t)

	publish(t, ts.URL, "ops", 6, "", delta.Record{
		"_instance_type": "task", "id": 1, "title": "secret", "_user_key": 7,
	})

	anon := openStream(t, subscribeURL(ts.URL, "ops", 6, ""))
	readStatus(t, anon, http.StatusOK, "")
	if state := readInitialState(t, anon); len(state) != 0 {
		t.Errorf("anonymous initial state = %v, want empty", state)
	}

	alice := openStream(t, subscribeURL(ts.URL, "ops", 6, "token="+aliceToken))
	readStatus(t, alice, http.StatusOK, "")
	state := readInitialState(t, alice)
	if len(state["task"]) != 1 {
		t.Fatalf("alice initial state = %v", state)
	}
	if _, ok := state["task"][0][instance.KeyUserKey]; ok {
		t.Errorf("user key leaked to stream: %v", state["task"][0])
	}

	// live keyed records reach only their user
	publish(t, ts.URL, "ops", 6, "", delta.Record{
		"_instance_type": "task", "id": 2, "title": "direct", "_user_key": 7,
	})
	live := frameRecord(t, alice.next(t))
	if id, _ := instance.ID(live); id != 2 {
		t.Errorf("alice live id = %d, want 2", id)
	}
	if _, ok := live[instance.KeyUserKey]; ok {
		t.Errorf("user key leaked to live stream: %v", live)
	}
	anon.expectSilence(t)
}

func TestSubscribeDisconnect(t *testing.T) {
	ts := newTestServer(t)

	st := openStream(t, subscribeURL(ts.URL, "ops", 1, ""))
	readStatus(t, st, http.StatusOK, "")
	if state := readInitialState(t, st); len(state) != 0 {
		t.Fatalf("initial state = %v, want empty", state)
	}

	// closing the body tears the handler down; later publishes must not
	// block or panic
	st.resp.Body.Close()
	time.Sleep(50 * time.Millisecond)
	publish(t, ts.URL, "ops", 1, "", delta.Record{
		"_instance_type": "task", "id": 1, "title": "after hangup",
	})
}
