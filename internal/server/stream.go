package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/expr-lang/expr/vm"

	"github.com/statecast-project/statecast/internal/channel"
	"github.com/statecast-project/statecast/internal/hub"
	"github.com/statecast-project/statecast/internal/util"
	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

// streamWriter frames one JSON value per line and flushes it out
// immediately, so records reach the client as they happen.
type streamWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// status sends the connection status record that opens every stream.
// The HTTP status stays 200 so the body reaches browser clients.
func (sw *streamWriter) status(code int, reason string) error {
	rec := map[string]any{"status_code": code}
	if reason != "" {
		rec["error"] = reason
	}
	return sw.write(rec)
}

// frame sends one record, wrapped in a one-element array.
func (sw *streamWriter) frame(rec delta.Record) error {
	return sw.write([]delta.Record{rec})
}

func (sw *streamWriter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := sw.w.Write(append(data, '\n')); err != nil {
		return err
	}
	sw.f.Flush()
	return nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	channelName, anchor := pathAnchor(r)

	// Everything that yields a plain HTTP error must happen before the
	// first streamed byte.
	var filters []*vm.Program
	if src := r.URL.Query().Get("filter"); src != "" {
		prog, err := channel.CompileFilter(src)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid filter: %v", err))
			return
		}
		filters = append(filters, prog)
	}
	var since float64
	if raw := r.URL.Query().Get("since"); raw != "" {
		var err error
		since, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	sw := &streamWriter{w: w, f: flusher}

	ch, err := s.reg.Get(channelName)
	if err != nil {
		_ = sw.status(http.StatusNotFound, "error/not-found")
		return
	}
	user, authed := s.userKey(r)
	if !authed && !ch.Public {
		_ = sw.status(http.StatusUnauthorized, "error/unauthorized")
		return
	}
	var userPtr *int64
	if authed {
		allowed, err := ch.Allows(channel.AuthEnv{User: user, Anchor: anchor, Channel: ch.Name})
		if err != nil {
			s.log.Error().Err(err).Str("channel", channelName).Msg("permission check failed")
			_ = sw.status(http.StatusInternalServerError, "error/internal")
			return
		}
		if !allowed {
			_ = sw.status(http.StatusForbidden, "error/forbidden")
			return
		}
		userPtr = util.Ptr(user)
	}
	if vis := ch.VisibilityProgram(); vis != nil {
		filters = append(filters, vis)
	}

	// Attach to the hub before reading stored state, so an update
	// landing between the two shows up in the live queue instead of
	// falling into the gap.
	sub := s.hub.Subscribe(channelName, anchor, hub.Options{
		UserKey: userPtr,
		Filters: filters,
	})
	defer sub.Close()

	if err := sw.status(http.StatusOK, ""); err != nil {
		return
	}

	endTs := instance.At(s.clock())
	if since > 0 {
		if err := s.streamReplay(sw, r, channelName, anchor, since, filters, userPtr); err != nil {
			return
		}
	} else {
		if err := s.streamInitialState(sw, r, channelName, anchor, filters, userPtr); err != nil {
			return
		}
	}
	if err := sw.frame(instance.EndOfInitialState(endTs)); err != nil {
		return
	}

	s.log.Debug().
		Str("channel", channelName).
		Int64("anchor", anchor).
		Str("subscriber", sub.ID).
		Msg("stream attached")

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, open := <-sub.Updates():
			if !open {
				// lagged subscribers are cut off; the client replays
				// with ?since= on reconnect
				return
			}
			if err := sw.frame(rec); err != nil {
				return
			}
		}
	}
}

// streamInitialState dumps the anchor's live instances, marked as
// initial state.
func (s *Server) streamInitialState(sw *streamWriter, r *http.Request, channelName string, anchor int64, filters []*vm.Program, user *int64) error {
	recs, err := s.store.ListInstances(r.Context(), channelName, anchor)
	if err != nil {
		s.log.Error().Err(err).Str("channel", channelName).Msg("initial state load failed")
		return err
	}
	for _, rec := range recs {
		if instance.IsDeleted(rec) {
			continue
		}
		if !deliverable(rec, user) || !s.pass(filters, rec) {
			continue
		}
		out := make(delta.Record, len(rec))
		for k, v := range rec {
			if k == instance.KeyUserKey {
				continue
			}
			out[k] = v
		}
		out[instance.KeyOperation] = instance.OpInitialState
		if err := sw.frame(out); err != nil {
			return err
		}
	}
	return nil
}

// streamReplay resends log entries newer than since, operations intact.
func (s *Server) streamReplay(sw *streamWriter, r *http.Request, channelName string, anchor int64, since float64, filters []*vm.Program, user *int64) error {
	recs, err := s.store.UpdatesSince(r.Context(), channelName, anchor, since)
	if err != nil {
		s.log.Error().Err(err).Str("channel", channelName).Msg("replay load failed")
		return err
	}
	for _, rec := range recs {
		if !deliverable(rec, user) || !s.pass(filters, rec) {
			continue
		}
		if err := sw.frame(withoutUserKey(rec)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) pass(filters []*vm.Program, rec delta.Record) bool {
	for _, prog := range filters {
		if prog == nil {
			continue
		}
		ok, err := channel.EvalFilter(prog, rec)
		if err != nil {
			s.log.Error().Err(err).Msg("filter failed, skipping record")
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

