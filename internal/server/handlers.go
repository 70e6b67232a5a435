package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/statecast-project/statecast/internal/channel"
	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"channels": s.reg.Len(),
		"store":    st,
		"hub":      s.hub.Stats(),
	})
}

type channelInfo struct {
	Name   string   `json:"name"`
	Types  []string `json:"types"`
	Public bool     `json:"public"`
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	out := make([]channelInfo, 0, s.reg.Len())
	for _, ch := range s.reg.All() {
		out = append(out, channelInfo{Name: ch.Name, Types: ch.Types, Public: ch.Public})
	}
	writeJSON(w, http.StatusOK, out)
}

// publishStatus maps relay errors onto HTTP codes: client mistakes are
// 400, unknown names 404, semantic rejections 422.
func publishStatus(err error) (int, string) {
	switch {
	case errors.Is(err, channel.ErrUnknownChannel):
		return http.StatusNotFound, "unknown channel"
	case errors.Is(err, instance.ErrNoID):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, channel.ErrTypeNotAllowed),
		errors.Is(err, delta.ErrTypeMismatch),
		errors.Is(err, delta.ErrIncomparable):
		return http.StatusUnprocessableEntity, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	channelName, anchor := pathAnchor(r)
	ch, err := s.reg.Get(channelName)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	if _, ok := s.authorize(w, r, ch, anchor); !ok {
		return
	}

	var rec delta.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	res, err := s.relay.Publish(r.Context(), channelName, anchor, rec)
	if err != nil {
		code, msg := publishStatus(err)
		writeError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchResponse struct {
	Flushed int      `json:"flushed"`
	Errors  []string `json:"errors"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	channelName, anchor := pathAnchor(r)
	ch, err := s.reg.Get(channelName)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	if _, ok := s.authorize(w, r, ch, anchor); !ok {
		return
	}

	var recs []delta.Record
	if err := json.NewDecoder(r.Body).Decode(&recs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	resp := batchResponse{Errors: []string{}}
	b := s.relay.NewBatch()
	for i, rec := range recs {
		if err := b.Add(channelName, anchor, rec); err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("record %d: %v", i, err))
		}
	}

	flushed, err := b.Flush(r.Context())
	resp.Flushed = flushed
	if err != nil {
		var items interface{ Unwrap() []error }
		if errors.As(err, &items) {
			for _, e := range items.Unwrap() {
				resp.Errors = append(resp.Errors, e.Error())
			}
		} else {
			resp.Errors = append(resp.Errors, err.Error())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	channelName, anchor := pathAnchor(r)
	vars := mux.Vars(r)
	typ := vars["type"]
	id, _ := strconv.ParseInt(vars["id"], 10, 64)

	ch, err := s.reg.Get(channelName)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	if _, ok := s.authorize(w, r, ch, anchor); !ok {
		return
	}

	ts, err := s.relay.Delete(r.Context(), channelName, anchor, typ, id)
	if err != nil {
		code, msg := publishStatus(err)
		writeError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"tstamp": ts})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	channelName, anchor := pathAnchor(r)
	ch, err := s.reg.Get(channelName)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	user, ok := s.authorize(w, r, ch, anchor)
	if !ok {
		return
	}

	recs, err := s.store.ListInstances(r.Context(), channelName, anchor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]delta.Record, 0, len(recs))
	for _, rec := range recs {
		if instance.IsDeleted(rec) {
			continue
		}
		if !deliverable(rec, user) {
			continue
		}
		visible, err := ch.Visible(channel.NewInstanceEnv(rec))
		if err != nil {
			s.log.Error().Err(err).Str("channel", channelName).Msg("visibility check failed")
			continue
		}
		if !visible {
			continue
		}
		out = append(out, withoutUserKey(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// deliverable applies the stored user-key restriction: records saved
// with a key are only readable by that user.
func deliverable(rec delta.Record, user *int64) bool {
	uk, ok := instance.UserKeyOf(rec)
	if !ok {
		return true
	}
	return user != nil && *user == uk
}

// withoutUserKey copies rec for the wire; the key never leaves the
// server.
func withoutUserKey(rec delta.Record) delta.Record {
	if _, ok := rec[instance.KeyUserKey]; !ok {
		return rec
	}
	out := make(delta.Record, len(rec))
	for k, v := range rec {
		if k == instance.KeyUserKey {
			continue
		}
		out[k] = v
	}
	return out
}
