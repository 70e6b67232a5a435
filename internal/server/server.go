// Package server exposes the relay over HTTP: JSON publish endpoints,
// snapshots, and the ndjson streaming subscribe protocol.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/statecast-project/statecast/internal/channel"
	"github.com/statecast-project/statecast/internal/hub"
	"github.com/statecast-project/statecast/internal/relay"
	"github.com/statecast-project/statecast/internal/store"
)

type Server struct {
	reg   *channel.Registry
	store store.StateStore
	relay *relay.Relay
	hub   *hub.Hub

	tokens map[string]int64
	clock  func() time.Time
	log    zerolog.Logger
}

// Option configures the server.
type Option func(*Server)

// WithTokens installs the static token → user key map.
func WithTokens(tokens map[string]int64) Option {
	return func(s *Server) { s.tokens = tokens }
}

// WithLogger sets the server's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithClock replaces the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) { s.clock = clock }
}

func New(reg *channel.Registry, st store.StateStore, rl *relay.Relay, h *hub.Hub, opts ...Option) *Server {
	s := &Server{
		reg:    reg,
		store:  st,
		relay:  rl,
		hub:    h,
		tokens: map[string]int64{},
		clock:  time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(requestLogger(s.log))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/channels", s.handleChannels).Methods(http.MethodGet)

	const anchorPath = "/v1/channels/{channel}/anchors/{anchor:-?[0-9]+}"
	r.HandleFunc(anchorPath+"/instances", s.handlePublish).Methods(http.MethodPost)
	r.HandleFunc(anchorPath+"/batch", s.handleBatch).Methods(http.MethodPost)
	r.HandleFunc(anchorPath+"/instances/{type}/{id:-?[0-9]+}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc(anchorPath+"/subscribe", s.handleSubscribe).Methods(http.MethodGet)
	r.HandleFunc(anchorPath, s.handleSnapshot).Methods(http.MethodGet)

	return r
}

// userKey resolves the request's token to a user key. Tokens travel in
// the Authorization header or, for browser EventSource-style clients
// that cannot set headers, in ?token=.
func (s *Server) userKey(r *http.Request) (int64, bool) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			token = t
		}
	}
	if token == "" {
		return 0, false
	}
	key, ok := s.tokens[token]
	return key, ok
}

// authorize runs the token and permission checks shared by every
// non-streaming endpoint. It writes the error response itself and
// reports whether the request may proceed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, ch *channel.Channel, anchor int64) (*int64, bool) {
	user, authed := s.userKey(r)
	if !authed {
		if !ch.Public {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return nil, false
		}
		return nil, true
	}
	ok, err := ch.Allows(channel.AuthEnv{User: user, Anchor: anchor, Channel: ch.Name})
	if err != nil {
		s.log.Error().Err(err).Str("channel", ch.Name).Msg("permission check failed")
		writeError(w, http.StatusInternalServerError, "permission check failed")
		return nil, false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return &user, true
}

func pathAnchor(r *http.Request) (string, int64) {
	vars := mux.Vars(r)
	anchor, _ := strconv.ParseInt(vars["anchor"], 10, 64)
	return vars["channel"], anchor
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusWriter remembers the response code for the request log and
// keeps the underlying Flusher reachable for streaming handlers.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogger(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
