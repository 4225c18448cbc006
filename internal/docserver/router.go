// Package docserver exposes a remote.Store over HTTP/JSON. It is the server side of httpstore.
package docserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/remote"
)

const maxBodyBytes = 4 << 20

type Server struct {
	store remote.Store
	token string
	log   *slog.Logger
}

func New(store remote.Store, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, token: token, log: logger}
}

// Router wires the document routes. /healthz is served without authentication.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(s.logRequests, s.authenticate)
	api.HandleFunc("/documents", s.create).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}", s.get).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", s.update).Methods(http.MethodPut)
	api.HandleFunc("/documents/{id}", s.remove).Methods(http.MethodDelete)
	api.HandleFunc("/changes", s.changes).Methods(http.MethodGet)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req remote.UpsertRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.ID = ""
	doc, err := s.store.Upsert(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if doc.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, doc)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	var req remote.UpsertRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.ID = mux.Vars(r)["id"]
	doc, err := s.store.Upsert(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Delete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseInt(q.Get("since"))
	if err != nil {
		s.writeError(w, common.NewAppError("BAD_SINCE", "since must be an integer", remote.ErrInvalid))
		return
	}
	limit, err := parseInt(q.Get("limit"))
	if err != nil || limit < 0 {
		s.writeError(w, common.NewAppError("BAD_LIMIT", "limit must be a non-negative integer", remote.ErrInvalid))
		return
	}
	docs, err := s.store.Changes(r.Context(), since, int(limit))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if docs == nil {
		docs = []remote.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, common.NewAppError("BAD_BODY", "request body is not a valid document", remote.ErrInvalid))
		return false
	}
	return true
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Message: "missing or invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("docserver.request",
			"method", r.Method,
			"path", r.URL.Path,
			"req_id", r.Header.Get("X-Request-ID"),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= 500 {
		s.log.Error("docserver.error", "error", err)
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, remote.ErrStaleRevision):
		return http.StatusConflict, "STALE_REVISION"
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, remote.ErrInvalid):
		return http.StatusBadRequest, "INVALID"
	case errors.Is(err, remote.ErrUnavailable):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
