// Package fakeremote is an in-memory implementation of the authoritative
// remote API used by tests, the scenario harness and `fieldsync fake-remote`.
//
// It assigns sequential server ids, honors Idempotency-Key (a replayed
// mutation returns the original response without applying it again), runs
// pluggable validators, and supports fault injection.
package fakeremote

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/remote"
)

// ErrValidation is returned by validators to reject a payload with 422.
var ErrValidation = errors.New("validation failed")

// Validator inspects an incoming create or update. id is "" for creates.
// Returning an error wrapping ErrValidation yields 422; any other error 409.
type Validator func(view View, id string, payload map[string]any) error

// View is a read-only view of the server tables handed to validators.
type View interface {
	Get(entityType, id string) (map[string]any, bool)
	List(entityType string) []map[string]any
}

// RequestLogEntry records one request the server handled.
type RequestLogEntry struct {
	Method         string `json:"method" yaml:"method"`
	Path           string `json:"path" yaml:"path"`
	IdempotencyKey string `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`
	Status         int    `json:"status" yaml:"status"`
	Replayed       bool   `json:"replayed,omitempty" yaml:"replayed,omitempty"`
	Injected       bool   `json:"injected,omitempty" yaml:"injected,omitempty"`
}

type cachedResponse struct {
	status int
	body   []byte
}

// Server is the fake API. The zero value is not usable; call New.
type Server struct {
	mu         sync.Mutex
	tables     map[string]map[string]map[string]any
	nextID     int64
	idem       map[string]cachedResponse
	validators map[string][]Validator
	failures   []int
	offline    bool
	log        []RequestLogEntry
	logger     *slog.Logger
	router     chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithValidator registers v for entityType.
func WithValidator(entityType string, v Validator) Option {
	return func(s *Server) {
		s.validators[entityType] = append(s.validators[entityType], v)
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		tables:     make(map[string]map[string]map[string]any),
		idem:       make(map[string]cachedResponse),
		validators: make(map[string][]Validator),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", s.health)
	r.Head("/healthz", s.health)

	r.Route("/v1/{entityType}", func(r chi.Router) {
		r.Use(s.faults)
		r.Post("/", s.create)
		r.Get("/", s.list)
		r.Get("/{id}", s.get)
		r.Put("/{id}", s.update)
		r.Delete("/{id}", s.remove)
	})

	return r
}

// FailNext makes the next n API requests fail with status without being applied.
func (s *Server) FailNext(n int, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, status)
	}
}

// SetOffline makes every request, health checks included, fail at the
// connection level until SetOffline(false).
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Seed stores entity under a fresh server id and returns the id.
func (s *Server) Seed(entityType string, entity map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.allocateID()
	stored := cloneMap(entity)
	stored["id"] = id
	s.table(entityType)[id] = stored
	return id
}

// Entities returns the stored entities of entityType ordered by numeric id.
func (s *Server) Entities(entityType string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(entityType)
}

// Count returns the number of stored entities of entityType.
func (s *Server) Count(entityType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[entityType])
}

// Requests returns a copy of the request log.
func (s *Server) Requests() []RequestLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RequestLogEntry, len(s.log))
	copy(out, s.log)
	return out
}

// lockedView is handed to validators while s.mu is held.
type lockedView struct{ s *Server }

// Get implements View.
func (v lockedView) Get(entityType, id string) (map[string]any, bool) {
	e, ok := v.s.tables[entityType][id]
	if !ok {
		return nil, false
	}
	return cloneMap(e), true
}

// List implements View.
func (v lockedView) List(entityType string) []map[string]any {
	return v.s.listLocked(entityType)
}

func (s *Server) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		offline := s.offline
		var injected int
		if !offline && len(s.failures) > 0 {
			injected = s.failures[0]
			s.failures = s.failures[1:]
		}
		s.mu.Unlock()

		if offline {
			s.dropConnection(w, r)
			return
		}
		if injected != 0 {
			s.record(r, injected, false, true)
			writeError(w, injected, http.StatusText(injected))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	offline := s.offline
	s.mu.Unlock()
	if offline {
		s.dropConnection(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// dropConnection closes the TCP connection without a response so clients
// observe a transport failure. Falls back to 503 when hijacking is unsupported.
func (s *Server) dropConnection(w http.ResponseWriter, r *http.Request) {
	s.record(r, 0, false, true)
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
			return
		}
	}
	writeError(w, http.StatusServiceUnavailable, "offline")
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	s.mutate(w, r, func() (int, any) {
		payload, err := decodeObject(r.Body)
		if err != nil {
			return http.StatusBadRequest, errorBody(err.Error())
		}
		if status, err := s.validate(entityType, "", payload); err != nil {
			return status, errorBody(err.Error())
		}
		id := s.allocateID()
		payload["id"] = id
		s.table(entityType)[id] = payload
		return http.StatusCreated, payload
	})
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "id")
	s.mutate(w, r, func() (int, any) {
		if _, ok := s.tables[entityType][id]; !ok {
			return http.StatusNotFound, errorBody("not found")
		}
		payload, err := decodeObject(r.Body)
		if err != nil {
			return http.StatusBadRequest, errorBody(err.Error())
		}
		if status, err := s.validate(entityType, id, payload); err != nil {
			return status, errorBody(err.Error())
		}
		payload["id"] = id
		s.table(entityType)[id] = payload
		return http.StatusOK, payload
	})
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "id")
	s.mutate(w, r, func() (int, any) {
		if _, ok := s.tables[entityType][id]; !ok {
			return http.StatusNotFound, errorBody("not found")
		}
		delete(s.tables[entityType], id)
		return http.StatusNoContent, nil
	})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	entity, ok := s.tables[entityType][id]
	var body []byte
	if ok {
		body, _ = json.Marshal(entity)
	}
	s.mu.Unlock()

	if !ok {
		s.record(r, http.StatusNotFound, false, false)
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.record(r, http.StatusOK, false, false)
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	entities := s.Entities(entityType)
	body, _ := json.Marshal(entities)
	s.record(r, http.StatusOK, false, false)
	writeRaw(w, http.StatusOK, body)
}

// mutate applies fn under the lock, honoring the idempotency cache. Only
// successful responses are cached so a rejected request can be corrected and
// resent with the same key.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, fn func() (int, any)) {
	key := r.Header.Get(remote.IdempotencyHeader)
	cacheKey := r.Method + " " + key

	s.mu.Lock()
	if key != "" {
		if cached, ok := s.idem[cacheKey]; ok {
			s.mu.Unlock()
			s.record(r, cached.status, true, false)
			writeRaw(w, cached.status, cached.body)
			return
		}
	}
	status, v := fn()
	var body []byte
	if v != nil {
		body, _ = json.Marshal(v)
	}
	if key != "" && status < 300 {
		s.idem[cacheKey] = cachedResponse{status: status, body: body}
	}
	s.mu.Unlock()

	s.record(r, status, false, false)
	writeRaw(w, status, body)
}

// validate runs registered validators. Must be called with s.mu held.
func (s *Server) validate(entityType, id string, payload map[string]any) (int, error) {
	for _, v := range s.validators[entityType] {
		if err := v(lockedView{s: s}, id, payload); err != nil {
			if errors.Is(err, ErrValidation) {
				return http.StatusUnprocessableEntity, err
			}
			return http.StatusConflict, err
		}
	}
	return 0, nil
}

func (s *Server) record(r *http.Request, status int, replayed, injected bool) {
	entry := RequestLogEntry{
		Method:         r.Method,
		Path:           r.URL.Path,
		IdempotencyKey: r.Header.Get(remote.IdempotencyHeader),
		Status:         status,
		Replayed:       replayed,
		Injected:       injected,
	}
	s.mu.Lock()
	s.log = append(s.log, entry)
	s.mu.Unlock()
	s.logger.Debug("fake remote request", "method", entry.Method, "path", entry.Path, "status", status, "replayed", replayed)
}

func (s *Server) table(entityType string) map[string]map[string]any {
	t, ok := s.tables[entityType]
	if !ok {
		t = make(map[string]map[string]any)
		s.tables[entityType] = t
	}
	return t
}

func (s *Server) allocateID() string {
	s.nextID++
	return strconv.FormatInt(s.nextID, 10)
}

func (s *Server) listLocked(entityType string) []map[string]any {
	t := s.tables[entityType]
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.ParseInt(ids[i], 10, 64)
		b, errB := strconv.ParseInt(ids[j], 10, 64)
		if errA != nil || errB != nil {
			return ids[i] < ids[j]
		}
		return a < b
	})
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneMap(t[id]))
	}
	return out
}

func decodeObject(body io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	v, err := model.DecodePayload(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("payload must be a JSON object")
	}
	return obj, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errorResponse {
	return errorResponse{Error: msg}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	body, _ := json.Marshal(errorBody(msg))
	writeRaw(w, status, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	if len(body) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}
