package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"taskcal/internal/config"
	appLog "taskcal/internal/log"
	"taskcal/internal/model"
	"taskcal/internal/recurrence"
	"taskcal/internal/store"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Store is the persistence the API reads and writes through.
type Store interface {
	Snapshot(ctx context.Context) ([]model.Definition, []model.Task, error)
	GetDefinition(ctx context.Context, id string) (model.Definition, error)
	CreateDefinition(ctx context.Context, def model.Definition) (model.Definition, error)
	DeleteDefinition(ctx context.Context, id string) error
	UpdateSchedule(ctx context.Context, id string, sched store.Schedule) (int, error)
	UpsertOverride(ctx context.Context, parentID string, natural time.Time, p store.OverridePatch) (model.Override, error)
	CompleteOccurrence(ctx context.Context, parentID string, natural, at time.Time) (model.Override, error)
	CancelOccurrence(ctx context.Context, parentID string, natural time.Time) error
	CreateTask(ctx context.Context, t model.Task) (model.Task, error)
	CompleteTask(ctx context.Context, id string, at time.Time) error
}

// Server provides the HTTP API over the store and the engine.
type Server struct {
	cfg    *config.Config
	store  Store
	engine *recurrence.Engine
	loc    *time.Location
	mux    *http.ServeMux
	now    func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, st Store, engine *recurrence.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		engine: engine,
		loc:    resolveLocationOrUTC(cfg.Timezone),
		mux:    http.NewServeMux(),
		now:    time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler, wrapped in basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="taskcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLog.Error("HTTP shutdown failed", err)
		}
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/instances", s.handleInstances)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)

	s.mux.HandleFunc("POST /api/definitions", s.handleCreateDefinition)
	s.mux.HandleFunc("GET /api/definitions/{id}", s.handleGetDefinition)
	s.mux.HandleFunc("DELETE /api/definitions/{id}", s.handleDeleteDefinition)
	s.mux.HandleFunc("PUT /api/definitions/{id}/schedule", s.handleUpdateSchedule)
	s.mux.HandleFunc("PATCH /api/definitions/{id}/occurrences/{date}", s.handleEditOccurrence)
	s.mux.HandleFunc("POST /api/definitions/{id}/occurrences/{date}/complete", s.handleCompleteOccurrence)
	s.mux.HandleFunc("POST /api/definitions/{id}/occurrences/{date}/cancel", s.handleCancelOccurrence)

	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleCompleteTask)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrUTC(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", name)
		return time.UTC
	}
	return loc
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// writeStoreError maps store and engine sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, op string, err error) {
	var ruleErr *recurrence.RuleError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidKey),
		errors.Is(err, store.ErrInvalidDefinition),
		errors.Is(err, recurrence.ErrInvalidWindow),
		errors.As(err, &ruleErr):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("api: "+op+" failed", err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}
