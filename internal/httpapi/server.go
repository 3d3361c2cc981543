package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"pawzap/internal/push"
	"pawzap/internal/queue"
	"pawzap/internal/resilience"
	"pawzap/internal/session"
	"pawzap/internal/store"
)

// JobPublisher enqueues inbound message jobs. Satisfied by the queue broker.
type JobPublisher interface {
	PublishJob(ctx context.Context, job queue.Job) error
}

// Server exposes the gateway's operational and admin API.
type Server struct {
	router   *mux.Router
	store    *store.Store
	sessions *session.Manager
	push     *push.Manager
	jobs     JobPublisher
	breakers []*resilience.CircuitBreaker

	startedAt time.Time
}

// NewServer wires the HTTP routes. jobs may be nil when no broker is
// configured, which disables the webhook enqueue endpoint. breakers are
// included in the diagnostics endpoint and may be empty.
func NewServer(st *store.Store, sessions *session.Manager, pushManager *push.Manager, jobs JobPublisher, breakers ...*resilience.CircuitBreaker) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		store:     st,
		sessions:  sessions,
		push:      pushManager,
		jobs:      jobs,
		breakers:  breakers,
		startedAt: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	base := alice.New(s.logRequest, s.jsonContentType, s.recoverPanic)

	handle := func(method, path string, h http.HandlerFunc) {
		s.router.Handle(path, base.ThenFunc(h)).Methods(method)
	}

	handle(http.MethodGet, "/health", s.HealthSummary())
	handle(http.MethodGet, "/health/all", s.HealthAll())
	handle(http.MethodGet, "/diagnostics", s.Diagnostics())

	handle(http.MethodPost, "/webhook", s.EnqueueWebhook())

	handle(http.MethodPost, "/admin/organizations", s.CreateOrganization())
	handle(http.MethodGet, "/admin/organizations", s.ListOrganizations())
	handle(http.MethodPut, "/admin/organizations/{orgId}/webhook", s.SetWebhook())
	handle(http.MethodPost, "/admin/organizations/{orgId}/owners", s.AddOwnerNumber())
	handle(http.MethodGet, "/admin/organizations/{orgId}/owners", s.ListOwnerNumbers())
	handle(http.MethodGet, "/admin/organizations/{orgId}/usage", s.UsageSummary())

	handle(http.MethodPost, "/orgs/{orgId}/connect", s.Connect())
	handle(http.MethodPost, "/orgs/{orgId}/disconnect", s.Disconnect())
	handle(http.MethodPost, "/orgs/{orgId}/logout", s.Logout())
	handle(http.MethodPost, "/orgs/{orgId}/restart", s.Restart())
	handle(http.MethodPost, "/orgs/{orgId}/reconnect", s.ForceReconnect())
	handle(http.MethodGet, "/orgs/{orgId}/status", s.SessionStatus())
	handle(http.MethodGet, "/orgs/{orgId}/health", s.SessionHealth())
	handle(http.MethodGet, "/orgs/{orgId}/diagnostics", s.SessionDiagnostics())
	handle(http.MethodGet, "/orgs/{orgId}/pairing-code", s.CurrentCode())
	handle(http.MethodPost, "/orgs/{orgId}/pairing-code", s.RegeneratePairingCode())
	handle(http.MethodGet, "/orgs/{orgId}/reconnect-history", s.ReconnectHistory())
	handle(http.MethodPost, "/orgs/{orgId}/send", s.SendText())
	handle(http.MethodPost, "/orgs/{orgId}/backup", s.BackupSession())
	handle(http.MethodGet, "/orgs/{orgId}/backup/validate", s.ValidateBackup())

	handle(http.MethodGet, "/delivery/status", s.DeliveryStatus())
	handle(http.MethodGet, "/delivery/events/{eventId}", s.DeliveryEventStatus())
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *Server) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Handler panicked")
				s.respondWithJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// respondError maps domain errors to HTTP status codes.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyInitialized):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, session.ErrThrottled):
		status = http.StatusTooManyRequests
	case errors.Is(err, session.ErrCodeExpired):
		status = http.StatusGone
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	}
	s.respondWithJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func orgID(r *http.Request) string {
	return mux.Vars(r)["orgId"]
}
