package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"confsync/internal/config"
	"confsync/internal/ics"
	appLog "confsync/internal/log"
	"confsync/internal/metrics"
	"confsync/internal/model"
	"confsync/internal/observable"
	"confsync/internal/roomstatus"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// SyncController is the part of the schedule coordinator the API drives.
type SyncController interface {
	TriggerSync(ctx context.Context) bool
	InProgress() bool
	Progress() *observable.Value[int]
	Outcome() *observable.Value[*observable.Consumable[model.SyncOutcome]]
}

// EventLister reads stored events. dayKey is "YYYY-MM-DD" or "" for all days.
type EventLister interface {
	Events(ctx context.Context, dayKey string) ([]*model.Event, error)
}

// Deps are the components served over HTTP.
type Deps struct {
	Sync   SyncController
	Events EventLister

	// Rooms is the day-window gated room status value. The server keeps
	// one subscription on it while Start runs.
	Rooms *observable.Value[model.RoomStatuses]

	// RoomState optionally reports the poller state next to the rooms.
	RoomState func() roomstatus.State

	Calendar ics.Options
}

// Server provides HTTP APIs for schedule synchronization, the stored
// schedule and live room status.
type Server struct {
	cfg    *config.Config
	deps   Deps
	router chi.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
	}
	s.router = s.routes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
		LoggingMiddleware,
	)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.cfg != nil && s.cfg.BasicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
			r.Use(s.basicAuthMiddleware)
		}

		r.Post("/sync", s.handleTriggerSync)
		r.Get("/sync", s.handleSyncStatus)
		r.Get("/sync/outcome", s.handleSyncOutcome)
		r.Get("/schedule", s.handleSchedule)
		r.Get("/schedule.ics", s.handleCalendar)
		r.Get("/rooms", s.handleRooms)
	})
	return r
}

// LoggingMiddleware logs every request and records API metrics.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", elapsed.String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// basicAuthMiddleware wraps the API routes with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="confsync", charset="UTF-8"`)
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

// Start keeps the room status pipeline active and serves HTTP on
// cfg.Listen until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.deps.Rooms != nil {
		_, unsubscribe := s.deps.Rooms.Subscribe()
		defer unsubscribe()
	}

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	appLog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type syncStatusResponse struct {
	Progress   int  `json:"progress"`
	InProgress bool `json:"in_progress"`
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Sync.TriggerSync(r.Context()) {
		writeError(w, http.StatusConflict, "sync already in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, syncStatusResponse{
		Progress:   s.deps.Sync.Progress().Get(),
		InProgress: true,
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, syncStatusResponse{
		Progress:   s.deps.Sync.Progress().Get(),
		InProgress: s.deps.Sync.InProgress(),
	})
}

type outcomeResponse struct {
	Kind  string `json:"kind"`
	Count int    `json:"count,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleSyncOutcome hands out the last outcome once; later calls get 204
// until the next run ends.
func (s *Server) handleSyncOutcome(w http.ResponseWriter, _ *http.Request) {
	c := s.deps.Sync.Outcome().Get()
	if c == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	outcome, ok := c.Consume()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	resp := outcomeResponse{Kind: outcome.Kind.String(), Count: outcome.Count}
	if outcome.Err != nil {
		resp.Error = outcome.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type scheduleResponse struct {
	Day    string         `json:"day,omitempty"`
	Events []*model.Event `json:"events"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	day, ok := dayParam(w, r)
	if !ok {
		return
	}
	events, err := s.deps.Events.Events(r.Context(), day)
	if err != nil {
		appLog.Error("api schedule: list events failed", err, "day", day)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*model.Event{}
	}
	writeJSON(w, http.StatusOK, scheduleResponse{Day: day, Events: events})
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	day, ok := dayParam(w, r)
	if !ok {
		return
	}
	events, err := s.deps.Events.Events(r.Context(), day)
	if err != nil {
		appLog.Error("api calendar: list events failed", err, "day", day)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="schedule.ics"`)
	w.WriteHeader(http.StatusOK)
	if err := ics.Export(w, events, s.deps.Calendar); err != nil {
		appLog.Error("api calendar: write failed", err)
	}
}

type roomStateDTO struct {
	State       string     `json:"state"`
	Attempt     int        `json:"attempt,omitempty"`
	NextRefresh *time.Time `json:"next_refresh,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	InFlight    bool       `json:"in_flight"`
}

type roomsResponse struct {
	Rooms  model.RoomStatuses `json:"rooms"`
	Poller *roomStateDTO      `json:"poller,omitempty"`
}

// handleRooms reports the current gated room statuses. Reading the value
// does not subscribe to it, so requests never start polling by themselves.
func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	resp := roomsResponse{Rooms: model.RoomStatuses{}}
	if s.deps.Rooms != nil {
		if rooms := s.deps.Rooms.Get(); rooms != nil {
			resp.Rooms = rooms
		}
	}
	if s.deps.RoomState != nil {
		st := s.deps.RoomState()
		resp.Poller = &roomStateDTO{
			State:       st.Kind.String(),
			Attempt:     st.Attempt,
			NextRefresh: timePtr(st.NextRefresh),
			ExpiresAt:   timePtr(st.ExpiresAt),
			InFlight:    st.InFlight,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// dayParam validates the optional ?day= query parameter. It writes a 400
// response and returns false if the value is not a date.
func dayParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	day := r.URL.Query().Get("day")
	if day == "" {
		return "", true
	}
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
		return "", false
	}
	return day, true
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
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
