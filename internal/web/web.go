package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"eventrotator/internal/config"
	"eventrotator/internal/ics"
	appLog "eventrotator/internal/log"
	"eventrotator/internal/metrics"
	"eventrotator/internal/model"
	"eventrotator/internal/rotation"
)

// Refresher is the snapshot source behind the API. refresh.Scheduler
// satisfies it.
type Refresher interface {
	Current() (model.Snapshot, bool)
	Trigger(ctx context.Context) model.Snapshot
}

// Server provides HTTP APIs for the merged timeline, the rotation state and
// the same-origin feed relay.
type Server struct {
	cfg       *config.Config
	mux       *http.ServeMux
	refresher Refresher
	rotation  *rotation.State
	metrics   *metrics.Recorder
	relay     http.Handler
}

// NewServer constructs a new Server. rec and relay may be nil, which
// leaves /metrics and the relay mount unregistered.
func NewServer(cfg *config.Config, refresher Refresher, rot *rotation.State, rec *metrics.Recorder, relay http.Handler) *Server {
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		refresher: refresher,
		rotation:  rot,
		metrics:   rec,
		relay:     relay,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	return accessLog(h)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health, /metrics and the
// relay mount with HTTP Basic Auth. The relay is exempt because the
// aggregator calls it without credentials.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password
	mount := s.cfg.Relay.Mount

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if p == "/health" || p == "/metrics" || strings.HasPrefix(p, mount+"/") {
			next.ServeHTTP(w, r)
			return
		}

		u, pw, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(pw, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="EventRotator", charset="UTF-8"`)
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

// StartServer serves s on cfg.Listen until ctx is canceled, then shuts
// down gracefully.
func StartServer(ctx context.Context, cfg *config.Config, s *Server) error {
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Fetch.Timeout + 15*time.Second,
		MaxHeaderBytes:    64 << 10,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events.ics", s.handleEventsICS)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)

	s.mux.HandleFunc("GET /api/rotation", s.handleRotation)
	s.mux.HandleFunc("POST /api/rotation/toggle", s.handleRotationToggle)
	s.mux.HandleFunc("POST /api/rotation/next", s.handleRotationNext)
	s.mux.HandleFunc("POST /api/rotation/select", s.handleRotationSelect)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.relay != nil {
		s.mux.Handle(s.cfg.Relay.Mount+"/", s.relay)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type occurrenceDTO struct {
	SourceID    string    `json:"source_id"`
	UID         string    `json:"uid"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	URL         string    `json:"url,omitempty"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

type rotationResponse struct {
	rotation.View
	Current *occurrenceDTO `json:"current,omitempty"`
}

type eventsResponse struct {
	Generation  uint64           `json:"generation"`
	GeneratedAt time.Time        `json:"generated_at"`
	Occurrences []occurrenceDTO  `json:"occurrences"`
	Feeds       model.FeedStatus `json:"feeds"`
	Error       string           `json:"error,omitempty"`
	Rotation    rotationResponse `json:"rotation"`
}

func toDTO(o model.Occurrence) occurrenceDTO {
	return occurrenceDTO{
		SourceID:    o.SourceID,
		UID:         o.UID,
		Summary:     o.Summary,
		Description: o.Description,
		Location:    o.Location,
		URL:         o.URL,
		AllDay:      o.AllDay,
		Start:       o.Start,
		End:         o.End,
	}
}

func (s *Server) eventsBody(snap model.Snapshot) eventsResponse {
	dtos := make([]occurrenceDTO, 0, len(snap.Occurrences))
	for _, o := range snap.Occurrences {
		dtos = append(dtos, toDTO(o))
	}
	return eventsResponse{
		Generation:  snap.Generation,
		GeneratedAt: snap.GeneratedAt,
		Occurrences: dtos,
		Feeds:       snap.Status,
		Error:       snap.Err,
		Rotation:    s.rotationBody(),
	}
}

func (s *Server) rotationBody() rotationResponse {
	v := s.rotation.View()
	resp := rotationResponse{View: v}
	if v.Current != nil {
		dto := toDTO(*v.Current)
		resp.Current = &dto
	}
	return resp
}

// snapshot returns the current snapshot, answering 503 until the first
// refresh cycle has finished.
func (s *Server) snapshot(w http.ResponseWriter) (model.Snapshot, bool) {
	snap, ok := s.refresher.Current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "feeds not loaded yet")
	}
	return snap, ok
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.eventsBody(snap))
}

func (s *Server) handleEventsICS(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	body := ics.Export("eventrotator", snap.Occurrences, snap.GeneratedAt)
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="events.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	appLog.Info("api refresh requested")
	// The cycle outlives the request; a client hanging up must not abort it.
	snap := s.refresher.Trigger(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, s.eventsBody(snap))
}

func (s *Server) handleRotation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rotationBody())
}

func (s *Server) handleRotationToggle(w http.ResponseWriter, _ *http.Request) {
	s.rotation.Toggle()
	writeJSON(w, http.StatusOK, s.rotationBody())
}

func (s *Server) handleRotationNext(w http.ResponseWriter, _ *http.Request) {
	s.rotation.Next()
	writeJSON(w, http.StatusOK, s.rotationBody())
}

func (s *Server) handleRotationSelect(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(r.URL.Query().Get("i"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "query parameter i must be an integer")
		return
	}
	if !s.rotation.Select(i) {
		writeError(w, http.StatusBadRequest, "index out of range")
		return
	}
	writeJSON(w, http.StatusOK, s.rotationBody())
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

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		appLog.Debug("access",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration", time.Since(start),
		)
	})
}

// responseWriter catches the status code for logging.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
