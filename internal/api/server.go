// Package api exposes the scheduling engine over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"appointly/internal/config"
	"appointly/internal/domain"
	"appointly/internal/logging"
	"appointly/internal/metrics"
)

const requestIDHeader = "X-Request-ID"

// Server is the HTTP front of a domain.SchedulingService.
type Server struct {
	cfg    config.APIConfig
	svc    domain.SchedulingService
	auth   *HTTPAuth
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
}

func NewServer(cfg config.APIConfig, svc domain.SchedulingService, logger *zerolog.Logger) *Server {
	l := *logging.Component(logger, "http")
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		auth:   NewHTTPAuth(cfg, l),
		mux:    http.NewServeMux(),
		logger: l,
	}
	s.routes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.handle("GET /api/v1/hosts/{hostID}/booking-types/{typeID}/slots", "slots", PermReadSlots, s.handleSlots)
	s.handle("GET /api/v1/hosts/{hostID}/bookings", "list_bookings", PermReadBookings, s.handleListBookings)
	s.handle("GET /api/v1/hosts/{hostID}/bookings/export", "export_bookings", PermExportBookings, s.handleExport)
	s.handle("POST /api/v1/bookings", "create_booking", PermWriteBookings, s.handleCreateBooking)
	s.handle("GET /api/v1/bookings/{id}", "get_booking", PermReadBookings, s.handleGetBooking)
	s.handle("POST /api/v1/bookings/{id}/respond", "respond_booking", PermManageBookings, s.handleRespond)
	s.handle("POST /api/v1/bookings/{id}/cancel", "cancel_booking", PermWriteBookings, s.handleTransition(s.svc.CancelBooking))
	s.handle("POST /api/v1/bookings/{id}/complete", "complete_booking", PermManageBookings, s.handleTransition(s.svc.CompleteBooking))
	s.handle("POST /api/v1/bookings/{id}/no-show", "no_show_booking", PermManageBookings, s.handleTransition(s.svc.MarkNoShow))
}

// handle registers h behind auth, rate limiting and a request counter.
func (s *Server) handle(pattern, endpoint, permission string, h http.HandlerFunc) {
	counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.IncHTTP(endpoint)
		h(w, r)
	})
	s.mux.Handle(pattern, s.auth.Require(permission, counted))
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return requestIDMiddleware(s.loggingMiddleware(s.recoverMiddleware(s.mux)))
}

func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type ctxKey int

const requestIDKey ctxKey = iota

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		event := s.logger.Info()
		if recorder.status >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event.
			Str("request_id", requestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Str("request_id", requestID(r.Context())).
					Interface("panic", rec).
					Msg("handler panicked")
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorResponse{Error: message})
}

func writeValidation(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Fields: fields})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
