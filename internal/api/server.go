// Package api exposes the evaluation service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/p-n-ai/pai-eval/internal/evaluation"
	"github.com/p-n-ai/pai-eval/internal/i18n"
	"github.com/p-n-ai/pai-eval/internal/stats"
)

// Check reports whether a dependency is ready to serve.
type Check func(ctx context.Context) error

// Config holds dependencies for the HTTP server.
type Config struct {
	Service    *evaluation.Service
	Aggregator stats.Aggregator
	// Hub feeds /api/stats/live. It must also be registered as an event
	// logger on Service for updates to flow.
	Hub *Hub
	// Checks run on /readyz, keyed by dependency name.
	Checks map[string]Check
	// AdminTokenHash is the bcrypt hash of the admin token. Admin routes are
	// disabled when empty.
	AdminTokenHash string
	Language       string
	Now            func() time.Time
}

// Server is the HTTP front-end.
type Server struct {
	svc       *evaluation.Service
	agg       stats.Aggregator
	hub       *Hub
	checks    map[string]Check
	adminHash []byte
	lang      string
	now       func() time.Time
	validate  *validator.Validate
}

// NewServer creates a server.
func NewServer(cfg Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	lang := cfg.Language
	if lang == "" {
		lang = i18n.DefaultLanguage
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		svc:       cfg.Service,
		agg:       cfg.Aggregator,
		hub:       hub,
		checks:    cfg.Checks,
		adminHash: []byte(cfg.AdminTokenHash),
		lang:      lang,
		now:       now,
		validate:  validate,
	}
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(i18n.Middleware(s.lang))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/grades", s.handleGrades)
		r.Get("/teachers", s.handleTeachers)
		r.Get("/questions/{tier}", s.handleQuestions)

		r.Route("/students/{student}", func(r chi.Router) {
			r.Post("/session", s.handleStart)
			r.Get("/session", s.handleResume)
			r.Delete("/session", s.handleDiscard)
			r.Post("/session/answer", s.handleAnswer)
			r.Post("/session/next", s.handleNext)
			r.Post("/session/previous", s.handlePrevious)
			r.Post("/session/submit", s.handleSubmit)
			r.Get("/grades/{grade}/progress", s.handleProgress)
		})

		r.Route("/stats", func(r chi.Router) {
			r.Get("/", s.handleReport)
			r.Get("/teachers/{teacher}", s.handleTeacherStats)
			r.Get("/export.xlsx", s.handleExport)
			r.Get("/live", s.handleLive)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Delete("/evaluations", s.handleClearAll)
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// pathParam returns a URL parameter with percent-encoding removed.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// errorMapping ties each service error to a status and a message id.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{evaluation.ErrInvalidStudent, http.StatusBadRequest, "ErrInvalidStudent"},
	{evaluation.ErrUnknownGrade, http.StatusBadRequest, "ErrUnknownGrade"},
	{evaluation.ErrNotFound, http.StatusNotFound, "ErrNotFound"},
	{evaluation.ErrSessionClosed, http.StatusConflict, "ErrSessionClosed"},
	{evaluation.ErrNavigationBlocked, http.StatusConflict, "ErrNavigationBlocked"},
	{evaluation.ErrIncomplete, http.StatusConflict, "ErrIncomplete"},
	{evaluation.ErrInvalidRating, http.StatusUnprocessableEntity, "ErrInvalidRating"},
	{evaluation.ErrDataUnavailable, http.StatusServiceUnavailable, "ErrDataUnavailable"},
	{evaluation.ErrPersistence, http.StatusServiceUnavailable, "ErrPersistence"},
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError {
				slog.Warn("request failed", "path", r.URL.Path, "error", err)
			}
			writeJSON(w, m.status, errorBody{Error: m.code, Message: i18n.T(r.Context(), m.code)})
			return
		}
	}
	slog.Error("unexpected request error", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "ErrInternal", Message: i18n.T(r.Context(), "ErrInternal")})
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "ErrBadRequest",
			Message: i18n.T(r.Context(), "ErrBadRequest"),
			Fields:  map[string]string{"body": err.Error()},
		})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		body := errorBody{Error: "ErrBadRequest", Message: i18n.T(r.Context(), "ErrBadRequest"), Fields: map[string]string{}}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				body.Fields[fe.Field()] = fe.Tag()
			}
		}
		writeJSON(w, http.StatusBadRequest, body)
		return false
	}
	return true
}
