package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gend/internal/session"
	"gend/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error
	Unload(modelID string) error
	Ready() bool
}

// NewMux builds the router: /generate, /models, /status, /unload, /healthz,
// /readyz, /metrics.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(types.ModelsResponse{Models: svc.ListModels()}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		start := time.Now()
		writer := io.Writer(w)
		lvl := requestLogLevel(r)
		if lvl >= LevelDebug {
			writer = io.MultiWriter(w, &loggingLineWriter{})
		}
		rid := middleware.GetReqID(r.Context())
		if lvl >= LevelInfo {
			zlog.Info().Str("request_id", rid).Str("model", req.Model).Msg("generate start")
		}
		// Join server base context with request context so shutdown cancels
		// in-flight work too.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		err := svc.Generate(ctx, req, writer, flush)
		if err == nil {
			if lvl >= LevelInfo {
				zlog.Info().Str("request_id", rid).Int("status", 200).Dur("dur", time.Since(start)).Msg("generate end")
			}
			return
		}
		// Client disconnect or shutdown: the session recorded the
		// interruption; nothing useful to write.
		if session.IsInterrupted(err) || r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			interruptsTotal.Inc()
			if lvl >= LevelInfo {
				zlog.Info().Str("request_id", rid).Dur("dur", time.Since(start)).Msg("generate interrupted")
			}
			return
		}
		status := statusForError(err)
		if status == http.StatusTooManyRequests {
			incrementBackpressure("queue_full")
		}
		writeJSONError(w, status, err.Error())
		if lvl >= LevelInfo || (lvl >= LevelError && status >= 500) {
			zlog.Info().Str("request_id", rid).Int("status", status).Dur("dur", time.Since(start)).Err(err).Msg("generate end")
		}
	})

	r.Post("/unload", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.UnloadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := svc.Unload(req.Model); err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// statusForError maps the session error taxonomy to HTTP status codes.
func statusForError(err error) int {
	switch {
	case session.IsValidation(err), session.IsAwaitingAck(err):
		return http.StatusBadRequest
	case session.IsModelNotFound(err):
		return http.StatusNotFound
	case session.IsBusy(err):
		return http.StatusTooManyRequests
	case session.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case session.IsBackend(err):
		return http.StatusBadGateway
	case session.IsConfig(err):
		return http.StatusInternalServerError
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}
