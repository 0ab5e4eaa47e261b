// Package httpapi serves session status, layer bookkeeping and Prometheus
// metrics over HTTP.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"layerstream/internal/session"
	"layerstream/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
// *session.Group satisfies it.
type Service interface {
	Models() []types.Model
	Status() types.StatusResponse
	Ready() bool
	Get(id string) (*session.Session, bool)
	Collector() prometheus.Collector
}

// Options configures NewMux.
type Options struct {
	Logger *zerolog.Logger
	// LogLevel is the default request log level: off, error, info or debug.
	// Empty reads LAYERSTREAM_HTTP_LOG.
	LogLevel string
	// DisableRuntimeMetrics leaves the Go and process collectors out of
	// /metrics.
	DisableRuntimeMetrics bool
}

func NewMux(svc Service, opts Options) http.Handler {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "httpapi").Logger()
	}
	lvl := defaultLogLevel
	if opts.LogLevel != "" {
		lvl = parseLevel(opts.LogLevel)
	}

	reg := prometheus.NewRegistry()
	hm := newHTTPMetrics(reg)
	reg.MustRegister(svc.Collector())
	if !opts.DisableRuntimeMetrics {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log, lvl))
	r.Use(hm.middleware)
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"models": svc.Models()})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	})

	r.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		s, ok := svc.Get(chi.URLParam(r, "id"))
		if !ok {
			writeJSONError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeJSON(w, s.Status())
	})

	r.Get("/sessions/{id}/layers/{layer}", func(w http.ResponseWriter, r *http.Request) {
		s, ok := svc.Get(chi.URLParam(r, "id"))
		if !ok {
			writeJSONError(w, http.StatusNotFound, "unknown session")
			return
		}
		n, err := strconv.ParseUint(chi.URLParam(r, "layer"), 10, 32)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "layer must be a non-negative integer")
			return
		}
		info, err := s.Loader().Info(types.LayerIndex(n))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, info)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no open sessions"))
	})

	r.Get("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP)

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
