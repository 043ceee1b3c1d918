// Package dispatcher is the top-level HTTP entrypoint: method gating,
// health checks, and turning a request path plus query string into an
// Orchestrator.Serve call.
package dispatcher

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/erfianugrah/edgevideo-proxy/internal/apierror"
	"github.com/erfianugrah/edgevideo-proxy/internal/derivative"
	"github.com/erfianugrah/edgevideo-proxy/internal/options"
)

// Orchestrator is the subset of orchestrator.Orchestrator the dispatcher
// depends on, kept as an interface so tests can substitute a stub.
type Orchestrator interface {
	Serve(w http.ResponseWriter, r *http.Request, sourcePath string, opts options.TransformOptions)
}

// Handler is the top-level http.Handler.
type Handler struct {
	Orchestrator Orchestrator
	Derivatives  *derivative.Registry
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		apierror.Write(w, apierror.New(apierror.KindValidation, http.StatusMethodNotAllowed, "only GET and HEAD are supported"))
		return
	}

	sourcePath := r.URL.Path
	if sourcePath == "" || sourcePath == "/" {
		apierror.Write(w, apierror.New(apierror.KindValidation, http.StatusBadRequest, "missing source path"))
		return
	}

	var resolveDerivative func(imwidth, imheight, imref string) string
	if h.Derivatives != nil {
		resolveDerivative = h.Derivatives.Resolve
	}

	opts, err := options.Parse(r.URL.Query(), resolveDerivative)
	if err != nil {
		apierror.Write(w, apierror.New(apierror.KindValidation, http.StatusBadRequest, err.Error()))
		return
	}

	if r.Method == http.MethodHead {
		w = &headResponseWriter{ResponseWriter: w}
	}

	if opts.Debug {
		writeDebugView(w, sourcePath, opts)
		return
	}

	h.Orchestrator.Serve(w, r, sourcePath, opts)
}

// headResponseWriter passes headers and the status line through unchanged
// but discards the body, so a HEAD request reaches the orchestrator's
// normal hit/miss/fallback code paths — exercising the same cache and
// header logic — without ever sending response bytes over the wire.
type headResponseWriter struct {
	http.ResponseWriter
}

func (h *headResponseWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

// statusRecorder captures the status code written so logging middleware
// can record it after the handler chain returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs one structured line per request: method, path,
// status, duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"cache", rec.Header().Get("X-Cache"),
		)
	})
}
