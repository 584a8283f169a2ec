package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5/middleware"

	stamperr "github.com/stampstore/stampstore/internal/errors"
	"github.com/stampstore/stampstore/internal/logging"
	"github.com/stampstore/stampstore/internal/metrics"
)

// commonHeaders is HTTP middleware that injects the request id and server
// name on every response.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		w.Header().Set("Server", "stampstore")
		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture the HTTP status code
// and the number of bytes written.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

// WriteHeader captures the status code and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

// Flush implements the http.Flusher interface if the underlying ResponseWriter supports it.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

func recorderFor(w http.ResponseWriter) *responseRecorder {
	if rr, ok := w.(*responseRecorder); ok {
		return rr
	}
	return &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

// accessLog attaches a request-scoped logger carrying the request id and
// writes one line per request. /metrics is not logged.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := slog.Default()
		if id := middleware.GetReqID(r.Context()); id != "" {
			log = log.With("request_id", id)
		}
		r = r.WithContext(logging.WithLogger(r.Context(), log))

		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := recorderFor(w)
		next.ServeHTTP(rec, r)

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		log.Info("Request",
			"remote", r.RemoteAddr,
			"method", r.Method,
			"scheme", scheme,
			"path", r.URL.Path,
			"status", rec.statusCode,
			"elapsed", time.Since(start).Seconds(),
		)
	})
}

// metricsMiddleware records Prometheus metrics for each request:
// request count, duration and response size.
// The /metrics endpoint is excluded from self-instrumentation to avoid recursion.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := recorderFor(w)

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		normalizedPath := metrics.NormalizePath(r.URL.Path)
		method := r.Method
		status := strconv.Itoa(rec.statusCode)

		metrics.HTTPRequestsTotal.WithLabelValues(method, normalizedPath, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, normalizedPath).Observe(duration)
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(method, normalizedPath).Observe(float64(rec.bytesWritten))
		}
	})
}

// writeProblem writes err as a problem+json body, matching the errors Huma
// produces for its own operations.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	se := stamperr.Classify(err)
	if se.HTTPStatus >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("Request failed", "path", r.URL.Path, "code", se.Code, "error", err)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(se.HTTPStatus)
	if err := json.NewEncoder(w).Encode(huma.NewError(se.HTTPStatus, se.Message)); err != nil {
		logging.FromContext(r.Context()).Error("Writing error response", "error", err)
	}
}
