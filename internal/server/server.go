// Package server implements the stampstore HTTP API on a Chi router with Huma
// operations.
package server

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stampstore/stampstore/internal/alert"
	"github.com/stampstore/stampstore/internal/auth"
	"github.com/stampstore/stampstore/internal/config"
	stamperr "github.com/stampstore/stampstore/internal/errors"
	"github.com/stampstore/stampstore/internal/logging"
	"github.com/stampstore/stampstore/internal/retrieval"
)

// HealthChecker reports whether a dependency is usable.
type HealthChecker func(ctx context.Context) error

// Server is the stampstore HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	svc        *retrieval.Service
	gate       *auth.Gate
	verifier   *auth.Verifier
	checks     map[string]HealthChecker
	httpServer *http.Server
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithHealthCheck adds a named dependency check to /health.
func WithHealthCheck(name string, fn HealthChecker) ServerOption {
	return func(s *Server) {
		s.checks[name] = fn
	}
}

// New creates a Server that answers requests from svc.
func New(cfg *config.Config, svc *retrieval.Service, opts ...ServerOption) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("server: retrieval service is required")
	}
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("stampstore", "1.0.0")
	humaConfig.Info.Description = "Retrieval of alert records and their image stamps."
	humaConfig.DocsPath = "/docs"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		svc:    svc,
		gate:   auth.NewGate(),
		checks: make(map[string]HealthChecker),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Auth.Enabled {
		s.verifier = auth.NewVerifier(cfg.Auth.SecretKey)
	}

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// requestID -> accessLog -> metrics -> commonHeaders -> auth -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	if s.verifier != nil {
		handler = auth.Middleware(s.verifier)(handler)
	}
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	handler = accessLog(handler)
	handler = middleware.RequestID(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// RecordInput holds the query parameters identifying a record.
type RecordInput struct {
	Oid    string `query:"oid" doc:"Object ID"`
	Candid string `query:"candid" doc:"Alert id" example:"1234567890123"`
	Survey string `query:"survey_id" default:"ztf" doc:"Survey ID"`
}

// StampInput holds the query parameters of /get_stamp.
type StampInput struct {
	RecordInput
	Type   string `query:"type" doc:"Stamp type: science, template or difference"`
	Format string `query:"format" doc:"Output format: png or fits"`
}

// FileOutput is a binary attachment.
type FileOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

// InfoOutput carries record metadata.
type InfoOutput struct {
	Body alert.Record
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]HealthCheck `json:"checks,omitempty" doc:"Per-dependency results"`
}

// HealthCheck is one dependency result.
type HealthCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the server and, when enabled, of its dependencies.",
		Tags:        []string{"System"},
	}, s.health)

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Observability.HealthCheck {
		s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s.router.Get("/readyz", s.readyz)
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stamp",
		Method:      http.MethodGet,
		Path:        "/get_stamp",
		Summary:     "Get a stamp",
		Description: "Returns one cutout of an alert as compressed FITS or rendered PNG.",
		Tags:        []string{"Stamps"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, s.getStamp)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-avro-info",
		Method:      http.MethodGet,
		Path:        "/get_avro_info",
		Summary:     "Get record metadata",
		Description: "Returns the alert record without its cutouts.",
		Tags:        []string{"Records"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, s.getAvroInfo)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-avro",
		Method:      http.MethodGet,
		Path:        "/get_avro",
		Summary:     "Get a record",
		Description: "Returns the raw AVRO record.",
		Tags:        []string{"Records"},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, s.getAvro)

	// Multipart uploads are served by Chi directly so the body limit applies
	// before any parsing.
	s.router.Post("/put_avro", s.putAvro)
}

func (s *Server) health(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{Status: http.StatusOK, Body: HealthBody{Status: "ok"}}
	if !s.cfg.Observability.HealthCheck || len(s.checks) == 0 {
		return out, nil
	}
	out.Body.Checks = make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			out.Status = http.StatusServiceUnavailable
			out.Body.Status = "degraded"
			out.Body.Checks[name] = HealthCheck{Status: "error", Error: err.Error()}
			continue
		}
		out.Body.Checks[name] = HealthCheck{Status: "ok"}
	}
	return out, nil
}

// readyz answers 200 with an empty body when every dependency check passes
// and 503 otherwise.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			logging.FromContext(r.Context()).Warn("Readiness check failed", "check", name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getStamp(ctx context.Context, in *StampInput) (*FileOutput, error) {
	if err := s.gate.Allow(ctx, in.Survey, auth.ResourceStamp); err != nil {
		return nil, apiError(ctx, err)
	}
	stamp, err := s.svc.GetStamp(ctx, retrieval.StampRequest{
		Survey: in.Survey,
		Oid:    in.Oid,
		Candid: in.Candid,
		Type:   in.Type,
		Format: in.Format,
	})
	if err != nil {
		return nil, apiError(ctx, err)
	}
	return attachment(stamp), nil
}

func (s *Server) getAvroInfo(ctx context.Context, in *RecordInput) (*InfoOutput, error) {
	if err := s.gate.Allow(ctx, in.Survey, auth.ResourceAvro); err != nil {
		return nil, apiError(ctx, err)
	}
	meta, err := s.svc.GetAvroInfo(ctx, recordRequest(in))
	if err != nil {
		return nil, apiError(ctx, err)
	}
	return &InfoOutput{Body: meta}, nil
}

func (s *Server) getAvro(ctx context.Context, in *RecordInput) (*FileOutput, error) {
	if err := s.gate.Allow(ctx, in.Survey, auth.ResourceAvro); err != nil {
		return nil, apiError(ctx, err)
	}
	avro, err := s.svc.GetAvro(ctx, recordRequest(in))
	if err != nil {
		return nil, apiError(ctx, err)
	}
	return attachment(avro), nil
}

func recordRequest(in *RecordInput) retrieval.RecordRequest {
	return retrieval.RecordRequest{Survey: in.Survey, Oid: in.Oid, Candid: in.Candid}
}

func attachment(f *retrieval.Stamp) *FileOutput {
	return &FileOutput{
		ContentType:        f.ContentType,
		ContentDisposition: mime.FormatMediaType("attachment", map[string]string{"filename": f.Filename}),
		Body:               f.Data,
	}
}

// apiError converts err into a Huma status error. Server-side failures are
// logged with their cause; the client sees only the generic message.
func apiError(ctx context.Context, err error) error {
	se := stamperr.Classify(err)
	log := logging.FromContext(ctx)
	switch {
	case se.HTTPStatus >= http.StatusInternalServerError:
		log.Error("Request failed", "code", se.Code, "error", err)
	case se.HTTPStatus == http.StatusNotFound:
		log.Info("Record not found", "error", err)
	default:
		log.Debug("Request rejected", "code", se.Code, "error", err)
	}
	return huma.NewError(se.HTTPStatus, se.Message)
}
