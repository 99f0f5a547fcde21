package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MimeLyc/docbatch/internal/config"
	"github.com/MimeLyc/docbatch/internal/jobs"
)

// jobService is the part of the engine the API drives.
type jobService interface {
	Create(ctx context.Context, req jobs.CreateRequest) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, filter jobs.ListFilter) ([]*jobs.Job, int, error)
	Queue(ctx context.Context, id string) (*jobs.Job, error)
	Pause(ctx context.Context, id string) (*jobs.Job, error)
	Resume(ctx context.Context, id string) (*jobs.Job, error)
	Cancel(ctx context.Context, id string) (*jobs.Job, error)
	Delete(ctx context.Context, id string) error
	Stats() jobs.Stats
	QueuedIDs() map[jobs.Priority][]string
}

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type runtimeSettingsApplier func(next config.RuntimeSettings) error

type healthCheck func(ctx context.Context) error

type Server struct {
	engine   jobService
	settings runtimeSettingsStore
	apply    runtimeSettingsApplier
	health   healthCheck
	metrics  http.Handler

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithRuntimeSettingsApplier(apply runtimeSettingsApplier) Option {
	return func(s *Server) {
		s.apply = apply
	}
}

// WithHealthCheck makes /healthz report the result of check, usually a store ping.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(s *Server) {
		s.health = check
	}
}

func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func NewServer(engine jobService, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/", s.handleJob)
	s.mux.HandleFunc("/api/queue", s.handleQueue)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
}
