// Package httpapi exposes a local status surface for the media engine:
// progress queries, preload triggers, network signal updates, a progress
// event stream and Prometheus metrics. Intended for debugging and
// instrumentation, not as a public API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/tunecast/mediaload/internal/loader"
	"github.com/tunecast/mediaload/internal/metrics"
	"github.com/tunecast/mediaload/internal/netclass"
)

// Coordinator is the slice of the load manager the server depends on.
type Coordinator interface {
	Preload(asset loader.Asset, prio loader.Priority)
	GetProgress(key string) (loader.Progress, bool)
	Subscribe(key string, fn loader.ListenerFunc) func()
	Wait(ctx context.Context, key string) error
}

type Server struct {
	coord      Coordinator
	key        loader.KeyFunc
	classifier *netclass.Classifier
	metrics    *metrics.Metrics

	janitorExpr string

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithClassifier(c *netclass.Classifier) Option {
	return func(s *Server) {
		s.classifier = c
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithJanitorSchedule surfaces the sweep schedule on the health endpoint.
func WithJanitorSchedule(expr string) Option {
	return func(s *Server) {
		s.janitorExpr = expr
	}
}

func NewServer(coord Coordinator, key loader.KeyFunc, opts ...Option) *Server {
	s := &Server{
		coord: coord,
		key:   key,
		mux:   http.NewServeMux(),
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
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/preload", s.handlePreload)
	s.mux.HandleFunc("/api/progress", s.handleProgress)
	s.mux.HandleFunc("/api/progress/stream", s.handleProgressStream)
	s.mux.HandleFunc("/api/network", s.handleNetwork)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
}
