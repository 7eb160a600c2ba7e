package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foxzi/pacer/internal/ipfilter"
)

const (
	defaultAddr = ":9090"
	defaultPath = "/metrics"
)

// Server exposes the registry of a Metrics instance for scraping
type Server struct {
	m      *Metrics
	addr   string
	path   string
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a scrape endpoint on addr; empty addr and path use :9090 and /metrics
func NewServer(m *Metrics, addr, path string, logger *slog.Logger) *Server {
	s := &Server{m: m, addr: addr, path: path, logger: logger}
	if s.addr == "" {
		s.addr = defaultAddr
	}
	if s.path == "" {
		s.path = defaultPath
	}
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler serves the scrape path and a plain liveness probe
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.m.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	return mux
}

// Restrict limits scraping to the networks of f
func (s *Server) Restrict(f *ipfilter.Filter) {
	s.srv.Handler = f.Middleware(s.Handler())
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("metrics endpoint listening", "addr", s.addr, "path", s.path)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
