package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/pacer/internal/config"
	"github.com/foxzi/pacer/internal/dispatch"
	"github.com/foxzi/pacer/internal/followup"
	"github.com/foxzi/pacer/internal/ipfilter"
	"github.com/foxzi/pacer/internal/jobs"
	"github.com/foxzi/pacer/internal/mailbox"
	"github.com/foxzi/pacer/internal/metrics"
	"github.com/foxzi/pacer/internal/models"
	"github.com/foxzi/pacer/internal/pacing"
	"github.com/foxzi/pacer/internal/progress"
)

// Jobs submits provider-backed batches
type Jobs interface {
	Submit(ctx context.Context, req jobs.Request) (string, error)
	Kinds() []string
}

// Campaigns controls dispatch loops
type Campaigns interface {
	Start(ctx context.Context, campaignID string) (*dispatch.Status, error)
	Resume(ctx context.Context, campaignID string) (*dispatch.Status, error)
	Pause(ctx context.Context, campaignID string) *dispatch.Status
	Cancel(ctx context.Context, campaignID string) *dispatch.Status
	Status(campaignID string) *dispatch.Status
	List() []*dispatch.Status
	Plan(ctx context.Context, campaignID string) (*pacing.Estimate, error)
}

// History reads the send log
type History interface {
	List(ctx context.Context, campaignID string, limit int) ([]models.SendHistoryEntry, error)
}

// Mailboxes lists the configured sending accounts
type Mailboxes interface {
	AllMailboxes(ctx context.Context) ([]models.Mailbox, error)
}

// Quotas exposes the allocator's daily counters
type Quotas interface {
	Stats(ctx context.Context, mailboxes []models.Mailbox) ([]mailbox.Quota, error)
	Reset(ctx context.Context, mailboxID string) error
}

// FollowUps plans and creates follow-up campaigns
type FollowUps interface {
	Preview(ctx context.Context, parentID string, opts followup.Options) (*followup.Plan, error)
	Create(ctx context.Context, parentID string, opts followup.Options) (*followup.Created, error)
}

// Deps are the services behind the API. Campaign routes are mounted only
// when Campaigns is set; mailbox and follow-up routes likewise.
type Deps struct {
	Version   string
	Jobs      Jobs
	Progress  progress.Store
	Campaigns Campaigns
	History   History
	Mailboxes Mailboxes
	Quotas    Quotas
	FollowUps FollowUps
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	filter     *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server. filter may be nil to allow all clients.
func NewServer(deps Deps, cfg *config.APIConfig, filter *ipfilter.Filter, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		filter:    filter,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware)
		r.Use(metrics.HTTPMiddleware)

		r.Post("/batches", s.handleSubmitBatch)
		r.Get("/progress/{id}", s.handleProgress)
		r.Post("/progress/{id}/cancel", s.handleCancelProgress)

		if s.deps.Campaigns != nil {
			r.Get("/campaigns", s.handleListCampaigns)
			r.Route("/campaigns/{id}", func(r chi.Router) {
				r.Get("/", s.handleCampaignStatus)
				r.Post("/start", s.handleCampaignStart)
				r.Post("/pause", s.handleCampaignPause)
				r.Post("/resume", s.handleCampaignResume)
				r.Post("/cancel", s.handleCampaignCancel)
				r.Get("/plan", s.handleCampaignPlan)
				if s.deps.History != nil {
					r.Get("/history", s.handleCampaignHistory)
				}
				if s.deps.FollowUps != nil {
					r.Post("/followup", s.handleFollowUp)
				}
			})
		}

		if s.deps.Quotas != nil && s.deps.Mailboxes != nil {
			r.Get("/mailboxes/quota", s.handleMailboxQuota)
			r.Post("/mailboxes/{id}/reset", s.handleMailboxReset)
		}
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
