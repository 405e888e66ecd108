package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cibofdevs/envpilot-sub000/internal/domain"
	"github.com/cibofdevs/envpilot-sub000/internal/repository"
)

const (
	defaultFullInterval = 15 * time.Second
	defaultFastInterval = 10 * time.Second
	defaultFastWindow   = 5 * time.Minute
	sweepTimeout        = 60 * time.Second
)

// Sweeper drives periodic reconciliation: a full sweep over every active
// deployment and a fast sweep restricted to recently created ones. Both run
// independently and may overlap with webhook- or user-triggered syncs; the
// engine's in-flight guard makes that safe.
type Sweeper struct {
	service     *Service
	deployments repository.DeploymentRepository
	logger      *slog.Logger

	fullInterval time.Duration
	fastInterval time.Duration
	fastWindow   time.Duration

	now func() time.Time
}

// NewSweeper constructs a sweeper; zero intervals fall back to defaults.
func NewSweeper(service *Service, deployments repository.DeploymentRepository, logger *slog.Logger, fullInterval, fastInterval, fastWindow time.Duration) *Sweeper {
	if fullInterval <= 0 {
		fullInterval = defaultFullInterval
	}
	if fastInterval <= 0 {
		fastInterval = defaultFastInterval
	}
	if fastWindow <= 0 {
		fastWindow = defaultFastWindow
	}
	if logger != nil {
		logger = logger.With("component", "sweeper")
	}
	return &Sweeper{
		service:      service,
		deployments:  deployments,
		logger:       logger,
		fullInterval: fullInterval,
		fastInterval: fastInterval,
		fastWindow:   fastWindow,
		now:          time.Now,
	}
}

// Run executes both sweep loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	full := time.NewTicker(s.fullInterval)
	defer full.Stop()
	fast := time.NewTicker(s.fastInterval)
	defer fast.Stop()

	s.logger.Info("sweeper started", "full_interval", s.fullInterval, "fast_interval", s.fastInterval, "fast_window", s.fastWindow)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-full.C:
			s.sweep(ctx, "full", time.Time{})
		case <-fast.C:
			s.sweep(ctx, "fast", s.now().Add(-s.fastWindow))
		}
	}
}

// sweep reconciles all active deployments, optionally restricted to ones
// created after the cutoff. One bad record never blocks the rest.
func (s *Sweeper) sweep(parent context.Context, kind string, createdAfter time.Time) {
	opCtx, cancel := context.WithTimeout(parent, sweepTimeout)
	defer cancel()

	active, err := s.deployments.ListDeploymentsByStatus(opCtx,
		[]string{domain.DeploymentPending, domain.DeploymentInProgress}, createdAfter)
	if err != nil {
		s.logger.Warn("failed to list active deployments", "sweep", kind, "error", err)
		return
	}
	for _, deployment := range active {
		if err := s.service.Reconcile(opCtx, deployment.ID); err != nil {
			if errors.Is(err, ErrSyncInFlight) {
				continue
			}
			s.logger.Warn("sweep reconcile failed", "sweep", kind, "deployment_id", deployment.ID, "error", err)
		}
	}
}
