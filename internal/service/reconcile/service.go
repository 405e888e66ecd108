package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cibofdevs/envpilot-sub000/internal/ci"
	"github.com/cibofdevs/envpilot-sub000/internal/domain"
	"github.com/cibofdevs/envpilot-sub000/internal/repository"
)

const (
	defaultConfirmAttempts = 5
	defaultConfirmDelay    = 2 * time.Second
)

// ErrSyncInFlight is returned when a reconciliation for the same deployment
// is already running; the caller's trigger is redundant, not failed.
var ErrSyncInFlight = errors.New("reconcile: sync already in flight")

// BuildQuerier is the read-only view of the CI server the engine needs.
type BuildQuerier interface {
	GetBuildStatus(ctx context.Context, job string) (*ci.BuildStatus, error)
	GetBuild(ctx context.Context, job string, number int) (*ci.BuildStatus, error)
}

// EventPublisher carries status-change events to consumers.
type EventPublisher interface {
	Publish(evt domain.StatusChangeEvent)
}

// Service reconciles deployment records against the CI server. All sync
// drivers (sweeps, webhook, manual sync, bounded monitor) funnel through
// Reconcile, which serializes work per deployment id.
type Service struct {
	deployments  repository.DeploymentRepository
	projects     repository.ProjectRepository
	environments repository.EnvironmentRepository
	builds       BuildQuerier
	bus          EventPublisher
	logger       *slog.Logger

	confirmAttempts int
	confirmDelay    time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs the reconciliation engine.
func New(deployments repository.DeploymentRepository, projects repository.ProjectRepository, environments repository.EnvironmentRepository, builds BuildQuerier, bus EventPublisher, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "reconcile")
	}
	return &Service{
		deployments:     deployments,
		projects:        projects,
		environments:    environments,
		builds:          builds,
		bus:             bus,
		logger:          logger,
		confirmAttempts: defaultConfirmAttempts,
		confirmDelay:    defaultConfirmDelay,
		inFlight:        make(map[string]struct{}),
		now:             time.Now,
		sleep:           sleepCtx,
	}
}

// SetConfirmPolicy overrides the success confirmation retry budget.
func (s *Service) SetConfirmPolicy(attempts int, delay time.Duration) {
	if attempts > 0 {
		s.confirmAttempts = attempts
	}
	if delay > 0 {
		s.confirmDelay = delay
	}
}

// Reconcile maps the current CI build state onto the deployment record and,
// on a transition into a terminal status, publishes exactly one event. At
// most one reconciliation runs per deployment id at a time; concurrent calls
// for the same id return ErrSyncInFlight without touching storage.
func (s *Service) Reconcile(ctx context.Context, deploymentID string) error {
	if !s.begin(deploymentID) {
		return ErrSyncInFlight
	}
	defer s.finish(deploymentID)

	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("deployment not found, skipping sync", "deployment_id", deploymentID)
			return nil
		}
		return err
	}
	if domain.IsTerminalStatus(deployment.Status) {
		// Idempotent replay: nothing to write, nothing to emit.
		return nil
	}

	project, err := s.projects.GetProjectByID(ctx, deployment.ProjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("project not found, skipping sync", "deployment_id", deploymentID, "project_id", deployment.ProjectID)
			return nil
		}
		return err
	}

	status, err := s.builds.GetBuildStatus(ctx, project.CIJobName)
	if err != nil {
		// Transient: the record is untouched and the next sweep retries.
		s.logger.Warn("build status query failed", "deployment_id", deploymentID, "job", project.CIJobName, "error", err)
		return err
	}

	switch {
	case status.Building:
		return s.markInProgress(ctx, deployment)
	case status.Result == ci.ResultFailure, status.Result == ci.ResultAborted, status.Result == ci.ResultUnstable:
		return s.commitTerminal(ctx, deployment, domain.DeploymentFailed, status)
	case status.Result == ci.ResultSuccess:
		confirmed, latest := s.confirmSuccess(ctx, project.CIJobName, deployment, status)
		if !confirmed {
			s.logger.Warn("success confirmation timed out, committing anyway",
				"deployment_id", deploymentID, "job", project.CIJobName, "build", status.BuildNumber)
		}
		return s.commitTerminal(ctx, deployment, domain.DeploymentSuccess, latest)
	default:
		// No result and not building: treat as still settling, leave the
		// record unchanged for the next cycle.
		return nil
	}
}

// SyncAll reconciles every active deployment, isolating per-id failures.
// It returns the number of deployments considered.
func (s *Service) SyncAll(ctx context.Context) (int, error) {
	active, err := s.deployments.ListDeploymentsByStatus(ctx,
		[]string{domain.DeploymentPending, domain.DeploymentInProgress}, time.Time{})
	if err != nil {
		return 0, err
	}
	for _, deployment := range active {
		if err := s.Reconcile(ctx, deployment.ID); err != nil && !errors.Is(err, ErrSyncInFlight) {
			s.logger.Warn("sync failed", "deployment_id", deployment.ID, "error", err)
		}
	}
	return len(active), nil
}

// begin claims the in-flight slot for a deployment id.
func (s *Service) begin(deploymentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inFlight[deploymentID]; exists {
		return false
	}
	s.inFlight[deploymentID] = struct{}{}
	return true
}

func (s *Service) finish(deploymentID string) {
	s.mu.Lock()
	delete(s.inFlight, deploymentID)
	s.mu.Unlock()
}

// confirmSuccess re-queries the CI server until the reported build number
// matches the deployment's expected build and building is false, bounded by
// the retry budget. It returns whether confirmation succeeded and the most
// recent status observed.
func (s *Service) confirmSuccess(ctx context.Context, job string, deployment *domain.Deployment, first *ci.BuildStatus) (bool, *ci.BuildStatus) {
	if deployment.BuildNumber == nil {
		// No expected build recorded; nothing to match against.
		return true, first
	}
	expected := *deployment.BuildNumber
	latest := first
	if latest.BuildNumber == expected && !latest.Building {
		return true, latest
	}
	for attempt := 1; attempt <= s.confirmAttempts; attempt++ {
		if err := s.sleep(ctx, s.confirmDelay); err != nil {
			return false, latest
		}
		status, err := s.builds.GetBuildStatus(ctx, job)
		if err != nil {
			s.logger.Warn("confirmation query failed", "deployment_id", deployment.ID, "attempt", attempt, "error", err)
			continue
		}
		latest = status
		if status.BuildNumber == expected && !status.Building {
			return true, status
		}
	}
	return false, latest
}

// commitTerminal persists the terminal transition, updates the linked
// environment, and publishes the status-change event. The event fires iff
// the pre-call status was non-terminal; callers reach here only in that
// case, and the in-flight guard keeps this section single-writer per id.
func (s *Service) commitTerminal(ctx context.Context, deployment *domain.Deployment, newStatus string, build *ci.BuildStatus) error {
	completedAt := s.now().UTC()
	update := domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       newStatus,
		CompletedAt:  &completedAt,
	}
	if build != nil {
		if deployment.BuildNumber == nil && build.BuildNumber > 0 {
			number := build.BuildNumber
			update.BuildNumber = &number
		}
		update.BuildURL = build.URL
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return err
	}

	envStatus := domain.EnvironmentOnline
	if newStatus == domain.DeploymentFailed {
		envStatus = domain.EnvironmentError
	}
	if err := s.environments.UpdateEnvironmentStatus(ctx, deployment.EnvironmentID, envStatus); err != nil {
		s.logger.Warn("environment status update failed",
			"deployment_id", deployment.ID, "environment_id", deployment.EnvironmentID, "error", err)
	}

	recordTransition(newStatus)
	s.logger.Info("deployment completed",
		"deployment_id", deployment.ID, "old_status", deployment.Status, "new_status", newStatus)

	if s.bus != nil {
		s.bus.Publish(domain.StatusChangeEvent{
			DeploymentID: deployment.ID,
			OldStatus:    deployment.Status,
			NewStatus:    newStatus,
			OccurredAt:   completedAt,
		})
	}
	return nil
}

// markInProgress persists pending -> in_progress; no event is ever emitted
// for a non-terminal transition.
func (s *Service) markInProgress(ctx context.Context, deployment *domain.Deployment) error {
	if deployment.Status != domain.DeploymentPending {
		return nil
	}
	update := domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       domain.DeploymentInProgress,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return err
	}
	s.logger.Info("deployment building", "deployment_id", deployment.ID)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
