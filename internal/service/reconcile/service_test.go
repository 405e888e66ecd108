package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cibofdevs/envpilot-sub000/internal/ci"
	"github.com/cibofdevs/envpilot-sub000/internal/domain"
	"github.com/cibofdevs/envpilot-sub000/internal/repository"
)

func TestReconcileBuildingMarksInProgress(t *testing.T) {
	deployment := pendingDeployment()
	depRepo := newFakeDeploymentRepo(deployment)
	bus := &recordingBus{}
	svc := newTestService(depRepo, bus, queueCI(ci.BuildStatus{BuildNumber: 12, Building: true}))

	if err := svc.Reconcile(context.Background(), deployment.ID); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	stored := depRepo.get(deployment.ID)
	if stored.Status != domain.DeploymentInProgress {
		t.Fatalf("expected status %q, got %q", domain.DeploymentInProgress, stored.Status)
	}
	if got := bus.count(); got != 0 {
		t.Fatalf("expected no events for non-terminal transition, got %d", got)
	}
}

func TestReconcileBuildingIsIdempotentForInProgress(t *testing.T) {
	deployment := pendingDeployment()
	deployment.Status = domain.DeploymentInProgress
	depRepo := newFakeDeploymentRepo(deployment)
	svc := newTestService(depRepo, &recordingBus{}, queueCI(ci.BuildStatus{BuildNumber: 12, Building: true}))

	if err := svc.Reconcile(context.Background(), deployment.ID); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if depRepo.updates() != 0 {
		t.Fatalf("expected no status updates, got %d", depRepo.updates())
	}
}

func TestReconcileFailureCommitsFailedAndEmitsOnce(t *testing.T) {
	deployment := pendingDeployment()
	deployment.Status = domain.DeploymentInProgress
	depRepo := newFakeDeploymentRepo(deployment)
	envRepo := &fakeEnvironmentRepo{}
	bus := &recordingBus{}
	svc := newTestService(depRepo, bus, queueCI(ci.BuildStatus{BuildNumber: 12, Result: ci.ResultFailure, URL: "http://jenkins/job/app/12/"}))
	svc.environments = envRepo

	if err := svc.Reconcile(context.Background(), deployment.ID); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	stored := depRepo.get(deployment.ID)
	if stored.Status != domain.DeploymentFailed {
		t.Fatalf("expected status %q, got %q", domain.DeploymentFailed, stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
	if stored.BuildNumber == nil || *stored.BuildNumber != 12 {
		t.Fatalf("expected build number 12 to be attached, got %v", stored.BuildNumber)
	}
	if envRepo.lastStatus != domain.EnvironmentError {
		t.Fatalf("expected environment status %q, got %q", domain.EnvironmentError, envRepo.lastStatus)
	}
	events := bus.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	if events[0].OldStatus != domain.DeploymentInProgress || events[0].NewStatus != domain.DeploymentFailed {
		t.Fatalf("unexpected event transition %q -> %q", events[0].OldStatus, events[0].NewStatus)
	}
}

func TestReconcileMapsAbortedAndUnstableToFailed(t *testing.T) {
	for _, result := range []string{ci.ResultAborted, ci.ResultUnstable} {
		deployment := pendingDeployment()
		depRepo := newFakeDeploymentRepo(deployment)
		svc := newTestService(depRepo, &recordingBus{}, queueCI(ci.BuildStatus{BuildNumber: 3, Result: result}))

		if err := svc.Reconcile(context.Background(), deployment.ID); err != nil {
			t.Fatalf("%s: Reconcile returned error: %v", result, err)
		}
		if got := depRepo.get(deployment.ID).Status; got != domain.DeploymentFailed {
			t.Fatalf("%s: expected status %q, got %q", result, domain.DeploymentFailed, got)
		}
	}
}

func TestReconcileSuccessConfirmsExpectedBuild(t *testing.T) {
	deployment := pendingDeployment()
	deployment.Status = domain.DeploymentInProgress
	expected := 8
	deployment.BuildNumber = &expected
	depRepo := newFakeDeploymentRepo(deployment)
	envRepo := &fakeEnvironmentRepo{}
	bus := &recordingBus{}

	// The first answer still shows the previous build; the engine must
	// re-query until the expected build settles.
	builds := queueCI(
		ci.BuildStatus{BuildNumber: 7, Result: ci.ResultSuccess},
		ci.BuildStatus{BuildNumber: 8, Building: true},
		ci.BuildStatus{BuildNumber: 8, Result: ci.ResultSuccess},
	)
	svc := newTestService(depRepo, bus, builds)
	svc.environments = envRepo
	sleeps := instrumentSleep(svc)

	if err := svc.Reconcile(context.Background(), deployment.ID); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	stored := depRepo.get(deployment.ID)
	if stored.Status != domain.DeploymentSuccess {
		t.Fatalf("expected status %q, got %q", domain.DeploymentSuccess, stored.Status)
	}
	if envRepo.lastStatus != domain.EnvironmentOnline {
		t.Fatalf("expected environment status %q, got %q", domain.EnvironmentOnline, envRepo.lastStatus)
	}
	if got := *sleeps; got != 2 {
		t.Fatalf("expected 2 confirmation waits, got %d", got)
	}
	if got := bus.count(); got != 1 {
		t.Fatalf("expected exactly one event, got %d", got)
	}
}

func TestReconcileSuccessConfirmationTimeoutStillCommits(t *testing.T) {
	deployment := pendingDeployment()
	expected := 9
	deployment.BuildNumber = &expected
	depRepo := newFakeDeploymentRepo(deployment)
	bus := &recordingBus{}

	// The CI server keeps reporting an older build; confirmation exhausts
	// its budget and the engine commits success regardless.
	svc := newTestService(depRepo, bus, queueCI(ci.BuildStatus{BuildNumber: 8, Result: ci.ResultSuccess}))
	svc.SetConfirmPolicy(3, time.Millisecond)
	sleeps := instrumentSleep(svc)

	if err := svc.Reconcile(context.Background(), deployment.ID); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if got := depRepo.get(deployment.ID).Status; got != domain.DeploymentSuccess {
		t.Fatalf("expected status %q, got %q", domain.DeploymentSuccess, got)
	}
	if got := *sleeps; got != 3 {
		t.Fatalf("expected confirmation to exhaust 3 attempts, got %d", got)
	}
	if got := bus.count(); got != 1 {
		t.Fatalf("expected exactly one event, got %d", got)
	}
}

func TestReconcileSuccessWithoutExpectedBuildSkipsConfirmation(t *testing.T) {
	deployment := pendingDeployment()
	depRepo := newFakeDeploymentRepo(deployment)
	svc := newTestService(depRepo, &recordingBus{}, queueCI(ci.BuildStatus{BuildNumber: 5, Result: ci.ResultSuccess}))
	sleeps := instrumentSleep(svc)

	if err := svc.Reconcile(context.Background(), deployment.ID); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if got := *sleeps; got != 0 {
		t.Fatalf("expected no confirmation waits, got %d", got)
	}
	stored := depRepo.get(deployment.ID)
	if stored.BuildNumber == nil || *stored.BuildNumber != 5 {
		t.Fatalf("expected observed build 5 to be attached, got %v", stored.BuildNumber)
	}
}

func TestReconcileTerminalDeploymentIsNoOp(t *testing.T) {
	deployment := pendingDeployment()
	deployment.Status = domain.DeploymentSuccess
	depRepo := newFakeDeploymentRepo(deployment)
	builds := queueCI(ci.BuildStatus{BuildNumber: 4, Result: ci.ResultFailure})
	bus := &recordingBus{}
	svc := newTestService(depRepo, bus, builds)

	if err := svc.Reconcile(context.Background(), deployment.ID); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if depRepo.updates() != 0 {
		t.Fatalf("expected no updates for terminal deployment, got %d", depRepo.updates())
	}
	if builds.calls() != 0 {
		t.Fatalf("expected no CI queries for terminal deployment, got %d", builds.calls())
	}
	if got := bus.count(); got != 0 {
		t.Fatalf("expected no events on replay, got %d", got)
	}
}

func TestReconcileCIErrorLeavesRecordUntouched(t *testing.T) {
	deployment := pendingDeployment()
	depRepo := newFakeDeploymentRepo(deployment)
	bus := &recordingBus{}
	builds := &fakeCI{err: errors.New("connection refused")}
	svc := newTestService(depRepo, bus, builds)

	err := svc.Reconcile(context.Background(), deployment.ID)
	if err == nil {
		t.Fatal("expected error from CI query")
	}
	if depRepo.updates() != 0 {
		t.Fatalf("expected no updates on CI failure, got %d", depRepo.updates())
	}
	if got := bus.count(); got != 0 {
		t.Fatalf("expected no events on CI failure, got %d", got)
	}
}

func TestReconcileUnknownDeploymentIsNoOp(t *testing.T) {
	depRepo := newFakeDeploymentRepo(nil)
	svc := newTestService(depRepo, &recordingBus{}, queueCI())

	if err := svc.Reconcile(context.Background(), uuid.NewString()); err != nil {
		t.Fatalf("expected nil for unknown deployment, got %v", err)
	}
}

func TestReconcileNoResultNotBuildingLeavesRecord(t *testing.T) {
	deployment := pendingDeployment()
	depRepo := newFakeDeploymentRepo(deployment)
	svc := newTestService(depRepo, &recordingBus{}, queueCI(ci.BuildStatus{BuildNumber: 2}))

	if err := svc.Reconcile(context.Background(), deployment.ID); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if depRepo.updates() != 0 {
		t.Fatalf("expected no updates while build is settling, got %d", depRepo.updates())
	}
}

func TestReconcileConcurrentSameIDReturnsInFlight(t *testing.T) {
	deployment := pendingDeployment()
	deployment.Status = domain.DeploymentInProgress
	depRepo := newFakeDeploymentRepo(deployment)
	bus := &recordingBus{}

	entered := make(chan struct{})
	release := make(chan struct{})
	builds := &fakeCI{
		statusFn: func() (*ci.BuildStatus, error) {
			close(entered)
			<-release
			return &ci.BuildStatus{BuildNumber: 12, Result: ci.ResultFailure}, nil
		},
	}
	svc := newTestService(depRepo, bus, builds)

	done := make(chan error, 1)
	go func() {
		done <- svc.Reconcile(context.Background(), deployment.ID)
	}()
	<-entered

	if err := svc.Reconcile(context.Background(), deployment.ID); !errors.Is(err, ErrSyncInFlight) {
		t.Fatalf("expected ErrSyncInFlight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Reconcile returned error: %v", err)
	}
	if depRepo.updates() != 1 {
		t.Fatalf("expected exactly one update, got %d", depRepo.updates())
	}
	if got := bus.count(); got != 1 {
		t.Fatalf("expected exactly one event, got %d", got)
	}
}

func TestReconcileEmitsAtMostOncePerTerminalTransition(t *testing.T) {
	deployment := pendingDeployment()
	depRepo := newFakeDeploymentRepo(deployment)
	bus := &recordingBus{}
	svc := newTestService(depRepo, bus, queueCI(
		ci.BuildStatus{BuildNumber: 12, Result: ci.ResultFailure},
		ci.BuildStatus{BuildNumber: 12, Result: ci.ResultFailure},
	))

	for i := 0; i < 3; i++ {
		if err := svc.Reconcile(context.Background(), deployment.ID); err != nil {
			t.Fatalf("Reconcile returned error: %v", err)
		}
	}
	if got := bus.count(); got != 1 {
		t.Fatalf("expected one event across replays, got %d", got)
	}
}

func TestSyncAllIsolatesPerDeploymentFailures(t *testing.T) {
	broken := pendingDeployment()
	healthy := pendingDeployment()
	depRepo := newFakeDeploymentRepo(broken, healthy)
	bus := &recordingBus{}

	builds := &fakeCI{
		statusFn: func() (*ci.BuildStatus, error) {
			return nil, errors.New("boom")
		},
	}
	projects := &fakeProjectRepo{failFor: map[string]bool{}}
	svc := newTestService(depRepo, bus, builds)
	svc.projects = projects

	// First pass: every CI query fails, nothing is written.
	count, err := svc.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll returned error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 deployments considered, got %d", count)
	}
	if depRepo.updates() != 0 {
		t.Fatalf("expected no updates when CI is down, got %d", depRepo.updates())
	}

	// Second pass: CI recovers, both commit independently.
	builds.setStatusFn(func() (*ci.BuildStatus, error) {
		return &ci.BuildStatus{BuildNumber: 1, Result: ci.ResultSuccess}, nil
	})
	if _, err := svc.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll returned error: %v", err)
	}
	if got := depRepo.get(broken.ID).Status; got != domain.DeploymentSuccess {
		t.Fatalf("expected %q, got %q", domain.DeploymentSuccess, got)
	}
	if got := depRepo.get(healthy.ID).Status; got != domain.DeploymentSuccess {
		t.Fatalf("expected %q, got %q", domain.DeploymentSuccess, got)
	}
	if got := bus.count(); got != 2 {
		t.Fatalf("expected one event per deployment, got %d", got)
	}
}

func TestSyncAllPropagatesListError(t *testing.T) {
	depRepo := newFakeDeploymentRepo(nil)
	depRepo.listErr = errors.New("db down")
	svc := newTestService(depRepo, &recordingBus{}, queueCI())

	if _, err := svc.SyncAll(context.Background()); err == nil {
		t.Fatal("expected list error to propagate")
	}
}

func pendingDeployment() *domain.Deployment {
	return &domain.Deployment{
		ID:            uuid.NewString(),
		ProjectID:     uuid.NewString(),
		EnvironmentID: uuid.NewString(),
		TriggeredByID: uuid.NewString(),
		Version:       "v1.2.3",
		Status:        domain.DeploymentPending,
		CreatedAt:     time.Now().UTC(),
	}
}

func newTestService(depRepo *fakeDeploymentRepo, bus EventPublisher, builds BuildQuerier) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := New(depRepo, &fakeProjectRepo{}, &fakeEnvironmentRepo{}, builds, bus, logger)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc
}

func instrumentSleep(svc *Service) *int {
	count := new(int)
	svc.sleep = func(context.Context, time.Duration) error {
		*count++
		return nil
	}
	return count
}

type fakeDeploymentRepo struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
	updateCalls int
	listErr     error
}

func newFakeDeploymentRepo(deployments ...*domain.Deployment) *fakeDeploymentRepo {
	repo := &fakeDeploymentRepo{deployments: make(map[string]*domain.Deployment)}
	for _, d := range deployments {
		if d != nil {
			copied := *d
			repo.deployments[d.ID] = &copied
		}
	}
	return repo
}

func (f *fakeDeploymentRepo) get(id string) domain.Deployment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.deployments[id]
}

func (f *fakeDeploymentRepo) updates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCalls
}

func (f *fakeDeploymentRepo) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *deployment
	f.deployments[deployment.ID] = &copied
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *deployment
	return &copied, nil
}

func (f *fakeDeploymentRepo) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	f.updateCalls++
	deployment.Status = update.Status
	if update.BuildNumber != nil {
		deployment.BuildNumber = update.BuildNumber
	}
	if update.BuildURL != "" {
		deployment.BuildURL = update.BuildURL
	}
	if update.CompletedAt != nil {
		deployment.CompletedAt = update.CompletedAt
	}
	return nil
}

func (f *fakeDeploymentRepo) AttachBuild(_ context.Context, deploymentID string, buildNumber int, buildURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	deployment, ok := f.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if deployment.BuildNumber == nil {
		deployment.BuildNumber = &buildNumber
		deployment.BuildURL = buildURL
	}
	return nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByStatus(_ context.Context, statuses []string, createdAfter time.Time) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	wanted := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var out []domain.Deployment
	for _, d := range f.deployments {
		if !wanted[d.Status] {
			continue
		}
		if !createdAfter.IsZero() && d.CreatedAt.Before(createdAfter) {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByProject(_ context.Context, projectID string, _ int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, d := range f.deployments {
		if d.ProjectID == projectID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) FindDeploymentByProjectAndBuild(_ context.Context, projectID string, buildNumber int) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deployments {
		if d.ProjectID == projectID && d.BuildNumber != nil && *d.BuildNumber == buildNumber {
			copied := *d
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

type fakeProjectRepo struct {
	failFor map[string]bool
}

func (f *fakeProjectRepo) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	if f.failFor[projectID] {
		return nil, errors.New("lookup failed")
	}
	return &domain.Project{ID: projectID, Name: "app", CIJobName: "app-job"}, nil
}

func (f *fakeProjectRepo) GetProjectByCIJob(_ context.Context, jobName string) (*domain.Project, error) {
	return &domain.Project{ID: uuid.NewString(), Name: "app", CIJobName: jobName}, nil
}

func (f *fakeProjectRepo) ListProjectMembers(context.Context, string) ([]domain.User, error) {
	return nil, nil
}

type fakeEnvironmentRepo struct {
	mu         sync.Mutex
	lastStatus string
	updateErr  error
}

func (f *fakeEnvironmentRepo) GetEnvironmentByID(_ context.Context, environmentID string) (*domain.Environment, error) {
	return &domain.Environment{ID: environmentID, Name: "staging"}, nil
}

func (f *fakeEnvironmentRepo) UpdateEnvironmentStatus(_ context.Context, _ string, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.lastStatus = status
	return nil
}

type fakeCI struct {
	mu       sync.Mutex
	queue    []ci.BuildStatus
	queries  int
	err      error
	statusFn func() (*ci.BuildStatus, error)
}

func queueCI(statuses ...ci.BuildStatus) *fakeCI {
	return &fakeCI{queue: statuses}
}

func (f *fakeCI) setStatusFn(fn func() (*ci.BuildStatus, error)) {
	f.mu.Lock()
	f.statusFn = fn
	f.mu.Unlock()
}

func (f *fakeCI) GetBuildStatus(_ context.Context, _ string) (*ci.BuildStatus, error) {
	f.mu.Lock()
	fn := f.statusFn
	f.mu.Unlock()
	if fn != nil {
		f.mu.Lock()
		f.queries++
		f.mu.Unlock()
		return fn()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.queue) == 0 {
		return nil, errors.New("no status queued")
	}
	status := f.queue[0]
	if len(f.queue) > 1 {
		f.queue = f.queue[1:]
	}
	return &status, nil
}

func (f *fakeCI) GetBuild(ctx context.Context, job string, _ int) (*ci.BuildStatus, error) {
	return f.GetBuildStatus(ctx, job)
}

func (f *fakeCI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.StatusChangeEvent
}

func (b *recordingBus) Publish(evt domain.StatusChangeEvent) {
	b.mu.Lock()
	b.events = append(b.events, evt)
	b.mu.Unlock()
}

func (b *recordingBus) snapshot() []domain.StatusChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.StatusChangeEvent(nil), b.events...)
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
