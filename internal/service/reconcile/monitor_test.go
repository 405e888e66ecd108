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
)

func TestMonitorResolvesBuildAndTriggersSync(t *testing.T) {
	engine := &recordingEngine{}
	builds := &scriptedBuilds{statuses: []ci.BuildStatus{
		{BuildNumber: 4, Building: true},
		{BuildNumber: 4, Result: ci.ResultSuccess},
	}}
	monitor := newTestMonitor(engine, builds)
	defer monitor.Close()

	deploymentID := uuid.NewString()
	monitor.Watch("app-job", deploymentID, 4)

	waitFor(t, func() bool { return engine.calls() == 1 })
	if got := engine.lastID(); got != deploymentID {
		t.Fatalf("expected sync for %s, got %s", deploymentID, got)
	}
}

func TestMonitorDuplicateWatchIsNoOp(t *testing.T) {
	engine := &recordingEngine{}
	block := make(chan struct{})
	builds := &scriptedBuilds{hold: block}
	monitor := newTestMonitor(engine, builds)

	deploymentID := uuid.NewString()
	monitor.Watch("app-job", deploymentID, 9)
	monitor.Watch("app-job", deploymentID, 9)

	monitor.mu.Lock()
	active := len(monitor.active)
	monitor.mu.Unlock()
	if active != 1 {
		t.Fatalf("expected a single active watch, got %d", active)
	}
	close(block)
	monitor.Close()
}

func TestMonitorResolvedWatchIsNotReRegistered(t *testing.T) {
	engine := &recordingEngine{}
	builds := &scriptedBuilds{statuses: []ci.BuildStatus{{BuildNumber: 2, Result: ci.ResultFailure}}}
	monitor := newTestMonitor(engine, builds)
	defer monitor.Close()

	deploymentID := uuid.NewString()
	monitor.Watch("app-job", deploymentID, 2)
	waitFor(t, func() bool { return engine.calls() == 1 })

	// The pair is resolved; a late duplicate trigger must not start a
	// second watch or a second sync.
	monitor.Watch("app-job", deploymentID, 2)
	time.Sleep(20 * time.Millisecond)
	if got := engine.calls(); got != 1 {
		t.Fatalf("expected one sync after resolution, got %d", got)
	}
}

func TestMonitorStopsAfterCheckBudget(t *testing.T) {
	engine := &recordingEngine{}
	builds := &scriptedBuilds{statuses: []ci.BuildStatus{{BuildNumber: 1, Building: true}}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	monitor := NewMonitor(engine, builds, logger, time.Millisecond, 3, time.Minute)
	defer monitor.Close()

	monitor.Watch("app-job", uuid.NewString(), 1)
	waitFor(t, func() bool { return builds.queries() >= 3 })
	waitFor(t, func() bool {
		monitor.mu.Lock()
		defer monitor.mu.Unlock()
		return len(monitor.active) == 0
	})
	if got := engine.calls(); got != 0 {
		t.Fatalf("expected no sync for an unresolved build, got %d", got)
	}
}

func TestMonitorCloseStopsWatches(t *testing.T) {
	engine := &recordingEngine{}
	builds := &scriptedBuilds{statuses: []ci.BuildStatus{{BuildNumber: 1, Building: true}}}
	monitor := newTestMonitor(engine, builds)

	monitor.Watch("app-job", uuid.NewString(), 1)
	monitor.Close()

	monitor.mu.Lock()
	active := len(monitor.active)
	monitor.mu.Unlock()
	if active != 0 {
		t.Fatalf("expected no active watches after close, got %d", active)
	}
}

func newTestMonitor(engine Reconciler, builds BuildQuerier) *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMonitor(engine, builds, logger, time.Millisecond, 1000, time.Minute)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type recordingEngine struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingEngine) Reconcile(_ context.Context, deploymentID string) error {
	e.mu.Lock()
	e.ids = append(e.ids, deploymentID)
	e.mu.Unlock()
	return nil
}

func (e *recordingEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ids)
}

func (e *recordingEngine) lastID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.ids) == 0 {
		return ""
	}
	return e.ids[len(e.ids)-1]
}

type scriptedBuilds struct {
	mu       sync.Mutex
	statuses []ci.BuildStatus
	count    int
	hold     chan struct{}
}

func (s *scriptedBuilds) GetBuild(_ context.Context, _ string, _ int) (*ci.BuildStatus, error) {
	if s.hold != nil {
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if len(s.statuses) == 0 {
		return nil, errors.New("no status scripted")
	}
	status := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return &status, nil
}

func (s *scriptedBuilds) GetBuildStatus(ctx context.Context, job string) (*ci.BuildStatus, error) {
	return s.GetBuild(ctx, job, 0)
}

func (s *scriptedBuilds) queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
