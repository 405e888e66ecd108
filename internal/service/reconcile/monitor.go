package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMonitorInterval = 10 * time.Second
	defaultMonitorChecks   = 180
	defaultMonitorMaxAge   = 30 * time.Minute
)

// Reconciler is the subset of the engine the monitor depends on.
type Reconciler interface {
	Reconcile(ctx context.Context, deploymentID string) error
}

// Monitor is a defense-in-depth watcher registered per deployment: it polls
// the CI server for a specific build and funnels the outcome through the
// engine, which remains the single arbiter of transitions. Each watch
// self-terminates after a bounded number of checks or a wall-clock ceiling.
type Monitor struct {
	engine Reconciler
	builds BuildQuerier
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	interval  time.Duration
	maxChecks int
	maxAge    time.Duration

	mu       sync.Mutex
	resolved map[string]struct{}
	active   map[string]struct{}
}

// NewMonitor constructs a monitor; zero bounds fall back to defaults.
func NewMonitor(engine Reconciler, builds BuildQuerier, logger *slog.Logger, interval time.Duration, maxChecks int, maxAge time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	if maxChecks <= 0 {
		maxChecks = defaultMonitorChecks
	}
	if maxAge <= 0 {
		maxAge = defaultMonitorMaxAge
	}
	if logger != nil {
		logger = logger.With("component", "monitor")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		engine:    engine,
		builds:    builds,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		interval:  interval,
		maxChecks: maxChecks,
		maxAge:    maxAge,
		resolved:  make(map[string]struct{}),
		active:    make(map[string]struct{}),
	}
}

// Watch registers a bounded poll for the given build of a CI job. A watch
// for an already-resolved deployment+build pair, or a duplicate of a running
// one, is a no-op.
func (m *Monitor) Watch(job, deploymentID string, buildNumber int) {
	key := watchKey(deploymentID, buildNumber)
	m.mu.Lock()
	if _, done := m.resolved[key]; done {
		m.mu.Unlock()
		return
	}
	if _, running := m.active[key]; running {
		m.mu.Unlock()
		return
	}
	m.active[key] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(job, deploymentID, buildNumber, key)
}

// Close stops all watches and waits for them to finish.
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) watch(job, deploymentID string, buildNumber int, key string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
	}()

	deadline := time.Now().Add(m.maxAge)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("watch registered", "deployment_id", deploymentID, "job", job, "build", buildNumber)
	for checks := 0; checks < m.maxChecks; checks++ {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			m.logger.Warn("watch expired", "deployment_id", deploymentID, "build", buildNumber)
			return
		}
		if m.check(job, deploymentID, buildNumber, key) {
			return
		}
	}
	m.logger.Warn("watch exhausted check budget", "deployment_id", deploymentID, "build", buildNumber)
}

// check returns true once the build is resolved and handed to the engine.
func (m *Monitor) check(job, deploymentID string, buildNumber int, key string) bool {
	opCtx, cancel := context.WithTimeout(m.ctx, m.interval)
	status, err := m.builds.GetBuild(opCtx, job, buildNumber)
	cancel()
	if err != nil {
		m.logger.Warn("watch query failed", "deployment_id", deploymentID, "build", buildNumber, "error", err)
		return false
	}
	if status.Building || status.Result == "" {
		return false
	}

	m.mu.Lock()
	if _, done := m.resolved[key]; done {
		m.mu.Unlock()
		return true
	}
	m.resolved[key] = struct{}{}
	m.mu.Unlock()

	syncCtx, cancelSync := context.WithTimeout(m.ctx, time.Minute)
	defer cancelSync()
	if err := m.engine.Reconcile(syncCtx, deploymentID); err != nil && !errors.Is(err, ErrSyncInFlight) {
		m.logger.Warn("watch reconcile failed", "deployment_id", deploymentID, "build", buildNumber, "error", err)
	}
	return true
}

func watchKey(deploymentID string, buildNumber int) string {
	return fmt.Sprintf("%s#%d", deploymentID, buildNumber)
}
