package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checkers in the background and caches results so
// probes do not hit dependencies on every request.
type Manager struct {
	checkers map[string]Checker
	results  map[string]CheckResult
	interval time.Duration
	started  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewManager creates a manager that refreshes every interval.
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		checkers: make(map[string]Checker),
		results:  make(map[string]CheckResult),
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Register adds a checker. Names must be unique.
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
		zap.Duration("timeout", c.Timeout()))
	return nil
}

// Start runs one round synchronously, then refreshes in the background.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.Refresh(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-t.C:
				m.Refresh(ctx)
			}
		}
	}()
	m.logger.Info("Health manager started", zap.Duration("check_interval", m.interval))
}

// Stop ends background checking.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

// Refresh runs every checker concurrently and stores the results.
func (m *Manager) Refresh(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = run(ctx, c)
		}(i, c)
	}
	wg.Wait()

	m.mu.Lock()
	for _, r := range results {
		m.results[r.Component] = r
	}
	m.mu.Unlock()

	for _, r := range results {
		if r.Status == StatusUnhealthy {
			m.logger.Warn("Health check failing",
				zap.String("checker", r.Component),
				zap.Bool("critical", r.Critical),
				zap.String("error", r.Error))
		}
	}
}

func run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()
	start := time.Now()
	r := c.Check(ctx)
	r.Component = c.Name()
	r.Critical = c.IsCritical()
	r.Duration = time.Since(start)
	r.Timestamp = start
	return r
}

// Report aggregates the cached results. Only critical failures make the
// service not ready; liveness holds while the process runs.
func (m *Manager) Report() Report {
	m.mu.RLock()
	components := make(map[string]CheckResult, len(m.results))
	for k, v := range m.results {
		components[k] = v
	}
	m.mu.RUnlock()

	rep := Report{Live: true, Timestamp: time.Now(), Components: components}
	if len(components) == 0 {
		rep.Status = StatusUnknown
		rep.Message = "No health checks have run"
		return rep
	}

	var critical, degraded []string
	for name, r := range components {
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			critical = append(critical, name)
		case r.Status != StatusHealthy:
			degraded = append(degraded, name)
		}
	}
	sort.Strings(critical)
	sort.Strings(degraded)

	switch {
	case len(critical) > 0:
		rep.Status = StatusUnhealthy
		rep.Message = fmt.Sprintf("critical components failing: %v", critical)
	case len(degraded) > 0:
		rep.Status = StatusDegraded
		rep.Message = fmt.Sprintf("components degraded: %v", degraded)
		rep.Ready = true
	default:
		rep.Status = StatusHealthy
		rep.Message = fmt.Sprintf("All %d components healthy", len(components))
		rep.Ready = true
	}
	return rep
}
