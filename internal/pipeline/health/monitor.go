package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/rpcworker/internal/core/domain"
	"github.com/vietddude/rpcworker/internal/infra/storage"
	"github.com/vietddude/rpcworker/internal/pipeline/metrics"
)

// Checker reports whether a dependency is reachable.
type Checker interface {
	Health(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Health(ctx context.Context) error { return f(ctx) }

type component struct {
	name     string
	checker  Checker
	critical bool
}

// Monitor aggregates health status from registered dependencies and the dead
// letter backlog.
type Monitor struct {
	components   []component
	deadLetters  storage.DeadLetterRepository
	backlogLimit int
	cacheFor     time.Duration
	lastCheck    time.Time
	lastReport   *HealthReport
	mu           sync.Mutex
}

// NewMonitor creates a new health monitor. A pending dead letter backlog
// above backlogLimit degrades the worker; 0 disables the check.
func NewMonitor(deadLetters storage.DeadLetterRepository, backlogLimit int) *Monitor {
	return &Monitor{
		deadLetters:  deadLetters,
		backlogLimit: backlogLimit,
		cacheFor:     5 * time.Second,
	}
}

// Register adds a dependency. A failing critical dependency makes the worker
// critical; any other failure only degrades it.
func (m *Monitor) Register(name string, checker Checker, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component{name: name, checker: checker, critical: critical})
	m.lastReport = nil
}

// CheckHealth checks every registered dependency.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid hammering dependencies
	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheFor {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.components)),
	}

	for _, c := range m.components {
		h := ComponentHealth{Name: c.name, Status: StatusHealthy, Critical: c.critical}
		if err := c.checker.Health(ctx); err != nil {
			h.Error = err.Error()
			h.Status = StatusDegraded
			if c.critical {
				h.Status = StatusCritical
			}
		}
		report.Components[c.name] = h
		report.SystemStatus = worst(report.SystemStatus, h.Status)
	}

	if m.deadLetters != nil {
		count, err := m.deadLetters.Count(ctx, domain.DeadLetterStatusPending)
		if err == nil {
			report.DeadLettersPending = count
			metrics.DeadLettersPending.Set(float64(count))
			if m.backlogLimit > 0 && count > m.backlogLimit {
				report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
			}
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}

func worst(a, b SystemStatus) SystemStatus {
	rank := func(s SystemStatus) int {
		switch s {
		case StatusCritical:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
