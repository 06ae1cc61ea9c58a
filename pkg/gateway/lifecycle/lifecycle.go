package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Check reports whether a dependency (the collaborator bus, the journal
// database) is usable.
type Check func(ctx context.Context) error

// Lifecycle is the process state shared across handlers: the draining flag
// set during graceful shutdown and the named readiness checks.
type Lifecycle struct {
	draining atomic.Bool

	mu     sync.RWMutex
	checks map[string]Check
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// AddCheck registers a readiness check under name, replacing any previous one.
func (l *Lifecycle) AddCheck(name string, check Check) {
	if l == nil || check == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.checks == nil {
		l.checks = make(map[string]Check)
	}
	l.checks[name] = check
}

// Issues runs every check and returns one line per failure, sorted by check
// name. Draining is reported as an issue too.
func (l *Lifecycle) Issues(ctx context.Context) []string {
	if l == nil {
		return nil
	}
	var issues []string
	if l.IsDraining() {
		issues = append(issues, "draining")
	}

	l.mu.RLock()
	names := make([]string, 0, len(l.checks))
	for name := range l.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(l.checks))
	for name, c := range l.checks {
		checks[name] = c
	}
	l.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", name, err))
		}
	}
	return issues
}
