package health

import (
	"sort"
	"sync"
)

// Checker reports the current health of one component.
type Checker func() Status

// Monitor aggregates the health of registered components.
type Monitor struct {
	name string

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewMonitor returns a monitor reporting as name.
func NewMonitor(name string) *Monitor {
	return &Monitor{
		name:     name,
		checkers: make(map[string]Checker),
	}
}

// Register adds or replaces the checker for component.
func (m *Monitor) Register(component string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[component] = c
}

// Remove drops a component.
func (m *Monitor) Remove(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, component)
}

// Check runs every checker and aggregates the results, ordered by
// component name.
func (m *Monitor) Check() Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for n := range m.checkers {
		names = append(names, n)
	}
	checkers := make([]Checker, 0, len(names))
	sort.Strings(names)
	for _, n := range names {
		checkers = append(checkers, m.checkers[n])
	}
	m.mu.RUnlock()

	subs := make([]Status, len(checkers))
	for i, c := range checkers {
		s := c()
		s.Component = names[i]
		subs[i] = s
	}
	return Aggregate(m.name, subs)
}
