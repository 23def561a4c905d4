// Package budget implements the budget manager (§4.9): per-category
// current/peak usage tracking with soft/strict caps enforced at
// allocation time.
package budget

import (
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// Category names the four built-in budget categories plus any
// user-defined string-keyed category (§3).
type Category string

const (
	CategoryHostMemory      Category = "host-memory"
	CategoryDeviceMemory    Category = "device-memory"
	CategoryCommandBuffers  Category = "command-buffers"
	CategoryDescriptors     Category = "descriptors"
)

// Budget is the configuration for one category (§3).
type Budget struct {
	Max       uint64
	Warning   uint64
	Strict    bool
}

// Usage is the live counters for one category (§3).
type Usage struct {
	Current uint64
	Peak    uint64
	Count   uint64
}

// categoryState bundles a category's configuration and live counters.
type categoryState struct {
	budget Budget
	usage  Usage
}

// WarningEvent is published (via the Warning callback) when an allocation
// crosses the warning threshold (§4.9).
type WarningEvent struct {
	Category Category
	Current  uint64
	Max      uint64
	Warning  uint64
}

// OverBudgetError is returned by TryAllocate when a strict category would
// overflow (§7 BudgetError).
type OverBudgetError struct {
	Category  Category
	Requested uint64
	Available uint64
}

func (e *OverBudgetError) Error() string {
	return "budget: category " + string(e.Category) + ": strict cap exceeded"
}

// Manager tracks current/peak usage per category and enforces caps at
// allocation time.
type Manager struct {
	mu         sync.Mutex
	categories map[Category]*categoryState

	// Warning is invoked synchronously when an allocation crosses a
	// category's warning threshold; it stands in for "emits a warning on
	// the event bus" (§4.9) — the compiler package wires this to the
	// actual bus publish call, keeping budget free of an eventbus import.
	Warning func(WarningEvent)

	// warningLimiter throttles repeated WarningEvent emission per category
	// using the same sliding-window admission check catrate applies to
	// request throttling — a category hovering right at its warning line
	// across many small allocations should not flood the event bus with a
	// warning per allocation.
	warningLimiter *catrate.Limiter
}

// New constructs an empty budget manager. warningWindow/warningMax
// configure how often a single category may re-emit WarningEvent; passing
// a zero window disables throttling (every crossing warns).
func New(warningWindow time.Duration, warningMax int) *Manager {
	m := &Manager{categories: make(map[Category]*categoryState)}
	if warningWindow > 0 && warningMax > 0 {
		m.warningLimiter = catrate.NewLimiter(map[time.Duration]int{warningWindow: warningMax})
	}
	return m
}

// SetBudget installs or replaces the configuration for a category.
func (m *Manager) SetBudget(category Category, b Budget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.categories[category]
	if !ok {
		st = &categoryState{}
		m.categories[category] = st
	}
	st.budget = b
}

// TryAllocate attempts to record bytes of usage against category. If the
// category is strict and the allocation would exceed Max, it returns false
// and records nothing (§4.9, §3 invariant "A resource cannot be allocated
// if it would make a strict category go over budget"). Otherwise the
// allocation is recorded (even if it exceeds Max, for non-strict
// categories) and peak/count are updated.
func (m *Manager) TryAllocate(category Category, bytes uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(category)

	if st.budget.Strict && st.budget.Max > 0 && st.usage.Current+bytes > st.budget.Max {
		return false
	}

	st.usage.Current += bytes
	st.usage.Count++
	if st.usage.Current > st.usage.Peak {
		st.usage.Peak = st.usage.Current
	}

	crossedWarning := st.budget.Warning > 0 &&
		st.usage.Current >= st.budget.Warning &&
		st.usage.Current-bytes < st.budget.Warning
	if crossedWarning && m.Warning != nil {
		if m.warningLimiter == nil {
			m.emitWarning(category, st)
		} else if _, allow := m.warningLimiter.Allow(category); allow {
			m.emitWarning(category, st)
		}
	}
	return true
}

func (m *Manager) emitWarning(category Category, st *categoryState) {
	m.Warning(WarningEvent{
		Category: category,
		Current:  st.usage.Current,
		Max:      st.budget.Max,
		Warning:  st.budget.Warning,
	})
}

// RecordAllocation is a pure tally update with no strict-cap enforcement,
// used when the caller has already decided the allocation must proceed
// (e.g. reconciling an actual backend size after TryAllocate passed with
// an estimate).
func (m *Manager) RecordAllocation(category Category, bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(category)
	st.usage.Current += bytes
	st.usage.Count++
	if st.usage.Current > st.usage.Peak {
		st.usage.Peak = st.usage.Current
	}
}

// RecordDeallocation is a pure tally update reducing current usage.
func (m *Manager) RecordDeallocation(category Category, bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(category)
	if bytes > st.usage.Current {
		st.usage.Current = 0
	} else {
		st.usage.Current -= bytes
	}
}

func (m *Manager) stateLocked(category Category) *categoryState {
	st, ok := m.categories[category]
	if !ok {
		st = &categoryState{}
		m.categories[category] = st
	}
	return st
}

// Usage returns a snapshot of the category's live counters.
func (m *Manager) Usage(category Category) Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(category).usage
}

// AvailableBytes returns Max-Current, or 0 if no Max is configured or
// usage already meets/exceeds it.
func (m *Manager) AvailableBytes(category Category) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(category)
	if st.budget.Max == 0 || st.usage.Current >= st.budget.Max {
		return 0
	}
	return st.budget.Max - st.usage.Current
}

// IsOverBudget reports whether current usage exceeds Max (meaningful even
// for non-strict categories, which are allowed to exceed Max but can still
// be queried).
func (m *Manager) IsOverBudget(category Category) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(category)
	return st.budget.Max > 0 && st.usage.Current > st.budget.Max
}

// IsNearWarningThreshold reports whether current usage has reached the
// category's warning threshold.
func (m *Manager) IsNearWarningThreshold(category Category) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(category)
	return st.budget.Warning > 0 && st.usage.Current >= st.budget.Warning
}
