// Package loopmgr implements the loop manager (§4.11): a set of
// fixed-timestep accumulators, each with its own catch-up policy, exposing
// stable per-loop references (§3 "Loop reference") that nodes gate
// execution on.
package loopmgr

import (
	"fmt"
	"sync"
	"time"
)

// CatchUpMode selects how a loop behaves when accumulated time exceeds its
// fixed timestep (§4.11).
type CatchUpMode uint8

const (
	// FireAndForget drains the whole accumulator in a single oversized step.
	FireAndForget CatchUpMode = iota
	// SingleCorrectiveStep executes exactly one fixed step per update,
	// tracking the rest as advisory debt rather than looping.
	SingleCorrectiveStep
	// MultipleSteps executes as many fixed steps as the accumulator allows,
	// up to a per-update iteration cap.
	MultipleSteps
)

func (m CatchUpMode) String() string {
	switch m {
	case FireAndForget:
		return "FireAndForget"
	case SingleCorrectiveStep:
		return "SingleCorrectiveStep"
	case MultipleSteps:
		return "MultipleSteps"
	default:
		return "Unknown"
	}
}

// DefaultMaxCatchUp is the default ceiling on how much frame time is
// credited to a loop's accumulator in one update (§4.11, "250 ms").
const DefaultMaxCatchUp = 250 * time.Millisecond

// DefaultMaxIterations bounds MultipleSteps' per-update step count, a
// companion safety valve to MaxCatchUp for very small fixed timesteps.
const DefaultMaxIterations = 64

// ID is a stable, process-lifetime-unique loop identifier.
type ID uint32

// Ref is the stable per-loop state record consumed by nodes (§3 "Loop
// reference"): the loop id, whether it fired this frame, the step's delta
// time, a running step counter, and bookkeeping about the last execution.
// Ref's address never changes for the lifetime of the loop — callers hold
// onto the pointer returned by Manager.Add, not a copy.
type Ref struct {
	ID                ID
	Name              string
	Mode              CatchUpMode
	ShouldExecute     bool
	Delta             time.Duration
	StepCount         uint64
	LastExecutedFrame uint64
	LastExecutionTime time.Duration
}

// loopState is the manager's private bookkeeping for one loop, embedding
// the stable Ref record client code reads.
type loopState struct {
	ref *Ref

	fixed       time.Duration // 0 means variable timestep
	accumulator time.Duration
	maxCatchUp  time.Duration
	maxIterations int
	debt        time.Duration // advisory only, never fed back (Open Question 3)
}

// Manager owns a set of loops keyed by ID and advances them all on Update.
type Manager struct {
	mu     sync.Mutex
	loops  map[ID]*loopState
	nextID ID
}

// New constructs an empty loop manager.
func New() *Manager {
	return &Manager{loops: make(map[ID]*loopState)}
}

// Options configures a loop at creation time.
type Options struct {
	Name          string
	FixedTimestep time.Duration // 0 means variable
	Mode          CatchUpMode
	MaxCatchUp    time.Duration // 0 defaults to DefaultMaxCatchUp
	MaxIterations int           // 0 defaults to DefaultMaxIterations, only used by MultipleSteps
}

// Add registers a new loop and returns its stable Ref. The returned
// pointer is the one and only Ref for this loop's lifetime.
func (m *Manager) Add(opts Options) *Ref {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID

	maxCatchUp := opts.MaxCatchUp
	if maxCatchUp <= 0 {
		maxCatchUp = DefaultMaxCatchUp
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	ref := &Ref{ID: id, Name: opts.Name, Mode: opts.Mode}
	m.loops[id] = &loopState{
		ref:           ref,
		fixed:         opts.FixedTimestep,
		maxCatchUp:    maxCatchUp,
		maxIterations: maxIterations,
	}
	return ref
}

// Remove drops a loop; its Ref is no longer advanced by Update, but the
// pointer remains valid memory (callers must stop dereferencing it
// meaningfully themselves).
func (m *Manager) Remove(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loops, id)
}

// Get returns the Ref for id, if it is still registered.
func (m *Manager) Get(id ID) (*Ref, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.loops[id]
	if !ok {
		return nil, false
	}
	return st.ref, true
}

// Update advances every registered loop by frameTime, implementing the
// per-mode stepping rules of §4.11. frameIndex is owned by the graph and
// passed in (loop manager never derives it itself).
func (m *Manager) Update(frameTime time.Duration, frameIndex uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.loops {
		st.update(frameTime, frameIndex)
	}
}

func (st *loopState) update(frameTime time.Duration, frameIndex uint64) {
	credited := frameTime
	if credited > st.maxCatchUp {
		credited = st.maxCatchUp
	}
	st.accumulator += credited

	ref := st.ref
	ref.ShouldExecute = false

	if st.fixed <= 0 {
		ref.Delta = st.accumulator
		ref.ShouldExecute = true
		st.accumulator = 0
		ref.StepCount++
	} else {
		switch ref.Mode {
		case FireAndForget:
			st.updateFireAndForget()
		case SingleCorrectiveStep:
			st.updateSingleCorrectiveStep()
		case MultipleSteps:
			st.updateMultipleSteps()
		}
	}

	if ref.ShouldExecute {
		ref.LastExecutedFrame = frameIndex
		ref.LastExecutionTime += ref.Delta
	}
}

func (st *loopState) updateFireAndForget() {
	ref := st.ref
	if st.accumulator >= st.fixed {
		ref.Delta = st.accumulator
		st.accumulator = 0
		ref.ShouldExecute = true
		ref.StepCount++
	}
}

// updateSingleCorrectiveStep executes exactly one fixed-size step and
// folds any remainder beyond a second step into advisory debt, computed
// before the accumulator is clamped back down to at most one more fixed
// step (Open Question 3, decided: debt = max(0, accumulator-fixed) taken
// right after the single subtraction, purely advisory, never fed back).
func (st *loopState) updateSingleCorrectiveStep() {
	ref := st.ref
	if st.accumulator < st.fixed {
		return
	}
	ref.Delta = st.fixed
	st.accumulator -= st.fixed
	ref.ShouldExecute = true
	ref.StepCount++

	overflow := st.accumulator - st.fixed
	if overflow > 0 {
		st.debt += overflow
	}
	if st.accumulator > st.fixed {
		st.accumulator = st.fixed
	}
}

func (st *loopState) updateMultipleSteps() {
	ref := st.ref
	iterations := 0
	for st.accumulator >= st.fixed && iterations < st.maxIterations {
		ref.Delta = st.fixed
		st.accumulator -= st.fixed
		ref.ShouldExecute = true
		ref.StepCount++
		iterations++
	}
}

// CatchUpDebt returns the loop's accumulated advisory debt — time that
// SingleCorrectiveStep could not catch up to within a single update. It is
// diagnostic only; nothing in the manager reads it back into the
// accumulator.
func (m *Manager) CatchUpDebt(id ID) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.loops[id]
	if !ok {
		return 0, fmt.Errorf("loopmgr: no such loop %d", id)
	}
	return st.debt, nil
}

// EffectiveExecute reports whether a node gated by refs should execute this
// frame: the OR of each loop's ShouldExecute flag (§3, "effective execute
// predicate is the OR of their should-execute-this-frame flags").
func EffectiveExecute(refs ...*Ref) bool {
	for _, r := range refs {
		if r != nil && r.ShouldExecute {
			return true
		}
	}
	return false
}
