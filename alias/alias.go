// Package alias implements the aliasing engine (§4.8): given lifetime
// groupings and memory requirements, it builds pools of resources with
// disjoint lifetimes sharing one backend allocation, using a best-fit
// strategy. The scan-and-first-qualifying-candidate shape is grounded on
// the bin-packing estimator pattern (score, sort descending, scan existing
// bins for the first that satisfies a predicate, else open a new one).
package alias

import (
	"sort"

	"github.com/rendergraph/core/resource"
)

// DefaultThreshold is the minimum resource size eligible for aliasing
// (§4.8, "A resource below the configured aliasing threshold (default
// 1 MiB) is never aliased").
const DefaultThreshold = 1 << 20

// Requirement describes a resource's memory needs for compatibility
// checks.
type Requirement struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32
	DeviceID       uint32
}

// Compatible reports whether an available block satisfies a requested
// requirement: available size >= required size, available alignment is a
// multiple of the required alignment, memory-type bits intersect, and
// devices match (Open Question 2: aliasing never crosses device
// boundaries).
func (req Requirement) Compatible(available Requirement) bool {
	if req.DeviceID != available.DeviceID {
		return false
	}
	if available.Size < req.Size {
		return false
	}
	if available.Alignment == 0 || req.Alignment == 0 || available.Alignment%req.Alignment != 0 {
		return false
	}
	return available.MemoryTypeBits&req.MemoryTypeBits != 0
}

// candidate is a released resource sitting in the available pool.
type candidate struct {
	ref  resource.Ref
	req  Requirement
	freedAt int // frame index the resource was released at, for clear_released
}

// Stats tallies aliasing engine activity for diagnostics (§4.8).
type Stats struct {
	Attempts       int
	Successes      int
	Failures       int
	BytesSaved     uint64
	BytesAllocated uint64
}

// SuccessRate returns Successes/Attempts, or 0 if no attempts were made.
func (s Stats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// SavingsPercent returns the fraction of allocated bytes that were saved
// by aliasing instead of a fresh allocation.
func (s Stats) SavingsPercent() float64 {
	total := s.BytesAllocated + s.BytesSaved
	if total == 0 {
		return 0
	}
	return float64(s.BytesSaved) / float64(total)
}

// Engine tracks the available (released) pool and the active (currently
// aliased) assignments, applying the best-fit policy described in §4.8.
type Engine struct {
	Threshold uint64 // resources below this size are never aliased

	available []candidate         // sorted by size ascending; search picks smallest qualifying
	active    map[resource.Ref]resource.Ref // backing resources handed out by FindAlias, each keyed to itself
	stats     Stats
}

// New constructs an aliasing engine with the default 1 MiB threshold.
func New() *Engine {
	return &Engine{
		Threshold: DefaultThreshold,
		active:    make(map[resource.Ref]resource.Ref),
	}
}

// FindAlias returns a compatible released resource for req — the smallest
// available block that is large enough ("largest-enough, smallest-
// qualifying" per §4.8) — removing it from the available pool and
// recording the alias relationship. Resources below Threshold are never
// aliased, matching §4.8 exactly.
func (e *Engine) FindAlias(req Requirement, minBytes uint64) (resource.Ref, bool) {
	e.stats.Attempts++
	if req.Size < e.Threshold || req.Size < minBytes {
		e.stats.Failures++
		return 0, false
	}

	sort.Slice(e.available, func(i, j int) bool { return e.available[i].req.Size < e.available[j].req.Size })

	for i, c := range e.available {
		if req.Compatible(c.req) {
			e.available = append(e.available[:i], e.available[i+1:]...)
			e.active[c.ref] = c.ref
			e.stats.Successes++
			e.stats.BytesSaved += req.Size
			return c.ref, true
		}
	}
	e.stats.Failures++
	return 0, false
}

// MarkReleased moves ref into the available pool, tagged with the frame it
// was released at (used by ClearReleased to prune stale entries).
func (e *Engine) MarkReleased(ref resource.Ref, req Requirement, frame int) {
	delete(e.active, ref)
	e.available = append(e.available, candidate{ref: ref, req: req, freedAt: frame})
}

// ClearReleased drops available entries released at or before
// olderThanFrame, preventing the pool from retaining resources far past
// their useful aliasing window.
func (e *Engine) ClearReleased(olderThanFrame int) {
	kept := e.available[:0]
	for _, c := range e.available {
		if c.freedAt > olderThanFrame {
			kept = append(kept, c)
		}
	}
	e.available = kept
}

// RecordAllocation tallies bytes allocated fresh (i.e. not satisfied via
// FindAlias), for SavingsPercent's denominator.
func (e *Engine) RecordAllocation(bytes uint64) {
	e.stats.BytesAllocated += bytes
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats { return e.stats }

// Group mirrors lifetime.Group's shape without importing the lifetime
// package, to keep alias's dependency surface limited to resource.
type Group struct {
	Members []resource.Ref
}

// BuildPools partitions pre-computed disjoint-lifetime groups into backend
// pools: one allocation per group, sized to the largest member, restricted
// to device-local, above-threshold resources (§4.7 step 7 / §4.8 "Only
// device-local resources are considered").
func (e *Engine) BuildPools(groups []Group, reqOf func(resource.Ref) Requirement, isDeviceLocal func(resource.Ref) bool) []Pool {
	var pools []Pool
	for _, g := range groups {
		var members []resource.Ref
		var maxSize uint64
		var deviceID uint32
		first := true
		for _, ref := range g.Members {
			if !isDeviceLocal(ref) {
				continue
			}
			req := reqOf(ref)
			if req.Size < e.Threshold {
				continue
			}
			if first {
				deviceID = req.DeviceID
				first = false
			} else if req.DeviceID != deviceID {
				// Open Question 2: never alias across devices; split this
				// member into its own non-pooled allocation by omission.
				continue
			}
			members = append(members, ref)
			if req.Size > maxSize {
				maxSize = req.Size
			}
		}
		if len(members) < 2 {
			// Nothing to share; a lone member gets its own allocation, not
			// a pool.
			continue
		}
		pools = append(pools, Pool{Members: members, Size: maxSize, DeviceID: deviceID})
	}
	return pools
}

// Pool is a resolved aliasing pool ready to be applied to the resource
// registry.
type Pool struct {
	Members  []resource.Ref
	Size     uint64
	DeviceID uint32
}
