// Package rgprofile wires the engine's ambient profiling to pkg/profile,
// mirroring the teacher's profile.Profiler shape: a Starter/Stopper pair
// selected by a string option, minus the GUI-frame recorder (the render
// graph's per-frame instrumentation goes through the event bus and logger
// instead of a layout.Context, §1 "platform windowing... out of scope").
package rgprofile

import (
	"github.com/pkg/profile"
)

// Profiler wraps a pkg/profile session lifecycle: Start begins capture,
// Stop ends it and flushes the profile to disk.
type Profiler struct {
	Starter func(*profile.Profile)
	stopper func()
}

// Start begins profiling, if this Profiler was constructed with a Starter.
// Calling Start twice without an intervening Stop leaks the first session.
func (p *Profiler) Start() {
	if p.Starter != nil {
		p.stopper = profile.Start(p.Starter).Stop
	}
}

// Stop ends profiling and flushes output, if a session was started.
func (p *Profiler) Stop() {
	if p.stopper != nil {
		p.stopper()
		p.stopper = nil
	}
}

// Mode selects which pkg/profile capture Starter is used.
type Mode string

const (
	ModeNone      Mode = "none"
	ModeCPU       Mode = "cpu"
	ModeMemory    Mode = "mem"
	ModeBlock     Mode = "block"
	ModeGoroutine Mode = "goroutine"
	ModeMutex     Mode = "mutex"
	ModeTrace     Mode = "trace"
)

// NewProfiler constructs a Profiler configured for mode. An unrecognised or
// empty mode yields a no-op Profiler, matching the teacher's NewProfiler
// default-case behaviour.
func (m Mode) NewProfiler() Profiler {
	switch m {
	case ModeCPU:
		return Profiler{Starter: profile.CPUProfile}
	case ModeMemory:
		return Profiler{Starter: profile.MemProfile}
	case ModeBlock:
		return Profiler{Starter: profile.BlockProfile}
	case ModeGoroutine:
		return Profiler{Starter: profile.GoroutineProfile}
	case ModeMutex:
		return Profiler{Starter: profile.MutexProfile}
	case ModeTrace:
		return Profiler{Starter: profile.TraceProfile}
	default:
		return Profiler{}
	}
}
