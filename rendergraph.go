// Package rendergraph is the root facade of the render-graph core engine:
// a graph compiler/scheduler for DAGs of typed rendering nodes (§1-2). It
// re-exports compiler.Graph under engine-facing names and provides the
// logger construction helper every caller needs to get a Graph running,
// mirroring the teacher's root chat package sitting directly above its
// per-concern subpackages (list/, layout/, widget/, profile/, debug/).
package rendergraph

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/rendergraph/core/compiler"
	"github.com/rendergraph/core/slot"
)

// Logger is the collaborator type every node hook and ambient component
// logs through (§6 "Logger. Sink for leveled messages... optional
// per-node hierarchical loggers").
type Logger = logiface.Logger[logiface.Event]

// NewLogger constructs the engine's default logger: a stumpy JSON encoder
// writing to stderr, type-erased to the shared Event interface the engine
// passes around (logiface/context.go's New-then-.Logger() idiom).
func NewLogger() *Logger {
	return logiface.New[*stumpy.Event](stumpy.WithStumpy()).Logger()
}

// Graph is the compiled render graph: node/resource registries, topology,
// lifetime analysis, aliasing, budget enforcement, cleanup, the loop
// manager and the event bus, wired through the ten-step Compile pipeline
// (§4.6) and the RenderFrame execute loop (§4.11-4.12).
type Graph = compiler.Graph

// Option configures a Graph at construction time (§6's external
// collaborators: backend, logger, slot convertibility, aliasing and
// budget-warning tuning).
type Option = compiler.Option

// Backend is the external device collaborator a Graph allocates memory
// and submits/presents frames through (§6 "Backend device").
type Backend = compiler.Backend

// CompileReport describes the outcome of a Compile call: the execution
// order, resource timelines, alias groups, and any fatal errors collected
// per node (§7 "Compile collects the first fatal error per node... then
// aborts and returns a structured result").
type CompileReport = compiler.CompileReport

// CompileError is one fatal diagnostic from a failed Compile, tagged with
// the §7 error-kind taxonomy.
type CompileError = compiler.CompileError

var (
	// WithLogger installs the structured logger used for ambient
	// diagnostics and per-node hierarchical child loggers.
	WithLogger = compiler.WithLogger
	// WithBackend installs the external device collaborator.
	WithBackend = compiler.WithBackend
	// WithConvertible stores a slot-type conversion predicate on the graph
	// (§4.1 "convertible, not just equal"). No compile step reads it, and
	// Compile does not type-check edges.
	WithConvertible = compiler.WithConvertible
	// WithAliasThreshold overrides the aliasing engine's minimum-size
	// eligibility gate (§4.8, default 1 MiB).
	WithAliasThreshold = compiler.WithAliasThreshold
	// WithBudgetWarningThrottle configures how often a single budget
	// category may re-publish a BudgetWarning event.
	WithBudgetWarningThrottle = compiler.WithBudgetWarningThrottle
)

// NewGraph constructs a Graph bound to the given slot registry (§2's
// module table: every graph owns exactly one resource-type registry).
func NewGraph(slots *slot.Registry, opts ...Option) *Graph {
	return compiler.New(slots, opts...)
}
