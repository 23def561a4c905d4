// Package connect implements the batched connection builder (§4.5): direct
// edges, array fan-out, constant injection, field extraction, and deferred
// variadic binding, all accumulated and registered atomically by
// RegisterAll.
package connect

import (
	"fmt"

	"github.com/rendergraph/core/node"
	"github.com/rendergraph/core/resource"
	"github.com/rendergraph/core/slot"
	"github.com/rendergraph/core/topology"
)

// Graph is the narrow capability surface the builder needs from the owning
// graph: add a topology edge, create a constant-carrying resource, bind it
// onto a node's compile-time input, and resolve a node instance by ref.
type Graph interface {
	AddEdge(e topology.Edge) error
	CreateConstant(producer node.Ref, descriptor slot.Descriptor) (resource.Ref, error)
	Instance(ref node.Ref) (*node.Instance, error)
}

// FieldExtractor resolves one struct-slot member into its own resource
// after the source node's Compile produces the struct descriptor. It is a
// typed accessor, never a byte offset (Open Question 1): implementations
// type-assert value to the concrete descriptor type they expect and return
// the extracted field's descriptor.
type FieldExtractor func(value slot.Descriptor) (slot.Descriptor, bool)

// edgeSpec is a direct or array-fan-out connection accumulated by the
// builder.
type edgeSpec struct {
	edge topology.Edge
}

// constantSpec is a constant-injection connection: a lambda executed during
// RegisterAll to create the constant resource and bind it.
type constantSpec struct {
	dst      node.Ref
	dstSlot  int
	arrayIdx int
	value    slot.Descriptor
}

// fieldSpec is a field-extraction connection: a dependency edge orders src
// before dst, and a post-compile callback binds the extracted value once
// src has compiled (§4.5 mode 4). No placeholder is bound beforehand.
type fieldSpec struct {
	src      node.Ref
	srcSlot  int
	dst      node.Ref
	dstSlot  int
	arrayIdx int
	extract  FieldExtractor
}

// variadicSpec is a variadic binding: creates a tentative slot entry on the
// destination node, validated during the destination's own compile (§4.5
// mode 5).
type variadicSpec struct {
	src        node.Ref
	srcSlot    int
	dst        node.Ref
	binding    int
	descType   slot.TypeID
	extract    FieldExtractor // non-nil for the field-extracting variadic variant
}

// PostCompileCallback resolves a field-extraction connection's real value
// once its producer node has compiled (§4.6 step 3, step 4).
type PostCompileCallback func(g Graph) error

// FieldCallback pairs a PostCompileCallback with the producer node ref it
// depends on, so the compiler can run it the instant that producer
// finishes compiling rather than waiting for the whole topological pass
// to complete. A destination node's own Compile hook may read the
// field-extracted input (Bundle.Inputs is a plain exported field,
// directly readable from Hooks.Compile); it only observes the resolved
// value if the callback has already run by the time the destination
// compiles.
type FieldCallback struct {
	Producer node.Ref
	Run      PostCompileCallback
}

// Builder accumulates edge descriptors across all four/five connection
// modes and registers them atomically via RegisterAll (§4.5).
type Builder struct {
	g          Graph
	edges      []edgeSpec
	constants  []constantSpec
	fields     []fieldSpec
	variadics  []variadicSpec
	postCompile []FieldCallback
}

// New constructs a connection builder bound to the owning graph.
func New(g Graph) *Builder {
	return &Builder{g: g}
}

// Connect registers a direct, compile-time type-checked edge (§4.5 mode 1).
// arrayIndex is -1 when the destination slot is not array-indexed.
func (b *Builder) Connect(src node.Ref, srcSlot int, dst node.Ref, dstSlot int, arrayIndex int) {
	b.edges = append(b.edges, edgeSpec{edge: topology.Edge{
		SourceNode: src, SourceSlot: srcSlot,
		TargetNode: dst, TargetSlot: dstSlot,
		ArrayIndex: arrayIndex,
	}})
}

// ConnectToArray creates one edge per index, fanning a single source slot
// out to several elements of a destination array slot (§4.5 mode 2).
func (b *Builder) ConnectToArray(src node.Ref, srcSlot int, dst node.Ref, dstSlot int, indices []int) {
	for _, idx := range indices {
		b.Connect(src, srcSlot, dst, dstSlot, idx)
	}
}

// ConnectConstant builds a resource carrying value and attaches it as an
// input without creating a topology edge (§4.5 mode 3).
func (b *Builder) ConnectConstant(dst node.Ref, dstSlot int, value slot.Descriptor, arrayIndex int) {
	b.constants = append(b.constants, constantSpec{dst: dst, dstSlot: dstSlot, arrayIdx: arrayIndex, value: value})
}

// ConnectField registers a field-extraction connection: the extracted
// value is resolved after src's compile, but a dependency edge is added
// immediately so the topological sort orders src before dst (§4.5 mode 4).
func (b *Builder) ConnectField(src node.Ref, srcSlot int, dst node.Ref, dstSlot int, arrayIndex int, extract FieldExtractor) {
	b.fields = append(b.fields, fieldSpec{src: src, srcSlot: srcSlot, dst: dst, dstSlot: dstSlot, arrayIdx: arrayIndex, extract: extract})
}

// ConnectVariadic registers a tentative binding on a variadic destination
// slot; its validity is decided during dst's compile, not here (§4.5 mode
// 5).
func (b *Builder) ConnectVariadic(src node.Ref, srcSlot int, dst node.Ref, binding int, descType slot.TypeID) {
	b.variadics = append(b.variadics, variadicSpec{src: src, srcSlot: srcSlot, dst: dst, binding: binding, descType: descType})
}

// ConnectVariadicField records a variadic binding like ConnectVariadic and
// keeps extract on the accumulated spec. RegisterAll does not apply
// extract: the tentative node.VariadicBinding it creates carries only the
// source coordinates and descriptor type, the same as ConnectVariadic's.
func (b *Builder) ConnectVariadicField(src node.Ref, srcSlot int, dst node.Ref, binding int, descType slot.TypeID, extract FieldExtractor) {
	b.variadics = append(b.variadics, variadicSpec{src: src, srcSlot: srcSlot, dst: dst, binding: binding, descType: descType, extract: extract})
}

// RegisterAll atomically applies every accumulated connection (§4.5
// "On register_all"): (a) direct/array edges via graph connect, (b)
// constant lambdas, (c) variadic lambdas, (d) field-extraction callbacks
// are returned paired with their producer ref so the compiler package can
// run each one immediately after that producer compiles.
func (b *Builder) RegisterAll() ([]FieldCallback, error) {
	for _, e := range b.edges {
		if err := b.g.AddEdge(e.edge); err != nil {
			return nil, fmt.Errorf("connect: direct edge %d.%d -> %d.%d: %w",
				e.edge.SourceNode, e.edge.SourceSlot, e.edge.TargetNode, e.edge.TargetSlot, err)
		}
	}

	for _, c := range b.constants {
		if err := b.runConstant(c); err != nil {
			return nil, err
		}
	}

	for _, v := range b.variadics {
		if err := b.runVariadic(v); err != nil {
			return nil, err
		}
	}

	callbacks, err := b.prepareFieldExtractions()
	if err != nil {
		return nil, err
	}
	b.postCompile = append(b.postCompile, callbacks...)
	return b.postCompile, nil
}

func (b *Builder) runConstant(c constantSpec) error {
	inst, err := b.g.Instance(c.dst)
	if err != nil {
		return fmt.Errorf("connect: constant injection: %w", err)
	}
	ref, err := b.g.CreateConstant(c.dst, c.value)
	if err != nil {
		return fmt.Errorf("connect: constant injection: %w", err)
	}
	// Constants are bound at bundle 0; node types with a per-bundle constant
	// requirement replicate it across bundles at Setup time, mirroring how
	// parameters are broadcast.
	if err := inst.BindInput(0, c.dstSlot, ref, false); err != nil {
		return fmt.Errorf("connect: constant injection: %w", err)
	}
	_ = c.arrayIdx // the array index is not used: the constant is bound at dstSlot whatever its value
	return nil
}

func (b *Builder) runVariadic(v variadicSpec) error {
	inst, err := b.g.Instance(v.dst)
	if err != nil {
		return fmt.Errorf("connect: variadic binding: %w", err)
	}
	// The real resource ref is not known until src compiles; the tentative
	// binding carries the source coordinates so the destination's own
	// compile can resolve and validate it (§4.5 mode 5, §4.6 step 2).
	inst.AddVariadicBinding(v.binding, node.VariadicBinding{
		BindingIndex:   len(inst.VariadicBindings(v.binding)),
		SourceNode:     v.src,
		SourceSlot:     v.srcSlot,
		DescriptorType: v.descType,
		State:          node.VariadicTentative,
	})
	return b.g.AddEdge(topology.Edge{SourceNode: v.src, SourceSlot: v.srcSlot, TargetNode: v.dst, TargetSlot: -1, ArrayIndex: -1})
}

// prepareFieldExtractions adds the src->dst dependency edge for every
// field-extraction connection and returns one FieldCallback per
// connection, keyed by its producer (src) ref. It binds nothing on dst:
// the destination input stays unbound until src compiles and the callback
// (or, in the compiler package, direct-edge propagation just before it)
// fills it.
func (b *Builder) prepareFieldExtractions() ([]FieldCallback, error) {
	var callbacks []FieldCallback
	for _, f := range b.fields {
		if err := b.g.AddEdge(topology.Edge{
			SourceNode: f.src, SourceSlot: f.srcSlot,
			TargetNode: f.dst, TargetSlot: f.dstSlot,
			ArrayIndex: f.arrayIdx,
		}); err != nil {
			return nil, fmt.Errorf("connect: field extraction %d.%d -> %d.%d: %w", f.src, f.srcSlot, f.dst, f.dstSlot, err)
		}
		f := f // capture
		callbacks = append(callbacks, FieldCallback{
			Producer: f.src,
			Run: func(g Graph) error {
				return resolveFieldExtraction(g, f)
			},
		})
	}
	return callbacks, nil
}

// resolveFieldExtraction runs after src has compiled: it reads src's
// produced descriptor, applies the extractor, and rebinds dst's input to a
// freshly created resource carrying the extracted field (§4.5 mode 4).
func resolveFieldExtraction(g Graph, f fieldSpec) error {
	srcInst, err := g.Instance(f.src)
	if err != nil {
		return fmt.Errorf("connect: field extraction: resolving source: %w", err)
	}
	bundle, err := srcInst.Bundle(0)
	if err != nil {
		return fmt.Errorf("connect: field extraction: source bundle: %w", err)
	}
	if f.srcSlot < 0 || f.srcSlot >= len(bundle.Outputs) {
		return fmt.Errorf("connect: field extraction: source slot %d out of range", f.srcSlot)
	}

	dstInst, err := g.Instance(f.dst)
	if err != nil {
		return fmt.Errorf("connect: field extraction: resolving destination: %w", err)
	}

	extractedRef, err := extractAndBind(g, f, bundle.Outputs[f.srcSlot])
	if err != nil {
		return err
	}
	if err := dstInst.BindInput(0, f.dstSlot, extractedRef, false); err != nil {
		return fmt.Errorf("connect: field extraction: binding destination: %w", err)
	}
	return nil
}

// descriptorSource resolves a resource ref's backing descriptor; supplied
// by the caller (the compiler package's Graph implementation knows how to
// reach the resource registry).
type descriptorSource interface {
	Descriptor(ref resource.Ref) (slot.Descriptor, error)
}

func extractAndBind(g Graph, f fieldSpec, srcRef resource.Ref) (resource.Ref, error) {
	ds, ok := g.(descriptorSource)
	if !ok {
		return 0, fmt.Errorf("connect: field extraction: graph does not expose descriptor lookup")
	}
	desc, err := ds.Descriptor(srcRef)
	if err != nil {
		return 0, fmt.Errorf("connect: field extraction: %w", err)
	}
	extracted, ok := f.extract(desc)
	if !ok {
		return 0, fmt.Errorf("connect: field extraction: extractor rejected descriptor of type %d", desc.ResourceType())
	}
	// The extracted resource's producer is f.src: it is derived from
	// src's compiled output, so cleanup dependency tracking (§4.10) must
	// trace back to the real upstream source, not the node consuming it.
	ref, err := g.CreateConstant(f.src, extracted)
	if err != nil {
		return 0, fmt.Errorf("connect: field extraction: %w", err)
	}
	return ref, nil
}
