// Package eventbus implements the typed publish/subscribe message bus
// (§4.12): synchronous delivery, category bitflags, and the fixed taxonomy
// of engine-produced messages (cleanup, recompile, and resource
// invalidation).
package eventbus

import (
	"sync"
)

// Type is the message type code (§4.12 "type code"). The engine-produced
// taxonomy is enumerated below; user code may define further codes above
// TypeUserDefined.
type Type uint32

const (
	TypeCleanupRequested    Type = 100
	TypeCleanupCompleted    Type = 101
	TypeRecompileRequested  Type = 200
	TypeRecompileCompleted  Type = 201
	TypeWindowResized       Type = 300
	TypeSwapchainInvalidated Type = 301
	TypeShaderReloaded      Type = 302
	TypeTextureReloaded     Type = 303

	// TypeUserDefined is the first type code available to caller-defined
	// messages, keeping user codes from colliding with the engine taxonomy.
	TypeUserDefined Type = 1000
)

// Category is a bitflag classifying a message's concern, letting
// subscribers filter broad swaths (e.g. "everything cleanup-related")
// without enumerating every Type.
type Category uint32

const (
	CategoryCleanup Category = 1 << iota
	CategoryRecompile
	CategoryResource
	CategoryWindow
)

// CleanupScope selects what a cleanup-requested message targets (§4.12).
type CleanupScope uint8

const (
	CleanupScopeSpecific CleanupScope = iota
	CleanupScopeByTag
	CleanupScopeByType
	CleanupScopeFull
)

// SenderID identifies the node (or the compiler itself, sender id 0) that
// published a message.
type SenderID uint64

// Message is the envelope delivered to subscribers: a type code, a
// category bitflag, the sender, and a type-specific payload.
type Message struct {
	Type     Type
	Category Category
	Sender   SenderID
	Payload  any
}

// CleanupRequestedPayload is the payload of a TypeCleanupRequested message.
type CleanupRequestedPayload struct {
	Scope  CleanupScope
	Target string // node name (Specific), tag (ByTag), or type name (ByType)
	Reason string
}

// CleanupCompletedPayload is the payload of a TypeCleanupCompleted message.
type CleanupCompletedPayload struct {
	Cleaned []string // node names, in teardown order
}

// RecompileRequestedPayload is the payload of a TypeRecompileRequested
// message.
type RecompileRequestedPayload struct {
	Nodes  []string
	Reason string
}

// WindowResizedPayload is the payload of a TypeWindowResized message.
type WindowResizedPayload struct {
	Width, Height int
}

// ShaderReloadedPayload is the payload of a TypeShaderReloaded message.
type ShaderReloadedPayload struct {
	Path string
}

// Handler receives a delivered message. Delivery is synchronous from the
// publisher's perspective (§4.12): a Handler must return quickly and defer
// long-running work to the next compile barrier.
type Handler func(Message)

// subscription is one registered handler, tagged with an id for Unsubscribe
// and the node it belongs to (for UnsubscribeAll on cleanup).
type subscription struct {
	id      uint64
	owner   SenderID
	types   map[Type]bool // nil means "all types"
	handler Handler
}

// Bus is the typed pub/sub message bus. One Bus belongs to exactly one
// graph.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscription
	nextID uint64
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{}
}

// SubscriptionID identifies a single Subscribe call, for targeted
// Unsubscribe.
type SubscriptionID uint64

// Subscribe registers handler for the given message types; a nil/empty
// types list subscribes to everything. owner is the subscribing node's id,
// used by UnsubscribeAll when that node is cleaned up (§4.12 "Nodes
// subscribing during compile unsubscribe on cleanup").
func (b *Bus) Subscribe(owner SenderID, types []Type, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID

	var typeSet map[Type]bool
	if len(types) > 0 {
		typeSet = make(map[Type]bool, len(types))
		for _, t := range types {
			typeSet[t] = true
		}
	}

	b.subs = append(b.subs, &subscription{id: id, owner: owner, types: typeSet, handler: handler})
	return SubscriptionID(id)
}

// Unsubscribe removes a single subscription by id.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == uint64(id) {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every subscription owned by owner, called by the
// cleanup pipeline when a node is torn down.
func (b *Bus) UnsubscribeAll(owner SenderID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.owner != owner {
			kept = append(kept, s)
		}
	}
	b.subs = kept
}

// Publish delivers msg synchronously to every matching subscriber, in
// subscription order. Handlers run on the publisher's goroutine; a handler
// that needs to do real work must schedule it for the next compile barrier
// rather than perform it inline (§4.12).
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[msg.Type] {
			matching = append(matching, s)
		}
	}
	b.mu.Unlock()

	for _, s := range matching {
		s.handler(msg)
	}
}

// PublishCleanupRequested is a typed convenience wrapper around Publish for
// the engine's cleanup-requested message.
func (b *Bus) PublishCleanupRequested(sender SenderID, payload CleanupRequestedPayload) {
	b.Publish(Message{Type: TypeCleanupRequested, Category: CategoryCleanup, Sender: sender, Payload: payload})
}

// PublishCleanupCompleted is a typed convenience wrapper for the
// cleanup-completed message.
func (b *Bus) PublishCleanupCompleted(sender SenderID, payload CleanupCompletedPayload) {
	b.Publish(Message{Type: TypeCleanupCompleted, Category: CategoryCleanup, Sender: sender, Payload: payload})
}

// PublishRecompileRequested is a typed convenience wrapper for the
// recompile-requested message.
func (b *Bus) PublishRecompileRequested(sender SenderID, payload RecompileRequestedPayload) {
	b.Publish(Message{Type: TypeRecompileRequested, Category: CategoryRecompile, Sender: sender, Payload: payload})
}

// PublishRecompileCompleted is a typed convenience wrapper for the
// recompile-completed message.
func (b *Bus) PublishRecompileCompleted(sender SenderID, nodes []string) {
	b.Publish(Message{Type: TypeRecompileCompleted, Category: CategoryRecompile, Sender: sender, Payload: RecompileRequestedPayload{Nodes: nodes}})
}

// PublishWindowResized is a typed convenience wrapper for the
// window-resized message.
func (b *Bus) PublishWindowResized(sender SenderID, width, height int) {
	b.Publish(Message{Type: TypeWindowResized, Category: CategoryWindow, Sender: sender, Payload: WindowResizedPayload{Width: width, Height: height}})
}

// PublishSwapchainInvalidated is a typed convenience wrapper for the
// swapchain-invalidated message.
func (b *Bus) PublishSwapchainInvalidated(sender SenderID) {
	b.Publish(Message{Type: TypeSwapchainInvalidated, Category: CategoryWindow, Sender: sender})
}

// PublishShaderReloaded is a typed convenience wrapper for the
// shader-reloaded message.
func (b *Bus) PublishShaderReloaded(sender SenderID, path string) {
	b.Publish(Message{Type: TypeShaderReloaded, Category: CategoryResource, Sender: sender, Payload: ShaderReloadedPayload{Path: path}})
}

// PublishTextureReloaded is a typed convenience wrapper for the
// texture-reloaded message.
func (b *Bus) PublishTextureReloaded(sender SenderID, path string) {
	b.Publish(Message{Type: TypeTextureReloaded, Category: CategoryResource, Sender: sender, Payload: ShaderReloadedPayload{Path: path}})
}
