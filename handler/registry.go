// Package handler implements the Handler Registry module (§4.3): three
// parallel validate/precondition_validate/apply tables keyed by
// (contract, scope, action), replacing the teacher's single
// map[core.TxType]Handler in vm/registry.go.
package handler

import (
	"fmt"
	"sync"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/events"
	"github.com/tolchain/tolchain/store"
)

// Wildcard matches any contract when no exact registration exists, backing
// §4.3's default-handler fallback.
const Wildcard = "*"

// Key identifies one registered message handler triplet.
type Key struct {
	Contract string
	Scope    string
	Action   string
}

// KeyFromMessage derives the dispatch key spec §4.3 describes: the message's
// recipient account is the contract, its scope is the scope, and its
// declared type name is the action.
func KeyFromMessage(msg core.Message) Key {
	return Key{Contract: msg.Recipient, Scope: msg.Scope, Action: msg.TypeName}
}

// Context is passed to PreconditionValidate and Apply. Validate receives
// only the message, since it must be a pure structural check (§4.4 stage 7
// calls it before precondition_validate reads any state).
type Context struct {
	Session *store.Session
	Block   *core.BlockHeader
	Tx      *core.SignedTransaction
	Emitter *events.Emitter
}

// ValidateFunc performs stateless structural validation of a message's
// payload. It must not read or write chain state.
type ValidateFunc func(msg core.Message) error

// PreconditionValidateFunc performs read-only checks against current state
// (existence, ownership, balances) before Apply is allowed to run.
type PreconditionValidateFunc func(ctx *Context, msg core.Message) error

// ApplyFunc mutates state through ctx.Session. It runs only after both
// Validate and PreconditionValidate have succeeded.
type ApplyFunc func(ctx *Context, msg core.Message) error

// BlockHeight returns ctx.Block's height, or 0 when Block is nil (during
// pending-transaction trial execution, before a block exists to attach to).
func (ctx *Context) BlockHeight() int64 {
	if ctx.Block == nil {
		return 0
	}
	return ctx.Block.Height
}

// BlockTimestamp returns ctx.Block's timestamp, or 0 when Block is nil.
func (ctx *Context) BlockTimestamp() int64 {
	if ctx.Block == nil {
		return 0
	}
	return ctx.Block.Timestamp
}

// entry bundles the three handler funcs registered together for one Key.
type entry struct {
	validate ValidateFunc
	precheck PreconditionValidateFunc
	apply    ApplyFunc
}

// Registry holds every registered (contract, scope, action) handler triplet.
// Thread-safe for concurrent registration and lookup, matching the teacher's
// sync.RWMutex-guarded vm.Registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Key]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Key]entry)}
}

// Register associates key with its validate/precondition/apply triplet.
// Panics on duplicate registration, matching the teacher's self-registering
// init() convention where a collision is a programming error, not a runtime
// condition.
func (r *Registry) Register(key Key, validate ValidateFunc, precheck PreconditionValidateFunc, apply ApplyFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("handler: already registered for %+v", key))
	}
	r.handlers[key] = entry{validate: validate, precheck: precheck, apply: apply}
}

// lookup resolves key, falling back to a wildcard-contract registration with
// the same scope/action if no exact match exists.
func (r *Registry) lookup(key Key) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.handlers[key]; ok {
		return e, true
	}
	e, ok := r.handlers[Key{Contract: Wildcard, Scope: key.Scope, Action: key.Action}]
	return e, ok
}

// Validate dispatches msg's structural check to its registered handler.
func (r *Registry) Validate(key Key, msg core.Message) error {
	e, ok := r.lookup(key)
	if !ok {
		return fmt.Errorf("handler: no handler registered for %+v", key)
	}
	return e.validate(msg)
}

// PreconditionValidate dispatches msg's read-only state check.
func (r *Registry) PreconditionValidate(key Key, ctx *Context, msg core.Message) error {
	e, ok := r.lookup(key)
	if !ok {
		return fmt.Errorf("handler: no handler registered for %+v", key)
	}
	return e.precheck(ctx, msg)
}

// Apply dispatches msg's state mutation.
func (r *Registry) Apply(key Key, ctx *Context, msg core.Message) error {
	e, ok := r.lookup(key)
	if !ok {
		return fmt.Errorf("handler: no handler registered for %+v", key)
	}
	return e.apply(ctx, msg)
}

// Has reports whether an exact or wildcard handler is registered for key.
func (r *Registry) Has(key Key) bool {
	_, ok := r.lookup(key)
	return ok
}

// globalRegistry is the package-level singleton vm/modules packages
// self-register into from their init() functions, mirroring the teacher's
// vm.globalRegistry.
var globalRegistry = NewRegistry()

// Register adds a handler triplet to the global registry.
func Register(key Key, validate ValidateFunc, precheck PreconditionValidateFunc, apply ApplyFunc) {
	globalRegistry.Register(key, validate, precheck, apply)
}

// Global returns the package-level registry vm/modules self-register into.
func Global() *Registry {
	return globalRegistry
}
