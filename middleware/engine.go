// Package middleware implements the Middleware Engine (C6, spec §4.6):
// named, family-scoped middleware registration, globals-then-local ordered
// chain construction, and the shared CallbackInfo a chain's steps use to
// cancel the handler invocation.
package middleware

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/latticehttp/lattice/exchange"
	"github.com/latticehttp/lattice/router"
	"github.com/latticehttp/lattice/scheme"
)

// Func is a single middleware step: given the next handler in the chain, it
// returns a handler that may run logic before/after calling next, or may
// decline to call next at all (short-circuiting the chain, spec §4.6:
// "a step that does not invoke its continuation stops the chain").
type Func func(next exchange.HandlerFunc) exchange.HandlerFunc

// UnknownMiddlewareError is returned when a Mapping references a middleware
// name that was never registered for its family.
type UnknownMiddlewareError struct {
	Name   string
	Family scheme.Family
}

func (e *UnknownMiddlewareError) Error() string {
	return fmt.Sprintf("middleware: unknown middleware %q for family %s", e.Name, e.Family)
}

// Engine is the Middleware Engine: a per-family registry of named steps plus
// an ordered list of globals that prepend every chain built for that family
// (spec §4.6: "globals run first, in registration order, followed by the
// mapping's local middleware_refs, in declared order").
type Engine struct {
	mu       sync.RWMutex
	byFamily map[scheme.Family]map[string]Func
	globals  map[scheme.Family][]string
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	return &Engine{
		byFamily: make(map[scheme.Family]map[string]Func),
		globals:  make(map[scheme.Family][]string),
	}
}

// Register names a middleware step under family. Re-registering the same
// name replaces the step (handlers already built against it keep the old
// closure; only future Build calls see the replacement).
func (e *Engine) Register(family scheme.Family, name string, fn Func) {
	e.mu.Lock()
	defer e.mu.Unlock()
	steps, ok := e.byFamily[family]
	if !ok {
		steps = make(map[string]Func)
		e.byFamily[family] = steps
	}
	steps[name] = fn
}

// RegisterGlobal appends name to family's global middleware order. name must
// already (or later) be registered via Register; resolution happens lazily
// at Build time so registration order between Register and RegisterGlobal
// does not matter.
func (e *Engine) RegisterGlobal(family scheme.Family, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globals[family] = append(e.globals[family], name)
}

// Build composes the full chain for a mapping: family globals, then the
// mapping's own MiddlewareRefs, each resolved by name, wrapping final
// (spec §4.8 step 4: "middleware chain runs before Handler").
func (e *Engine) Build(family scheme.Family, refs []router.MiddlewareDescriptor, final exchange.HandlerFunc) (exchange.HandlerFunc, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	steps := e.byFamily[family]
	names := make([]string, 0, len(e.globals[family])+len(refs))
	names = append(names, e.globals[family]...)
	for _, ref := range refs {
		names = append(names, ref.Name)
	}

	fns := make([]Func, 0, len(names))
	for _, name := range names {
		fn, ok := steps[name]
		if !ok {
			return nil, &UnknownMiddlewareError{Name: name, Family: family}
		}
		fns = append(fns, fn)
	}

	// The handler sits behind a post-chain cancellation gate rather than at
	// the bottom of the fns closure stack (spec §4.6 step 4: "after the
	// chain, if cancelled == true ... abort before handler invocation"). A
	// step that calls Cancel and still calls next() must let every
	// subsequent step run; only the final handler invocation is skipped.
	h := guardedFinal(family, final)
	for i := len(fns) - 1; i >= 0; i-- {
		h = fns[i](h)
	}
	return withCallbackInfo(h), nil
}

// guardedFinal wraps final so it only runs when the chain's CallbackInfo (if
// any) was not cancelled. For HTTP, a cancelled-but-response-unwritten chain
// gets the engine's 4xx default (spec §7); a middleware that already wrote a
// response before cancelling is left alone (spec §8 scenario 4). WebSocket
// frame dispatch has no status-code response to default to, so a cancelled
// WS chain simply skips the handler.
func guardedFinal(family scheme.Family, final exchange.HandlerFunc) exchange.HandlerFunc {
	return func(ex *exchange.Exchange) error {
		info, ok := InfoFrom(ex)
		if !ok || !info.Cancelled() {
			return final(ex)
		}
		if family == scheme.HTTPFamily && !ex.HeadersSent() {
			if err := ex.SetStatus(http.StatusBadRequest); err != nil {
				return err
			}
			return ex.SendHeaders(0)
		}
		return nil
	}
}
