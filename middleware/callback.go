package middleware

import "github.com/latticehttp/lattice/exchange"

// callbackInfoKey is the private Exchange attribute key a built chain
// stores its CallbackInfo under.
const callbackInfoKey = "middleware.callback_info"

// CallbackInfo is shared by every step in a single built chain, giving any
// middleware a way to cancel the handler invocation (and the exchange's
// context) without needing a reference to the other steps; the remaining
// steps of the chain still run (spec §4.6:
// "middleware observe and set a shared cancellation signal").
type CallbackInfo struct {
	ex        *exchange.Exchange
	cancelled bool
	reason    error
}

// Cancel marks the chain cancelled and cancels the exchange's context, so
// anything selecting on ex.Context().Done() (driver calls given that
// context, downstream I/O) observes it immediately.
func (c *CallbackInfo) Cancel(reason error) {
	c.cancelled = true
	c.reason = reason
	c.ex.Cancel()
}

// Cancelled reports whether an earlier step in this chain called Cancel.
func (c *CallbackInfo) Cancelled() bool { return c.cancelled }

// Reason returns the error passed to Cancel, if any.
func (c *CallbackInfo) Reason() error { return c.reason }

// InfoFrom retrieves the CallbackInfo for ex's currently-running chain. It
// is only populated while a chain built by Engine.Build is executing.
func InfoFrom(ex *exchange.Exchange) (*CallbackInfo, bool) {
	v, ok := ex.Get(callbackInfoKey)
	if !ok {
		return nil, false
	}
	info, ok := v.(*CallbackInfo)
	return info, ok
}

// withCallbackInfo wraps h so that, on each invocation, a fresh CallbackInfo
// is attached to the exchange before any step runs.
func withCallbackInfo(h exchange.HandlerFunc) exchange.HandlerFunc {
	return func(ex *exchange.Exchange) error {
		ex.Set(callbackInfoKey, &CallbackInfo{ex: ex})
		return h(ex)
	}
}
