package session

import "github.com/latticehttp/lattice/exchange"

// attributeKey is the Exchange attribute a bound *Session is stashed under,
// letting handlers recover the concrete type (spec §3: the Exchange
// Binder's per-request context carries "request view, response view,
// session, attributes" — the narrow exchange.Session interface only covers
// the cookie-writeback seam, so handler-facing access goes through this
// attribute instead of a direct getter on Exchange).
const attributeKey = "lattice.session"

// bindToExchange attaches sess to ex both as the exchange.Session used for
// cookie writeback and as the typed attribute From recovers.
func bindToExchange(ex *exchange.Exchange, sess *Session) {
	ex.BindSession(sess)
	ex.Set(attributeKey, sess)
}

// From recovers the *Session a Manager bound onto ex, or (nil, false) if
// Manager.Bind never ran on this exchange.
func From(ex *exchange.Exchange) (*Session, bool) {
	v, ok := ex.Get(attributeKey)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*Session)
	return sess, ok
}
