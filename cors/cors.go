// Package cors implements the CORS Policy value object and the deterministic
// per-exchange header writer described in spec §3 and §4.2.
package cors

import (
	"net/http"
	"strings"
)

// Policy is the CORS configuration value object (spec §3). Zero value is a
// default-deny policy: no origins, methods, or headers allowed, no
// credentials, but MaxAge 0, which Apply emits as "Access-Control-Max-Age:
// 0"; New returns the same policy with max-age unset (-1).
type Policy struct {
	AllowAllOrigins bool
	AllowAllMethods bool
	AllowAllHeaders bool

	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string

	CredentialsSet   bool
	AllowCredentials bool

	// MaxAge in seconds; -1 means unset (spec §3: "max-age (−1 = unset)").
	MaxAge int
}

// Disable resets the policy to a default-deny instance (spec §4.2).
func (p *Policy) Disable() {
	*p = Policy{MaxAge: -1}
}

// Update replaces every field of p with other's, including list contents
// (spec §4.2: "update(other) — replaces every field, including list
// contents").
func (p *Policy) Update(other Policy) {
	p.AllowAllOrigins = other.AllowAllOrigins
	p.AllowAllMethods = other.AllowAllMethods
	p.AllowAllHeaders = other.AllowAllHeaders
	p.AllowedOrigins = append([]string(nil), other.AllowedOrigins...)
	p.AllowedMethods = append([]string(nil), other.AllowedMethods...)
	p.AllowedHeaders = append([]string(nil), other.AllowedHeaders...)
	p.ExposedHeaders = append([]string(nil), other.ExposedHeaders...)
	p.CredentialsSet = other.CredentialsSet
	p.AllowCredentials = other.AllowCredentials
	p.MaxAge = other.MaxAge
}

// New returns a default-deny Policy (MaxAge unset).
func New() Policy {
	return Policy{MaxAge: -1}
}

// familyMethods is the full HTTP-family method list used when
// AllowAllMethods is set (spec §4.2: "the full family method list").
var familyMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodConnect,
	http.MethodOptions, http.MethodTrace,
}

// ResponseHeaders is the minimal seam apply writes to: a header set; the
// request fields the algorithm reads come in through Exchange. Kept narrow so
// it can be satisfied by both net/http and echo.Context without importing
// either here.
type ResponseHeaders interface {
	Set(key, value string)
}

// Exchange is the read side apply needs from the inbound request.
type Exchange interface {
	Origin() string
	RequestedHeaders() string
}

// Apply writes CORS response headers deterministically onto h, per spec
// §4.2. It writes at most one header per axis, never duplicating (spec §4.2
// "Side effect"). Callers must invoke this before headers are flushed;
// enforcing that is the caller's (Exchange Binder's) responsibility — see
// HeadersAlreadySentError in package exchange.
func (p Policy) Apply(h ResponseHeaders, ex Exchange) {
	p.applyOrigin(h, ex)
	p.applyMethods(h)
	p.applyHeaders(h, ex)
	p.applyExposedHeaders(h)
	p.applyCredentials(h)
	p.applyMaxAge(h)
}

func (p Policy) applyOrigin(h ResponseHeaders, ex Exchange) {
	switch {
	case p.AllowAllOrigins:
		h.Set("Access-Control-Allow-Origin", "*")
	case len(p.AllowedOrigins) == 0:
		// nothing to echo; omit the header entirely
	default:
		origin := ex.Origin()
		if origin != "" && originMatches(p.AllowedOrigins, origin) {
			h.Set("Access-Control-Allow-Origin", origin)
		} else {
			h.Set("Access-Control-Allow-Origin", p.AllowedOrigins[0])
		}
	}
}

// originMatches compares case-insensitively after stripping the scheme
// (spec §4.2: "compared case-insensitively after stripping scheme").
func originMatches(allowed []string, origin string) bool {
	strippedOrigin := stripScheme(origin)
	for _, a := range allowed {
		if strings.EqualFold(stripScheme(a), strippedOrigin) {
			return true
		}
	}
	return false
}

func stripScheme(origin string) string {
	if i := strings.Index(origin, "://"); i != -1 {
		return origin[i+3:]
	}
	return origin
}

func (p Policy) applyMethods(h ResponseHeaders) {
	if p.AllowAllMethods {
		h.Set("Access-Control-Allow-Methods", strings.Join(familyMethods, ", "))
		return
	}
	if len(p.AllowedMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(p.AllowedMethods, ", "))
	}
}

func (p Policy) applyHeaders(h ResponseHeaders, ex Exchange) {
	if p.AllowAllHeaders {
		requested := ex.RequestedHeaders()
		if requested == "" {
			requested = "*"
		}
		h.Set("Access-Control-Allow-Headers", requested)
		return
	}
	if len(p.AllowedHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(p.AllowedHeaders, ", "))
	}
}

func (p Policy) applyExposedHeaders(h ResponseHeaders) {
	if len(p.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(p.ExposedHeaders, ", "))
	}
}

func (p Policy) applyCredentials(h ResponseHeaders) {
	if p.CredentialsSet {
		if p.AllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		} else {
			h.Set("Access-Control-Allow-Credentials", "false")
		}
	}
}

func (p Policy) applyMaxAge(h ResponseHeaders) {
	if p.MaxAge >= 0 {
		h.Set("Access-Control-Max-Age", itoa(p.MaxAge))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
