// Package router implements the Route Registry (C7, spec §4.7): the
// endpoint-mapping data model, storage keyed by scheme family, and the
// reverse index used for unregistration.
package router

import (
	"github.com/latticehttp/lattice/cors"
	"github.com/latticehttp/lattice/exchange"
	"github.com/latticehttp/lattice/pattern"
	"github.com/latticehttp/lattice/requirement"
	"github.com/latticehttp/lattice/scheme"
)

// Priority totally orders endpoint mappings for ranking (spec §3, §4.8).
// Higher numeric value sorts first (descending).
type Priority int

const (
	LOWEST Priority = iota
	LOW
	NORMAL
	HIGH
	HIGHEST
)

// MiddlewareDescriptor names a middleware class to resolve for a mapping
// (spec §3: "middleware_refs: ordered sequence of middleware descriptors").
// The actual instance is resolved by the Middleware Engine (package
// middleware) against this descriptor's Name.
type MiddlewareDescriptor struct {
	Name   string
	Family scheme.Family
}

// Mapping is the registry's unit (spec §3: "Endpoint Mapping").
type Mapping struct {
	// Family selects which requirement catalogue and global middleware list
	// apply.
	Family scheme.Family

	// Pattern is the compiled path template.
	Pattern *pattern.Pattern

	// Handler is invoked once the mapping is selected and the middleware
	// chain does not cancel. Placeholder captures are bound into the
	// exchange before Handler runs (spec §9: binding captures by name, not
	// reflection).
	Handler exchange.HandlerFunc

	// HandlerRef is an opaque, comparable token identifying the owning
	// handler for unregistration (spec §3: "handler_ref"). Two mappings
	// sharing a HandlerRef are removed together by Unregister.
	HandlerRef any

	Priority Priority

	// Requirements maps requirement name -> declared Info (spec §3).
	Requirements map[string]requirement.Info

	// MiddlewareRefs is the ordered middleware sequence for this mapping.
	// The caller sets it; router.Registry.Register stores it as given, and
	// the Middleware Engine (spec §4.6) resolves each name when it builds
	// the chain at dispatch time.
	MiddlewareRefs []MiddlewareDescriptor

	// CORS, if non-nil, overrides the Exchange's default cors.Policy for
	// requests dispatched to this mapping (spec §4.2: "CORS policy on a
	// response: owned by the response view"). A nil CORS gives the
	// Exchange cors.New()'s default-deny policy (CORS disabled).
	CORS *cors.Policy

	// insertionOrder is assigned by the Registry and used as the final,
	// stable tie-breaker in ranking (spec §4.8d).
	insertionOrder uint64
}

// InsertionOrder exposes the registry-assigned sequence number.
func (m *Mapping) InsertionOrder() uint64 { return m.insertionOrder }

// CORSPolicy returns the mapping's declared CORS policy, or cors.New()
// (disabled) if none was set.
func (m *Mapping) CORSPolicy() cors.Policy {
	if m.CORS == nil {
		return cors.New()
	}
	return *m.CORS
}

// methodSet returns the mapping's declared method set (possibly empty,
// meaning "no method restriction"), used for the duplicate-endpoint
// invariant and for 405-vs-404 classification (spec §3, §4.8).
func (m *Mapping) methodSet() []string {
	if info, ok := m.Requirements["method"]; ok {
		return info.Values
	}
	return nil
}

// sameRequirementSet reports whether m and other declare the identical set
// of requirement names with identical values, used by the duplicate-endpoint
// invariant (spec §3).
func (m *Mapping) sameRequirementSet(other *Mapping) bool {
	if len(m.Requirements) != len(other.Requirements) {
		return false
	}
	for name, info := range m.Requirements {
		o, ok := other.Requirements[name]
		if !ok || o.Kind != info.Kind || !sameStringSet(info.Values, o.Values) {
			return false
		}
	}
	return true
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		if seen[v] == 0 {
			return false
		}
		seen[v]--
	}
	return true
}

// isDuplicateOf implements the spec §3 invariant: "Two mappings in the same
// family with the identical pattern, method set, priority, and requirement
// set are rejected at registration."
func (m *Mapping) isDuplicateOf(other *Mapping) bool {
	return m.Family == other.Family &&
		m.Pattern.Template == other.Pattern.Template &&
		m.Priority == other.Priority &&
		sameStringSet(m.methodSet(), other.methodSet()) &&
		m.sameRequirementSet(other)
}
