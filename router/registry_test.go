package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehttp/lattice/pattern"
	"github.com/latticehttp/lattice/requirement"
	"github.com/latticehttp/lattice/scheme"
)

func mustPattern(t *testing.T, tmpl string) *pattern.Pattern {
	t.Helper()
	p, err := pattern.Compile(tmpl)
	require.NoError(t, err)
	return p
}

func TestRegistry_RegisterAndCandidates(t *testing.T) {
	r := NewRegistry()
	m1 := &Mapping{Family: scheme.HTTPFamily, Pattern: mustPattern(t, "/users/{id:int}"), HandlerRef: "h1"}
	m2 := &Mapping{Family: scheme.HTTPFamily, Pattern: mustPattern(t, "/users"), HandlerRef: "h2"}

	require.NoError(t, r.Register(m1))
	require.NoError(t, r.Register(m2))

	cands := r.Candidates(scheme.HTTPFamily)
	require.Len(t, cands, 2)
	assert.Equal(t, uint64(1), cands[0].InsertionOrder())
	assert.Equal(t, uint64(2), cands[1].InsertionOrder())
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	m1 := &Mapping{
		Family:       scheme.HTTPFamily,
		Pattern:      mustPattern(t, "/users/{id:int}"),
		Priority:     NORMAL,
		Requirements: map[string]requirement.Info{"method": {Name: "method", Kind: requirement.FLAG, Values: []string{"GET"}}},
	}
	m2 := &Mapping{
		Family:       scheme.HTTPFamily,
		Pattern:      mustPattern(t, "/users/{id:int}"),
		Priority:     NORMAL,
		Requirements: map[string]requirement.Info{"method": {Name: "method", Kind: requirement.FLAG, Values: []string{"GET"}}},
	}

	require.NoError(t, r.Register(m1))
	err := r.Register(m2)
	require.Error(t, err)
	var dupErr *DuplicateMappingError
	assert.ErrorAs(t, err, &dupErr)
}

func TestRegistry_AllowsDifferingMethodSets(t *testing.T) {
	r := NewRegistry()
	get := &Mapping{
		Family:       scheme.HTTPFamily,
		Pattern:      mustPattern(t, "/users/{id:int}"),
		Requirements: map[string]requirement.Info{"method": {Name: "method", Kind: requirement.FLAG, Values: []string{"GET"}}},
	}
	post := &Mapping{
		Family:       scheme.HTTPFamily,
		Pattern:      mustPattern(t, "/users/{id:int}"),
		Requirements: map[string]requirement.Info{"method": {Name: "method", Kind: requirement.FLAG, Values: []string{"POST"}}},
	}

	require.NoError(t, r.Register(get))
	require.NoError(t, r.Register(post))
	assert.Len(t, r.Candidates(scheme.HTTPFamily), 2)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	ref := "owner"
	m1 := &Mapping{Family: scheme.HTTPFamily, Pattern: mustPattern(t, "/a"), HandlerRef: ref}
	m2 := &Mapping{Family: scheme.HTTPFamily, Pattern: mustPattern(t, "/b"), HandlerRef: ref}
	m3 := &Mapping{Family: scheme.HTTPFamily, Pattern: mustPattern(t, "/c"), HandlerRef: "other"}

	require.NoError(t, r.Register(m1))
	require.NoError(t, r.Register(m2))
	require.NoError(t, r.Register(m3))

	removed := r.Unregister(ref)
	assert.Equal(t, 2, removed)
	assert.Len(t, r.Candidates(scheme.HTTPFamily), 1)
	assert.Equal(t, 0, r.Unregister(ref))
}

func TestRegistry_CandidatesIsolatesCaller(t *testing.T) {
	r := NewRegistry()
	m := &Mapping{Family: scheme.WSFamily, Pattern: mustPattern(t, "/ws")}
	require.NoError(t, r.Register(m))

	cands := r.Candidates(scheme.WSFamily)
	cands[0] = nil
	assert.NotNil(t, r.Candidates(scheme.WSFamily)[0])
}
