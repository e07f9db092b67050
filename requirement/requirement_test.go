package requirement

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehttp/lattice/scheme"
)

func TestInfo_MergeDeduplicatesPreservingOrder(t *testing.T) {
	a := Info{Name: "method", Kind: STORING, Values: []string{"GET", "POST"}}
	b := Info{Name: "method", Kind: STORING, Values: []string{"POST", "PUT"}}

	merged := a.Merge(b)
	assert.Equal(t, []string{"GET", "POST", "PUT"}, merged.Values)
}

func TestCatalogue_RegisterRejectsDuplicateName(t *testing.T) {
	c := NewCatalogue()
	d := &Descriptor{Name: "x", Family: scheme.HTTPFamily, Applies: func([]string, Source) bool { return true }}
	require.NoError(t, c.Register(d))

	err := c.Register(d)
	require.Error(t, err)
	var dupErr *DuplicateRequirementError
	assert.ErrorAs(t, err, &dupErr)
}

func TestCatalogue_ApplicableFiltersByFamilyInOrder(t *testing.T) {
	c := NewCatalogue()
	httpOnly := &Descriptor{Name: "h1", Family: scheme.HTTPFamily, Applies: func([]string, Source) bool { return true }}
	wsOnly := &Descriptor{Name: "w1", Family: scheme.WSFamily, Applies: func([]string, Source) bool { return true }}
	httpAgain := &Descriptor{Name: "h2", Family: scheme.HTTPFamily, Applies: func([]string, Source) bool { return true }}

	require.NoError(t, c.Register(httpOnly))
	require.NoError(t, c.Register(wsOnly))
	require.NoError(t, c.Register(httpAgain))

	got := c.Applicable(scheme.HTTPFamily)
	require.Len(t, got, 2)
	assert.Equal(t, "h1", got[0].Name)
	assert.Equal(t, "h2", got[1].Name)
}

func TestMethodDescriptor_VacuousWhenNoValuesDeclared(t *testing.T) {
	d := NewDefaultCatalogue().Lookup("method")
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	src := HeaderValueSource{Req: req}
	assert.True(t, d.Applies(nil, src))
}

func TestMethodDescriptor_CaseInsensitiveMatch(t *testing.T) {
	d := NewDefaultCatalogue().Lookup("method")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	src := HeaderValueSource{Req: req}
	assert.True(t, d.Applies([]string{"get"}, src))
	assert.False(t, d.Applies([]string{"post"}, src))
}

func TestContentTypeDescriptor_IgnoresParameters(t *testing.T) {
	d := NewDefaultCatalogue().Lookup("content-type")
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	src := HeaderValueSource{Req: req}
	assert.True(t, d.Applies([]string{"application/json"}, src))
}

func TestDomainDescriptor_StripsPort(t *testing.T) {
	d := NewDefaultCatalogue().Lookup("domain")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "example.com:8443"
	src := HeaderValueSource{Req: req}
	assert.True(t, d.Applies([]string{"example.com"}, src))
}

func TestHeadersPresentDescriptor_RequiresAll(t *testing.T) {
	d := NewDefaultCatalogue().Lookup("headers-present")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-One", "a")
	src := HeaderValueSource{Req: req}
	assert.False(t, d.Applies([]string{"X-One", "X-Two"}, src))
	req.Header.Set("X-Two", "b")
	assert.True(t, d.Applies([]string{"X-One", "X-Two"}, src))
}

func TestCookiePresentDescriptor(t *testing.T) {
	d := NewDefaultCatalogue().Lookup("cookie-present")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	src := HeaderValueSource{Req: req}
	assert.False(t, d.Applies([]string{"session"}, src))
	req.AddCookie(&http.Cookie{Name: "session", Value: "x"})
	assert.True(t, d.Applies([]string{"session"}, src))
}

func TestQueryParameterPresentDescriptor(t *testing.T) {
	d := NewDefaultCatalogue().Lookup("query-parameter-present")
	req := httptest.NewRequest(http.MethodGet, "/?a=1", nil)
	src := HeaderValueSource{Req: req}
	assert.True(t, d.Applies([]string{"a"}, src))
	assert.False(t, d.Applies([]string{"b"}, src))
}

func TestWebsocketOpcodeDescriptor(t *testing.T) {
	d := NewDefaultCatalogue().Lookup("websocket-opcode")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	src := WSValueSource{HeaderValueSource: HeaderValueSource{Req: req}, FrameOpcode: "TEXT"}
	assert.True(t, d.Applies([]string{"text"}, src))

	httpSrc := HeaderValueSource{Req: req}
	assert.False(t, d.Applies([]string{"text"}, httpSrc))
}
