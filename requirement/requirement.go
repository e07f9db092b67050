// Package requirement implements the Requirement Catalogue (spec §3, §4.1):
// a stateless-after-init table of name -> (extractor, comparator) descriptors
// that the Dispatcher applies to filter candidate endpoint mappings.
package requirement

import (
	"fmt"
	"net/http"

	"github.com/latticehttp/lattice/scheme"
)

// Kind distinguishes a boolean presence flag from a value-carrying
// requirement, mirroring spec §3's RequirementInfo.kind.
type Kind int

const (
	// FLAG requirements carry no values; their mere presence on a mapping
	// changes dispatch behavior (e.g. "this mapping only matches TEXT frames").
	FLAG Kind = iota
	// STORING requirements carry an ordered, deduplicated list of values
	// (e.g. the set of acceptable methods, content types, header names).
	STORING
)

// Info is the per-mapping attachment produced at registration time by
// scanning the handler's declarative annotations (spec §3: "RequirementInfo").
type Info struct {
	Name   string
	Kind   Kind
	Values []string
}

// Merge concatenates other's values into a copy of i, preserving order and
// deduplicating, per spec §4.1 ("merging two RequirementInfo values with the
// same name concatenates their values preserving order, deduplicated").
func (i Info) Merge(other Info) Info {
	seen := make(map[string]struct{}, len(i.Values)+len(other.Values))
	out := make([]string, 0, len(i.Values)+len(other.Values))
	for _, v := range append(append([]string{}, i.Values...), other.Values...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return Info{Name: i.Name, Kind: i.Kind, Values: out}
}

// Source exposes the fields of an in-flight request or WS message that
// built-in and user descriptors inspect. It is intentionally narrow: pattern
// matching and requirement evaluation must stay non-blocking (spec §5).
type Source interface {
	Method() string
	Host() string
	Header(name string) (string, bool)
	HasHeader(name string) bool
	Cookie(name string) (string, bool)
	HasCookie(name string) bool
	QueryParam(name string) (string, bool)
	HasQueryParam(name string) bool
	ContentType() string
	// Opcode is only meaningful for WS-family sources; HTTP sources return
	// ("", false).
	Opcode() (string, bool)
}

// Descriptor is a named predicate attached to a mapping and applied at
// dispatch time (spec §3, GLOSSARY).
type Descriptor struct {
	Name   string
	Kind   Kind
	Family scheme.Family
	// Applies returns true iff the requirement is satisfied. values is the
	// mapping's declared Info.Values for this descriptor (empty for FLAG).
	Applies func(values []string, src Source) bool
}

// DuplicateRequirementError is returned by Register on a name collision
// (spec §7).
type DuplicateRequirementError struct {
	Name string
}

func (e *DuplicateRequirementError) Error() string {
	return fmt.Sprintf("requirement: duplicate descriptor name %q", e.Name)
}

// Catalogue stores descriptors by name. It is append-only at runtime: once a
// name is registered, re-registering it with a different implementation
// fails (spec §3: "Catalogue is append-only").
type Catalogue struct {
	byName map[string]*Descriptor
	// order preserves registration order per family for deterministic
	// evaluation (spec §5: "Requirement evaluation order within one mapping
	// is the registration order of descriptors for that family").
	order []string
}

// NewCatalogue returns an empty catalogue. Use NewDefaultCatalogue to start
// from the built-in descriptor set.
func NewCatalogue() *Catalogue {
	return &Catalogue{byName: make(map[string]*Descriptor)}
}

// Register adds a descriptor, failing with *DuplicateRequirementError on a
// name collision (spec §4.1).
func (c *Catalogue) Register(d *Descriptor) error {
	if _, exists := c.byName[d.Name]; exists {
		return &DuplicateRequirementError{Name: d.Name}
	}
	c.byName[d.Name] = d
	c.order = append(c.order, d.Name)
	return nil
}

// Lookup returns the descriptor registered under name, or nil if absent.
func (c *Catalogue) Lookup(name string) *Descriptor {
	return c.byName[name]
}

// Applicable returns every descriptor that applies to the given family, in
// registration order (spec §4.1).
func (c *Catalogue) Applicable(family scheme.Family) []*Descriptor {
	out := make([]*Descriptor, 0, len(c.order))
	for _, name := range c.order {
		d := c.byName[name]
		if d.Family == family {
			out = append(out, d)
		}
	}
	return out
}

// NewDefaultCatalogue returns a Catalogue pre-populated with the built-in
// descriptors named in spec §3: method, content-type, headers-present,
// cookie-present, query-parameter-present, body-type, domain,
// websocket-opcode.
func NewDefaultCatalogue() *Catalogue {
	c := NewCatalogue()
	for _, d := range builtins() {
		// Built-ins never collide by construction; a panic here would be a
		// programming error in this package, not a caller mistake.
		if err := c.Register(d); err != nil {
			panic(err)
		}
	}
	return c
}

func builtins() []*Descriptor {
	return []*Descriptor{
		methodDescriptor(),
		contentTypeDescriptor(),
		headersPresentDescriptor(),
		cookiePresentDescriptor(),
		queryParameterPresentDescriptor(),
		bodyTypeDescriptor(),
		domainDescriptor(),
		websocketOpcodeDescriptor(),
	}
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if equalFold(v, want) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func methodDescriptor() *Descriptor {
	return &Descriptor{
		Name:   "method",
		Kind:   STORING,
		Family: scheme.HTTPFamily,
		Applies: func(values []string, src Source) bool {
			if len(values) == 0 {
				return true // vacuously satisfied
			}
			return containsFold(values, src.Method())
		},
	}
}

func contentTypeDescriptor() *Descriptor {
	return &Descriptor{
		Name:   "content-type",
		Kind:   STORING,
		Family: scheme.HTTPFamily,
		Applies: func(values []string, src Source) bool {
			if len(values) == 0 {
				return true
			}
			ct := src.ContentType()
			for _, v := range values {
				if matchesMediaType(ct, v) {
					return true
				}
			}
			return false
		},
	}
}

// matchesMediaType compares ignoring parameters (e.g. "application/json" vs
// "application/json; charset=utf-8").
func matchesMediaType(got, want string) bool {
	g := mediaTypeOnly(got)
	w := mediaTypeOnly(want)
	return equalFold(g, w)
}

func mediaTypeOnly(ct string) string {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return trimSpace(ct[:i])
		}
	}
	return trimSpace(ct)
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' }

func headersPresentDescriptor() *Descriptor {
	return &Descriptor{
		Name:   "headers-present",
		Kind:   STORING,
		Family: scheme.HTTPFamily,
		Applies: func(values []string, src Source) bool {
			for _, h := range values {
				if !src.HasHeader(h) {
					return false
				}
			}
			return true
		},
	}
}

func cookiePresentDescriptor() *Descriptor {
	return &Descriptor{
		Name:   "cookie-present",
		Kind:   STORING,
		Family: scheme.HTTPFamily,
		Applies: func(values []string, src Source) bool {
			for _, name := range values {
				if !src.HasCookie(name) {
					return false
				}
			}
			return true
		},
	}
}

func queryParameterPresentDescriptor() *Descriptor {
	return &Descriptor{
		Name:   "query-parameter-present",
		Kind:   STORING,
		Family: scheme.HTTPFamily,
		Applies: func(values []string, src Source) bool {
			for _, name := range values {
				if !src.HasQueryParam(name) {
					return false
				}
			}
			return true
		},
	}
}

func bodyTypeDescriptor() *Descriptor {
	return &Descriptor{
		Name:   "body-type",
		Kind:   STORING,
		Family: scheme.HTTPFamily,
		Applies: func(values []string, src Source) bool {
			if len(values) == 0 {
				return true
			}
			ct := src.ContentType()
			for _, v := range values {
				if matchesMediaType(ct, v) {
					return true
				}
			}
			return false
		},
	}
}

func domainDescriptor() *Descriptor {
	return &Descriptor{
		Name:   "domain",
		Kind:   STORING,
		Family: scheme.HTTPFamily,
		Applies: func(values []string, src Source) bool {
			if len(values) == 0 {
				return true
			}
			host := stripPort(src.Host())
			return containsFold(values, host)
		},
	}
}

func stripPort(host string) string {
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
		if host[i] == ']' { // IPv6 literal without port
			return host
		}
	}
	return host
}

func websocketOpcodeDescriptor() *Descriptor {
	return &Descriptor{
		Name:   "websocket-opcode",
		Kind:   STORING,
		Family: scheme.WSFamily,
		Applies: func(values []string, src Source) bool {
			if len(values) == 0 {
				return true
			}
			op, ok := src.Opcode()
			if !ok {
				return false
			}
			return containsFold(values, op)
		},
	}
}

// HeaderValueSource adapts an *http.Request to the requirement.Source
// interface used during HTTP dispatch.
// It is a thin struct, not an interface implementation living in net/http,
// because spec §3 needs a stable, test-friendly seam.
type HeaderValueSource struct {
	Req *http.Request
}

func (s HeaderValueSource) Method() string { return s.Req.Method }
func (s HeaderValueSource) Host() string   { return s.Req.Host }

func (s HeaderValueSource) Header(name string) (string, bool) {
	v := s.Req.Header.Get(name)
	if v == "" {
		if _, ok := s.Req.Header[http.CanonicalHeaderKey(name)]; !ok {
			return "", false
		}
	}
	return v, true
}

func (s HeaderValueSource) HasHeader(name string) bool {
	_, ok := s.Req.Header[http.CanonicalHeaderKey(name)]
	return ok
}

func (s HeaderValueSource) Cookie(name string) (string, bool) {
	c, err := s.Req.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

func (s HeaderValueSource) HasCookie(name string) bool {
	_, err := s.Req.Cookie(name)
	return err == nil
}

func (s HeaderValueSource) QueryParam(name string) (string, bool) {
	vals := s.Req.URL.Query()
	v, ok := vals[name]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

func (s HeaderValueSource) HasQueryParam(name string) bool {
	_, ok := s.Req.URL.Query()[name]
	return ok
}

func (s HeaderValueSource) ContentType() string {
	return s.Req.Header.Get("Content-Type")
}

func (s HeaderValueSource) Opcode() (string, bool) { return "", false }

// WSValueSource adapts an inbound WS frame (plus the upgrade request it rode
// in on, for header/cookie/query access) to requirement.Source.
type WSValueSource struct {
	HeaderValueSource
	FrameOpcode string
}

func (s WSValueSource) Opcode() (string, bool) { return s.FrameOpcode, true }
