// Package bodyparser defines the body-parser registry contract the core
// consumes but never implements (spec §1: "the body-parser registry (only
// its lookup contract is consumed by the core)"; spec §6: "lookup(content-
// type) -> parser | None; parse(parser, request, stream) -> body-value |
// None. Core holds only the reference; registration and implementation live
// outside the core.").
package bodyparser

import "io"

// Parser decodes a request body stream into an application-defined value.
// Host processes implement and register Parsers; the core only ever calls
// Lookup and Parse through a Registry reference.
type Parser interface {
	Parse(r io.Reader) (any, error)
}

// ParserFunc adapts a plain function to the Parser interface.
type ParserFunc func(r io.Reader) (any, error)

func (f ParserFunc) Parse(r io.Reader) (any, error) { return f(r) }

// Registry maps a content type to the Parser that decodes it. It is the
// "reference" the core holds (spec §6): the Dispatcher/Exchange never parse
// a body themselves, they look up a registered Parser and delegate to it.
type Registry struct {
	byContentType map[string]Parser
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byContentType: make(map[string]Parser)}
}

// Register associates contentType with p, replacing any previous parser for
// the same content type.
func (r *Registry) Register(contentType string, p Parser) {
	r.byContentType[contentType] = p
}

// Lookup returns the Parser registered for contentType, or (nil, false) if
// none was registered (spec §6: "lookup(content-type) -> parser | None").
func (r *Registry) Lookup(contentType string) (Parser, bool) {
	p, ok := r.byContentType[contentType]
	return p, ok
}

// Parse resolves contentType to a Parser and runs it against r, returning
// (nil, false) if no parser is registered for that content type (spec §6:
// "parse(parser, request, stream) -> body-value | None").
func (r *Registry) Parse(contentType string, body io.Reader) (any, bool, error) {
	p, ok := r.Lookup(contentType)
	if !ok {
		return nil, false, nil
	}
	v, err := p.Parse(body)
	if err != nil {
		return nil, true, err
	}
	return v, true, nil
}
