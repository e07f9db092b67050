// Package dispatch implements the Dispatcher (C8, spec §4.8): the per-request
// pipeline that matches an incoming exchange against the Route Registry,
// filters by the Requirement Catalogue, ranks surviving candidates, runs the
// Middleware Engine's chain, invokes the handler, and closes the exchange.
package dispatch

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/google/uuid"

	"github.com/latticehttp/lattice/exchange"
	"github.com/latticehttp/lattice/middleware"
	"github.com/latticehttp/lattice/requirement"
	"github.com/latticehttp/lattice/router"
	"github.com/latticehttp/lattice/scheme"
)

// NotFoundError means no registered mapping's pattern matched the path at
// all (spec §4.8: "no pattern matches the path -> 404"), or that the
// mappings whose pattern matched all failed a requirement other than the
// method alone.
type NotFoundError struct{ Path string }

func (e *NotFoundError) Error() string { return "dispatch: no route matches path " + e.Path }

// MethodNotAllowedError means no mapping survived requirement filtering and
// at least one mapping whose pattern matched the path failed only its method
// requirement (HTTP family only) (spec §4.8:
// "a pattern matches but every match fails the method requirement -> 405").
type MethodNotAllowedError struct {
	Path    string
	Allowed []string
}

func (e *MethodNotAllowedError) Error() string {
	return "dispatch: method not allowed for " + e.Path
}

// HandlerPanic wraps a panic recovered from inside a mapping's middleware
// chain or handler (spec §7: "uncaught error inside a handler; caught by
// the dispatcher, logged as error with a correlation id, surfaced as 500
// with no body by default unless a prior middleware wrote a response").
type HandlerPanic struct {
	CorrelationID string
	Recovered     any
}

func (e *HandlerPanic) Error() string {
	return fmt.Sprintf("dispatch: handler panic [%s]: %v", e.CorrelationID, e.Recovered)
}

// Dispatcher owns a Registry, Catalogue, and Engine and runs the full
// match -> filter -> rank -> middleware -> invoke -> close pipeline for one
// family at a time.
type Dispatcher struct {
	Registry   *router.Registry
	Catalogue  *requirement.Catalogue
	Middleware *middleware.Engine
	Logger     *slog.Logger
}

// New returns a Dispatcher wired to the given collaborators.
func New(registry *router.Registry, catalogue *requirement.Catalogue, engine *middleware.Engine) *Dispatcher {
	return &Dispatcher{Registry: registry, Catalogue: catalogue, Middleware: engine}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// runChain invokes chain(ex), recovering any panic into a HandlerPanic
// (spec §7). If headers have not yet been sent, it surfaces a bare 500; a
// handler that already wrote a partial response before panicking is left as
// is, per spec §7's "unless a prior middleware wrote a response".
func (d *Dispatcher) runChain(chain exchange.HandlerFunc, ex *exchange.Exchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			corrID := uuid.New().String()
			d.logger().Error("handler panic",
				slog.String("correlation_id", corrID),
				slog.Any("recovered", r))
			err = &HandlerPanic{CorrelationID: corrID, Recovered: r}
			if !ex.HeadersSent() {
				_ = ex.SetStatus(http.StatusInternalServerError)
				_ = ex.SendHeaders(0)
			}
		}
	}()
	return chain(ex)
}

// candidate pairs a matched mapping with the placeholder captures its
// pattern produced, so ranking and binding don't re-run Match.
type candidate struct {
	mapping  *router.Mapping
	captures map[string]string
}

// resolve runs match -> filter -> rank for one family and path, returning
// the single winning candidate (spec §4.8 steps 1-3).
func (d *Dispatcher) resolve(family scheme.Family, path string, src requirement.Source) (*candidate, error) {
	mappings := d.Registry.Candidates(family)

	var survivors []*candidate
	var methodOnlyFailure bool
	for _, m := range mappings {
		captures, ok := m.Pattern.Match(path)
		if !ok {
			continue
		}
		if d.satisfiesRequirements(m, family, src) {
			survivors = append(survivors, &candidate{mapping: m, captures: captures})
			continue
		}
		if d.satisfiesRequirementsIgnoringMethod(m, family, src) {
			methodOnlyFailure = true
		}
	}

	if len(survivors) == 0 {
		if methodOnlyFailure && family == scheme.HTTPFamily {
			return nil, &MethodNotAllowedError{Path: path, Allowed: allowedMethods(mappings, path)}
		}
		return nil, &NotFoundError{Path: path}
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return rankLess(survivors[i].mapping, survivors[j].mapping)
	})
	return survivors[0], nil
}

// satisfiesRequirements evaluates every applicable descriptor in
// registration order, short-circuiting on the first failure (spec §4.1,
// §5: "requirement evaluation order ... is the registration order of
// descriptors for that family").
func (d *Dispatcher) satisfiesRequirements(m *router.Mapping, family scheme.Family, src requirement.Source) bool {
	for _, desc := range d.Catalogue.Applicable(family) {
		info, declared := m.Requirements[desc.Name]
		if !declared && desc.Kind == requirement.FLAG {
			continue // FLAG requirement not declared on this mapping: vacuous
		}
		if !desc.Applies(info.Values, src) {
			return false
		}
	}
	return true
}

// satisfiesRequirementsIgnoringMethod is satisfiesRequirements with the
// "method" descriptor skipped, used to tell 404 apart from 405: a mapping
// only contributes to a 405 when method is the sole failing discriminator
// (spec §4.8 step 2; spec §8 scenario 3: a header requirement failing must
// still yield 404, not 405).
func (d *Dispatcher) satisfiesRequirementsIgnoringMethod(m *router.Mapping, family scheme.Family, src requirement.Source) bool {
	for _, desc := range d.Catalogue.Applicable(family) {
		if desc.Name == "method" {
			continue
		}
		info, declared := m.Requirements[desc.Name]
		if !declared && desc.Kind == requirement.FLAG {
			continue
		}
		if !desc.Applies(info.Values, src) {
			return false
		}
	}
	return true
}

// rankLess implements spec §4.8d's total order: priority descending,
// literal-segment count descending, placeholder count ascending, insertion
// order ascending.
func rankLess(a, b *router.Mapping) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Pattern.LiteralSegments != b.Pattern.LiteralSegments {
		return a.Pattern.LiteralSegments > b.Pattern.LiteralSegments
	}
	if a.Pattern.Arity != b.Pattern.Arity {
		return a.Pattern.Arity < b.Pattern.Arity
	}
	return a.InsertionOrder() < b.InsertionOrder()
}

// allowedMethods collects the declared method values of every mapping whose
// pattern matches path, for building a 405 response's Allow header.
func allowedMethods(mappings []*router.Mapping, path string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range mappings {
		if _, ok := m.Pattern.Match(path); !ok {
			continue
		}
		info, ok := m.Requirements["method"]
		if !ok {
			continue
		}
		for _, v := range info.Values {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// DispatchHTTP runs the full pipeline for an HTTP-family exchange: resolve
// the winning mapping, bind its captures, build and run its middleware
// chain, invoke the handler, then close the exchange (spec §4.8).
func (d *Dispatcher) DispatchHTTP(req *http.Request, ex *exchange.Exchange) error {
	src := requirement.HeaderValueSource{Req: req}
	cand, err := d.resolve(scheme.HTTPFamily, req.URL.Path, src)
	if err != nil {
		ex.Close()
		return err
	}

	ex.SetParams(cand.captures)
	ex.CORS = cand.mapping.CORSPolicy()

	chain, err := d.Middleware.Build(scheme.HTTPFamily, cand.mapping.MiddlewareRefs, cand.mapping.Handler)
	if err != nil {
		ex.Close()
		return err
	}

	err = d.runChain(chain, ex)
	ex.Close()
	return err
}

// DispatchWS runs the pipeline for a single inbound WS frame against the
// WS-family registry, reusing the frame's opcode/header/cookie/query context
// for requirement evaluation (spec §4.1: "websocket-opcode" descriptor).
func (d *Dispatcher) DispatchWS(req *http.Request, opcode string, ex *exchange.Exchange) error {
	src := requirement.WSValueSource{HeaderValueSource: requirement.HeaderValueSource{Req: req}, FrameOpcode: opcode}
	cand, err := d.resolve(scheme.WSFamily, req.URL.Path, src)
	if err != nil {
		ex.Close()
		return err
	}

	ex.SetParams(cand.captures)

	chain, err := d.Middleware.Build(scheme.WSFamily, cand.mapping.MiddlewareRefs, cand.mapping.Handler)
	if err != nil {
		ex.Close()
		return err
	}

	err = d.runChain(chain, ex)
	ex.Close()
	return err
}
