// Package pattern compiles endpoint path templates ("/a/{id:int}/b") into
// anchored regular expressions with named captures, per spec §3 and §4.7.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// builtinTypes maps a placeholder type name to the regex fragment it expands
// to. The escape hatch {name:regex:<pattern>} (spec §9 Open Questions) lets
// callers supply an arbitrary fragment directly.
var builtinTypes = map[string]string{
	"string": `[^/]+`,
	"int":    `-?[0-9]+`,
	"uuid":   `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`,
}

// InvalidPatternError is returned by Compile on an unknown placeholder type,
// a duplicate placeholder name, or a malformed template (spec §7).
type InvalidPatternError struct {
	Template string
	Reason   string
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("pattern: invalid template %q: %s", e.Template, e.Reason)
}

// Pattern is the compiled form of a path template: a regular expression
// anchored at both ends with named captures, plus the arity and
// literal-segment counts the Dispatcher uses for ranking (spec §4.8).
type Pattern struct {
	Template string
	re       *regexp.Regexp
	// Arity is the number of placeholders in the template.
	Arity int
	// LiteralSegments is the number of non-placeholder path segments.
	LiteralSegments int
	// names, in declaration order, for deterministic capture iteration.
	names []string
}

// Compile converts a template into a Pattern. A placeholder name occurring
// more than once is rejected (spec §3 invariant).
func Compile(template string) (*Pattern, error) {
	if template == "" || template[0] != '/' {
		return nil, &InvalidPatternError{Template: template, Reason: "must start with /"}
	}
	if template == "/" {
		return &Pattern{Template: template, re: regexp.MustCompile(`^/$`)}, nil
	}

	segments := strings.Split(strings.Trim(template, "/"), "/")
	var reBuilder strings.Builder
	reBuilder.WriteString("^")

	seenNames := make(map[string]struct{})
	arity := 0
	literals := 0
	var names []string

	for i, seg := range segments {
		if i > 0 || template != "/" {
			reBuilder.WriteString("/")
		}
		if seg == "" {
			continue
		}
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			name, fragment, err := compilePlaceholder(seg[1 : len(seg)-1])
			if err != nil {
				return nil, &InvalidPatternError{Template: template, Reason: err.Error()}
			}
			if _, dup := seenNames[name]; dup {
				return nil, &InvalidPatternError{Template: template, Reason: fmt.Sprintf("duplicate placeholder name %q", name)}
			}
			seenNames[name] = struct{}{}
			names = append(names, name)
			arity++
			reBuilder.WriteString(fmt.Sprintf("(?P<%s>%s)", name, fragment))
		} else {
			literals++
			reBuilder.WriteString(regexp.QuoteMeta(seg))
		}
	}
	reBuilder.WriteString("$")

	re, err := regexp.Compile(reBuilder.String())
	if err != nil {
		return nil, &InvalidPatternError{Template: template, Reason: err.Error()}
	}

	return &Pattern{
		Template:        template,
		re:              re,
		Arity:           arity,
		LiteralSegments: literals,
		names:           names,
	}, nil
}

// compilePlaceholder parses "name:type" or "name:regex:<pattern>" into a
// capture name and the regex fragment to embed.
func compilePlaceholder(body string) (name, fragment string, err error) {
	parts := strings.SplitN(body, ":", 3)
	if len(parts) < 2 {
		return "", "", fmt.Errorf("placeholder %q missing :type", body)
	}
	name = parts[0]
	if name == "" {
		return "", "", fmt.Errorf("placeholder has empty name")
	}

	typ := parts[1]
	if typ == "regex" {
		if len(parts) != 3 {
			return "", "", fmt.Errorf("placeholder %q uses :regex: escape hatch without a pattern", body)
		}
		if _, err := regexp.Compile(parts[2]); err != nil {
			return "", "", fmt.Errorf("placeholder %q has invalid regex: %w", body, err)
		}
		return name, parts[2], nil
	}

	frag, ok := builtinTypes[typ]
	if !ok {
		return "", "", fmt.Errorf("placeholder %q has unknown type %q", body, typ)
	}
	return name, frag, nil
}

// Match reports whether path matches the pattern and, if so, returns the
// captured placeholder values keyed by name (spec §8: "Pattern round-trip").
func (p *Pattern) Match(path string) (captures map[string]string, ok bool) {
	m := p.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	if len(p.names) == 0 {
		return map[string]string{}, true
	}
	captures = make(map[string]string, len(p.names))
	for _, name := range p.names {
		idx := p.re.SubexpIndex(name)
		if idx >= 0 && idx < len(m) {
			captures[name] = m[idx]
		}
	}
	return captures, true
}

// Names returns the placeholder names in declaration order.
func (p *Pattern) Names() []string {
	return append([]string(nil), p.names...)
}

// String returns the template this pattern was compiled from, so Patterns
// can key maps without exposing *regexp.Regexp identity as the key.
func (p *Pattern) String() string {
	return p.Template
}
