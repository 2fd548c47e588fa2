package vars

import (
	"fmt"
	"regexp"
	"strings"
)

// Variable is a single scoped entry. Disabled variables are kept for
// display but never take part in resolution.
type Variable struct {
	Key     string
	Value   string
	Enabled bool
}

type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeCollection
	ScopeEnvironment
	ScopeLocal
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeCollection:
		return "collection"
	case ScopeEnvironment:
		return "environment"
	case ScopeLocal:
		return "local"
	default:
		return "unknown"
	}
}

type Provider interface {
	Resolve(name string) (string, bool)
	Label() string
}

type Resolver struct {
	providers []Provider
}

// NewResolver takes providers in priority order, highest first.
func NewResolver(providers ...Provider) *Resolver {
	return &Resolver{providers: providers}
}

func (r *Resolver) Resolve(name string) (string, bool) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", false
	}
	for _, provider := range r.providers {
		if value, ok := provider.Resolve(trimmed); ok {
			return value, true
		}
	}
	return "", false
}

var templateVarPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// ExpandTemplates substitutes every {{name}} token in a single pass.
// Unresolved tokens are left verbatim so the user can see what is
// missing; the first miss is reported as the returned error. Values are
// not re-scanned, so a variable whose value contains {{...}} does not
// expand further.
func (r *Resolver) ExpandTemplates(input string) (string, error) {
	var firstErr error
	result := templateVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := templateVarPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		name := strings.TrimSpace(sub[1])
		if name == "" {
			return match
		}
		if value, ok := r.Resolve(name); ok {
			return value
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("undefined variable: %s", name)
		}
		return match
	})
	return result, firstErr
}

type scopeProvider struct {
	values map[string]string
	label  string
}

// NewScopeProvider exposes the enabled entries of one scope. Lookups
// are case-sensitive; on duplicate keys within a scope the last enabled
// entry wins.
func NewScopeProvider(scope Scope, variables []Variable) Provider {
	return &scopeProvider{values: Values(variables), label: scope.String()}
}

func NewMapProvider(label string, values map[string]string) Provider {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &scopeProvider{values: copied, label: label}
}

func (p *scopeProvider) Resolve(name string) (string, bool) {
	value, ok := p.values[name]
	return value, ok
}

func (p *scopeProvider) Label() string {
	return p.label
}

// Values flattens a variable list to its enabled key/value pairs.
func Values(variables []Variable) map[string]string {
	out := make(map[string]string, len(variables))
	for _, v := range variables {
		if !v.Enabled {
			continue
		}
		out[v.Key] = v.Value
	}
	return out
}

// ScopeSet bundles the four layered scopes of a run.
type ScopeSet struct {
	Global      []Variable
	Collection  []Variable
	Environment []Variable
	Local       []Variable
}

// Resolver builds the layered resolver, Local shadowing Environment
// shadowing Collection shadowing Global.
func (s ScopeSet) Resolver() *Resolver {
	return NewResolver(
		NewScopeProvider(ScopeLocal, s.Local),
		NewScopeProvider(ScopeEnvironment, s.Environment),
		NewScopeProvider(ScopeCollection, s.Collection),
		NewScopeProvider(ScopeGlobal, s.Global),
	)
}
