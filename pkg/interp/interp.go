// Package interp expands {{var}} and {{fn(arg)}} templates against
// layered variable scopes, with resolver functions contributed by
// builtins and plugins.
package interp

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/log"
)

// Resolver produces a string value for one templated expression. The
// argument is the raw text between the parentheses, untrimmed of inner
// quotes.
type Resolver func(ctx context.Context, arg string) (string, error)

// placeholder matches {{ ... }} with optional surrounding whitespace.
var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// call matches a resolver invocation, e.g. env(HOME) or uuid().
var call = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.-]*)\((.*)\)$`)

// Registry maps resolver names to functions. Plugins register at load
// time; later registrations shadow earlier ones.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewRegistry returns a registry preloaded with the builtin resolvers.
func NewRegistry() *Registry {
	r := &Registry{resolvers: map[string]Resolver{}}
	for name, fn := range builtins() {
		r.resolvers[name] = fn
	}
	return r
}

// Register installs a resolver. Shadowing an existing name is allowed
// and logged.
func (r *Registry) Register(name string, fn Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resolvers[name]; ok {
		log.Logger.Warnw("resolver shadowed", "name", name)
	}
	r.resolvers[name] = fn
}

// Lookup returns the resolver for name.
func (r *Registry) Lookup(name string) (Resolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.resolvers[name]
	return fn, ok
}

// Names returns the registered resolver names, for introspection.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.resolvers))
	for name := range r.resolvers {
		out = append(out, name)
	}
	return out
}

// Result is the outcome of one template expansion.
type Result struct {
	Output string
	// Unresolved lists the placeholder expressions left intact because
	// no variable or resolver matched.
	Unresolved []string
}

// Interpolate expands every placeholder in template. Plain names are
// looked up in variables (layering is the caller's concern); call
// expressions go through the registry. An unknown name leaves the
// placeholder untouched and is reported in Result.Unresolved. A
// resolver error aborts the expansion.
func (r *Registry) Interpolate(ctx context.Context, template string, variables map[string]any) (Result, error) {
	var res Result
	var resolveErr error

	res.Output = placeholder.ReplaceAllStringFunc(template, func(match string) string {
		if resolveErr != nil {
			return match
		}
		expr := strings.TrimSpace(placeholder.FindStringSubmatch(match)[1])

		if m := call.FindStringSubmatch(expr); m != nil {
			fn, ok := r.Lookup(m[1])
			if !ok {
				res.Unresolved = append(res.Unresolved, expr)
				return match
			}
			out, err := fn(ctx, strings.TrimSpace(m[2]))
			if err != nil {
				resolveErr = errdefs.Wrap(errdefs.CodeExecute, fmt.Sprintf("resolver %q failed", m[1]), err)
				return match
			}
			return out
		}

		if v, ok := variables[expr]; ok {
			return stringify(v)
		}
		res.Unresolved = append(res.Unresolved, expr)
		return match
	})

	if resolveErr != nil {
		return Result{}, resolveErr
	}
	return res, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing fraction.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
