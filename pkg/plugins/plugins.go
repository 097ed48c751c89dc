// Package plugins hosts the hook contract the execution engine invokes
// at fixed pipeline stages, plus plugin-supplied template resolvers.
package plugins

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/interp"
)

// Stage is a fixed point in the execution pipeline.
type Stage string

const (
	StageParseAfter      Stage = "parse.after"
	StageValidate        Stage = "validate"
	StageRequestBefore   Stage = "request.before"
	StageRequestCompiled Stage = "request.compiled"
	StageRequestAfter    Stage = "request.after"
	StageResponseAfter   Stage = "response.after"
	StageError           Stage = "error"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StageParseAfter,
	StageValidate,
	StageRequestBefore,
	StageRequestCompiled,
	StageRequestAfter,
	StageResponseAfter,
	StageError,
}

// Output is the mutable contract data a hook may modify. The
// dispatcher compares it structurally before and after each hook to
// report modification.
type Output struct {
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Variables map[string]any    `json:"variables,omitempty"`
}

// ResponseView is the read-only response handed to response.after and
// error hooks.
type ResponseView struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Truncated bool              `json:"truncated,omitempty"`
}

// RetrySignal asks the engine to re-execute after DelayMs.
type RetrySignal struct {
	DelayMs int64  `json:"delayMs"`
	Reason  string `json:"reason,omitempty"`
}

// Signal is a hook's control-flow result. Skip is honored only at
// request.before; Retry only at response.after and error.
type Signal struct {
	Skip  bool
	Retry *RetrySignal
}

// HookContext is what a hook sees for one invocation.
type HookContext struct {
	Stage       Stage
	RunID       string
	FlowID      string
	ReqExecID   string
	RequestName string
	Retries     int
	MaxRetries  int

	// Output is nil at request.after; mutations elsewhere flow back
	// into the pipeline.
	Output *Output

	// Response is set at response.after and error.
	Response *ResponseView

	// Err is set at the error stage.
	Err error

	report func(pluginName string, data any) error
	plugin string
}

// Report publishes plugin data to the flow or run event stream. The
// payload must survive a JSON round trip; anything else fails
// synchronously.
func (hc *HookContext) Report(data any) error {
	if _, err := json.Marshal(data); err != nil {
		return errdefs.Wrap(errdefs.CodeValidation, "plugin report is not JSON-serializable", err)
	}
	return hc.report(hc.plugin, data)
}

// Hook is one plugin callback for one stage.
type Hook func(ctx context.Context, hc *HookContext) (Signal, error)

// Plugin bundles a name with its capabilities: at most one hook per
// stage and any number of named resolvers.
type Plugin struct {
	Name      string
	Version   string
	Hooks     map[Stage]Hook
	Resolvers map[string]interp.Resolver
}

// Capabilities is the introspection projection served by the API.
type Capabilities struct {
	Name      string   `json:"name"`
	Version   string   `json:"version,omitempty"`
	Hooks     []string `json:"hooks,omitempty"`
	Resolvers []string `json:"resolvers,omitempty"`
}

func (p *Plugin) capabilities() Capabilities {
	c := Capabilities{Name: p.Name, Version: p.Version}
	for stage := range p.Hooks {
		c.Hooks = append(c.Hooks, string(stage))
	}
	for name := range p.Resolvers {
		c.Resolvers = append(c.Resolvers, name)
	}
	sort.Strings(c.Hooks)
	sort.Strings(c.Resolvers)
	return c
}

// registry holds plugins in registration order.
type registry struct {
	mu      sync.RWMutex
	plugins []*Plugin
}

func (r *registry) add(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.plugins {
		if existing.Name == p.Name {
			return errdefs.Newf(errdefs.CodeValidation, "plugin %q already registered", p.Name)
		}
	}
	r.plugins = append(r.plugins, p)
	return nil
}

func (r *registry) forStage(stage Stage) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Plugin
	for _, p := range r.plugins {
		if _, ok := p.Hooks[stage]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *registry) list() []Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capabilities, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p.capabilities())
	}
	return out
}
