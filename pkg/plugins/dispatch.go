package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/eventbus"
	"github.com/reqd-dev/reqd/pkg/flows"
	"github.com/reqd-dev/reqd/pkg/idgen"
	"github.com/reqd-dev/reqd/pkg/interp"
	"github.com/reqd-dev/reqd/pkg/log"
)

// DefaultHookTimeout is the hard per-hook deadline. A hook exceeding
// it is recorded as failed and the dispatcher moves on.
const DefaultHookTimeout = 30 * time.Second

// Result aggregates one stage dispatch.
type Result struct {
	Skip    bool
	Retry   *RetrySignal
	Hooks   []flows.HookRecord
	Reports []flows.Report
}

type Op struct {
	hookTimeout time.Duration
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	op.hookTimeout = DefaultHookTimeout
	for _, opt := range opts {
		opt(op)
	}
}

func WithHookTimeout(d time.Duration) OpOption {
	return func(op *Op) {
		if d > 0 {
			op.hookTimeout = d
		}
	}
}

// Dispatcher runs registered hooks stage by stage.
type Dispatcher struct {
	clock       idgen.Clock
	hookTimeout time.Duration
	reg         registry
}

func NewDispatcher(clock idgen.Clock, opts ...OpOption) *Dispatcher {
	op := &Op{}
	op.applyOpts(opts)
	return &Dispatcher{clock: clock, hookTimeout: op.hookTimeout}
}

// Register adds a plugin and publishes its resolvers into the
// interpolation registry.
func (d *Dispatcher) Register(p *Plugin, resolvers *interp.Registry) error {
	if err := d.reg.add(p); err != nil {
		return err
	}
	if resolvers != nil {
		for name, fn := range p.Resolvers {
			resolvers.Register(name, fn)
		}
	}
	return nil
}

// List returns the loaded plugins for introspection.
func (d *Dispatcher) List() []Capabilities {
	return d.reg.list()
}

// Emit forwards a stamped envelope and returns the seq it was assigned;
// the engine supplies the seq source (flow counter or run counter via
// the bus).
type Emit func(env eventbus.Envelope) int64

// reportSink collects one hook's reports. It is sealed once the
// dispatcher stops waiting on the hook, so a goroutine abandoned by the
// timeout cannot append to a Result the caller already owns.
type reportSink struct {
	mu      sync.Mutex
	sealed  bool
	reports []flows.Report
}

func (s *reportSink) drain() []flows.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	out := s.reports
	s.reports = nil
	return out
}

// Dispatch runs every hook registered for the stage in registration
// order. A failing or timed-out hook degrades: it is recorded and the
// next hook still runs. The first skip or retry signal wins but does
// not stop report collection for remaining hooks.
//
// Each hook gets its own HookContext copy carrying its stamping
// closure; the shared context is never rebound mid-dispatch, so an
// abandoned hook's late Report cannot race the next iteration.
func (d *Dispatcher) Dispatch(ctx context.Context, stage Stage, hc *HookContext, emit Emit) Result {
	var res Result

	for _, p := range d.reg.forStage(stage) {
		hook := p.Hooks[stage]

		before := snapshot(hc.Output)

		sink := &reportSink{}
		hcHook := *hc
		hcHook.Stage = stage
		hcHook.plugin = p.Name
		hcHook.report = func(pluginName string, data any) error {
			sink.mu.Lock()
			defer sink.mu.Unlock()
			if sink.sealed {
				return errdefs.Newf(errdefs.CodeTimeout, "hook %q was abandoned; report dropped", pluginName)
			}
			report := flows.Report{
				PluginName:  pluginName,
				RunID:       hcHook.RunID,
				FlowID:      hcHook.FlowID,
				ReqExecID:   hcHook.ReqExecID,
				RequestName: hcHook.RequestName,
				TS:          d.clock.Now(),
				Data:        data,
			}
			if emit != nil {
				report.Seq = emit(eventbus.Envelope{
					Type:      eventbus.TypePluginReport,
					RunID:     hcHook.RunID,
					ReqExecID: hcHook.ReqExecID,
					Payload:   report,
				})
			}
			sink.reports = append(sink.reports, report)
			return nil
		}

		start := d.clock.Now()
		signal, err := d.runHook(ctx, hook, &hcHook)
		elapsed := d.clock.Now().Sub(start)
		res.Reports = append(res.Reports, sink.drain()...)

		record := flows.HookRecord{
			Stage:      string(stage),
			PluginName: p.Name,
			DurationMs: elapsed.Milliseconds(),
			Modified:   !bytes.Equal(before, snapshot(hc.Output)),
		}
		if err != nil {
			record.Failed = true
			record.Error = err.Error()
			log.Logger.Warnw("plugin hook failed", "plugin", p.Name, "stage", stage, "error", err)
		}
		res.Hooks = append(res.Hooks, record)

		if emit != nil {
			emit(eventbus.Envelope{
				Type:      eventbus.TypePluginHookFinished,
				RunID:     hc.RunID,
				ReqExecID: hc.ReqExecID,
				Payload:   record,
			})
		}

		if err != nil {
			continue
		}
		if signal.Skip && stage == StageRequestBefore && !res.Skip {
			res.Skip = true
		}
		if signal.Retry != nil && (stage == StageResponseAfter || stage == StageError) && res.Retry == nil {
			res.Retry = signal.Retry
		}
	}
	return res
}

// runHook applies the hard timeout. The hook goroutine is abandoned on
// timeout; its context is cancelled so a cooperative hook can unwind.
func (d *Dispatcher) runHook(ctx context.Context, hook Hook, hc *HookContext) (Signal, error) {
	hookCtx, cancel := context.WithTimeout(ctx, d.hookTimeout)
	defer cancel()

	type outcome struct {
		signal Signal
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("hook panicked: %v", r)}
			}
		}()
		s, err := hook(hookCtx, hc)
		done <- outcome{signal: s, err: err}
	}()

	select {
	case out := <-done:
		return out.signal, out.err
	case <-hookCtx.Done():
		return Signal{}, fmt.Errorf("hook timed out after %s", d.hookTimeout)
	}
}

func snapshot(out *Output) []byte {
	if out == nil {
		return nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return b
}
