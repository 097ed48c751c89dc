package plugins

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/eventbus"
	"github.com/reqd-dev/reqd/pkg/idgen"
	"github.com/reqd-dev/reqd/pkg/interp"
)

type emitRecorder struct {
	mu   sync.Mutex
	seq  int64
	envs []eventbus.Envelope
}

func (r *emitRecorder) emit(env eventbus.Envelope) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	env.Seq = r.seq
	r.envs = append(r.envs, env)
	return r.seq
}

func newDispatcher(t *testing.T, opts ...OpOption) *Dispatcher {
	t.Helper()
	return NewDispatcher(idgen.NewClock(), opts...)
}

func TestDispatchOrderAndModified(t *testing.T) {
	d := newDispatcher(t)
	var order []string

	require.NoError(t, d.Register(&Plugin{
		Name: "alpha",
		Hooks: map[Stage]Hook{
			StageRequestBefore: func(_ context.Context, hc *HookContext) (Signal, error) {
				order = append(order, "alpha")
				hc.Output.Headers["X-Alpha"] = "1"
				return Signal{}, nil
			},
		},
	}, nil))
	require.NoError(t, d.Register(&Plugin{
		Name: "beta",
		Hooks: map[Stage]Hook{
			StageRequestBefore: func(_ context.Context, hc *HookContext) (Signal, error) {
				order = append(order, "beta")
				return Signal{}, nil
			},
		},
	}, nil))

	hc := &HookContext{RunID: "run_1", Output: &Output{Headers: map[string]string{}}}
	rec := &emitRecorder{}
	res := d.Dispatch(context.Background(), StageRequestBefore, hc, rec.emit)

	assert.Equal(t, []string{"alpha", "beta"}, order)
	require.Len(t, res.Hooks, 2)
	assert.True(t, res.Hooks[0].Modified, "alpha touched the output")
	assert.False(t, res.Hooks[1].Modified)
	assert.Len(t, rec.envs, 2, "pluginHookFinished per hook")
}

func TestDispatchSkipSignal(t *testing.T) {
	d := newDispatcher(t)
	require.NoError(t, d.Register(&Plugin{
		Name: "skipper",
		Hooks: map[Stage]Hook{
			StageRequestBefore: func(context.Context, *HookContext) (Signal, error) {
				return Signal{Skip: true}, nil
			},
		},
	}, nil))

	res := d.Dispatch(context.Background(), StageRequestBefore, &HookContext{RunID: "r"}, nil)
	assert.True(t, res.Skip)

	// skip from other stages is ignored
	require.NoError(t, d.Register(&Plugin{
		Name: "late-skipper",
		Hooks: map[Stage]Hook{
			StageResponseAfter: func(context.Context, *HookContext) (Signal, error) {
				return Signal{Skip: true}, nil
			},
		},
	}, nil))
	res = d.Dispatch(context.Background(), StageResponseAfter, &HookContext{RunID: "r"}, nil)
	assert.False(t, res.Skip)
}

func TestDispatchRetrySignal(t *testing.T) {
	d := newDispatcher(t)
	require.NoError(t, d.Register(&Plugin{
		Name: "retrier",
		Hooks: map[Stage]Hook{
			StageResponseAfter: func(context.Context, *HookContext) (Signal, error) {
				return Signal{Retry: &RetrySignal{DelayMs: 50, Reason: "rate limited"}}, nil
			},
		},
	}, nil))

	res := d.Dispatch(context.Background(), StageResponseAfter, &HookContext{RunID: "r"}, nil)
	require.NotNil(t, res.Retry)
	assert.Equal(t, int64(50), res.Retry.DelayMs)
}

func TestDispatchHookErrorDegrades(t *testing.T) {
	d := newDispatcher(t)
	ran := false
	require.NoError(t, d.Register(&Plugin{
		Name: "broken",
		Hooks: map[Stage]Hook{
			StageValidate: func(context.Context, *HookContext) (Signal, error) {
				return Signal{}, errors.New("hook exploded")
			},
		},
	}, nil))
	require.NoError(t, d.Register(&Plugin{
		Name: "healthy",
		Hooks: map[Stage]Hook{
			StageValidate: func(context.Context, *HookContext) (Signal, error) {
				ran = true
				return Signal{}, nil
			},
		},
	}, nil))

	res := d.Dispatch(context.Background(), StageValidate, &HookContext{RunID: "r"}, nil)
	assert.True(t, ran, "later hooks still run")
	require.Len(t, res.Hooks, 2)
	assert.True(t, res.Hooks[0].Failed)
	assert.Contains(t, res.Hooks[0].Error, "exploded")
	assert.False(t, res.Hooks[1].Failed)
}

func TestDispatchHookTimeout(t *testing.T) {
	d := newDispatcher(t, WithHookTimeout(20*time.Millisecond))
	require.NoError(t, d.Register(&Plugin{
		Name: "slow",
		Hooks: map[Stage]Hook{
			StageValidate: func(ctx context.Context, _ *HookContext) (Signal, error) {
				<-ctx.Done()
				return Signal{}, ctx.Err()
			},
		},
	}, nil))

	res := d.Dispatch(context.Background(), StageValidate, &HookContext{RunID: "r"}, nil)
	require.Len(t, res.Hooks, 1)
	assert.True(t, res.Hooks[0].Failed)
	assert.Contains(t, res.Hooks[0].Error, "timed out")
}

func TestDispatchHookPanicRecovered(t *testing.T) {
	d := newDispatcher(t)
	require.NoError(t, d.Register(&Plugin{
		Name: "panicky",
		Hooks: map[Stage]Hook{
			StageValidate: func(context.Context, *HookContext) (Signal, error) {
				panic("boom")
			},
		},
	}, nil))

	res := d.Dispatch(context.Background(), StageValidate, &HookContext{RunID: "r"}, nil)
	require.Len(t, res.Hooks, 1)
	assert.True(t, res.Hooks[0].Failed)
	assert.Contains(t, res.Hooks[0].Error, "panicked")
}

func TestReportStampingAndValidation(t *testing.T) {
	d := newDispatcher(t)
	require.NoError(t, d.Register(&Plugin{
		Name: "reporter",
		Hooks: map[Stage]Hook{
			StageResponseAfter: func(_ context.Context, hc *HookContext) (Signal, error) {
				if err := hc.Report(map[string]any{"latencyMs": 12}); err != nil {
					return Signal{}, err
				}
				err := hc.Report(func() {}) // not serializable
				assert.Equal(t, errdefs.CodeValidation, errdefs.CodeOf(err))
				return Signal{}, nil
			},
		},
	}, nil))

	rec := &emitRecorder{}
	hc := &HookContext{RunID: "run_9", ReqExecID: "exec_1", RequestName: "login"}
	res := d.Dispatch(context.Background(), StageResponseAfter, hc, rec.emit)

	require.Len(t, res.Reports, 1, "unserializable report rejected")
	report := res.Reports[0]
	assert.Equal(t, "reporter", report.PluginName)
	assert.Equal(t, "run_9", report.RunID)
	assert.Equal(t, "login", report.RequestName)
	assert.False(t, report.TS.IsZero())
	assert.Equal(t, int64(1), report.Seq, "seq from the emit path")
}

func TestRegisterDuplicateAndResolvers(t *testing.T) {
	d := newDispatcher(t)
	reg := interp.NewRegistry()

	require.NoError(t, d.Register(&Plugin{
		Name: "vault",
		Resolvers: map[string]interp.Resolver{
			"vaultSecret": func(context.Context, string) (string, error) { return "s3cr3t", nil },
		},
	}, reg))

	err := d.Register(&Plugin{Name: "vault"}, reg)
	assert.Equal(t, errdefs.CodeValidation, errdefs.CodeOf(err))

	res, err := reg.Interpolate(context.Background(), "{{vaultSecret(db)}}", nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", res.Output)

	caps := d.List()
	require.Len(t, caps, 1)
	assert.Equal(t, []string{"vaultSecret"}, caps[0].Resolvers)
}

func TestAbandonedHookReportDropped(t *testing.T) {
	d := newDispatcher(t, WithHookTimeout(5*time.Millisecond))

	lateReport := make(chan error, 1)
	release := make(chan struct{})
	require.NoError(t, d.Register(&Plugin{
		Name: "laggard",
		Hooks: map[Stage]Hook{
			StageResponseAfter: func(_ context.Context, hc *HookContext) (Signal, error) {
				<-release
				lateReport <- hc.Report(map[string]any{"tooLate": true})
				return Signal{}, nil
			},
		},
	}, nil))
	require.NoError(t, d.Register(&Plugin{
		Name: "prompt",
		Hooks: map[Stage]Hook{
			StageResponseAfter: func(_ context.Context, hc *HookContext) (Signal, error) {
				return Signal{}, hc.Report(map[string]any{"onTime": true})
			},
		},
	}, nil))

	rec := &emitRecorder{}
	hc := &HookContext{RunID: "run_1", ReqExecID: "exec_1"}
	res := d.Dispatch(context.Background(), StageResponseAfter, hc, rec.emit)

	require.Len(t, res.Hooks, 2)
	assert.True(t, res.Hooks[0].Failed, "laggard timed out")
	require.Len(t, res.Reports, 1, "only the prompt hook reported")
	assert.Equal(t, "prompt", res.Reports[0].PluginName)

	// the abandoned goroutine reports after Dispatch returned; it must
	// neither grow the caller's Result nor emit
	emitted := len(rec.envs)
	close(release)
	err := <-lateReport
	assert.Equal(t, errdefs.CodeTimeout, errdefs.CodeOf(err))
	assert.Len(t, res.Reports, 1)
	rec.mu.Lock()
	assert.Len(t, rec.envs, emitted)
	rec.mu.Unlock()
}

func TestDispatchStampsPerHookContext(t *testing.T) {
	d := newDispatcher(t)

	var seen []Stage
	require.NoError(t, d.Register(&Plugin{
		Name: "observer",
		Hooks: map[Stage]Hook{
			StageValidate: func(_ context.Context, hc *HookContext) (Signal, error) {
				seen = append(seen, hc.Stage)
				return Signal{}, nil
			},
		},
	}, nil))

	shared := &HookContext{RunID: "run_2"}
	d.Dispatch(context.Background(), StageValidate, shared, nil)

	assert.Equal(t, []Stage{StageValidate}, seen)
	assert.Empty(t, shared.Stage, "shared context left untouched")
	assert.Empty(t, shared.plugin)
}
