package scripts

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/eventbus"
	"github.com/reqd-dev/reqd/pkg/flows"
	"github.com/reqd-dev/reqd/pkg/idgen"
	"github.com/reqd-dev/reqd/pkg/log"
	"github.com/reqd-dev/reqd/pkg/pathsafe"
	"github.com/reqd-dev/reqd/pkg/process"
	"github.com/reqd-dev/reqd/pkg/tokens"
)

type Op struct {
	address    string
	runners    []Runner
	frameworks []Runner
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	for _, opt := range opts {
		opt(op)
	}
	if op.runners == nil {
		op.runners = defaultRunners
	}
	if op.frameworks == nil {
		op.frameworks = defaultFrameworks
	}
}

// WithAddress sets the control-plane address exported to children as
// REQD_ADDR.
func WithAddress(addr string) OpOption {
	return func(op *Op) {
		op.address = addr
	}
}

// WithRunners overrides the script interpreter table.
func WithRunners(runners []Runner) OpOption {
	return func(op *Op) {
		op.runners = runners
	}
}

// WithFrameworks overrides the test framework table.
func WithFrameworks(frameworks []Runner) OpOption {
	return func(op *Op) {
		op.frameworks = frameworks
	}
}

type run struct {
	info Info
	proc process.Process
	done chan struct{}
}

// Manager is the running-script table.
type Manager struct {
	clock  idgen.Clock
	bus    *eventbus.Bus
	flows  *flows.Manager
	tokens *tokens.Manager
	root   string

	address    string
	runners    []Runner
	frameworks []Runner

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]*run
}

// NewManager creates the script/test run table rooted at the
// workspace root.
func NewManager(clock idgen.Clock, bus *eventbus.Bus, flowMgr *flows.Manager, tokenMgr *tokens.Manager, root string, opts ...OpOption) *Manager {
	op := &Op{}
	op.applyOpts(opts)

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		clock:      clock,
		bus:        bus,
		flows:      flowMgr,
		tokens:     tokenMgr,
		root:       root,
		address:    op.address,
		runners:    op.runners,
		frameworks: op.frameworks,
		ctx:        ctx,
		cancel:     cancel,
		running:    map[string]*run{},
	}
}

// Runners lists the script interpreters with host availability.
func (m *Manager) Runners() []Runner {
	return withAvailability(m.runners)
}

// Frameworks lists the test frameworks with host availability.
func (m *Manager) Frameworks() []Runner {
	return withAvailability(m.frameworks)
}

// List returns the runs currently executing.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.running))
	for _, r := range m.running {
		out = append(out, r.info)
	}
	return out
}

// Start validates the request, spawns the child with a scoped token in
// its environment, and streams its output as events until exit.
func (m *Manager) Start(kind Kind, req StartRequest) (Info, error) {
	table := m.runners
	if kind == KindTest {
		table = m.frameworks
	}

	abs, err := pathsafe.Join(m.root, req.Path)
	if err != nil {
		return Info{}, err
	}
	if _, serr := os.Stat(abs); serr != nil {
		return Info{}, errdefs.Newf(errdefs.CodeFileNotFound, "file not found: %s", req.Path)
	}

	runner, ok := pickRunner(table, req.Runner, req.Path)
	if !ok {
		if req.Runner != "" {
			return Info{}, errdefs.Newf(errdefs.CodeValidation, "unknown runner %q", req.Runner)
		}
		return Info{}, errdefs.Newf(errdefs.CodeValidation, "no runner for %s", req.Path)
	}

	if req.FlowID != "" {
		if _, err := m.flows.Lookup(req.FlowID); err != nil {
			return Info{}, err
		}
	}

	runID := idgen.NewRunID()
	token := m.tokens.Issue(runID, req.FlowID, req.SessionID)

	args := append(append([]string{}, runner.Command...), abs)
	args = append(args, req.Args...)

	proc, err := process.New(
		process.WithCommand(args...),
		process.WithDir(m.root),
		process.WithEnvs(childEnv(token, m.address, req.Env)...),
	)
	if err != nil {
		m.tokens.RevokeRun(runID)
		return Info{}, errdefs.Wrap(errdefs.CodeValidation, "cannot build command", err)
	}

	if err := proc.Start(m.ctx); err != nil {
		m.tokens.RevokeRun(runID)
		return Info{}, errdefs.Wrap(errdefs.CodeExecute, "failed to start", err)
	}

	info := Info{
		RunID:     runID,
		Kind:      kind,
		Path:      req.Path,
		Runner:    runner.Name,
		PID:       proc.PID(),
		FlowID:    req.FlowID,
		SessionID: req.SessionID,
		StartedAt: m.clock.Now(),
	}
	r := &run{info: info, proc: proc, done: make(chan struct{})}

	m.mu.Lock()
	m.running[runID] = r
	m.mu.Unlock()

	m.emit(info, startedType(kind), map[string]any{
		"path":   info.Path,
		"runner": info.Runner,
		"pid":    info.PID,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go m.pumpOutput(&wg, info, kind, "stdout", proc.StdoutReader())
	go m.pumpOutput(&wg, info, kind, "stderr", proc.StderrReader())
	go m.reap(r, kind, &wg)

	return info, nil
}

// Kill stops a running run. The finish event and token revocation
// happen on the reap path, same as a natural exit.
func (m *Manager) Kill(ctx context.Context, runID string) error {
	m.mu.Lock()
	r, ok := m.running[runID]
	m.mu.Unlock()
	if !ok {
		return errdefs.Newf(errdefs.CodeRunNotFound, "no running script %s", runID)
	}
	return r.proc.Close(ctx)
}

// Shutdown kills every running script and waits for the reapers.
func (m *Manager) Shutdown(ctx context.Context) {
	defer m.cancel()

	m.mu.Lock()
	procs := make([]*run, 0, len(m.running))
	for _, r := range m.running {
		procs = append(procs, r)
	}
	m.mu.Unlock()

	for _, r := range procs {
		if err := r.proc.Close(ctx); err != nil {
			log.Logger.Warnw("failed to close script process", "runId", r.info.RunID, "error", err)
		}
	}
	for _, r := range procs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) pumpOutput(wg *sync.WaitGroup, info Info, kind Kind, stream string, rd io.Reader) {
	defer wg.Done()
	if rd == nil {
		return
	}
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		m.emit(info, outputType(kind), map[string]any{
			"stream": stream,
			"line":   scanner.Text(),
		})
	}
}

func (m *Manager) reap(r *run, kind Kind, wg *sync.WaitGroup) {
	defer close(r.done)

	err := <-r.proc.Wait()
	// pipes deliver EOF once the process exits; drain them fully
	// before the finish event so output ordering holds
	wg.Wait()

	payload := map[string]any{
		"exitCode":   r.proc.ExitCode(),
		"durationMs": m.clock.Now().Sub(r.info.StartedAt).Milliseconds(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	m.emit(r.info, finishedType(kind), payload)

	m.tokens.RevokeRun(r.info.RunID)
	m.mu.Lock()
	delete(m.running, r.info.RunID)
	m.mu.Unlock()

	_ = r.proc.Close(context.Background())
}

func (m *Manager) emit(info Info, typ eventbus.Type, payload any) {
	env := eventbus.Envelope{
		Type:      typ,
		RunID:     info.RunID,
		SessionID: info.SessionID,
		Payload:   payload,
	}
	if info.FlowID != "" {
		m.flows.EmitEventByID(info.FlowID, env)
		return
	}
	m.bus.Emit(env)
}

func startedType(kind Kind) eventbus.Type {
	if kind == KindTest {
		return eventbus.TypeTestStarted
	}
	return eventbus.TypeScriptStarted
}

func outputType(kind Kind) eventbus.Type {
	if kind == KindTest {
		return eventbus.TypeTestOutput
	}
	return eventbus.TypeScriptOutput
}

func finishedType(kind Kind) eventbus.Type {
	if kind == KindTest {
		return eventbus.TypeTestFinished
	}
	return eventbus.TypeScriptFinished
}
