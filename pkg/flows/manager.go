package flows

import (
	"sync"
	"time"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/eventbus"
	"github.com/reqd-dev/reqd/pkg/idgen"
	"github.com/reqd-dev/reqd/pkg/log"
)

const (
	DefaultMaxFlows             = 100
	DefaultMaxExecutionsPerFlow = 500
	DefaultIdleTimeout          = 5 * time.Minute
	DefaultSweepInterval        = time.Minute

	// MaxMetaKeys bounds the client-supplied meta map on create.
	MaxMetaKeys = 10
)

// Flow is one ordered group of executions. The seq counter and the
// execution window are guarded by mu.
type Flow struct {
	ID        string
	SessionID string
	Label     string
	Meta      map[string]string

	CreatedAt      time.Time
	LastActivityAt time.Time

	Finished bool
	summary  *Summary

	seq        int64
	executions map[string]*StoredExecution
	order      []string // insertion order, oldest first

	mu sync.Mutex
}

// Summary is the aggregate returned by Finish.
type Summary struct {
	Total      int   `json:"total"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"durationMs"`
}

// Info is the read model for a flow.
type Info struct {
	FlowID         string            `json:"flowId"`
	SessionID      string            `json:"sessionId,omitempty"`
	Label          string            `json:"label,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	Finished       bool              `json:"finished"`
	ExecutionCount int               `json:"executionCount"`
	Summary        *Summary          `json:"summary,omitempty"`
}

type Op struct {
	maxFlows         int
	maxExecutions    int
	idleTimeout      time.Duration
	sweepInterval    time.Duration
	sessionValidator func(sessionID string) bool
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	op.maxFlows = DefaultMaxFlows
	op.maxExecutions = DefaultMaxExecutionsPerFlow
	op.idleTimeout = DefaultIdleTimeout
	op.sweepInterval = DefaultSweepInterval
	for _, opt := range opts {
		opt(op)
	}
}

func WithMaxFlows(n int) OpOption {
	return func(op *Op) {
		if n > 0 {
			op.maxFlows = n
		}
	}
}

func WithMaxExecutionsPerFlow(n int) OpOption {
	return func(op *Op) {
		if n > 0 {
			op.maxExecutions = n
		}
	}
}

func WithIdleTimeout(d time.Duration) OpOption {
	return func(op *Op) {
		if d > 0 {
			op.idleTimeout = d
		}
	}
}

func WithSweepInterval(d time.Duration) OpOption {
	return func(op *Op) {
		if d > 0 {
			op.sweepInterval = d
		}
	}
}

// WithSessionValidator installs the check applied to a non-empty
// sessionId on create.
func WithSessionValidator(fn func(sessionID string) bool) OpOption {
	return func(op *Op) {
		op.sessionValidator = fn
	}
}

// Manager owns the flow table.
type Manager struct {
	clock idgen.Clock
	bus   *eventbus.Bus

	maxFlows         int
	maxExecutions    int
	idleTimeout      time.Duration
	sweepInterval    time.Duration
	sessionValidator func(string) bool

	mu    sync.Mutex
	flows map[string]*Flow

	stopOnce sync.Once
	stopc    chan struct{}
}

// NewManager creates the manager and starts the idle sweep.
func NewManager(clock idgen.Clock, bus *eventbus.Bus, opts ...OpOption) *Manager {
	op := &Op{}
	op.applyOpts(opts)

	m := &Manager{
		clock:            clock,
		bus:              bus,
		maxFlows:         op.maxFlows,
		maxExecutions:    op.maxExecutions,
		idleTimeout:      op.idleTimeout,
		sweepInterval:    op.sweepInterval,
		sessionValidator: op.sessionValidator,
		flows:            map[string]*Flow{},
		stopc:            make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Stop terminates the background sweep.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopc) })
}

// Create opens a flow. When the table is full the oldest finished flow
// is evicted; if every flow is still live the create is rejected.
func (m *Manager) Create(sessionID, label string, meta map[string]string) (Info, error) {
	if len(meta) > MaxMetaKeys {
		return Info{}, errdefs.Newf(errdefs.CodeValidation, "meta has %d keys, limit is %d", len(meta), MaxMetaKeys)
	}
	if sessionID != "" && m.sessionValidator != nil && !m.sessionValidator(sessionID) {
		return Info{}, errdefs.Newf(errdefs.CodeSessionNotFound, "session %q not found", sessionID)
	}

	now := m.clock.Now()
	f := &Flow{
		ID:             idgen.NewFlowID(),
		SessionID:      sessionID,
		Label:          label,
		Meta:           map[string]string{},
		CreatedAt:      now,
		LastActivityAt: now,
		executions:     map[string]*StoredExecution{},
	}
	for k, v := range meta {
		f.Meta[k] = v
	}

	m.mu.Lock()
	if len(m.flows) >= m.maxFlows {
		if !m.evictFinishedLocked() {
			m.mu.Unlock()
			return Info{}, errdefs.Newf(errdefs.CodeFlowLimit, "flow limit of %d reached and no finished flow to evict", m.maxFlows)
		}
	}
	m.flows[f.ID] = f
	m.mu.Unlock()

	m.EmitEvent(f, eventbus.Envelope{
		Type:    eventbus.TypeFlowStarted,
		Payload: map[string]any{"label": label},
	})
	return f.info(), nil
}

// evictFinishedLocked drops the oldest finished flow. Returns false
// when every flow is unfinished.
func (m *Manager) evictFinishedLocked() bool {
	var oldest *Flow
	for _, f := range m.flows {
		if !f.Finished {
			continue
		}
		if oldest == nil || f.CreatedAt.Before(oldest.CreatedAt) {
			oldest = f
		}
	}
	if oldest == nil {
		return false
	}
	delete(m.flows, oldest.ID)
	log.Logger.Debugw("evicted finished flow", "flowId", oldest.ID)
	return true
}

// Get returns the flow read model.
func (m *Manager) Get(id string) (Info, error) {
	f, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info(), nil
}

func (m *Manager) lookup(id string) (*Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.CodeFlowNotFound, "flow %q not found", id)
	}
	return f, nil
}

func (f *Flow) info() Info {
	meta := make(map[string]string, len(f.Meta))
	for k, v := range f.Meta {
		meta[k] = v
	}
	var summary *Summary
	if f.summary != nil {
		s := *f.summary
		summary = &s
	}
	return Info{
		FlowID:         f.ID,
		SessionID:      f.SessionID,
		Label:          f.Label,
		Meta:           meta,
		CreatedAt:      f.CreatedAt,
		LastActivityAt: f.LastActivityAt,
		Finished:       f.Finished,
		ExecutionCount: len(f.executions),
		Summary:        summary,
	}
}

// Finish marks the flow finished and computes the summary. Idempotent:
// repeated calls return the summary computed the first time.
func (m *Manager) Finish(id string) (Info, error) {
	f, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}

	f.mu.Lock()

	if f.Finished {
		defer f.mu.Unlock()
		return f.info(), nil
	}

	sum := &Summary{}
	var earliest, latest time.Time
	for _, e := range f.executions {
		sum.Total++
		switch e.Status {
		case StatusSuccess:
			sum.Succeeded++
		case StatusFailed:
			sum.Failed++
		}
		if earliest.IsZero() || e.Timing.StartTime.Before(earliest) {
			earliest = e.Timing.StartTime
		}
		if e.Timing.EndTime != nil && e.Timing.EndTime.After(latest) {
			latest = *e.Timing.EndTime
		}
	}
	if !earliest.IsZero() && !latest.IsZero() && latest.After(earliest) {
		sum.DurationMs = latest.Sub(earliest).Milliseconds()
	}

	f.Finished = true
	f.summary = sum
	f.LastActivityAt = m.clock.Now()
	info := f.info()
	f.mu.Unlock()

	m.EmitEvent(f, eventbus.Envelope{
		Type:    eventbus.TypeFlowFinished,
		Payload: map[string]any{"summary": sum},
	})
	return info, nil
}

// StoreExecution inserts a pending record into the flow window. When
// the window is full the execution with the oldest start time is
// evicted.
func (m *Manager) StoreExecution(flowID string, exec *StoredExecution) error {
	f, err := m.lookup(flowID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.executions) >= m.maxExecutions {
		f.evictOldestExecutionLocked()
	}
	f.executions[exec.ReqExecID] = exec
	f.order = append(f.order, exec.ReqExecID)
	f.LastActivityAt = m.clock.Now()
	return nil
}

func (f *Flow) evictOldestExecutionLocked() {
	var oldestID string
	var oldest time.Time
	for id, e := range f.executions {
		if oldestID == "" || e.Timing.StartTime.Before(oldest) {
			oldestID, oldest = id, e.Timing.StartTime
		}
	}
	if oldestID == "" {
		return
	}
	delete(f.executions, oldestID)
	for i, id := range f.order {
		if id == oldestID {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// UpdateExecution mutates a stored record under the flow mutex. A
// record that already reached a terminal status is left untouched.
func (m *Manager) UpdateExecution(flowID, execID string, fn func(*StoredExecution)) error {
	f, err := m.lookup(flowID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.executions[execID]
	if !ok {
		return errdefs.Newf(errdefs.CodeExecutionNotFound, "execution %q not found in flow %q", execID, flowID)
	}
	if e.Status.Terminal() {
		return nil
	}
	fn(e)
	f.LastActivityAt = m.clock.Now()
	return nil
}

// GetExecution returns a deep copy with sensitive request and response
// header values masked. The stored record keeps the raw values; masking
// happens on read.
func (m *Manager) GetExecution(flowID, execID string) (*StoredExecution, error) {
	f, err := m.lookup(flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.executions[execID]
	if !ok {
		return nil, errdefs.Newf(errdefs.CodeExecutionNotFound, "execution %q not found in flow %q", execID, flowID)
	}
	return e.redactedClone(), nil
}

// ListExecutions returns redacted deep copies in insertion order.
func (m *Manager) ListExecutions(flowID string) ([]*StoredExecution, error) {
	f, err := m.lookup(flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*StoredExecution, 0, len(f.order))
	for _, id := range f.order {
		if e, ok := f.executions[id]; ok {
			out = append(out, e.redactedClone())
		}
	}
	return out, nil
}

// EmitEvent stamps the flow-scoped sequence number, forwards the
// envelope to the bus, and returns the assigned seq. Ordering within a
// flow is total: seq increments under the flow mutex.
func (m *Manager) EmitEvent(f *Flow, env eventbus.Envelope) int64 {
	f.mu.Lock()
	f.seq++
	env.Seq = f.seq
	f.LastActivityAt = m.clock.Now()
	f.mu.Unlock()

	env.FlowID = f.ID
	if env.SessionID == "" {
		env.SessionID = f.SessionID
	}
	return m.bus.Emit(env)
}

// EmitEventByID resolves the flow then emits. Unknown flows are
// dropped with a warning; event delivery never fails an execution.
func (m *Manager) EmitEventByID(flowID string, env eventbus.Envelope) int64 {
	f, err := m.lookup(flowID)
	if err != nil {
		log.Logger.Warnw("dropping event for unknown flow", "flowId", flowID, "type", env.Type)
		return 0
	}
	return m.EmitEvent(f, env)
}

// Lookup exposes the live flow for the engine. The caller must not
// touch guarded fields directly.
func (m *Manager) Lookup(id string) (*Flow, error) {
	return m.lookup(id)
}

// Len reports the table size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.flows)
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopc:
			return
		case <-ticker.C:
		}

		cutoff := m.clock.Now().Add(-m.idleTimeout)
		m.mu.Lock()
		for id, f := range m.flows {
			f.mu.Lock()
			idle := f.LastActivityAt.Before(cutoff)
			f.mu.Unlock()
			if idle {
				delete(m.flows, id)
				log.Logger.Debugw("evicted idle flow", "flowId", id)
			}
		}
		m.mu.Unlock()
	}
}
