// Package idgen provides the process-wide clock and the opaque
// identifiers used across runs, flows, executions and sessions.
package idgen

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the time source injected into every stateful component.
// Now is guaranteed to be strictly increasing: if the wall clock stalls
// or steps backwards, the returned time is bumped by one nanosecond past
// the previously returned value.
type Clock interface {
	Now() time.Time
}

type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a monotonic-bumped wall clock.
func NewClock() Clock {
	return &monotonicClock{now: time.Now}
}

// NewClockFrom returns a monotonic-bumped clock over a custom time
// source, for tests.
func NewClockFrom(now func() time.Time) Clock {
	return &monotonicClock{now: now}
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// Id prefixes, kept short so ids stay readable in logs and envelopes.
const (
	prefixRun       = "run"
	prefixFlow      = "flow"
	prefixExec      = "exec"
	prefixSession   = "sess"
	prefixWsSession = "ws"
	prefixSubscriber = "sub"
)

func newID(prefix string) string {
	// uuid without dashes keeps ids copy-paste friendly
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewRunID() string        { return newID(prefixRun) }
func NewFlowID() string       { return newID(prefixFlow) }
func NewExecID() string       { return newID(prefixExec) }
func NewSessionID() string    { return newID(prefixSession) }
func NewWsSessionID() string  { return newID(prefixWsSession) }
func NewSubscriberID() string { return newID(prefixSubscriber) }
