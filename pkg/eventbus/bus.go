package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/reqd-dev/reqd/pkg/idgen"
	"github.com/reqd-dev/reqd/pkg/log"
)

const (
	// runSeqTTL bounds how long a run-scoped counter outlives its last
	// emission; the cache janitor reaps idle entries.
	runSeqTTL     = 5 * time.Minute
	runSeqJanitor = time.Minute
)

// Sink receives envelopes for one subscriber. A sink returning an error
// is unsubscribed; delivery is best-effort.
type Sink func(Envelope) error

type subscriber struct {
	id        string
	sessionID string
	flowID    string
	sink      Sink
}

// Bus is the process-wide subscriber registry.
type Bus struct {
	clock idgen.Clock

	mu   sync.RWMutex
	subs map[string]*subscriber

	// run-scoped sequence counters; flow-scoped counters live on the
	// Flow itself
	runSeqs *gocache.Cache
}

// New creates a bus.
func New(clock idgen.Clock) *Bus {
	return &Bus{
		clock:   clock,
		subs:    map[string]*subscriber{},
		runSeqs: gocache.New(runSeqTTL, runSeqJanitor),
	}
}

// Subscribe registers a sink. Empty sessionID/flowID act as wildcards;
// a subscriber with both filters set receives only envelopes matching
// both.
func (b *Bus) Subscribe(sessionID, flowID string, sink Sink) string {
	id := idgen.NewSubscriberID()
	b.mu.Lock()
	b.subs[id] = &subscriber{id: id, sessionID: sessionID, flowID: flowID, sink: sink}
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// SubscriberCount reports the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit stamps and delivers an envelope, returning the seq it went out
// with. Envelopes without a flow-scoped seq (Seq == 0 and no FlowID)
// get a run-scoped seq. A zero TS is stamped with the bus clock.
func (b *Bus) Emit(env Envelope) int64 {
	if env.TS.IsZero() {
		env.TS = b.clock.Now()
	}
	if env.Seq == 0 && env.FlowID == "" && env.RunID != "" {
		env.Seq = b.nextRunSeq(env.RunID)
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.sessionID != "" && s.sessionID != env.SessionID {
			continue
		}
		if s.flowID != "" && s.flowID != env.FlowID {
			continue
		}
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.sink(env); err != nil {
			log.Logger.Debugw("unsubscribing failed sink", "subscriber", s.id, "error", err)
			b.Unsubscribe(s.id)
		}
	}
	return env.Seq
}

// CloseAll drops every subscriber.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	b.subs = map[string]*subscriber{}
	b.mu.Unlock()
}

func (b *Bus) nextRunSeq(runID string) int64 {
	if v, ok := b.runSeqs.Get(runID); ok {
		ctr := v.(*atomic.Int64)
		b.runSeqs.SetDefault(runID, ctr) // refresh TTL
		return ctr.Add(1)
	}
	ctr := &atomic.Int64{}
	if err := b.runSeqs.Add(runID, ctr, gocache.DefaultExpiration); err != nil {
		// lost the race; use the winner's counter
		if v, ok := b.runSeqs.Get(runID); ok {
			return v.(*atomic.Int64).Add(1)
		}
	}
	return ctr.Add(1)
}
