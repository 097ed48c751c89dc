package idgen

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockMonotonicBump(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewClockFrom(func() time.Time { return fixed })

	first := clock.Now()
	second := clock.Now()
	third := clock.Now()

	assert.True(t, second.After(first), "stalled wall clock must still advance")
	assert.True(t, third.After(second))
}

func TestClockBackwardsStep(t *testing.T) {
	times := []time.Time{
		time.Date(2025, 3, 1, 12, 0, 10, 0, time.UTC),
		time.Date(2025, 3, 1, 12, 0, 5, 0, time.UTC), // clock stepped back
		time.Date(2025, 3, 1, 12, 0, 20, 0, time.UTC),
	}
	i := 0
	clock := NewClockFrom(func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	})

	first := clock.Now()
	second := clock.Now()
	third := clock.Now()

	assert.True(t, second.After(first))
	assert.True(t, third.After(second))
	assert.Equal(t, times[2], third, "forward jumps pass through")
}

func TestIDsDistinctAndPrefixed(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewRunID()
		require.True(t, strings.HasPrefix(id, "run_"), id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}

	assert.True(t, strings.HasPrefix(NewFlowID(), "flow_"))
	assert.True(t, strings.HasPrefix(NewExecID(), "exec_"))
	assert.True(t, strings.HasPrefix(NewSessionID(), "sess_"))
	assert.True(t, strings.HasPrefix(NewWsSessionID(), "ws_"))
	assert.NotContains(t, NewExecID(), "-")
}
