package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosedAllowsAndTripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	assert.True(t, b.Allow("stripe"))

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	assert.True(t, b.Allow("stripe"), "below threshold stays closed")

	b.RecordFailure("stripe")
	assert.False(t, b.Allow("stripe"))
	assert.Equal(t, StateOpen, b.State("stripe"))
}

func TestOpenProbesAfterCooldown(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	require.False(t, b.Allow("stripe"))

	time.Sleep(60 * time.Millisecond)

	// One probe passes; everything else waits on its outcome.
	assert.True(t, b.Allow("stripe"))
	assert.Equal(t, StateHalfOpen, b.State("stripe"))
	assert.False(t, b.Allow("stripe"))
}

func TestProbeOutcomeSettlesHalfOpen(t *testing.T) {
	open := func() *Breaker {
		b := New(2, 50*time.Millisecond)
		b.RecordFailure("stripe")
		b.RecordFailure("stripe")
		time.Sleep(60 * time.Millisecond)
		require.True(t, b.Allow("stripe"))
		return b
	}

	b := open()
	b.RecordSuccess("stripe")
	assert.Equal(t, StateClosed, b.State("stripe"))
	assert.True(t, b.Allow("stripe"))

	b = open()
	b.RecordFailure("stripe")
	assert.Equal(t, StateOpen, b.State("stripe"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	b.RecordSuccess("stripe")
	b.RecordFailure("stripe")
	assert.True(t, b.Allow("stripe"), "counter restarts after a success")
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	b.RecordFailure("stripe")
	b.RecordFailure("stripe")

	assert.False(t, b.Allow("stripe"))
	assert.True(t, b.Allow("renderer"))
	assert.Equal(t, StateClosed, b.State("renderer"))
}

func TestOnTransitionFires(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var got []State
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		got = append(got, to)
		mu.Unlock()
	})

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, StateOpen, got[0])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
