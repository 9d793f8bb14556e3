package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepClock_Defaults(t *testing.T) {
	clock := NewStepClock(time.Time{}, 0)

	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(time.Second), clock.Now())
}

func TestStepClock_AdvancesByStep(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := NewStepClock(start, time.Millisecond)

	assert.Equal(t, start, clock.Peek())
	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(time.Millisecond), clock.Now())
	assert.Equal(t, start.Add(2*time.Millisecond), clock.Peek())
}

func TestStepClock_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	clock := NewStepClock(time.Date(2025, 1, 1, 2, 0, 0, 0, loc), time.Second)

	got := clock.Now()
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 0, got.Hour())
}

func TestStepClock_Reset(t *testing.T) {
	clock := NewStepClock(time.Time{}, time.Minute)
	clock.Now()
	clock.Now()

	clock.Reset()

	// After reset, Now returns the start again
	assert.Equal(t, Epoch, clock.Now())
}

func TestStepClock_ConcurrentCallsAreUnique(t *testing.T) {
	clock := NewStepClock(time.Time{}, time.Microsecond)
	const goroutines = 50
	const perGoroutine = 20

	var (
		mu   sync.Mutex
		seen = make(map[time.Time]bool)
		wg   sync.WaitGroup
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				at := clock.Now()
				mu.Lock()
				seen[at] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, goroutines*perGoroutine)
}

func TestFixedClock(t *testing.T) {
	at := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	clock := FixedClock{T: at}
	assert.Equal(t, at, clock.Now())
	assert.Equal(t, at, clock.Now())
}
