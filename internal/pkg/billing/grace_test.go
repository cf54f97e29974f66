package billing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fireRecorder struct {
	mu    sync.Mutex
	fires []uint
}

func (f *fireRecorder) fire(userID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fires = append(f.fires, userID)
}

func (f *fireRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fires)
}

func TestGraceScheduler_FiresAtDeadline(t *testing.T) {
	rec := &fireRecorder{}
	g := NewGraceScheduler(rec.fire)
	defer g.Stop()

	g.Schedule(1, time.Now().Add(20*time.Millisecond))
	require.True(t, g.Pending(1))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, g.Pending(1), "a fired timer must be removed from the map")
}

func TestGraceScheduler_ScheduleReplacesPriorTimer(t *testing.T) {
	rec := &fireRecorder{}
	g := NewGraceScheduler(rec.fire)
	defer g.Stop()

	// The first deadline would fire quickly; rescheduling pushes it out and
	// must not leave two live timers behind.
	g.Schedule(1, time.Now().Add(10*time.Millisecond))
	g.Schedule(1, time.Now().Add(40*time.Millisecond))

	assert.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "replaced timer must never fire")
}

func TestGraceScheduler_CancelPreventsFire(t *testing.T) {
	rec := &fireRecorder{}
	g := NewGraceScheduler(rec.fire)
	defer g.Stop()

	g.Schedule(1, time.Now().Add(20*time.Millisecond))
	g.Cancel(1)
	assert.False(t, g.Pending(1))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestGraceScheduler_PastDeadlineFiresImmediately(t *testing.T) {
	rec := &fireRecorder{}
	g := NewGraceScheduler(rec.fire)
	defer g.Stop()

	g.Schedule(1, time.Now().Add(-time.Hour))
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestGraceScheduler_OneTimerPerUser(t *testing.T) {
	rec := &fireRecorder{}
	g := NewGraceScheduler(rec.fire)
	defer g.Stop()

	for i := 0; i < 10; i++ {
		g.Schedule(1, time.Now().Add(15*time.Millisecond))
	}
	g.Schedule(2, time.Now().Add(15*time.Millisecond))

	assert.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, rec.count(), "ten schedules for one user collapse to a single timer")
}

func TestGraceScheduler_SweepWorkerRunsAndStops(t *testing.T) {
	var mu sync.Mutex
	sweeps := 0
	g := NewGraceScheduler(func(uint) {})

	g.Start(func() {
		mu.Lock()
		sweeps++
		mu.Unlock()
	}, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sweeps >= 2 // initial sweep plus at least one tick
	}, time.Second, 5*time.Millisecond)

	g.Stop()
	mu.Lock()
	after := sweeps
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, after, sweeps, "no sweeps may run after Stop")
	mu.Unlock()
}
