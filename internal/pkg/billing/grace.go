package billing

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// GraceScheduler owns at most one pending grace-period timer per user.
// Scheduling replaces any earlier timer for the same user, so a cancellation
// that is superseded can never trigger a duplicate deletion pass. The fire
// callback re-enters the service's serialized section and re-checks state
// there; recheck-on-fire is the correctness backstop even when a cancel is
// missed.
type GraceScheduler struct {
	fire func(userID uint)
	now  func() time.Time

	mu     sync.Mutex
	timers map[uint]*time.Timer

	sweepTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	running     bool
}

func NewGraceScheduler(fire func(userID uint)) *GraceScheduler {
	return &GraceScheduler{
		fire:   fire,
		now:    time.Now,
		timers: make(map[uint]*time.Timer),
	}
}

// Schedule arms the user's timer for the given deadline, replacing any prior
// one. Deadlines already in the past fire immediately.
func (g *GraceScheduler) Schedule(userID uint, deadline time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.timers[userID]; ok {
		prev.Stop()
	}

	delay := deadline.Sub(g.now())
	if delay < 0 {
		delay = 0
	}
	log.Infof("[Grace Scheduler] user=%d check scheduled for %s", userID, deadline.Format(time.RFC3339))
	g.timers[userID] = time.AfterFunc(delay, func() {
		g.mu.Lock()
		delete(g.timers, userID)
		g.mu.Unlock()
		g.fire(userID)
	})
}

// Cancel drops the user's pending timer if one exists.
func (g *GraceScheduler) Cancel(userID uint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[userID]; ok {
		t.Stop()
		delete(g.timers, userID)
		log.Infof("[Grace Scheduler] user=%d pending check cancelled", userID)
	}
}

// Pending reports whether a timer is currently armed for the user.
func (g *GraceScheduler) Pending(userID uint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.timers[userID]
	return ok
}

// Start runs the sweep worker. The sweep callback re-arms timers from the
// durable store so deadlines missed during downtime still get handled; it
// runs once at startup and then on every tick.
func (g *GraceScheduler) Start(sweep func(), interval time.Duration) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.sweepTicker = time.NewTicker(interval)
	g.mu.Unlock()

	log.Infof("[Grace Scheduler] Starting sweep worker (interval: %s)", interval)
	sweep()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			select {
			case <-g.stopCh:
				log.Info("[Grace Scheduler] Sweep worker stopping")
				return
			case <-g.sweepTicker.C:
				sweep()
			}
		}
	}()
}

// Stop halts the sweep worker and drops all pending timers.
func (g *GraceScheduler) Stop() {
	g.mu.Lock()
	for userID, t := range g.timers {
		t.Stop()
		delete(g.timers, userID)
	}
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.sweepTicker.Stop()
	close(g.stopCh)
	g.mu.Unlock()

	g.wg.Wait()
	log.Info("[Grace Scheduler] Stopped")
}
