package contextcache

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/finchat-dev/finchat/pkg/config"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// startJitter spreads warmer start-up so multiple instances pointed at the
// same store do not rebuild in lockstep.
const startJitter = 30 * time.Second

// Warmer rebuilds cache entries for a fixed set of user/account pairs on a
// cron schedule.
type Warmer struct {
	cache    *Cache
	schedule cron.Schedule
	targets  []config.WarmTarget
	jitter   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewWarmer creates a warmer from a cron expression (standard five-field
// syntax plus descriptors like @hourly) and a target list.
func NewWarmer(cache *Cache, spec string, targets []config.WarmTarget) (*Warmer, error) {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid warm schedule %q: %w", spec, err)
	}
	return &Warmer{
		cache:    cache,
		schedule: schedule,
		targets:  targets,
		jitter:   time.Duration(rand.Int63n(int64(startJitter))),
		now:      time.Now,
	}, nil
}

// Start begins the warm loop until the context is cancelled. Calling Start
// twice is a no-op.
func (w *Warmer) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

func (w *Warmer) run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.jitter):
	}

	for {
		next := w.schedule.Next(w.now())
		if next.IsZero() {
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce warms every configured target immediately and returns how many
// succeeded. Exposed for tests and the warm command.
func (w *Warmer) RunOnce(ctx context.Context) int {
	warmed := 0
	for _, t := range w.targets {
		if ctx.Err() != nil {
			return warmed
		}
		if err := w.cache.WarmUp(ctx, t.UserID, t.AccountID, ""); err != nil {
			log.Printf("[Warmer] warm %s/%s: %v", t.UserID, t.AccountID, err)
			continue
		}
		warmed++
	}
	if warmed > 0 {
		log.Printf("[Warmer] warmed %d of %d targets", warmed, len(w.targets))
	}
	return warmed
}

// Stop waits for the warm loop to exit, bounded by ctx.
func (w *Warmer) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
