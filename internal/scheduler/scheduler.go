// Package scheduler drives a Mirror's reconciliation tick on a fixed
// interval. Each Mirror gets its own Scheduler and ticker; Mirror.Check
// already drops an overlapping call, so the scheduler never needs to wait
// for a tick before firing the next one.
package scheduler

import (
	"context"
	"time"

	"github.com/wjongkind/cowmirror/internal/mlog"
)

// Checker is the subset of Mirror the scheduler depends on.
type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

// Scheduler calls a single Mirror's Check method every IntervalMS,
// dropping (not queuing) any tick that would overlap a running one.
type Scheduler struct {
	mirror               Checker
	interval             time.Duration
	shouldDoInitialCheck bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a Scheduler for mirror. If shouldDoInitialCheck is true,
// Run performs one synchronous Check before starting the ticker.
func New(mirror Checker, interval time.Duration, shouldDoInitialCheck bool) *Scheduler {
	return &Scheduler{
		mirror:               mirror,
		interval:             interval,
		shouldDoInitialCheck: shouldDoInitialCheck,
		stop:                 make(chan struct{}),
		done:                 make(chan struct{}),
	}
}

// Run blocks, ticking the mirror until ctx is canceled or Stop is called.
// A fatal error from Check is handed to onFatal instead of terminating
// the process directly, so that cmd/mirrord can perform a single clean
// shutdown across every scheduled mirror.
func (s *Scheduler) Run(ctx context.Context, onFatal func(error)) {
	defer close(s.done)

	if s.shouldDoInitialCheck {
		if err := s.mirror.Check(ctx); err != nil {
			onFatal(err)
			return
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.mirror.Check(ctx); err != nil {
				mlog.Error("mirror tick failed fatally", "mirror", s.mirror.Name(), "error", err)
				onFatal(err)
				return
			}
		}
	}
}

// Stop requests Run to return and waits for it to do so. Safe to call even
// if Run has already returned.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}
