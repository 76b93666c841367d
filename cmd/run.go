// Package cmd holds the mirror daemon's top-level command logic, kept
// separate from cmd/mirrord so the cobra wiring in main.go stays thin.
package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wjongkind/cowmirror/internal/config"
	"github.com/wjongkind/cowmirror/internal/fileservice"
	"github.com/wjongkind/cowmirror/internal/lockfile"
	"github.com/wjongkind/cowmirror/internal/mirror"
	"github.com/wjongkind/cowmirror/internal/mlog"
	"github.com/wjongkind/cowmirror/internal/scheduler"
)

// Run builds one Mirror and Scheduler per entry in mirrors and runs them
// all until ctx is canceled or one of them reports a fatal error. The
// first fatal error cancels every other mirror too, so a single vanished
// root brings the whole process down cleanly instead of leaving sibling
// mirrors running unattended.
func Run(ctx context.Context, mirrors []config.Mirror) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	var locks []*lockfile.Lock
	defer func() {
		for _, l := range locks {
			l.Release()
		}
	}()

	for _, mc := range mirrors {
		// One lock per pair, so two daemon processes can't fight over the
		// same origin/target pair.
		lock, err := lockfile.Acquire(runCtx, mc.LibraryDir, mirror.NameFor(mc.Origin, mc.Target))
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("locking mirror %s -> %s: %w", mc.Origin, mc.Target, err)
		}
		locks = append(locks, lock)

		svc := fileservice.New()
		m, err := mirror.New(runCtx, mirror.Config{
			OriginPath:  mc.Origin,
			TargetPath:  mc.Target,
			BufferKiB:   mc.BufferKiB,
			MaxFileSize: mc.MaxFileSize,
			IntervalMS:  mc.IntervalMS,
			LibraryDir:  mc.LibraryDir,
		}, svc)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("initializing mirror %s -> %s: %w", mc.Origin, mc.Target, err)
		}

		mlog.Info("mirror ready", "name", m.Name(), "origin", mc.Origin, "target", mc.Target, "interval_ms", mc.IntervalMS)

		sched := scheduler.New(m, time.Duration(mc.IntervalMS)*time.Millisecond, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(runCtx, func(err error) {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				cancel()
			})
		}()
	}

	wg.Wait()
	return firstErr
}
