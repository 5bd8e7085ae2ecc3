package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs a function at a fixed interval until stopped.
//
// Runs never overlap: a tick that arrives while a run is in progress is dropped.
type Scheduler struct {
	interval   time.Duration
	runTimeout time.Duration
	run        func(context.Context)
	log        *slog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// StartScheduler starts the loop in its own goroutine. The first run happens after
// one interval. Cancelling parent stops the loop.
func StartScheduler(parent context.Context, interval, runTimeout time.Duration, run func(context.Context), log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)

	s := &Scheduler{
		interval:   interval,
		runTimeout: runTimeout,
		run:        run,
		log:        log,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Debug("session.scheduler.start", "interval", s.interval.String())

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("session.scheduler.stop")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	// A stop that raced with the tick wins.
	if ctx.Err() != nil {
		return
	}

	runCtx := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}
	s.run(runCtx)
}

// Stop cancels the loop without waiting. Safe to call from within a run and more than once.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(s.cancel)
}

// Done is closed once the loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}
