// Package background runs periodic work such as the recycling sweep.
package background

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var errEmptyName = errors.New("background work name cannot be empty")

// Runner calls Func every Period until stopped. Runs never overlap: a slow run
// delays the next tick instead of stacking up.
type Runner struct {
	Name         string
	Period       time.Duration
	InitialDelay time.Duration
	Func         func(ctx context.Context)

	mu      sync.Mutex
	running atomic.Bool
	runs    atomic.Int64
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start launches the loop. Starting a running runner is a no-op.
func (r *Runner) Start(ctx context.Context) error {
	if r.Name == "" {
		return errEmptyName
	}
	if r.Period <= 0 || r.Func == nil {
		return errors.New("background work needs a period and a func")
	}

	logger := log.WithField("name", r.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running.Swap(true) {
		logger.Info("Background work is already running, no-op.")
		return nil
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	logger.WithField("interval_secs", r.Period.Seconds()).Info("Starting background work.")

	go r.loop(ctx, r.done, logger)
	return nil
}

func (r *Runner) loop(ctx context.Context, done chan struct{}, logger *log.Entry) {
	defer close(done)
	defer r.running.Store(false)

	if r.InitialDelay > 0 {
		timer := time.NewTimer(r.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Background work stopped before first run.")
			return
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(r.Period)
	defer ticker.Stop()
	for {
		r.Func(ctx)
		r.runs.Inc()

		select {
		case <-ctx.Done():
			logger.Info("Background work stopped.")
			return
		case t := <-ticker.C:
			logger.WithField("tick", t).Debug("Background work triggered.")
		}
	}
}

// Stop cancels the loop and waits for the current run to return
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		log.WithField("name", r.Name).Warn("Background work is not running, no-op.")
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	log.WithField("name", r.Name).Info("Background work stop confirmed.")
}

// Running reports whether the loop is active
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Runs returns how many times Func has completed
func (r *Runner) Runs() int64 {
	return r.runs.Load()
}
