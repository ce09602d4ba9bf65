package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fianza-mx/escrow-engine/internal/metrics"
)

// Timer drives the custody pipeline: the release pass on one cadence,
// the funding and payout passes on another.
type Timer struct {
	orchestrator *Orchestrator
	releaser     *Releaser
	payouts      *PayoutProcessor

	releaseInterval time.Duration
	payoutInterval  time.Duration

	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

// NewTimer creates the custody timer.
func NewTimer(orchestrator *Orchestrator, releaser *Releaser, payouts *PayoutProcessor, releaseInterval, payoutInterval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		orchestrator:    orchestrator,
		releaser:        releaser,
		payouts:         payouts,
		releaseInterval: releaseInterval,
		payoutInterval:  payoutInterval,
		logger:          logger,
		stop:            make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the custody loops. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	releaseTicker := time.NewTicker(t.releaseInterval)
	defer releaseTicker.Stop()
	payoutTicker := time.NewTicker(t.payoutInterval)
	defer payoutTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-releaseTicker.C:
			t.safeRun(ctx, "release", t.releaser.Run)
		case <-payoutTicker.C:
			t.safeRun(ctx, "custody", t.orchestrator.ProcessFunded)
			t.safeRun(ctx, "payout", t.payouts.RunPending)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context, task string, run func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in custody timer", "task", task, "panic", fmt.Sprint(r))
			metrics.TaskRunsTotal.WithLabelValues(task, "panic").Inc()
		}
	}()

	if err := run(ctx); err != nil {
		t.logger.Warn("custody task failed", "task", task, "error", err)
		metrics.TaskRunsTotal.WithLabelValues(task, "error").Inc()
		return
	}
	metrics.TaskRunsTotal.WithLabelValues(task, "ok").Inc()
}
