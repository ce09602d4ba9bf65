package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fianza-mx/escrow-engine/internal/metrics"
)

// Timer periodically runs the recovery pass.
type Timer struct {
	monitor  *Monitor
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the recovery timer.
func NewTimer(monitor *Monitor, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		monitor:  monitor,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the recovery loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
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

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in recovery timer", "panic", fmt.Sprint(r))
			metrics.TaskRunsTotal.WithLabelValues("recovery", "panic").Inc()
		}
	}()

	if _, err := t.monitor.Run(ctx); err != nil {
		t.logger.Warn("recovery pass failed", "error", err)
		metrics.TaskRunsTotal.WithLabelValues("recovery", "error").Inc()
		return
	}
	metrics.TaskRunsTotal.WithLabelValues("recovery", "ok").Inc()
}
