package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/alancoin-webhooks/internal/metrics"
)

// Scheduler is the Retry Scheduler (C5): it periodically reclaims InFlight
// rows stuck from a crashed dispatch, then claims due Pending rows and hands
// them to the Dispatcher. This is the only path that guarantees forward
// progress — the Router's channel handoff is purely an optimization on top
// of it.
type Scheduler struct {
	outbox       Outbox
	dispatcher   *Dispatcher
	interval     time.Duration
	batchSize    int
	stuckAfter   time.Duration
	logger       *slog.Logger
	stop         chan struct{}
	running      atomic.Bool
}

// NewScheduler creates a retry scheduler. stuckAfter bounds how long an
// InFlight row may sit before being considered abandoned by a crashed
// dispatcher and reset to Pending.
func NewScheduler(outbox Outbox, dispatcher *Dispatcher, interval time.Duration, batchSize int, stuckAfter time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		outbox:     outbox,
		dispatcher: dispatcher,
		interval:   interval,
		batchSize:  batchSize,
		stuckAfter: stuckAfter,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the scheduler loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in retry scheduler", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) {
	reclaimed, err := s.outbox.ReclaimStuck(ctx, s.stuckAfter)
	if err != nil {
		s.logger.Warn("failed to reclaim stuck delivery attempts", "error", err)
	} else if reclaimed > 0 {
		metrics.WebhookSchedulerReclaimedTotal.Add(float64(reclaimed))
		s.logger.Info("reclaimed stuck in-flight delivery attempts", "count", reclaimed)
	}

	claimed, err := s.outbox.ClaimDue(ctx, s.batchSize)
	if err != nil {
		s.logger.Warn("failed to claim due delivery attempts", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	metrics.WebhookSchedulerClaimedTotal.Add(float64(len(claimed)))

	for _, attempt := range claimed {
		select {
		case s.dispatcher.Channel() <- attempt:
		default:
			// Dispatcher saturated; deliver synchronously from this goroutine
			// rather than drop the claim (the row is already InFlight).
			s.dispatcher.Deliver(ctx, attempt)
		}
	}
}
