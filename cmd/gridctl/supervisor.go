package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ryansname/gridctl/metrics"
)

// Restart policy for supervised workers. A worker that keeps panicking is
// restarted with doubling backoff; one that stays up long enough earns a
// fresh budget. Exhausting the budget shuts the whole daemon down, since a
// permanently broken distributor or resampler must not fail silently.
const (
	workerRestartBudget = 10
	workerBackoffStart  = time.Second
	workerBackoffCap    = 10 * time.Minute
	workerStableAfter   = 2 * time.Minute
)

// superviseWorker runs fn on its own goroutine, recovering panics and
// restarting it under the policy above. Panics and restarts are counted in
// the supervisor metrics per worker.
func superviseWorker(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	go func() {
		budget := workerRestartBudget
		backoff := workerBackoffStart

		for {
			started := time.Now()
			panicked, reason := runWorker(ctx, fn)
			if !panicked {
				// Normal return: context cancelled or the work is done.
				return
			}

			metrics.WorkerPanicsTotal.WithLabelValues(name).Inc()
			if time.Since(started) >= workerStableAfter {
				budget = workerRestartBudget
				backoff = workerBackoffStart
			}

			budget--
			log.Error().
				Str("worker", name).
				Int("restarts_left", budget).
				Interface("panic", reason).
				Msg("Worker panicked")

			if budget <= 0 {
				log.Error().Str("worker", name).Msg("Worker restart budget exhausted, shutting down")
				cancel()
				return
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			metrics.WorkerRestartsTotal.WithLabelValues(name).Inc()
			log.Info().Str("worker", name).Dur("backoff", backoff).Msg("Restarting worker")
			backoff = min(backoff*2, workerBackoffCap)
		}
	}()
}

// runWorker invokes fn once, converting a panic into a return value.
func runWorker(ctx context.Context, fn func(ctx context.Context)) (panicked bool, reason any) {
	defer func() {
		if v := recover(); v != nil {
			panicked = true
			reason = v
		}
	}()
	fn(ctx)
	return false, nil
}
