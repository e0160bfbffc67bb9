package relaysync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

type SweepReport struct {
	Scanned      int `json:"scanned"`
	Redelivered  int `json:"redelivered"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"deadLettered"`
}

// SweepStalled redelivers continuations that were never picked up. Stalled
// tokens are retried with exponential backoff until MaxRedeliveries is
// reached, after which they are dead-lettered and left for an operator.
// Tokens still marked running or pending are only considered once they
// are older than StallAfter and nobody holds the job lock.
func (r *Runner) SweepStalled(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	values, err := r.store.List(ctx, continuationPrefix)
	if err != nil {
		return report, err
	}
	now := r.now()
	for _, key := range sortedKeys(values) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		raw := values[key]
		var token ResumeToken
		if err := json.Unmarshal(raw, &token); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("skipping unreadable checkpoint")
			continue
		}
		report.Scanned++
		age := now.Sub(token.Timestamp)

		switch token.Status {
		case StatusDeadLettered:
			continue
		case StatusStalled:
			if age < backoffDelay(r.redeliveryBackoff, r.stallAfter, token.DeliveryAttempts+1) {
				continue
			}
		default:
			if age < r.stallAfter {
				continue
			}
		}
		if _, held, err := r.locks.Inspect(ctx, token.JobID); err != nil || held {
			continue
		}

		logger := r.logger.With().Str("job_id", token.JobID).Int("attempts", token.DeliveryAttempts).Logger()
		if token.DeliveryAttempts >= r.maxRedeliveries {
			token.Status = StatusDeadLettered
			token.Timestamp = now.UTC()
			if ok := r.swapToken(ctx, key, raw, token); !ok {
				continue
			}
			logger.Error().Str("last_error", token.LastDeliveryError).Msg("continuation dead-lettered")
			r.metrics.RecordStall(r.integration.Name, "dead_lettered")
			r.progress.Publish(ProgressEvent{
				Integration: r.integration.Name,
				JobID:       token.JobID,
				Phase:       PhaseStalled,
				Offset:      token.NextOffset,
				Message:     "dead-lettered after " + token.LastDeliveryError,
			})
			report.DeadLettered++
			continue
		}

		token.DeliveryAttempts++
		token.Status = StatusPendingContinuation
		token.Timestamp = now.UTC()
		if ok := r.swapToken(ctx, key, raw, token); !ok {
			continue
		}
		r.metrics.RecordStall(r.integration.Name, "redelivered")
		logger.Info().Int("next_offset", token.NextOffset).Msg("redelivering stalled continuation")
		if err := r.trigger.Deliver(ctx, token); err != nil {
			report.Failed++
			continue
		}
		report.Redelivered++
	}
	return report, nil
}

// swapToken writes token only if the stored checkpoint is still prev, so two
// sweepers never redeliver the same job twice.
func (r *Runner) swapToken(ctx context.Context, key string, prev json.RawMessage, token ResumeToken) bool {
	next, err := json.Marshal(token)
	if err != nil {
		return false
	}
	swapped, err := r.store.CompareAndSwap(ctx, key, prev, next)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("failed to update checkpoint during sweep")
		return false
	}
	return swapped
}

// StallSweeper periodically sweeps every runner for stalled jobs.
type StallSweeper struct {
	runners  []*Runner
	interval time.Duration
	logger   zerolog.Logger
}

func NewStallSweeper(runners []*Runner, interval time.Duration, logger zerolog.Logger) *StallSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &StallSweeper{
		runners:  runners,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

func (s *StallSweeper) SweepOnce(ctx context.Context) map[string]SweepReport {
	reports := make(map[string]SweepReport, len(s.runners))
	for _, runner := range s.runners {
		report, err := runner.SweepStalled(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("integration", runner.Name()).Msg("stall sweep failed")
		}
		if report.Redelivered > 0 || report.Failed > 0 || report.DeadLettered > 0 {
			s.logger.Info().
				Str("integration", runner.Name()).
				Int("redelivered", report.Redelivered).
				Int("failed", report.Failed).
				Int("dead_lettered", report.DeadLettered).
				Msg("stall sweep finished")
		}
		reports[runner.Name()] = report
	}
	return reports
}

// Run sweeps on every tick until ctx is cancelled.
func (s *StallSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}
