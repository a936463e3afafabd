// Package sweeper drains the refund failure store: it claims failed refunds,
// replays them against the ledger, and resolves, releases, or escalates each
// one. Money is only ever lost if a refund both exhausts its retry budget and
// the escalation alert is ignored.
package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/promptreel/creditflow/internal/config"
	"github.com/promptreel/creditflow/internal/ledger"
	"github.com/promptreel/creditflow/internal/metrics"
	"github.com/promptreel/creditflow/internal/refundq"
	"github.com/promptreel/creditflow/internal/schedule"
)

// FailureQueue is what the sweeper needs from the refund failure store.
type FailureQueue interface {
	ClaimNextPending(ctx context.Context, maxAttempts, scanLimit int) (*refundq.RefundFailure, error)
	MarkResolved(ctx context.Context, refundKey string) error
	ReleaseForRetry(ctx context.Context, refundKey, lastError string) error
	MarkEscalated(ctx context.Context, refundKey, lastError string) error
}

// Refunder is the ledger operation the sweeper replays.
type Refunder interface {
	Refund(ctx context.Context, userID string, amount int64, opts ledger.RefundOpts) error
}

// AlertPublisher posts escalations to the ops queue.
type AlertPublisher interface {
	SendAlert(ctx context.Context, messageBody string, attributes map[string]string) error
}

// RunStats summarizes one sweep.
type RunStats struct {
	Claimed   int
	Resolved  int
	Released  int
	Escalated int
}

// Sweeper is the background worker. Construct with New, then Start/Stop.
type Sweeper struct {
	queue     FailureQueue
	ledger    Refunder
	recorder  metrics.Recorder
	publisher AlertPublisher
	cfg       config.SweeperConfig
	loop      *schedule.Loop
}

// New wires a Sweeper. publisher may be nil when no ops queue is configured.
func New(queue FailureQueue, ldg Refunder, recorder metrics.Recorder, publisher AlertPublisher, cfg config.SweeperConfig) *Sweeper {
	s := &Sweeper{
		queue:     queue,
		ledger:    ldg,
		recorder:  recorder,
		publisher: publisher,
		cfg:       cfg,
	}
	s.loop = schedule.NewLoop("sweeper", cfg.Interval, cfg.MaxBackoff, cfg.BackoffFactor,
		func(ctx context.Context) error {
			_, err := s.RunOnce(ctx)
			return err
		},
		func(err error) {
			s.recorder.RecordAlert(context.Background(), "refund_sweeper_crash",
				map[string]string{"error": err.Error()})
		})
	return s
}

// Start begins the sweep loop unless the sweeper is disabled by config.
func (s *Sweeper) Start() {
	if s.cfg.Disabled {
		log.Printf("[sweeper] disabled by config, not starting")
		return
	}
	s.loop.Start()
}

// Stop halts future sweeps. An in-flight sweep finishes.
func (s *Sweeper) Stop() { s.loop.Stop() }

// Status reports the loop snapshot for health checks.
func (s *Sweeper) Status() schedule.Snapshot { return s.loop.Status() }

// RunOnce claims and replays up to MaxPerRun failed refunds. It returns an
// error only when the store itself misbehaves; an individual refund that
// fails again is released or escalated, which is normal operation.
func (s *Sweeper) RunOnce(ctx context.Context) (RunStats, error) {
	var stats RunStats

	for stats.Claimed < s.cfg.MaxPerRun {
		rec, err := s.queue.ClaimNextPending(ctx, s.cfg.MaxAttempts, s.cfg.ScanLimit)
		if err != nil {
			return stats, fmt.Errorf("claim next pending: %w", err)
		}
		if rec == nil {
			break // backlog drained
		}
		stats.Claimed++

		refundErr := s.ledger.Refund(ctx, rec.UserID, rec.Amount, ledger.RefundOpts{
			RefundKey: rec.RefundKey,
			Reason:    rec.Reason,
		})
		if refundErr == nil {
			if err := s.queue.MarkResolved(ctx, rec.RefundKey); err != nil {
				// Refund landed but the record is stuck in PROCESSING. It will
				// never be re-claimed (only PENDING records are), so the money
				// is safe; surface the store error so the loop backs off.
				return stats, fmt.Errorf("mark resolved %s: %w", rec.RefundKey, err)
			}
			stats.Resolved++
			log.Printf("[sweeper] resolved refund_key=%s user=%s amount=%d",
				rec.RefundKey, rec.UserID, rec.Amount)
			continue
		}

		if rec.Attempts+1 >= s.cfg.MaxAttempts {
			if err := s.queue.MarkEscalated(ctx, rec.RefundKey, refundErr.Error()); err != nil {
				return stats, fmt.Errorf("mark escalated %s: %w", rec.RefundKey, err)
			}
			stats.Escalated++
			s.raiseEscalation(ctx, rec, refundErr)
			continue
		}

		if err := s.queue.ReleaseForRetry(ctx, rec.RefundKey, refundErr.Error()); err != nil {
			return stats, fmt.Errorf("release for retry %s: %w", rec.RefundKey, err)
		}
		stats.Released++
		log.Printf("[sweeper] released refund_key=%s attempts=%d err=%v",
			rec.RefundKey, rec.Attempts+1, refundErr)
	}

	if stats.Claimed > 0 {
		log.Printf("[sweeper] run complete claimed=%d resolved=%d released=%d escalated=%d",
			stats.Claimed, stats.Resolved, stats.Released, stats.Escalated)
	}
	return stats, nil
}

// raiseEscalation pages via both channels: a CloudWatch alert metric and an
// ops-queue message. An unrefunded user is business-critical.
func (s *Sweeper) raiseEscalation(ctx context.Context, rec *refundq.RefundFailure, refundErr error) {
	meta := map[string]string{
		"refund_key": rec.RefundKey,
		"user_id":    rec.UserID,
	}
	s.recorder.RecordAlert(ctx, "refund_escalated", meta)

	log.Printf("[sweeper] ESCALATED refund_key=%s user=%s amount=%d err=%v",
		rec.RefundKey, rec.UserID, rec.Amount, refundErr)

	if s.publisher == nil {
		return
	}
	body, _ := json.Marshal(map[string]interface{}{
		"alert":      "refund_escalated",
		"refund_key": rec.RefundKey,
		"user_id":    rec.UserID,
		"amount":     rec.Amount,
		"last_error": refundErr.Error(),
	})
	if err := s.publisher.SendAlert(ctx, string(body), meta); err != nil {
		log.Printf("[sweeper] ops alert failed for refund_key=%s: %v", rec.RefundKey, err)
	}
}
