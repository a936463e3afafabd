// Package reconcile schedules the periodic audits of the ledger against
// ground truth. One timer loop carries two cadences: an incremental pass on
// every tick and a full pass whenever its separately tracked due time has
// elapsed.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/promptreel/creditflow/internal/config"
	"github.com/promptreel/creditflow/internal/metrics"
	"github.com/promptreel/creditflow/internal/schedule"
)

// Worker drives the reconciliation service on its two cadences.
type Worker struct {
	service  Service
	recorder metrics.Recorder
	cfg      config.ReconcileConfig
	loop     *schedule.Loop
	nowFunc  func() time.Time

	mu          sync.Mutex
	nextFullDue time.Time // zero means a full pass is due on the next tick
}

// NewWorker wires a reconciliation worker. The zero nextFullDue makes the
// first tick after a process start run a full pass, so a restart converges
// quickly after any missed schedule.
func NewWorker(service Service, recorder metrics.Recorder, cfg config.ReconcileConfig) *Worker {
	w := &Worker{
		service:  service,
		recorder: recorder,
		cfg:      cfg,
		nowFunc:  time.Now,
	}
	w.loop = schedule.NewLoop("reconcile", cfg.IncrementalInterval, cfg.MaxBackoff, cfg.BackoffFactor,
		w.Tick,
		func(err error) {
			w.recorder.RecordAlert(context.Background(), "reconciliation_crash",
				map[string]string{"error": err.Error()})
		})
	return w
}

// Start begins the loop unless disabled by config.
func (w *Worker) Start() {
	if w.cfg.Disabled {
		log.Printf("[reconcile] disabled by config, not starting")
		return
	}
	w.loop.Start()
}

// Stop halts future scheduling; an in-flight pass runs to completion.
func (w *Worker) Stop() { w.loop.Stop() }

// Status reports the loop snapshot for health checks.
func (w *Worker) Status() schedule.Snapshot { return w.loop.Status() }

// Tick runs one scheduling iteration: always an incremental pass, plus a
// full pass when due. The full-pass due time only resets after the full pass
// actually ran, so a failed full pass is retried on the next tick.
func (w *Worker) Tick(ctx context.Context) error {
	res, err := w.service.RunIncrementalPass(ctx)
	if err != nil {
		return fmt.Errorf("incremental pass: %w", err)
	}
	logResult(res)

	if !w.fullPassDue() {
		return nil
	}
	full, err := w.service.RunFullPass(ctx)
	if err != nil {
		return fmt.Errorf("full pass: %w", err)
	}
	logResult(full)
	w.resetFullPassDue()
	return nil
}

func (w *Worker) fullPassDue() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.nowFunc().Before(w.nextFullDue)
}

func (w *Worker) resetFullPassDue() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextFullDue = w.nowFunc().Add(w.cfg.FullPassInterval)
}

func logResult(res RunResult) {
	log.Printf("[reconcile] %s pass scanned=%d users=%d corrections=+%d/-%d checkpoint_advanced=%t",
		res.Scope, res.ScannedItems, res.UsersProcessed,
		res.PositiveCorrections, res.NegativeCorrections, res.CheckpointAdvanced)
}
