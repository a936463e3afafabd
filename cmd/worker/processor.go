package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/promptreel/creditflow/internal/metrics"
	"github.com/promptreel/creditflow/internal/reconcile"
)

// Processor handles payment-event SQS messages: each one triggers a repair
// of the affected user's ledger profile against ground truth.
type Processor struct {
	service  reconcile.Service
	recorder metrics.Recorder
}

// NewProcessor creates a processor with its collaborators injected.
func NewProcessor(service reconcile.Service, recorder metrics.Recorder) *Processor {
	return &Processor{service: service, recorder: recorder}
}

// Handle receives an SQS batch event and processes each message.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			// Return error: Lambda will retry. If failed too many times, the message goes to the DLQ.
			log.Printf("worker error: %v", err)
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var ev PaymentEvent
	if err := json.Unmarshal([]byte(rec.Body), &ev); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if ev.UserID == "" {
		return fmt.Errorf("payment event without user_id: %s", rec.Body)
	}

	log.Printf("[worker] payment event user=%s type=%s event_id=%s",
		ev.UserID, ev.EventType, ev.EventID)

	if err := p.service.RepairUserProfile(ctx, ev.UserID); err != nil {
		p.recorder.RecordAlert(ctx, "profile_repair_failed", map[string]string{
			"user_id":    ev.UserID,
			"event_type": ev.EventType,
		})
		return fmt.Errorf("repair profile for user %s: %w", ev.UserID, err)
	}

	log.Printf("[worker] repaired profile user=%s", ev.UserID)
	return nil
}
