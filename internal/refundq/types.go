package refundq

import "time"

// Refund failure statuses. pending -> processing -> {resolved | pending | escalated}.
// resolved and escalated are terminal; records are never deleted.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusResolved   = "RESOLVED"
	StatusEscalated  = "ESCALATED"
)

// RefundFailure is the item stored in the credit_refund_failures table.
// RefundKey is the idempotency key of the failed refund attempt.
type RefundFailure struct {
	RefundKey string `dynamodbav:"refund_key"` // PK
	UserID    string `dynamodbav:"user_id"`
	Amount    int64  `dynamodbav:"amount"`
	Reason    string `dynamodbav:"reason,omitempty"`
	Status    string `dynamodbav:"status"`
	Attempts  int    `dynamodbav:"attempts"`
	LastError string `dynamodbav:"last_error,omitempty"`

	CreatedAt           time.Time  `dynamodbav:"created_at"`
	UpdatedAt           time.Time  `dynamodbav:"updated_at"`
	ProcessingStartedAt *time.Time `dynamodbav:"processing_started_at,omitempty"`
	ResolvedAt          *time.Time `dynamodbav:"resolved_at,omitempty"`
	EscalatedAt         *time.Time `dynamodbav:"escalated_at,omitempty"`
}
