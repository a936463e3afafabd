package ledger

import "time"

// Account is the item stored in the users DynamoDB table. Credits are whole
// units; a reservation decrements, a refund increments, both atomically.
type Account struct {
	UserID    string    `dynamodbav:"user_id"` // PK
	Credits   int64     `dynamodbav:"credits"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
}

// RefundOpts carries the idempotency key and optional reason for a refund.
// Idempotency per RefundKey is enforced by the refund failure store when a
// refund is retried; the ledger itself only logs it.
type RefundOpts struct {
	RefundKey string
	Reason    string
}
