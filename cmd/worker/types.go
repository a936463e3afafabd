package main

// PaymentEvent is a parsed payment-provider webhook delivered via SQS.
// Parsing happens upstream; here it is only a trigger for profile repair.
type PaymentEvent struct {
	UserID    string `json:"user_id"`
	EventType string `json:"event_type"`
	EventID   string `json:"event_id,omitempty"`
}
