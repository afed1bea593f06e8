// internal/models/delivery.go
package models

import "time"

// Attempt outcomes.
const (
	AttemptSuccess = "success"
	AttemptFailure = "failure"
)

// Ledger-level statuses. A ledger is delivered only when every tracked
// channel has at least one successful attempt.
const (
	DeliveryProcessing = "processing"
	DeliveryDelivered  = "delivered"
	DeliveryFailed     = "failed"
)

// DeliveryAttempt is one entry in a notification's attempt ledger.
type DeliveryAttempt struct {
	Timestamp    time.Time `json:"timestamp"`
	Channel      Channel   `json:"channel"`
	Outcome      string    `json:"outcome"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	MessageID    string    `json:"messageId,omitempty"`
}

// DeliveryStatus is the attempt ledger for one notification (1:1).
type DeliveryStatus struct {
	NotificationID string            `json:"notificationId"`
	UserID         string            `json:"userId"`
	Status         string            `json:"status"`
	Channels       []Channel         `json:"channels"`
	Attempts       []DeliveryAttempt `json:"attempts"`
	RetryCount     int               `json:"retryCount"`
	LastAttemptAt  *time.Time        `json:"lastAttemptAt,omitempty"`
	DeliveredAt    *time.Time        `json:"deliveredAt,omitempty"`
	FailureReason  string            `json:"failureReason,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// SucceededChannels returns the set of channels with at least one successful
// attempt.
func (d *DeliveryStatus) SucceededChannels() map[Channel]bool {
	out := make(map[Channel]bool)
	for _, a := range d.Attempts {
		if a.Outcome == AttemptSuccess {
			out[a.Channel] = true
		}
	}
	return out
}
