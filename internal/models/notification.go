// internal/models/notification.go
package models

import "time"

// Priority of a notification. Weight ordering: urgent > high > medium > low.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// PriorityWeights maps priorities to their queue weights.
var PriorityWeights = map[Priority]int{
	PriorityUrgent: 4,
	PriorityHigh:   3,
	PriorityMedium: 2,
	PriorityLow:    1,
}

// Weight returns the numeric queue weight for the priority. Unknown
// priorities weigh the same as medium.
func (p Priority) Weight() int {
	if w, ok := PriorityWeights[p]; ok {
		return w
	}
	return PriorityWeights[PriorityMedium]
}

// IsValid reports whether p is one of the four known priorities.
func (p Priority) IsValid() bool {
	_, ok := PriorityWeights[p]
	return ok
}

// ParsePriority normalizes a raw priority string, defaulting to medium.
func ParsePriority(raw string) Priority {
	p := Priority(raw)
	if p.IsValid() {
		return p
	}
	return PriorityMedium
}

// Channel is a delivery medium.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// ChannelOrder is the configuration fallback order for channel selection.
var ChannelOrder = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

// Notification lifecycle statuses.
const (
	StatusPending            = "pending"
	StatusRescheduled        = "rescheduled"
	StatusSuppressed         = "suppressed"
	StatusThrottled          = "throttled"
	StatusPendingAggregation = "pending_aggregation"
	StatusProcessing         = "processing"
	StatusDelivered          = "delivered"
	StatusFailed             = "failed"
	StatusAggregated         = "aggregated"
)

// Notification types.
const (
	TypeStandard = ""
	TypeSummary  = "summary"
)

// Notification is a request to inform one user.
type Notification struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"userId"`
	Title        string                 `json:"title"`
	Body         string                 `json:"body"`
	Type         string                 `json:"type,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Priority     Priority               `json:"priority"`
	Channels     []Channel              `json:"channels,omitempty"`
	ScheduledFor time.Time              `json:"scheduledFor"`
	Status       string                 `json:"status"`
	RetryCount   int                    `json:"retryCount"`
	LastRetryAt  *time.Time             `json:"lastRetryAt,omitempty"`
	ProcessedAt  *time.Time             `json:"processedAt,omitempty"`
	DeliveredAt  *time.Time             `json:"deliveredAt,omitempty"`
	DuplicateOf  string                 `json:"duplicateOf,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// IsSummary reports whether this notification was produced by the batch
// aggregator.
func (n *Notification) IsSummary() bool {
	return n.Type == TypeSummary
}
