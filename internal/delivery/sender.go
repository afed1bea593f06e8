// internal/delivery/sender.go
package delivery

import (
	"context"
	"time"

	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/models"
)

// SendResult reports a successful hand-off to a channel provider.
type SendResult struct {
	MessageID string
	Timestamp time.Time
}

// ChannelSender delivers one notification over one channel. Implementations
// resolve the recipient address from the user's channel settings.
type ChannelSender interface {
	Channel() models.Channel
	Send(ctx context.Context, n *models.Notification, pref *models.UserPreference) (*SendResult, error)
}

// Registry maps channels to their senders. Registration happens once at
// startup; lookups afterwards are read-only.
type Registry struct {
	senders map[models.Channel]ChannelSender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[models.Channel]ChannelSender)}
}

func (r *Registry) Register(s ChannelSender) {
	r.senders[s.Channel()] = s
}

// Resolve returns the sender for a channel, or a non-retryable error when no
// sender is configured for it.
func (r *Registry) Resolve(ch models.Channel) (ChannelSender, error) {
	s, ok := r.senders[ch]
	if !ok {
		return nil, stderrors.NewChannelUnsupportedError(string(ch))
	}
	return s, nil
}

// Channels lists the registered channels.
func (r *Registry) Channels() []models.Channel {
	channels := make([]models.Channel, 0, len(r.senders))
	for _, ch := range models.ChannelOrder {
		if _, ok := r.senders[ch]; ok {
			channels = append(channels, ch)
		}
	}
	return channels
}
