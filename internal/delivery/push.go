// internal/delivery/push.go
package delivery

import (
	"context"
	"time"

	stderrors "notification-service/internal/common/errors"
	httpclient "notification-service/internal/common/http"
	"notification-service/internal/common/logger"
	"notification-service/internal/models"
)

// PushGateway posts JSON payloads to the push provider.
type PushGateway interface {
	PostJSON(ctx context.Context, url string, headers map[string]string, payload, out interface{}) error
}

type pushRequest struct {
	DeviceTokens []string               `json:"deviceTokens"`
	Title        string                 `json:"title"`
	Body         string                 `json:"body"`
	Priority     string                 `json:"priority"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

type pushResponse struct {
	MessageID string `json:"messageId"`
}

// PushSender fans a notification out to the user's registered devices via
// the push gateway.
type PushSender struct {
	gateway    PushGateway
	gatewayURL string
	apiKey     string
	logger     logger.Logger
	now        func() time.Time
}

func NewPushSender(gateway PushGateway, gatewayURL, apiKey string, log logger.Logger) *PushSender {
	return &PushSender{
		gateway:    gateway,
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
		logger:     log.WithFields(map[string]interface{}{"component": "push-sender"}),
		now:        time.Now,
	}
}

var _ PushGateway = (*httpclient.Client)(nil)

func (s *PushSender) Channel() models.Channel {
	return models.ChannelPush
}

func (s *PushSender) Send(ctx context.Context, n *models.Notification, pref *models.UserPreference) (*SendResult, error) {
	tokens := pref.Channels[models.ChannelPush].DeviceTokens
	if len(tokens) == 0 {
		return nil, stderrors.NewRecipientMissingError(string(models.ChannelPush), n.UserID)
	}

	headers := map[string]string{}
	if s.apiKey != "" {
		headers["Authorization"] = "Bearer " + s.apiKey
	}

	req := pushRequest{
		DeviceTokens: tokens,
		Title:        n.Title,
		Body:         n.Body,
		Priority:     string(n.Priority),
		Data:         n.Metadata,
	}
	var resp pushResponse
	if err := s.gateway.PostJSON(ctx, s.gatewayURL, headers, req, &resp); err != nil {
		return nil, stderrors.NewChannelSendFailedError(string(models.ChannelPush), err)
	}

	s.logger.Debug("Push sent", map[string]interface{}{
		"notificationId": n.ID,
		"devices":        len(tokens),
	})
	return &SendResult{MessageID: resp.MessageID, Timestamp: s.now().UTC()}, nil
}
