// internal/delivery/sms.go
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"

	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/common/logger"
	"notification-service/internal/models"
)

// SNSService is the slice of the SNS client the SMS sender needs.
type SNSService interface {
	PublishSMS(ctx context.Context, phone, message, senderID string) (*sns.PublishOutput, error)
}

// SMSSender ships notifications as text messages through SNS.
type SMSSender struct {
	sns      SNSService
	senderID string
	logger   logger.Logger
	now      func() time.Time
}

func NewSMSSender(snsClient SNSService, senderID string, log logger.Logger) *SMSSender {
	return &SMSSender{
		sns:      snsClient,
		senderID: senderID,
		logger:   log.WithFields(map[string]interface{}{"component": "sms-sender"}),
		now:      time.Now,
	}
}

func (s *SMSSender) Channel() models.Channel {
	return models.ChannelSMS
}

func (s *SMSSender) Send(ctx context.Context, n *models.Notification, pref *models.UserPreference) (*SendResult, error) {
	phone := pref.Channels[models.ChannelSMS].PhoneNumber
	if phone == "" {
		return nil, stderrors.NewRecipientMissingError(string(models.ChannelSMS), n.UserID)
	}

	message := fmt.Sprintf("%s: %s", n.Title, n.Body)
	out, err := s.sns.PublishSMS(ctx, phone, message, s.senderID)
	if err != nil {
		return nil, stderrors.NewChannelSendFailedError(string(models.ChannelSMS), err)
	}

	messageID := ""
	if out != nil && out.MessageId != nil {
		messageID = *out.MessageId
	}
	s.logger.Debug("SMS sent", map[string]interface{}{
		"notificationId": n.ID,
		"messageId":      messageID,
	})
	return &SendResult{MessageID: messageID, Timestamp: s.now().UTC()}, nil
}
