// internal/delivery/email.go
package delivery

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ses"

	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/common/logger"
	"notification-service/internal/models"
)

// SESService is the slice of the SES client the email sender needs.
type SESService interface {
	SendSimpleEmail(ctx context.Context, from, to, subject, body string) (*ses.SendEmailOutput, error)
}

// EmailSender ships notifications over SES. The recipient comes from the
// email channel settings, falling back to the account email.
type EmailSender struct {
	ses       SESService
	fromEmail string
	logger    logger.Logger
	now       func() time.Time
}

func NewEmailSender(sesClient SESService, fromEmail string, log logger.Logger) *EmailSender {
	return &EmailSender{
		ses:       sesClient,
		fromEmail: fromEmail,
		logger:    log.WithFields(map[string]interface{}{"component": "email-sender"}),
		now:       time.Now,
	}
}

func (s *EmailSender) Channel() models.Channel {
	return models.ChannelEmail
}

func (s *EmailSender) Send(ctx context.Context, n *models.Notification, pref *models.UserPreference) (*SendResult, error) {
	to := pref.Channels[models.ChannelEmail].Address
	if to == "" {
		to = pref.Email
	}
	if to == "" {
		return nil, stderrors.NewRecipientMissingError(string(models.ChannelEmail), n.UserID)
	}

	out, err := s.ses.SendSimpleEmail(ctx, s.fromEmail, to, n.Title, n.Body)
	if err != nil {
		return nil, stderrors.NewChannelSendFailedError(string(models.ChannelEmail), err)
	}

	messageID := ""
	if out != nil && out.MessageId != nil {
		messageID = *out.MessageId
	}
	s.logger.Debug("Email sent", map[string]interface{}{
		"notificationId": n.ID,
		"messageId":      messageID,
	})
	return &SendResult{MessageID: messageID, Timestamp: s.now().UTC()}, nil
}
