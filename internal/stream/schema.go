// internal/stream/schema.go
package stream

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/models"
)

const eventSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["userId", "title", "body"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"userId": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"body": {"type": "string"},
		"type": {"type": "string"},
		"priority": {"type": "string", "enum": ["urgent", "high", "medium", "low"]},
		"channels": {
			"type": "array",
			"items": {"type": "string", "enum": ["email", "sms", "push"]}
		},
		"scheduledFor": {"type": "string", "format": "date-time"},
		"metadata": {"type": "object"}
	}
}`

var eventSchema = gojsonschema.NewStringLoader(eventSchemaJSON)

type inboundEvent struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"userId"`
	Title        string                 `json:"title"`
	Body         string                 `json:"body"`
	Type         string                 `json:"type"`
	Priority     string                 `json:"priority"`
	Channels     []string               `json:"channels"`
	ScheduledFor string                 `json:"scheduledFor"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// ParseEvent validates an inbound event payload against the schema and maps
// it onto a notification. Events without a priority default to medium.
func ParseEvent(payload string) (*models.Notification, error) {
	result, err := gojsonschema.Validate(eventSchema, gojsonschema.NewStringLoader(payload))
	if err != nil {
		return nil, stderrors.NewEventParseFailedError(err)
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, stderrors.NewEventInvalidError(strings.Join(details, "; "))
	}

	var event inboundEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, stderrors.NewEventParseFailedError(err)
	}

	n := &models.Notification{
		ID:       event.ID,
		UserID:   event.UserID,
		Title:    event.Title,
		Body:     event.Body,
		Type:     event.Type,
		Priority: models.ParsePriority(event.Priority),
		Metadata: event.Metadata,
	}
	for _, ch := range event.Channels {
		n.Channels = append(n.Channels, models.Channel(ch))
	}
	if event.ScheduledFor != "" {
		scheduledFor, err := time.Parse(time.RFC3339, event.ScheduledFor)
		if err != nil {
			return nil, stderrors.NewEventInvalidError("scheduledFor must be RFC 3339: " + err.Error())
		}
		n.ScheduledFor = scheduledFor.UTC()
	}
	return n, nil
}
