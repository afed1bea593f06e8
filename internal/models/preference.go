// internal/models/preference.go
package models

import "time"

// ChannelSetting is the per-channel enablement plus delivery address.
type ChannelSetting struct {
	Enabled      bool     `json:"enabled"`
	Address      string   `json:"address,omitempty"`      // email
	PhoneNumber  string   `json:"phoneNumber,omitempty"`  // sms
	DeviceTokens []string `json:"deviceTokens,omitempty"` // push
}

// QuietHours is a user-configured window during which non-urgent
// notifications are deferred. Start/End are HH:mm; the window may wrap
// midnight (start > end).
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Throttling rate-limits notifications per user over a sliding window.
type Throttling struct {
	Enabled          bool          `json:"enabled"`
	MaxNotifications int           `json:"maxNotifications"`
	Window           time.Duration `json:"window"`
}

// UserPreference is the per-user policy configuration.
type UserPreference struct {
	UserID             string                      `json:"userId"`
	Email              string                      `json:"email,omitempty"`
	Channels           map[Channel]ChannelSetting  `json:"channels"`
	QuietHours         QuietHours                  `json:"quietHours"`
	Throttling         Throttling                  `json:"throttling"`
	PriorityThresholds map[Channel]Priority        `json:"priorityThresholds"`
	Active             bool                        `json:"active"`
	CreatedAt          time.Time                   `json:"createdAt"`
	UpdatedAt          time.Time                   `json:"updatedAt"`
}

// DefaultPreference synthesizes the caller-visible default for a user with no
// stored record: email enabled only, quiet hours and throttling disabled.
// It is never persisted by reads.
func DefaultPreference(userID string) *UserPreference {
	return &UserPreference{
		UserID: userID,
		Channels: map[Channel]ChannelSetting{
			ChannelEmail: {Enabled: true},
			ChannelSMS:   {Enabled: false},
			ChannelPush:  {Enabled: false},
		},
		QuietHours: QuietHours{
			Enabled: false,
			Start:   "22:00",
			End:     "07:00",
		},
		Throttling: Throttling{
			Enabled:          false,
			MaxNotifications: 10,
			Window:           time.Hour,
		},
		PriorityThresholds: map[Channel]Priority{
			ChannelEmail: PriorityLow,
			ChannelSMS:   PriorityHigh,
			ChannelPush:  PriorityMedium,
		},
		Active: true,
	}
}

// EnabledChannels returns the user's enabled channels in configuration order.
func (p *UserPreference) EnabledChannels() []Channel {
	var out []Channel
	for _, ch := range ChannelOrder {
		if p.Channels[ch].Enabled {
			out = append(out, ch)
		}
	}
	return out
}

// Threshold returns the minimum priority configured for a channel, falling
// back to the synthesized defaults when unset.
func (p *UserPreference) Threshold(ch Channel) Priority {
	if t, ok := p.PriorityThresholds[ch]; ok && t.IsValid() {
		return t
	}
	switch ch {
	case ChannelSMS:
		return PriorityHigh
	case ChannelPush:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// PreferencePatch is a partial preference update. Nil fields are left
// untouched by an upsert.
type PreferencePatch struct {
	Email              *string                    `json:"email,omitempty"`
	Channels           map[Channel]ChannelSetting `json:"channels,omitempty"`
	QuietHours         *QuietHours                `json:"quietHours,omitempty"`
	Throttling         *Throttling                `json:"throttling,omitempty"`
	PriorityThresholds map[Channel]Priority       `json:"priorityThresholds,omitempty"`
	Active             *bool                      `json:"active,omitempty"`
}
