package domain

import (
	"strings"
	"time"
)

// Tier is the subscription tier that decides channel access and monthly quotas.
type Tier string

const (
	TierFree     Tier = "free"
	TierStarter  Tier = "starter"
	TierGrowth   Tier = "growth"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

// NormalizeTier maps stored tier labels, including the legacy "paid" label, onto a known tier.
func NormalizeTier(raw string) Tier {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "starter":
		return TierStarter
	case "growth", "paid":
		return TierGrowth
	case "pro":
		return TierPro
	case "business":
		return TierBusiness
	default:
		return TierFree
	}
}

// Actor is an invoice issuer with a subscription tier.
type Actor struct {
	ID          string `json:"id"`
	ClerkUserID string `json:"clerk_user_id"`
	Email       string `json:"email"`
	Tier        Tier   `json:"tier"`
}

// Action is a quota-metered unit of work.
type Action string

const (
	ActionEmailReminder Action = "email_reminder"
	ActionSMSReminder   Action = "sms_reminder"
	ActionVoiceCall     Action = "voice_call"
	ActionPostalLetter  Action = "postal_letter"
	ActionAgencyHandoff Action = "agency_handoff"
)

// ActionForChannel returns the metered action for sending a reminder on a channel.
func ActionForChannel(channel Channel) Action {
	switch channel {
	case ChannelSMS:
		return ActionSMSReminder
	case ChannelVoice:
		return ActionVoiceCall
	case ChannelLetter:
		return ActionPostalLetter
	default:
		return ActionEmailReminder
	}
}

// RecipientConsent is a payer's consent state for one channel.
type RecipientConsent struct {
	ClientID   string     `json:"client_id"`
	Channel    Channel    `json:"channel"`
	Granted    bool       `json:"granted"`
	OptedOut   bool       `json:"opted_out"`
	OptedOutAt *time.Time `json:"opted_out_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
