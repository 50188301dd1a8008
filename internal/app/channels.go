package app

import (
	"fmt"
	"strings"

	"github.com/recoup/collections-service/internal/domain"
	"github.com/recoup/collections-service/pkg/providerclient"
)

// ChannelDispatcher builds provider messages for one channel and reads provider answers back
// into attempt results.
type ChannelDispatcher interface {
	Channel() domain.Channel
	Build(invoice *domain.Invoice, level domain.EscalationLevel, recipient, attemptID string) providerclient.Message
	Interpret(result providerclient.Result) domain.AttemptResult
}

// dispatcherFor returns the dispatcher for a channel. Adding a channel means adding a case here.
func dispatcherFor(channel domain.Channel) (ChannelDispatcher, error) {
	switch channel {
	case domain.ChannelEmail:
		return emailDispatcher{}, nil
	case domain.ChannelSMS:
		return smsDispatcher{}, nil
	case domain.ChannelVoice:
		return voiceDispatcher{}, nil
	case domain.ChannelLetter:
		return letterDispatcher{}, nil
	}
	return nil, fmt.Errorf("unsupported channel %q", channel)
}

var levelTone = map[domain.EscalationLevel]string{
	domain.LevelGentle: "Friendly reminder",
	domain.LevelFirm:   "Payment overdue",
	domain.LevelFinal:  "Final notice",
	domain.LevelAgency: "Account referred to collections",
}

func reminderSubject(invoice *domain.Invoice, level domain.EscalationLevel) string {
	return fmt.Sprintf("%s: invoice %s", levelTone[level], invoice.Reference)
}

func reminderBody(invoice *domain.Invoice, level domain.EscalationLevel) string {
	amount := invoice.Amount.StringFixed(2) + " " + invoice.Currency
	switch level {
	case domain.LevelGentle:
		return fmt.Sprintf("Hi %s, invoice %s for %s was due on %s. If you have already paid, please ignore this message.",
			invoice.ClientName, invoice.Reference, amount, invoice.DueDate.Format("2 January 2006"))
	case domain.LevelFirm:
		return fmt.Sprintf("Hi %s, invoice %s for %s is now overdue. Please arrange payment as soon as possible.",
			invoice.ClientName, invoice.Reference, amount)
	case domain.LevelFinal:
		return fmt.Sprintf("%s, invoice %s for %s remains unpaid. Without payment it will be passed to a collection agency.",
			invoice.ClientName, invoice.Reference, amount)
	default:
		return fmt.Sprintf("%s, invoice %s for %s has been referred to our collection partner.",
			invoice.ClientName, invoice.Reference, amount)
	}
}

func baseMessage(channel domain.Channel, invoice *domain.Invoice, level domain.EscalationLevel, recipient, attemptID string) providerclient.Message {
	return providerclient.Message{
		Channel:   string(channel),
		Recipient: recipient,
		Body:      reminderBody(invoice, level),
		Reference: attemptID,
		Metadata: map[string]string{
			"invoice_id": invoice.ID,
			"level":      string(level),
		},
	}
}

type emailDispatcher struct{}

func (emailDispatcher) Channel() domain.Channel { return domain.ChannelEmail }

func (emailDispatcher) Build(invoice *domain.Invoice, level domain.EscalationLevel, recipient, attemptID string) providerclient.Message {
	msg := baseMessage(domain.ChannelEmail, invoice, level, recipient, attemptID)
	msg.Subject = reminderSubject(invoice, level)
	return msg
}

func (emailDispatcher) Interpret(result providerclient.Result) domain.AttemptResult {
	switch result.Status {
	case providerclient.StatusDelivered:
		return domain.AttemptSuccess
	case providerclient.StatusQueued:
		return domain.AttemptPending
	}
	if strings.EqualFold(result.Detail, "bounced") {
		return domain.AttemptBounced
	}
	return domain.AttemptFailed
}

type smsDispatcher struct{}

func (smsDispatcher) Channel() domain.Channel { return domain.ChannelSMS }

func (smsDispatcher) Build(invoice *domain.Invoice, level domain.EscalationLevel, recipient, attemptID string) providerclient.Message {
	return baseMessage(domain.ChannelSMS, invoice, level, recipient, attemptID)
}

func (smsDispatcher) Interpret(result providerclient.Result) domain.AttemptResult {
	switch result.Status {
	case providerclient.StatusDelivered:
		return domain.AttemptSuccess
	case providerclient.StatusQueued:
		return domain.AttemptPending
	}
	return domain.AttemptFailed
}

type voiceDispatcher struct{}

func (voiceDispatcher) Channel() domain.Channel { return domain.ChannelVoice }

func (voiceDispatcher) Build(invoice *domain.Invoice, level domain.EscalationLevel, recipient, attemptID string) providerclient.Message {
	return baseMessage(domain.ChannelVoice, invoice, level, recipient, attemptID)
}

// Interpret treats a call as successful only when the provider reports it completed.
func (voiceDispatcher) Interpret(result providerclient.Result) domain.AttemptResult {
	switch strings.ToLower(result.Detail) {
	case "completed":
		if result.Status != providerclient.StatusFailed {
			return domain.AttemptSuccess
		}
	case "no-answer", "busy":
		return domain.AttemptNoAnswer
	}
	if result.Status == providerclient.StatusFailed {
		return domain.AttemptFailed
	}
	return domain.AttemptPending
}

type letterDispatcher struct{}

func (letterDispatcher) Channel() domain.Channel { return domain.ChannelLetter }

func (letterDispatcher) Build(invoice *domain.Invoice, level domain.EscalationLevel, recipient, attemptID string) providerclient.Message {
	msg := baseMessage(domain.ChannelLetter, invoice, level, recipient, attemptID)
	msg.Subject = reminderSubject(invoice, level)
	return msg
}

// Interpret keeps letters pending until the postal provider reports delivery by webhook.
func (letterDispatcher) Interpret(result providerclient.Result) domain.AttemptResult {
	if result.Status == providerclient.StatusFailed {
		return domain.AttemptFailed
	}
	return domain.AttemptPending
}
