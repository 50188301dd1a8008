/**
 * @description
 * Client for the outbound channel providers (email, SMS, voice and postal letter).
 * Each provider exposes the same JSON contract: send(recipient, content) returns a
 * delivered, queued or failed status plus the provider's message id.
 */
package providerclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/recoup/collections-service/pkg/resilient"
)

// Status is the provider-level delivery status.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
)

// Message is the payload sent to a provider.
type Message struct {
	Channel   string            `json:"channel"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Result is the provider's answer to a send.
type Result struct {
	Status    Status `json:"status"`
	MessageID string `json:"message_id"`
	Detail    string `json:"detail,omitempty"`
}

// Endpoints holds the provider base URLs per channel.
type Endpoints struct {
	Email  string
	SMS    string
	Voice  string
	Letter string
}

// Client sends messages to channel providers through the resilient caller.
type Client struct {
	caller    *resilient.Client
	apiKey    string
	endpoints map[string]string
}

// NewClient creates a new provider client.
func NewClient(caller *resilient.Client, apiKey string, endpoints Endpoints) *Client {
	return &Client{
		caller: caller,
		apiKey: strings.TrimSpace(apiKey),
		endpoints: map[string]string{
			"email":  strings.TrimSuffix(endpoints.Email, "/"),
			"sms":    strings.TrimSuffix(endpoints.SMS, "/"),
			"voice":  strings.TrimSuffix(endpoints.Voice, "/"),
			"letter": strings.TrimSuffix(endpoints.Letter, "/"),
		},
	}
}

// Send delivers msg to the provider for its channel.
func (c *Client) Send(ctx context.Context, msg Message) (*Result, error) {
	baseURL := c.endpoints[msg.Channel]
	if baseURL == "" {
		return nil, resilient.Permanent(fmt.Errorf("no provider configured for channel %q", msg.Channel))
	}

	policy := resilient.NotificationPolicy()
	if msg.Channel == "voice" {
		policy = resilient.VoicePolicy()
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	// Providers dedupe sends on this key.
	header.Set("Idempotency-Key", msg.Reference)

	resp, err := c.caller.Call(ctx, resilient.Request{
		Method: http.MethodPost,
		URL:    baseURL + "/messages",
		Header: header,
		Body:   msg,
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("%s provider send failed: %w", msg.Channel, err)
	}

	var result Result
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("%s provider response: %w", msg.Channel, err)
	}
	switch result.Status {
	case StatusDelivered, StatusQueued, StatusFailed:
	default:
		return nil, resilient.Permanent(fmt.Errorf("%s provider returned unknown status %q", msg.Channel, result.Status))
	}
	return &result, nil
}

// HealthCheck probes the provider for a channel.
func (c *Client) HealthCheck(ctx context.Context, channel string) error {
	baseURL := c.endpoints[channel]
	if baseURL == "" {
		return fmt.Errorf("no provider configured for channel %q", channel)
	}
	return c.caller.HealthCheck(ctx, baseURL+"/health")
}
