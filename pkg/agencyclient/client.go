/**
 * @description
 * Client for the collection agency partner API.
 */
package agencyclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/recoup/collections-service/pkg/resilient"
)

// Referral is the case file handed to the agency.
type Referral struct {
	HandoffID         string `json:"handoff_id"`
	InvoiceID         string `json:"invoice_id"`
	InvoiceReference  string `json:"invoice_reference"`
	DebtorName        string `json:"debtor_name"`
	DebtorEmail       string `json:"debtor_email"`
	OutstandingAmount string `json:"outstanding_amount"`
	Currency          string `json:"currency"`
	DaysOverdue       int    `json:"days_overdue"`
	CommissionPercent string `json:"commission_percent"`
}

// Client submits referrals to the agency partner.
type Client struct {
	baseURL string
	apiKey  string
	caller  *resilient.Client
}

// NewClient creates a new agency client.
func NewClient(caller *resilient.Client, baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		caller:  caller,
	}
}

// Submit sends a referral and returns the agency's case reference.
func (c *Client) Submit(ctx context.Context, referral Referral) (string, error) {
	if c.baseURL == "" {
		return "", resilient.Permanent(errors.New("agency api url is not configured"))
	}

	header := http.Header{}
	header.Set("Idempotency-Key", referral.HandoffID)
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.caller.Call(ctx, resilient.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/referrals",
		Header: header,
		Body:   referral,
	}, resilient.AgencyPolicy())
	if err != nil {
		return "", fmt.Errorf("agency referral failed: %w", err)
	}

	var out struct {
		Reference string `json:"reference"`
	}
	if err := resp.Decode(&out); err != nil {
		return "", err
	}
	if out.Reference == "" {
		return "", resilient.Permanent(errors.New("agency response missing reference"))
	}
	return out.Reference, nil
}
