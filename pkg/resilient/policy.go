/**
 * @description
 * Retry policies for outbound calls, one per call kind.
 */
package resilient

import (
	"math"
	"time"
)

// DefaultRetryableStatuses are the HTTP statuses treated as transient.
var DefaultRetryableStatuses = []int{408, 425, 429, 500, 502, 503, 504}

// Policy configures retries for one kind of outbound call.
type Policy struct {
	Name              string
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffFactor     float64
	RetryableStatuses []int
	// Timeout bounds each individual attempt. Zero means the caller's context is the only limit.
	Timeout time.Duration
}

func (p Policy) retryableStatus(code int) bool {
	statuses := p.RetryableStatuses
	if statuses == nil {
		statuses = DefaultRetryableStatuses
	}
	for _, s := range statuses {
		if s == code {
			return true
		}
	}
	return false
}

// Delay returns the wait before retry n (0-based) given a random sample r in [0, 1).
// The base delay is min(InitialDelay * BackoffFactor^n, MaxDelay), scaled by a jitter factor in [0.75, 1.25).
func Delay(p Policy, n int, r float64) time.Duration {
	if n < 0 {
		n = 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.InitialDelay) * math.Pow(factor, float64(n))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	if r < 0 {
		r = 0
	} else if r >= 1 {
		r = math.Nextafter(1, 0)
	}
	return time.Duration(base * (0.75 + 0.5*r))
}

// VoicePolicy allows a single retry for outbound voice calls.
func VoicePolicy() Policy {
	return Policy{
		Name:          "voice",
		MaxRetries:    1,
		InitialDelay:  2 * time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2,
		Timeout:       30 * time.Second,
	}
}

// NotificationPolicy covers email, SMS and letter providers.
func NotificationPolicy() Policy {
	return Policy{
		Name:          "notification",
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
		Timeout:       15 * time.Second,
	}
}

// AgencyPolicy is for submitting referrals to the collection agency partner.
func AgencyPolicy() Policy {
	return Policy{
		Name:          "agency",
		MaxRetries:    4,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Timeout:       20 * time.Second,
	}
}

// EventPolicy is for broker publishes.
func EventPolicy() Policy {
	return Policy{
		Name:          "event",
		MaxRetries:    2,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2,
		Timeout:       5 * time.Second,
	}
}

// ServicePolicy is for calls between internal services.
func ServicePolicy() Policy {
	return Policy{
		Name:          "service",
		MaxRetries:    2,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2,
		Timeout:       60 * time.Second,
	}
}
