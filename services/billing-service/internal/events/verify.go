package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

var (
	// ErrNotConfigured means the signing secret is absent. The endpoint
	// fails closed rather than trusting unverifiable requests.
	ErrNotConfigured = errors.New("webhook signing secret not configured")

	// ErrMissingSignature means the request carried no signature header.
	ErrMissingSignature = errors.New("missing signature header")

	// ErrBadSignature means signature verification failed.
	ErrBadSignature = errors.New("invalid webhook signature")
)

// Verify authenticates a raw webhook body against the shared signing
// secret and deserializes it. Verification is delegated to the provider
// SDK, which does a constant-time HMAC comparison with timestamp
// tolerance.
func Verify(body []byte, sigHeader, secret string, tolerance time.Duration) (stripe.Event, error) {
	if strings.TrimSpace(secret) == "" {
		return stripe.Event{}, ErrNotConfigured
	}
	if strings.TrimSpace(sigHeader) == "" {
		return stripe.Event{}, ErrMissingSignature
	}
	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, secret, tolerance)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return evt, nil
}
