// Package webhook verifies provider webhook signatures over raw request
// bytes. Verification always runs against the unparsed body: re-serialized
// JSON would not match the provider's signature.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"reconciler-service/internal/models"
)

var (
	// ErrMissingSecret means the provider secret is not configured. The
	// verifier fails closed: unsigned payloads are never accepted.
	ErrMissingSecret = errors.New("webhook secret not configured")

	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
)

// stripeSupportedEvents is the allowlist of Stripe event types the service
// processes. Authenticated events outside the set are acknowledged with 200
// and dropped so Stripe stops redelivering them.
var stripeSupportedEvents = map[string]bool{
	models.StripeEventCheckoutCompleted: true,
	models.StripeEventPaymentSucceeded:  true,
	models.StripeEventPaymentFailed:     true,
	models.StripeEventChargeRefunded:    true,
	models.StripeEventCheckoutExpired:   true,
}

// shopifySupportedTopics is the allowlist of Shopify webhook topics.
var shopifySupportedTopics = map[string]bool{
	models.ShopifyTopicOrdersCreate:   true,
	models.ShopifyTopicOrdersUpdated:  true,
	models.ShopifyTopicOrdersPaid:     true,
	models.ShopifyTopicOrdersCancel:   true,
	models.ShopifyTopicOrdersFulfill:  true,
	models.ShopifyTopicAppUninstalled: true,
}

// SupportedStripeEvent reports whether the event type is processed.
func SupportedStripeEvent(eventType string) bool {
	return stripeSupportedEvents[eventType]
}

// SupportedShopifyTopic reports whether the topic is processed.
func SupportedShopifyTopic(topic string) bool {
	return shopifySupportedTopics[topic]
}

// SupportedStripeEvents returns the allowlist for the health endpoint.
func SupportedStripeEvents() []string {
	return sortedKeys(stripeSupportedEvents)
}

// SupportedShopifyTopics returns the allowlist for the health endpoint.
func SupportedShopifyTopics() []string {
	return sortedKeys(shopifySupportedTopics)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StripeVerifier validates Stripe-Signature headers: HMAC-SHA256 over
// "{timestamp}.{rawBody}" with a bounded timestamp tolerance.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewStripeVerifier creates a verifier with the default 5 minute tolerance.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{
		secret:    secret,
		tolerance: 5 * time.Minute,
		now:       time.Now,
	}
}

// Verify checks the signature header against the raw body.
func (v *StripeVerifier) Verify(body []byte, sigHeader string) error {
	if v.secret == "" {
		return ErrMissingSecret
	}
	if sigHeader == "" {
		return ErrMissingSignature
	}

	var timestamp int64
	var signatures [][]byte
	for _, pair := range strings.Split(sigHeader, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			ts, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(parts[1])
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return ErrMissingSignature
	}

	age := v.now().Sub(time.Unix(timestamp, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// ShopifyVerifier validates X-Shopify-Hmac-Sha256 headers: base64-encoded
// HMAC-SHA256 over the raw body.
type ShopifyVerifier struct {
	secret string
}

// NewShopifyVerifier creates a Shopify webhook verifier.
func NewShopifyVerifier(secret string) *ShopifyVerifier {
	return &ShopifyVerifier{secret: secret}
}

// Verify checks the base64 HMAC header against the raw body.
func (v *ShopifyVerifier) Verify(body []byte, hmacHeader string) error {
	if v.secret == "" {
		return ErrMissingSecret
	}
	if hmacHeader == "" {
		return ErrMissingSignature
	}

	got, err := base64.StdEncoding.DecodeString(hmacHeader)
	if err != nil {
		return fmt.Errorf("%w: bad encoding", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write(body)

	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}
