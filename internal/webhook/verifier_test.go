package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testSecret = "whsec_test_secret"

func stripeHeader(t *testing.T, body []byte, secret string, ts time.Time) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func shopifyHeader(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestStripeVerifyValidSignature(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	v := NewStripeVerifier(testSecret)

	err := v.Verify(body, stripeHeader(t, body, testSecret, time.Now()))
	assert.NoError(t, err)
}

func TestStripeVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	v := NewStripeVerifier(testSecret)

	err := v.Verify(body, stripeHeader(t, body, "whsec_other", time.Now()))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeVerifyRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"id":"evt_1","amount":100}`)
	header := stripeHeader(t, body, testSecret, time.Now())
	v := NewStripeVerifier(testSecret)

	tampered := []byte(`{"id":"evt_1","amount":999}`)
	assert.ErrorIs(t, v.Verify(tampered, header), ErrInvalidSignature)
}

func TestStripeVerifyRejectsStaleTimestamp(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	v := NewStripeVerifier(testSecret)

	err := v.Verify(body, stripeHeader(t, body, testSecret, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, ErrStaleTimestamp)
}

func TestStripeVerifyFailsClosedWithoutSecret(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	v := NewStripeVerifier("")

	err := v.Verify(body, stripeHeader(t, body, testSecret, time.Now()))
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestStripeVerifyMissingHeader(t *testing.T) {
	v := NewStripeVerifier(testSecret)
	assert.ErrorIs(t, v.Verify([]byte("{}"), ""), ErrMissingSignature)
	assert.ErrorIs(t, v.Verify([]byte("{}"), "v1=deadbeef"), ErrMissingSignature)
}

func TestShopifyVerifyValidSignature(t *testing.T) {
	body := []byte(`{"id":123,"email":"a@b.com"}`)
	v := NewShopifyVerifier(testSecret)

	assert.NoError(t, v.Verify(body, shopifyHeader(body, testSecret)))
}

func TestShopifyVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"id":123}`)
	v := NewShopifyVerifier(testSecret)

	assert.ErrorIs(t, v.Verify(body, shopifyHeader(body, "other")), ErrInvalidSignature)
}

func TestShopifyVerifyRejectsBadEncoding(t *testing.T) {
	v := NewShopifyVerifier(testSecret)
	assert.ErrorIs(t, v.Verify([]byte("{}"), "not-base64!!!"), ErrInvalidSignature)
}

func TestShopifyVerifyFailsClosedWithoutSecret(t *testing.T) {
	body := []byte(`{"id":123}`)
	v := NewShopifyVerifier("")

	assert.ErrorIs(t, v.Verify(body, shopifyHeader(body, testSecret)), ErrMissingSecret)
}

func TestTopicAllowlists(t *testing.T) {
	assert.True(t, SupportedStripeEvent("checkout.session.completed"))
	assert.False(t, SupportedStripeEvent("invoice.created"))

	assert.True(t, SupportedShopifyTopic("orders/create"))
	assert.True(t, SupportedShopifyTopic("app/uninstalled"))
	assert.False(t, SupportedShopifyTopic("products/update"))

	assert.Contains(t, SupportedStripeEvents(), "charge.refunded")
	assert.Contains(t, SupportedShopifyTopics(), "orders/fulfilled")
}
