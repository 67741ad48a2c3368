package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"reconciler-service/internal/resilience"
	"reconciler-service/internal/util"
)

const (
	klaviyoBaseURL  = "https://a.klaviyo.com"
	klaviyoRevision = "2024-10-15"
)

// KlaviyoClient delivers marketing events to the Klaviyo events API. Calls
// run behind a circuit breaker and a bounded retry so a degraded Klaviyo
// never stalls the queue worker.
type KlaviyoClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.Policy
	logger  *zap.Logger
}

// NewKlaviyoClient creates a Klaviyo API client.
func NewKlaviyoClient(apiKey string) *KlaviyoClient {
	return &KlaviyoClient{
		apiKey:  apiKey,
		baseURL: klaviyoBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: resilience.NewCircuitBreaker("klaviyo", 5, 30*time.Second),
		retry: resilience.Policy{
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
			Factor:     2,
		},
		logger: util.GetLogger(),
	}
}

// TrackEvent records a metric event against a profile. uniqueID is passed
// through as the Klaviyo unique_id so redelivered tasks dedupe server-side.
func (c *KlaviyoClient) TrackEvent(ctx context.Context, email, eventName, uniqueID string, properties map[string]interface{}) error {
	if c.apiKey == "" {
		return resilience.Fatal(errors.New("klaviyo api key not configured"))
	}

	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "event",
			"attributes": map[string]interface{}{
				"unique_id":  uniqueID,
				"properties": properties,
				"metric": map[string]interface{}{
					"data": map[string]interface{}{
						"type":       "metric",
						"attributes": map[string]interface{}{"name": eventName},
					},
				},
				"profile": map[string]interface{}{
					"data": map[string]interface{}{
						"type":       "profile",
						"attributes": map[string]interface{}{"email": email},
					},
				},
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return resilience.Fatal(fmt.Errorf("failed to marshal klaviyo event: %w", err))
	}

	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.RetryWithBackoff(ctx, c.retry, func(ctx context.Context) error {
			return c.post(ctx, "/api/events/", payload)
		})
	})
	if err != nil {
		return err
	}

	util.MarketingEventsSentTotal.Inc()
	return nil
}

func (c *KlaviyoClient) post(ctx context.Context, path string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return resilience.Fatal(err)
	}
	req.Header.Set("Authorization", "Klaviyo-API-Key "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Revision", klaviyoRevision)

	resp, err := c.client.Do(req)
	if err != nil {
		return resilience.Retryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	// 429 and 5xx are transient; other 4xx mean the request itself is bad.
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return resilience.Retryable(fmt.Errorf("klaviyo %d: %s", resp.StatusCode, msg))
	}
	return resilience.Fatal(fmt.Errorf("klaviyo %d: %s", resp.StatusCode, msg))
}
