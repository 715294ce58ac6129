package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/crosspost/backend/post"
)

// WebhookDestination is the registry key for chat webhook endpoints.
const WebhookDestination = "webhook"

// webhookBodyLimit is the message length chat services accept; longer bodies
// are truncated rather than rejected.
const webhookBodyLimit = 2000

// WebhookAdapter publishes posts to a chat webhook URL. Webhooks carry no
// media upload protocol, so items with attachments are rejected permanently.
type WebhookAdapter struct {
	URL     string
	HTTP    *http.Client
	Limiter *post.Limiter
}

// NewWebhookAdapter builds an adapter for one webhook URL.
func NewWebhookAdapter(url string, limiter *post.Limiter) *WebhookAdapter {
	return &WebhookAdapter{
		URL:     url,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Limiter: limiter,
	}
}

func (a *WebhookAdapter) Destination() string { return WebhookDestination }

// webhookPayload is the wire shape posted to the webhook.
type webhookPayload struct {
	Content   string `json:"content"`
	DedupeKey string `json:"dedupe_key,omitempty"`
}

// Format renders an item into the webhook payload, truncating over-length
// bodies. It is pure and deterministic.
func (a *WebhookAdapter) Format(item post.Item) webhookPayload {
	body := item.Body
	if runes := []rune(body); len(runes) > webhookBodyLimit {
		body = string(runes[:webhookBodyLimit])
	}
	return webhookPayload{Content: body, DedupeKey: item.DedupeKey}
}

// Publish sends the formatted payload. The dedupe key travels both in the
// payload and as a header so deduplicating receivers can drop retried
// deliveries; receivers without dedup make this an at-least-once channel.
func (a *WebhookAdapter) Publish(ctx context.Context, item post.Item) (string, error) {
	if len(item.MediaRefs) > 0 {
		return "", post.Permanent(fmt.Errorf("webhook destination does not support media attachments"))
	}

	grant, err := a.Limiter.TryAcquire(ctx, "webhook:post")
	if err != nil {
		return "", post.Transient(fmt.Errorf("rate limiter: %w", err))
	}
	if !grant.Allowed {
		return "", &post.RateLimitError{RetryAfter: grant.RetryAfter}
	}

	payload, err := json.Marshal(a.Format(item))
	if err != nil {
		return "", post.Permanent(fmt.Errorf("encode payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(payload))
	if err != nil {
		return "", post.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dedupe-Key", item.DedupeKey)

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return "", post.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", post.ClassifyStatus(resp.StatusCode, parseRetryAfter(resp))
	}

	// Some webhook services echo the created message id; others answer 204.
	// Fall back to the dedupe key so published_ref is always set.
	var res struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&res)
	if res.ID != "" {
		return res.ID, nil
	}
	return item.DedupeKey, nil
}

// parseRetryAfter reads a Retry-After header in either of its wire forms
// (delta seconds or an HTTP-date), zero when absent or unusable.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v + "s"); err == nil && d > 0 {
		return d
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
