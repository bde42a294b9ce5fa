package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"appointly/internal/config"
	"appointly/internal/events"
)

const (
	HeaderSignature = "X-Appointly-Signature"
	HeaderEvent     = "X-Appointly-Event"
	HeaderDelivery  = "X-Appointly-Delivery"
)

type webhookBody struct {
	Event      string                     `json:"event"`
	DeliveryID string                     `json:"delivery_id"`
	SentAt     time.Time                  `json:"sent_at"`
	Booking    events.BookingEventPayload `json:"booking"`
}

// WebhookNotifier POSTs events as JSON. With a secret set, the body is
// signed with HMAC-SHA256 in HeaderSignature.
type WebhookNotifier struct {
	url    string
	secret []byte
	client *http.Client
}

func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    cfg.URL,
		secret: []byte(cfg.Secret),
		client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, eventType string, p events.BookingEventPayload) error {
	body := webhookBody{
		Event:      eventType,
		DeliveryID: uuid.NewString(),
		SentAt:     time.Now().UTC(),
		Booking:    p,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderDelivery, body.DeliveryID)
	if len(n.secret) > 0 {
		req.Header.Set(HeaderSignature, Sign(n.secret, raw))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body prefixed with "sha256=".
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
