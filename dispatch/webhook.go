package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/hoamxTrav/hoamx-watcher-agent/cfg"
)

func init() {
	RegisterSink(cfg.SinkWebhook, func(config cfg.SinkConfiguration) (Sink, error) {
		if config.URL == "" {
			return nil, fmt.Errorf("webhook sink requires url")
		}
		return NewWebhookSink(config.URL, config.AuthHeader, config.AuthSecret), nil
	})
}

// WebhookSink POSTs event payloads to an HTTP endpoint, authenticating
// with a shared-secret header. Any 2xx response counts as delivered.
type WebhookSink struct {
	url        string
	authHeader string
	authSecret string
	client     *http.Client
}

// NewWebhookSink creates a webhook sink for the given endpoint. Per-call
// deadlines come from the dispatcher's context, not the client.
func NewWebhookSink(url, authHeader, authSecret string) *WebhookSink {
	return &WebhookSink{
		url:        url,
		authHeader: authHeader,
		authSecret: authSecret,
		client:     &http.Client{},
	}
}

// Deliver POSTs the event payload
func (w *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(ev.Payload))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", w.url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.authSecret != "" {
		header := w.authHeader
		if header == "" {
			header = "x-agent-key"
		}
		req.Header.Set(header, w.authSecret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", w.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("post %s: status=%d body=%s", w.url, resp.StatusCode, string(body))
	}
	return nil
}

// Close is a no-op; the HTTP client holds no dedicated resources
func (w *WebhookSink) Close() error {
	return nil
}
