// Package webhook delivers event notifications to an external HTTP endpoint.
// Delivery runs on the webhooks queue, so retries and backoff come for free.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"dao-chain-indexer/logger"
	"dao-chain-indexer/queue"

	"github.com/pkg/errors"
)

type Notifier struct {
	url    string
	client *http.Client
}

func NewNotifier(url string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Handle posts the job payload as-is to the configured endpoint. Any non-2xx
// response is an error, which puts the delivery back on the queue.
func (n *Notifier) Handle(ctx context.Context, job *queue.Job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(job.Payload))
	if err != nil {
		return errors.Wrap(err, "webhook: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dao-chain-indexer")
	if event := eventName(job.Payload); event != "" {
		req.Header.Set("X-Webhook-Event", event)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook: deliver")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("webhook: endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	logger.Debug("webhook delivered to %s (attempt %d)", n.url, job.Attempts)
	return nil
}

func eventName(payload []byte) string {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	return envelope.Event
}
