package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dontdude/execd/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

// webhookBody is the JSON document POSTed to callback URLs.
type webhookBody struct {
	RequestID string `json:"requestId"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exitCode"`
}

// WebhookNotifier POSTs results to caller-supplied URLs.
type WebhookNotifier struct {
	client *http.Client
}

// NewWebhookNotifier returns a notifier whose requests give up after timeout.
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookNotifier{client: &http.Client{Timeout: timeout}}
}

// Notify sends one POST. Only the status code of the response is inspected.
func (n *WebhookNotifier) Notify(ctx context.Context, callbackURL, requestID string, result domain.ExecResult) error {
	data, err := json.Marshal(webhookBody{
		RequestID: requestID,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		ExitCode:  result.ExitCode,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal callback body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}
