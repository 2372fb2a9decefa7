package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Sender pushes a single alert to the notification provider. Implementations
// must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, title string, message string) error
}

type NoopSender struct{}

func (NoopSender) Send(_ context.Context, _ string, _ string) error {
	return nil
}

// WebhookSender posts alerts to an HTTP push provider. The provider's
// transport contract is a black box: one JSON POST per alert, 2xx means
// accepted.
type WebhookSender struct {
	url    string
	appID  string
	apiKey string
	client *http.Client
}

func NewWebhookSender(url string, appID string, apiKey string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		appID:  appID,
		apiKey: apiKey,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *WebhookSender) Send(ctx context.Context, title string, message string) error {
	payload, err := json.Marshal(map[string]string{
		"app_id":  s.appID,
		"api_key": s.apiKey,
		"title":   title,
		"message": message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification provider returned status %d", resp.StatusCode)
	}
	return nil
}
