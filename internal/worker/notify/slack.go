package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SlackConfig captures the Slack webhook settings.
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// SlackNotifier posts alerts to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	username   string
	retryLimit int
	retryDelay time.Duration
	client     *http.Client
}

// NewSlackNotifier builds a webhook client.
func NewSlackNotifier(cfg SlackConfig) (*SlackNotifier, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "jobworker"
	}

	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   username,
		retryLimit: max(cfg.RetryLimit, 0),
		retryDelay: 200 * time.Millisecond,
		client:     hc,
	}, nil
}

// Notify posts the alert, retrying with linear backoff.
func (s *SlackNotifier) Notify(ctx context.Context, subject, body string) error {
	msg := map[string]any{
		"text":     fmt.Sprintf("*%s*\n```%s```", subject, body),
		"username": s.username,
	}
	if s.channel != "" {
		msg["channel"] = s.channel
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	attempts := s.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		lastErr = s.post(ctx, payload)
		if lastErr == nil {
			return nil
		}
		if attempt < attempts-1 {
			timer := time.NewTimer(time.Duration(attempt+1) * s.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return lastErr
}

func (s *SlackNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
