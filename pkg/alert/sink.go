package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrCodeEU/faceguard/pkg/config"
)

// Sink delivers events and alarm resets.
type Sink interface {
	Log(ctx context.Context, ev Event) error
	ResetAlarm(ctx context.Context) error
}

// HTTPSink posts to the alarm backend's security API.
type HTTPSink struct {
	client   *http.Client
	logURL   string
	resetURL string
}

// NewHTTPSink builds a sink from alert settings.
func NewHTTPSink(cfg *config.Config) *HTTPSink {
	return &HTTPSink{
		client:   &http.Client{Timeout: cfg.Alerts.Timeout},
		logURL:   cfg.AlertURL(),
		resetURL: cfg.ResetURL(),
	}
}

// NewHTTPSinkURLs builds a sink for explicit endpoints.
func NewHTTPSinkURLs(logURL, resetURL string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		client:   &http.Client{Timeout: timeout},
		logURL:   logURL,
		resetURL: resetURL,
	}
}

// Log posts ev as JSON.
func (s *HTTPSink) Log(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.post(ctx, s.logURL, body)
}

// ResetAlarm posts an empty body to the reset endpoint.
func (s *HTTPSink) ResetAlarm(ctx context.Context) error {
	return s.post(ctx, s.resetURL, nil)
}

func (s *HTTPSink) post(ctx context.Context, url string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}
