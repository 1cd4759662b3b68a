// Package httptask invokes a scheduled function over HTTP.
package httptask

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"matchflow/internal/invoker"
)

const maxErrorBody = 2048

type Task struct {
	URL     string            `mapstructure:"url" json:"url"`
	Method  string            `mapstructure:"method" json:"method"`
	Headers map[string]string `mapstructure:"headers" json:"headers"`

	Client *http.Client `mapstructure:"-" json:"-"`
}

func (t Task) Handle(ctx context.Context, payload json.RawMessage) error {
	if t.URL == "" {
		return invoker.NoRetry(fmt.Errorf("URL is required"))
	}
	method := t.Method
	if method == "" {
		method = http.MethodPost
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, method, t.URL, bytes.NewReader(payload))
	if err != nil {
		return invoker.NoRetry(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range t.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
		if after, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return invoker.RetryAfter(err, after)
		}
		return err
	case resp.StatusCode >= 500:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
	default:
		return invoker.NoRetry(fmt.Errorf("HTTP %d: %s", resp.StatusCode, body))
	}
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
