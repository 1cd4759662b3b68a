// Package alert notifies operators about schedules that need attention.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Kind string

const (
	KindMaxRetries    Kind = "max_retries"
	KindInvalidConfig Kind = "invalid_config"
	KindAutoDisabled  Kind = "auto_disabled"
	KindStateTimeout  Kind = "state_timeout"
)

var ErrThrottled = errors.New("alert: throttled")

type Alert struct {
	Kind       Kind      `json:"kind"`
	ScheduleID string    `json:"schedule_id"`
	Task       string    `json:"task"`
	Message    string    `json:"message"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Log writes alerts to the structured log.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "alert").Logger()}
}

func (l *Log) Notify(_ context.Context, a Alert) error {
	ev := l.logger.Warn().
		Str("kind", string(a.Kind)).
		Str("schedule_id", a.ScheduleID).
		Str("task", a.Task)
	if a.Error != "" {
		ev = ev.Str("error", a.Error)
	}
	ev.Msg(a.Message)
	return nil
}

// Webhook posts alerts as JSON to URL.
type Webhook struct {
	URL    string
	Client *http.Client
}

func (w *Webhook) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttled limits the overall alert rate and suppresses repeats of the same
// kind for the same schedule within Dedup.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
	dedup   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewThrottled(next Notifier, perMinute int, dedup time.Duration) *Throttled {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		dedup:   dedup,
		seen:    make(map[string]time.Time),
		now:     time.Now,
	}
}

func (t *Throttled) Notify(ctx context.Context, a Alert) error {
	key := string(a.Kind) + "/" + a.ScheduleID
	now := t.now()

	t.mu.Lock()
	if until, ok := t.seen[key]; ok && now.Before(until) {
		t.mu.Unlock()
		return ErrThrottled
	}
	if !t.limiter.AllowN(now, 1) {
		t.mu.Unlock()
		return ErrThrottled
	}
	if t.dedup > 0 {
		t.seen[key] = now.Add(t.dedup)
	}
	for k, until := range t.seen {
		if !now.Before(until) {
			delete(t.seen, k)
		}
	}
	t.mu.Unlock()

	return t.next.Notify(ctx, a)
}
