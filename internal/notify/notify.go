// Package notify announces objects written to the store to downstream
// consumers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// webhookTimeout bounds a single webhook delivery.
const webhookTimeout = 10 * time.Second

// Event describes one successful write.
type Event struct {
	Key    string    `json:"key"`
	Tag    string    `json:"tag"`
	Action string    `json:"action"`
	Time   time.Time `json:"time"`
}

// Notifier delivers events. Implementations must be safe for concurrent
// use; the executor calls Notify from its workers.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// SuffixFilter forwards only events whose key ends in Suffix. An empty
// suffix forwards everything.
type SuffixFilter struct {
	Suffix string
	Next   Notifier
}

func (f SuffixFilter) Notify(ctx context.Context, ev Event) error {
	if f.Next == nil || !strings.HasSuffix(ev.Key, f.Suffix) {
		return nil
	}

	return f.Next.Notify(ctx, ev)
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error

	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Logger writes events to a structured log.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) Notify(ctx context.Context, ev Event) error {
	l.Log.InfoContext(ctx, "object written",
		slog.String("key", ev.Key),
		slog.String("tag", ev.Tag),
		slog.String("action", ev.Action),
	)

	return nil
}

// Webhook POSTs each event as JSON to URL.
type Webhook struct {
	URL        string
	HTTPClient *http.Client
}

// NewWebhook creates a Webhook with a bounded-timeout client.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:        url,
		HTTPClient: &http.Client{Timeout: webhookTimeout},
	}
}

func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting event for %s: %w", ev.Key, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d for %s", resp.StatusCode, ev.Key)
	}

	return nil
}
