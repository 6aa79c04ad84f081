// Package harvest fetches a JSON document from a REST API and lands it,
// unmodified, under a timestamped key in the object store.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	ierrors "github.com/alexjbarnes/indexmirror/internal/errors"
	"github.com/alexjbarnes/indexmirror/internal/notify"
	"github.com/alexjbarnes/indexmirror/internal/retry"
	"github.com/alexjbarnes/indexmirror/internal/store"
	"github.com/tidwall/gjson"
)

const (
	// maxDocumentSize caps a harvested document.
	maxDocumentSize = 64 << 20

	keyTimeLayout = "20060102_150405"
)

var errInvalidJSON = errors.New("response is not valid JSON")

// Config configures a Harvester.
type Config struct {
	URL       string
	KeyPrefix string
	UserAgent string
	Store     store.Store
	Notifier  notify.Notifier
	Retry     retry.Policy

	// HTTPClient defaults to a client with a 60s timeout.
	HTTPClient *http.Client
}

// Harvester lands one JSON document per Run.
type Harvester struct {
	url        string
	prefix     string
	userAgent  string
	store      store.Store
	notifier   notify.Notifier
	policy     retry.Policy
	httpClient *http.Client
	sleep      retry.SleepFunc
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a harvester.
func New(cfg Config, logger *slog.Logger) *Harvester {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Harvester{
		url:        cfg.URL,
		prefix:     cfg.KeyPrefix,
		userAgent:  cfg.UserAgent,
		store:      cfg.Store,
		notifier:   notifier,
		policy:     cfg.Retry,
		httpClient: httpClient,
		sleep:      retry.Sleep,
		now:        time.Now,
		logger:     logger,
	}
}

// Key returns the store key for a document harvested at t.
func (h *Harvester) Key(t time.Time) string {
	return h.prefix + t.UTC().Format(keyTimeLayout) + ".json"
}

// Run fetches the document and stores it, retrying the whole step on
// failure. It returns the key written.
func (h *Harvester) Run(ctx context.Context) (string, error) {
	key := h.Key(h.now())
	attempts := h.policy.Attempts()

	var (
		body    []byte
		lastErr error
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		if body == nil {
			b, err := h.fetch(ctx)
			if err != nil {
				lastErr = fmt.Errorf("fetching: %w", err)
			} else {
				body = b
			}
		}

		if body != nil {
			tag, err := h.store.Put(ctx, key, body)
			if err == nil {
				h.logger.Info("harvested",
					slog.String("key", key),
					slog.Int("bytes", len(body)),
					slog.Int64("records", gjson.GetBytes(body, "data.#").Int()),
				)

				ev := notify.Event{Key: key, Tag: store.NormalizeTag(tag), Action: "create", Time: h.now().UTC()}
				if err := h.notifier.Notify(ctx, ev); err != nil {
					h.logger.Warn("notification failed", slog.String("key", key), slog.String("error", err.Error()))
				}

				return key, nil
			}

			lastErr = fmt.Errorf("putting: %w", err)
		}

		h.logger.Warn("harvest attempt failed",
			slog.String("url", h.url),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", lastErr.Error()),
		)

		if attempt == attempts || ctx.Err() != nil {
			break
		}

		if err := h.sleep(ctx, h.policy.Delay(attempt)); err != nil {
			break
		}
	}

	return "", fmt.Errorf("%w: %s: %w", ierrors.ErrUploadFailed, key, lastErr)
}

func (h *Harvester) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ierrors.ErrTransientFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: status %d", ierrors.ErrFetchDenied, resp.StatusCode)
		}

		return nil, fmt.Errorf("%w: status %d", ierrors.ErrTransientFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ierrors.ErrTransientFetch, err)
	}

	if len(body) > maxDocumentSize {
		return nil, fmt.Errorf("document exceeds %d bytes", maxDocumentSize)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %w", ierrors.ErrTransientFetch, errInvalidJSON)
	}

	return body, nil
}
