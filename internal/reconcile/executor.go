package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ierrors "github.com/alexjbarnes/indexmirror/internal/errors"
	"github.com/alexjbarnes/indexmirror/internal/notify"
	"github.com/alexjbarnes/indexmirror/internal/remote"
	"github.com/alexjbarnes/indexmirror/internal/retry"
	"github.com/alexjbarnes/indexmirror/internal/store"
)

// Fetcher downloads a listed upstream file. *remote.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, name string) (*remote.Payload, error)
}

// Outcome is the resolved result of executing one action.
type Outcome struct {
	Key  string
	Kind Kind
	Err  error
}

// ExecutorConfig holds the executor's collaborators.
type ExecutorConfig struct {
	Fetcher  Fetcher
	Store    store.Store
	Notifier notify.Notifier

	// Retry applies to uploads and deletes alike.
	Retry retry.Policy

	// KeyPrefix is stripped from a key to recover the upstream name.
	KeyPrefix string
}

// Executor carries out planned actions. Execute is safe to call
// concurrently for distinct keys.
type Executor struct {
	fetcher  Fetcher
	store    store.Store
	notifier notify.Notifier
	policy   retry.Policy
	prefix   string
	sleep    retry.SleepFunc
	now      func() time.Time
	logger   *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig, logger *slog.Logger) *Executor {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		fetcher:  cfg.Fetcher,
		store:    cfg.Store,
		notifier: notifier,
		policy:   cfg.Retry,
		prefix:   cfg.KeyPrefix,
		sleep:    retry.Sleep,
		now:      time.Now,
		logger:   logger,
	}
}

// Execute performs one action and reports what was actually done.
// A check resolves to skip or update; every other kind is reported as
// itself. Failures are returned in the outcome, never panicked or
// propagated, so one key cannot abort the pass.
func (e *Executor) Execute(ctx context.Context, a Action) Outcome {
	switch a.Kind {
	case KindCheck:
		kind, payload := e.check(ctx, a)
		if kind == KindSkip {
			return Outcome{Key: a.Key, Kind: KindSkip}
		}

		return e.upload(ctx, a.Key, KindUpdate, payload)

	case KindCreate, KindUpdate:
		return e.upload(ctx, a.Key, a.Kind, nil)

	case KindDelete:
		return e.delete(ctx, a.Key)

	case KindSkip:
		return Outcome{Key: a.Key, Kind: KindSkip}

	default:
		return Outcome{Key: a.Key, Kind: a.Kind, Err: fmt.Errorf("unknown action kind %d for %s", a.Kind, a.Key)}
	}
}

func (e *Executor) name(key string) string {
	return strings.TrimPrefix(key, e.prefix)
}

// check downloads the upstream file and compares its digest with the
// stored tag. A failed download resolves to update with no payload, so
// the upload path fetches again.
func (e *Executor) check(ctx context.Context, a Action) (Kind, *remote.Payload) {
	payload, err := e.fetcher.Fetch(ctx, e.name(a.Key))
	if err != nil {
		e.logger.Warn("check download failed, forcing update",
			slog.String("key", a.Key),
			slog.String("error", err.Error()),
		)

		return KindUpdate, nil
	}

	if TagsEqual(payload.Digest, a.StoredTag) {
		e.logger.Debug("up to date", slog.String("key", a.Key))
		return KindSkip, nil
	}

	e.logger.Info("content changed",
		slog.String("key", a.Key),
		slog.String("stored_tag", a.StoredTag),
		slog.String("remote_digest", payload.Digest),
	)

	return KindUpdate, payload
}

// upload fetches (unless payload is already in hand) and stores the key,
// retrying the whole step. A fetch error that is not remote.IsTransient
// ends the action at once; store errors are always retried.
func (e *Executor) upload(ctx context.Context, key string, kind Kind, payload *remote.Payload) Outcome {
	attempts := e.policy.Attempts()

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		retryable := true

		if payload == nil {
			p, err := e.fetcher.Fetch(ctx, e.name(key))
			if err != nil {
				lastErr = fmt.Errorf("fetching: %w", err)
				retryable = remote.IsTransient(err)
			} else {
				payload = p
			}
		}

		if payload != nil {
			tag, err := e.store.Put(ctx, key, payload.Body)
			if err == nil {
				e.written(ctx, key, kind, tag, payload)
				return Outcome{Key: key, Kind: kind}
			}

			lastErr = fmt.Errorf("putting: %w", err)
		}

		e.logger.Warn("upload attempt failed",
			slog.String("key", key),
			slog.String("action", kind.String()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", lastErr.Error()),
		)

		if !retryable || attempt == attempts || !e.backoff(ctx, attempt) {
			break
		}
	}

	return Outcome{
		Key:  key,
		Kind: kind,
		Err:  fmt.Errorf("%w: %s: %w", ierrors.ErrUploadFailed, key, lastErr),
	}
}

func (e *Executor) written(ctx context.Context, key string, kind Kind, tag string, payload *remote.Payload) {
	if !TagsEqual(payload.Digest, tag) {
		// Not an error: multipart or encrypted uploads get non-MD5 tags.
		e.logger.Debug("store tag differs from content digest",
			slog.String("key", key),
			slog.String("tag", tag),
			slog.String("digest", payload.Digest),
		)
	}

	e.logger.Info("uploaded",
		slog.String("key", key),
		slog.String("action", kind.String()),
		slog.Int("bytes", len(payload.Body)),
	)

	ev := notify.Event{Key: key, Tag: store.NormalizeTag(tag), Action: kind.String(), Time: e.now().UTC()}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.logger.Warn("notification failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// delete removes a key with the same bounded retry as uploads. Deletes
// are idempotent, so a retry after an ambiguous failure is safe.
func (e *Executor) delete(ctx context.Context, key string) Outcome {
	attempts := e.policy.Attempts()

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		err := e.store.Delete(ctx, key)
		if err == nil {
			e.logger.Info("deleted", slog.String("key", key))
			return Outcome{Key: key, Kind: KindDelete}
		}

		lastErr = err

		e.logger.Warn("delete attempt failed",
			slog.String("key", key),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", err.Error()),
		)

		if attempt == attempts || !e.backoff(ctx, attempt) {
			break
		}
	}

	return Outcome{
		Key:  key,
		Kind: KindDelete,
		Err:  fmt.Errorf("%w: %s: %w", ierrors.ErrDeleteFailed, key, lastErr),
	}
}

// backoff waits before the next attempt. It returns false when the
// context ended.
func (e *Executor) backoff(ctx context.Context, attempt int) bool {
	if ctx.Err() != nil {
		return false
	}

	return e.sleep(ctx, e.policy.Delay(attempt)) == nil
}
