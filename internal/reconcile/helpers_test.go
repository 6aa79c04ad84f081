package reconcile

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	ierrors "github.com/alexjbarnes/indexmirror/internal/errors"
	"github.com/alexjbarnes/indexmirror/internal/notify"
	"github.com/alexjbarnes/indexmirror/internal/remote"
)

func digest(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func transient(err error) error {
	return &remote.TransientError{Err: err}
}

// fakeUpstream serves file bodies by name. An unknown name is rejected
// the way a 404 is. failures[name] errors are returned, in order, before
// the body is served.
type fakeUpstream struct {
	mu       sync.Mutex
	bodies   map[string]string
	failures map[string][]error
	calls    map[string]int
}

func newFakeUpstream(bodies map[string]string) *fakeUpstream {
	return &fakeUpstream{
		bodies:   bodies,
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (f *fakeUpstream) failNext(name string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[name] = append(f.failures[name], errs...)
}

func (f *fakeUpstream) fetchCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeUpstream) Fetch(ctx context.Context, name string) (*remote.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[name]++

	if err := ctx.Err(); err != nil {
		return nil, transient(fmt.Errorf("%w: %w", ierrors.ErrTransientFetch, err))
	}

	if errs := f.failures[name]; len(errs) > 0 {
		f.failures[name] = errs[1:]
		return nil, errs[0]
	}

	body, ok := f.bodies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s returned status 404", ierrors.ErrFetchRejected, name)
	}

	return &remote.Payload{Body: []byte(body), Digest: digest(body)}, nil
}

// fakeLister returns a fixed listing.
type fakeLister struct {
	listing remote.Listing
	err     error
	calls   int
}

func (f *fakeLister) List(context.Context) (remote.Listing, error) {
	f.calls++
	return f.listing, f.err
}

func fetched(names ...string) remote.Listing {
	l := remote.Listing{Fetched: true}
	for _, n := range names {
		l.Entries = append(l.Entries, remote.Entry{Name: n})
	}
	return l
}

// recordedWaits collects backoff waits instead of sleeping.
type recordedWaits struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordedWaits) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return ctx.Err()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *eventRecorder) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Key
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
