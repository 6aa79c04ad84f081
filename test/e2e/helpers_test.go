package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/indexmirror/internal/notify"
	"github.com/alexjbarnes/indexmirror/internal/reconcile"
	"github.com/alexjbarnes/indexmirror/internal/remote"
	"github.com/alexjbarnes/indexmirror/internal/retry"
	"github.com/alexjbarnes/indexmirror/internal/store"
	"github.com/alexjbarnes/indexmirror/internal/store/boltstore"
	"github.com/stretchr/testify/require"
)

const (
	indexPath     = "/pub/time.series/pr/"
	sessionCookie = "nsit"
)

// upstream imitates a BLS-style download host: an IIS directory index,
// file downloads, and a landing page that hands out the session cookie.
type upstream struct {
	mu          sync.Mutex
	files       map[string]string
	hits        map[string]int
	requireUA   bool
	requireWarm bool
	indexDown   bool
}

func (u *upstream) set(name, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.files[name] = body
}

func (u *upstream) remove(name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.files, name)
}

func (u *upstream) hitCount(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.hits[r.URL.Path]++

	if r.URL.Path == "/" {
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "warm", Path: "/"})
		fmt.Fprint(w, "<html><body>landing</body></html>")

		return
	}

	if u.requireUA && !strings.Contains(r.UserAgent(), "Mozilla") {
		http.Error(w, "Access Denied", http.StatusForbidden)
		return
	}

	if u.requireWarm {
		if c, err := r.Cookie(sessionCookie); err != nil || c.Value != "warm" {
			http.Error(w, "Access Denied", http.StatusForbidden)
			return
		}
	}

	if r.URL.Path == indexPath {
		if u.indexDown {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}

		fmt.Fprint(w, u.index())

		return
	}

	name, ok := strings.CutPrefix(r.URL.Path, indexPath)
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, ok := u.files[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	fmt.Fprint(w, body)
}

// index renders the directory the way IIS does, including the parent
// link and a subdirectory that must not be mirrored.
func (u *upstream) index() string {
	names := make([]string, 0, len(u.files))
	for n := range u.files {
		names = append(names, n)
	}

	sort.Strings(names)

	var b strings.Builder

	b.WriteString(`<html><head><title>download.bls.gov - ` + indexPath + `</title></head><body><pre>`)
	b.WriteString(`<A HREF="/pub/time.series/">[To Parent Directory]</A><br><br>`)

	for _, n := range names {
		fmt.Fprintf(&b, ` 3/24/2025  8:30 AM %10d <A HREF="%s%s">%s</A><br>`, len(u.files[n]), indexPath, n, n)
	}

	b.WriteString(` 3/24/2025  8:30 AM        &lt;dir&gt; <A HREF="` + indexPath + `archive/">archive</A><br>`)
	b.WriteString(`</pre></body></html>`)

	return b.String()
}

// events collects webhook deliveries.
type events struct {
	mu   sync.Mutex
	keys []string
}

func (e *events) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev notify.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decoding webhook event: %v", err)
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		e.mu.Lock()
		e.keys = append(e.keys, ev.Key)
		e.mu.Unlock()
	})
}

func (e *events) received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := append([]string(nil), e.keys...)
	sort.Strings(out)

	return out
}

// harness wires the real remote client, executor and driver against a
// fake upstream and a temp-dir bolt store.
type harness struct {
	URL      string
	Upstream *upstream
	Store    *boltstore.Store
	Driver   *reconcile.Driver
	Events   *events
}

type harnessOptions struct {
	Files       map[string]string
	KeyPrefix   string
	RequireWarm bool
	NotifyOn    string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	files := make(map[string]string, len(opts.Files))
	for k, v := range opts.Files {
		files[k] = v
	}

	up := &upstream{
		files:       files,
		hits:        make(map[string]int),
		requireUA:   true,
		requireWarm: opts.RequireWarm,
	}

	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	ev := &events{}
	hook := httptest.NewServer(ev.handler(t))
	t.Cleanup(hook.Close)

	st, err := boltstore.Open(filepath.Join(t.TempDir(), "mirror.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.DiscardHandler)

	client, err := remote.NewClient(remote.Options{
		BaseURL:   srv.URL + indexPath,
		RootURL:   srv.URL + "/",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) e2e",
		Timeout:   5 * time.Second,
		List:      retry.Exponential(3, time.Millisecond),
	}, logger)
	require.NoError(t, err)

	exec := reconcile.NewExecutor(reconcile.ExecutorConfig{
		Fetcher:   client,
		Store:     st,
		Notifier:  notify.SuffixFilter{Suffix: opts.NotifyOn, Next: notify.NewWebhook(hook.URL)},
		Retry:     retry.Linear(3, time.Millisecond),
		KeyPrefix: opts.KeyPrefix,
	}, logger)

	driver := reconcile.NewDriver(reconcile.DriverConfig{
		Lister:      client,
		Store:       st,
		Executor:    exec,
		KeyPrefix:   opts.KeyPrefix,
		Workers:     4,
		PassTimeout: 30 * time.Second,
	}, logger)

	return &harness{URL: srv.URL, Upstream: up, Store: st, Driver: driver, Events: ev}
}

func (h *harness) run(t *testing.T) *reconcile.Result {
	t.Helper()

	res, err := h.Driver.RunOnce(context.Background())
	require.NoError(t, err)

	return res
}

func (h *harness) inventory(t *testing.T) map[string]string {
	t.Helper()

	inv, err := store.ReadInventory(context.Background(), h.Store, "")
	require.NoError(t, err)

	return inv
}

func (h *harness) body(t *testing.T, key string) string {
	t.Helper()

	b, err := h.Store.Get(context.Background(), key)
	require.NoError(t, err)

	return string(b)
}

func counts(r *reconcile.Result) [5]int {
	return [5]int{r.Created, r.Updated, r.Deleted, r.Skipped, r.Failed}
}
