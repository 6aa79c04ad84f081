package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	ierrors "github.com/alexjbarnes/indexmirror/internal/errors"
	"github.com/alexjbarnes/indexmirror/internal/retry"
	"golang.org/x/net/publicsuffix"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// defaultTimeout is the per-request timeout when Options.Timeout is zero.
	defaultTimeout = 60 * time.Second

	// maxIndexBytes caps directory index reads.
	maxIndexBytes = 8 * 1024 * 1024

	// maxObjectBytes caps a single downloaded file. The largest files in
	// the BLS time series directories are a few hundred MB.
	maxObjectBytes = 1 << 30

	// warmUpDiscardBytes bounds how much of the root page is read. Only
	// the cookies it sets matter.
	warmUpDiscardBytes = 1024 * 1024

	// errorSnippetBytes is how much of a failed response body is kept
	// in error messages.
	errorSnippetBytes = 256
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Options configures a Client.
type Options struct {
	// BaseURL is the directory index to mirror.
	BaseURL string

	// RootURL is the site's landing page. It is requested after an
	// access denial to re-establish session cookies, and sent as Referer.
	RootURL string

	UserAgent string
	Timeout   time.Duration

	// List is the retry schedule for directory listings.
	List retry.Policy

	// HTTPClient overrides the default client. Its Jar is replaced with a
	// fresh cookie jar when nil.
	HTTPClient *http.Client
}

// Client is a browser-like session against the upstream host. Cookies
// persist across calls. Session re-establishment (warm-up) takes the
// session lock exclusively; downloads share it.
type Client struct {
	httpClient *http.Client
	base       *url.URL
	root       *url.URL
	userAgent  string
	listPolicy retry.Policy
	sleep      retry.SleepFunc
	logger     *slog.Logger

	session sync.RWMutex
}

// Payload is a fully downloaded remote file and its MD5 hex digest.
type Payload struct {
	Body   []byte
	Digest string
}

// downgradeRedirectPolicy follows redirects up to maxRedirects, refusing
// any hop from https to plain http.
func downgradeRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 && via[0].URL.Scheme == "https" && req.URL.Scheme != "https" {
		return fmt.Errorf("redirect downgrade blocked: %s -> %s", via[0].URL, req.URL)
	}

	return nil
}

// NewClient creates an upstream session client.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", ierrors.ErrInvalidConfig, opts.BaseURL)
	}

	// Names are resolved relative to the directory, so it must end in "/".
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	var root *url.URL
	if opts.RootURL != "" {
		root, err = url.Parse(opts.RootURL)
		if err != nil || root.Scheme == "" || root.Host == "" {
			return nil, fmt.Errorf("%w: invalid root URL %q", ierrors.ErrInvalidConfig, opts.RootURL)
		}
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		httpClient = &http.Client{
			Timeout:       timeout,
			CheckRedirect: downgradeRedirectPolicy,
		}
	}

	if httpClient.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}

		httpClient.Jar = jar
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: httpClient,
		base:       base,
		root:       root,
		userAgent:  opts.UserAgent,
		listPolicy: opts.List,
		sleep:      retry.Sleep,
		logger:     logger,
	}, nil
}

// BaseURL returns the directory URL, always ending in "/".
func (c *Client) BaseURL() string {
	return c.base.String()
}

// URLFor resolves a listed name against the directory URL.
func (c *Client) URLFor(name string) string {
	return c.base.ResolveReference(&url.URL{Path: name}).String()
}

// setBrowserHeaders makes requests look like a desktop browser
// navigation. The upstream denies default tooling signatures.
// Accept-Encoding is left to the transport so gzip stays transparent.
func (c *Client) setBrowserHeaders(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "same-site")
	req.Header.Set("Cache-Control", "max-age=0")

	if c.root != nil {
		req.Header.Set("Referer", c.root.String())
	}
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	c.setBrowserHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("%w: GET %s: %w", ierrors.ErrTransientFetch, rawURL, err)}
	}

	return resp, nil
}

// statusError classifies a non-200 response. The body is consumed.
// A 403 is transient: a warm-up or a later attempt usually clears it.
func statusError(resp *http.Response, rawURL string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetBytes))

	sentinel, transient := ierrors.ErrFetchRejected, false

	switch {
	case resp.StatusCode == http.StatusForbidden:
		sentinel, transient = ierrors.ErrFetchDenied, true
	case isTransientStatus(resp.StatusCode):
		sentinel, transient = ierrors.ErrTransientFetch, true
	}

	err := fmt.Errorf("%w: GET %s returned status %d: %s", sentinel, rawURL, resp.StatusCode, sanitizeResponseBody(snippet))
	if !transient {
		return err
	}

	return &TransientError{Err: err}
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// warmUp requests the site root so the upstream's access-control logic
// sees a browsing session before the next retry.
func (c *Client) warmUp(ctx context.Context) error {
	if c.root == nil {
		return nil
	}

	c.session.Lock()
	defer c.session.Unlock()

	resp, err := c.get(ctx, c.root.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, warmUpDiscardBytes))

	c.logger.Debug("session warm-up", slog.String("url", c.root.String()), slog.Int("status", resp.StatusCode))

	return nil
}

// Fetch downloads one listed file, hashing it while it streams.
// A body shorter than its declared length is ErrHashMismatchUnresolved.
func (c *Client) Fetch(ctx context.Context, name string) (*Payload, error) {
	c.session.RLock()
	defer c.session.RUnlock()

	rawURL := c.URLFor(name)

	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, rawURL)
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 && resp.ContentLength <= maxObjectBytes {
		buf.Grow(int(resp.ContentLength))
	}

	h := md5.New()

	n, err := io.Copy(io.MultiWriter(&buf, h), io.LimitReader(resp.Body, maxObjectBytes+1))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &TransientError{Err: fmt.Errorf("%w: GET %s: %w", ierrors.ErrHashMismatchUnresolved, rawURL, err)}
		}

		return nil, &TransientError{Err: fmt.Errorf("%w: reading %s: %w", ierrors.ErrTransientFetch, rawURL, err)}
	}

	if n > maxObjectBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ierrors.ErrFetchRejected, rawURL, maxObjectBytes)
	}

	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, &TransientError{Err: fmt.Errorf("%w: GET %s: read %d of %d bytes", ierrors.ErrHashMismatchUnresolved, rawURL, n, resp.ContentLength)}
	}

	return &Payload{
		Body:   buf.Bytes(),
		Digest: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages, replacing non-printable characters to
// prevent log injection.
func sanitizeResponseBody(body []byte) string {
	if len(body) > errorSnippetBytes {
		body = body[:errorSnippetBytes]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, ' ')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return strings.TrimSpace(string(clean))
}
