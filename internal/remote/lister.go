package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	ierrors "github.com/alexjbarnes/indexmirror/internal/errors"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// Entry is one file name from the upstream directory index.
type Entry struct {
	Name string
}

// Listing is the result of a listing call. Fetched is true only when the
// index was retrieved and parsed; an empty Entries with Fetched false
// means the upstream state is unknown and must never be read as empty.
type Listing struct {
	Entries []Entry
	Fetched bool
}

// Names returns the entry names in listing order.
func (l Listing) Names() []string {
	names := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		names[i] = e.Name
	}

	return names
}

// List fetches and parses the directory index. Access denials (403)
// re-establish the session via the root page before waiting; any other
// failure just waits. Waits follow the client's list policy. List must
// not run concurrently with itself.
func (c *Client) List(ctx context.Context) (Listing, error) {
	attempts := c.listPolicy.Attempts()

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		entries, err := c.fetchIndex(ctx)
		if err == nil {
			c.logger.Info("remote listing fetched",
				slog.String("url", c.base.String()),
				slog.Int("files", len(entries)),
				slog.Int("attempt", attempt),
			)

			return Listing{Entries: entries, Fetched: true}, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			break
		}

		c.logger.Warn("remote listing failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.String("error", err.Error()),
		)

		if attempt == attempts {
			break
		}

		if errors.Is(err, ierrors.ErrFetchDenied) {
			if werr := c.warmUp(ctx); werr != nil {
				c.logger.Warn("session warm-up failed", slog.String("error", werr.Error()))
			}
		}

		delay := c.listPolicy.Delay(attempt)
		c.logger.Info("retrying remote listing", slog.Duration("backoff", delay))

		if err := c.sleep(ctx, delay); err != nil {
			lastErr = fmt.Errorf("%w: %w", ierrors.ErrTransientFetch, err)
			break
		}
	}

	return Listing{}, fmt.Errorf("listing %s: %w", c.base, lastErr)
}

func (c *Client) fetchIndex(ctx context.Context) ([]Entry, error) {
	rawURL := c.base.String()

	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, rawURL)
	}

	entries, err := parseIndex(io.LimitReader(resp.Body, maxIndexBytes), c.base)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing index %s: %w", ierrors.ErrTransientFetch, rawURL, err)
	}

	return entries, nil
}

// parseIndex extracts file names from the anchors of a directory index.
// Each href is resolved against base; only targets inside the directory
// are kept. Parent links, sub-directories (trailing "/") and links with
// a query string (server-generated sort links) are dropped. Names are
// returned decoded and in document order, deduplicated by their NFC form.
func parseIndex(r io.Reader, base *url.URL) ([]Entry, error) {
	z := html.NewTokenizer(r)
	seen := make(map[string]struct{})

	var entries []Entry

	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return entries, nil
			}

			return nil, z.Err()

		case html.StartTagToken, html.SelfClosingTagToken:
			tag, hasAttr := z.TagName()
			if string(tag) != "a" || !hasAttr {
				continue
			}

			name, ok := entryName(hrefAttr(z), base)
			if !ok {
				continue
			}

			// Canonically equivalent spellings are one file. The first
			// spelling is kept, since it is the path the server answers to.
			canon := norm.NFC.String(name)
			if _, dup := seen[canon]; dup {
				continue
			}

			seen[canon] = struct{}{}
			entries = append(entries, Entry{Name: name})
		}
	}
}

func hrefAttr(z *html.Tokenizer) string {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "href" {
			return strings.TrimSpace(string(val))
		}

		if !more {
			return ""
		}
	}
}

func entryName(href string, base *url.URL) (string, bool) {
	if href == "" || href == ".." || href == "../" || strings.HasPrefix(href, "#") {
		return "", false
	}

	ref, err := url.Parse(href)
	if err != nil || ref.RawQuery != "" {
		return "", false
	}

	target := base.ResolveReference(ref)
	if target.Scheme != base.Scheme || target.Host != base.Host {
		return "", false
	}

	rel, ok := strings.CutPrefix(target.Path, base.Path)
	if !ok || rel == "" || strings.HasSuffix(rel, "/") {
		return "", false
	}

	return rel, true
}
