// Package store defines the object store contract the reconciliation
// engine writes to, and the inventory reader built on it.
package store

//go:generate mockgen -destination=mock_store.go -package=store . Store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ierrors "github.com/alexjbarnes/indexmirror/internal/errors"
)

// ErrNotFound is returned by Get for a key the store does not hold.
var ErrNotFound = errors.New("object not found")

// Entry is one stored object and the tag the store assigned to its
// payload. The tag is opaque; compare it only through NormalizeTag.
type Entry struct {
	Key string
	Tag string
}

// Page is one page of a listing. NextToken is empty on the last page.
type Page struct {
	Entries   []Entry
	NextToken string
}

// Store is a key/value blob store with content-derived integrity tags.
type Store interface {
	// List returns the page of entries under prefix starting at token
	// (empty for the first page).
	List(ctx context.Context, prefix, token string) (Page, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores body under key and returns the new integrity tag.
	Put(ctx context.Context, key string, body []byte) (string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// NormalizeTag strips surrounding quotes and whitespace and lower-cases
// the tag. S3 returns ETags wrapped in double quotes.
func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	tag = strings.Trim(tag, `"'`)

	return strings.ToLower(tag)
}

// ReadInventory lists every entry under prefix, following continuation
// tokens until the store reports the last page. Any failure, including a
// token that repeats, is ErrStoreUnavailable: a partial inventory must
// never drive a reconciliation.
func ReadInventory(ctx context.Context, s Store, prefix string) (map[string]string, error) {
	inventory := make(map[string]string)
	seen := make(map[string]struct{})
	token := ""

	for {
		page, err := s.List(ctx, prefix, token)
		if err != nil {
			return nil, fmt.Errorf("%w: listing %q: %w", ierrors.ErrStoreUnavailable, prefix, err)
		}

		for _, e := range page.Entries {
			inventory[e.Key] = NormalizeTag(e.Tag)
		}

		if page.NextToken == "" {
			return inventory, nil
		}

		if _, dup := seen[page.NextToken]; dup {
			return nil, fmt.Errorf("%w: continuation token %q repeated", ierrors.ErrStoreUnavailable, page.NextToken)
		}

		seen[page.NextToken] = struct{}{}
		token = page.NextToken
	}
}
