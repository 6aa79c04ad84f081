// Package boltstore is a single-file object store on bbolt. Tags are the
// MD5 hex digest of the stored bytes, matching single-shot S3 ETags.
package boltstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/indexmirror/internal/store"
	bolt "go.etcd.io/bbolt"
)

const (
	// dirPerm is the permission mode for the database directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second

	// DefaultPageSize is the number of entries returned per List call.
	DefaultPageSize = 1000
)

var (
	objectsBucket = []byte("objects")
	metaBucket    = []byte("meta")
)

// objectMeta is stored alongside each object body.
type objectMeta struct {
	Tag      string    `json:"tag"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Store wraps a bbolt database holding object bodies and their metadata.
type Store struct {
	db       *bolt.DB
	pageSize int
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens the database at path, creating it and its directory if
// needed. pageSize <= 0 uses DefaultPageSize.
func Open(path string, pageSize int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(objectsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(metaBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &Store{db: db, pageSize: pageSize, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// List returns up to pageSize entries with the given prefix, in key
// order. The continuation token is the first key of the next page.
func (s *Store) List(ctx context.Context, prefix, token string) (store.Page, error) {
	if err := ctx.Err(); err != nil {
		return store.Page{}, err
	}

	var page store.Page

	start := prefix
	if token != "" {
		if !strings.HasPrefix(token, prefix) {
			return store.Page{}, fmt.Errorf("continuation token %q outside prefix %q", token, prefix)
		}

		start = token
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(metaBucket).Cursor()
		p := []byte(prefix)

		for k, v := c.Seek([]byte(start)); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if len(page.Entries) == s.pageSize {
				page.NextToken = string(k)
				return nil
			}

			var meta objectMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("decoding metadata for %q: %w", k, err)
			}

			page.Entries = append(page.Entries, store.Entry{Key: string(k), Tag: meta.Tag})
		}

		return nil
	})
	if err != nil {
		return store.Page{}, err
	}

	return page, nil
}

// Get returns the stored bytes for key, or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var body []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		// Existence is decided by metadata; an empty body may read as nil.
		if tx.Bucket(metaBucket).Get([]byte(key)) == nil {
			return fmt.Errorf("%w: %s", store.ErrNotFound, key)
		}

		// Values are only valid for the life of the transaction.
		body = append([]byte{}, tx.Bucket(objectsBucket).Get([]byte(key))...)

		return nil
	})

	return body, err
}

// Put stores body under key and returns its MD5 hex tag.
func (s *Store) Put(ctx context.Context, key string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if key == "" {
		return "", fmt.Errorf("empty key")
	}

	sum := md5.Sum(body)
	meta := objectMeta{
		Tag:      hex.EncodeToString(sum[:]),
		Size:     int64(len(body)),
		Modified: s.now().UTC(),
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		// bbolt rejects nil values; empty objects are legal.
		if body == nil {
			body = []byte{}
		}

		if err := tx.Bucket(objectsBucket).Put([]byte(key), body); err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put([]byte(key), data)
	})
	if err != nil {
		return "", fmt.Errorf("storing %s: %w", key, err)
	}

	return meta.Tag, nil
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(objectsBucket).Delete([]byte(key)); err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Delete([]byte(key))
	})
}
