// Package cache stores snapshots of build directories under string keys
// and restores them by exact key or, failing that, by key prefix.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ErrMiss is returned by Restore when neither the primary key nor any
// restore prefix matches an entry.
var ErrMiss = errors.New("cache miss")

// Store is a key to blob store with prefix fallback.
//
// Implementations must allow concurrent Restore calls and concurrent Save
// calls under different keys. Save replaces an entry atomically: a Restore
// racing with it sees either the old blob or the new one.
type Store interface {
	Restore(ctx context.Context, primaryKey string, restoreKeys []string) (*Hit, error)
	Save(ctx context.Context, key string, blob io.Reader) error
}

// Entry describes a stored blob.
type Entry struct {
	Key     string    `json:"key"`
	SavedAt time.Time `json:"saved_at"`
	Size    int64     `json:"size"`
}

// Hit is a successful restore. The caller must close Blob.
type Hit struct {
	// Key is the full key of the entry that was found.
	Key string

	// MatchedKey is the primary key on an exact hit, or the restore prefix
	// that matched.
	MatchedKey string

	Exact   bool
	SavedAt time.Time
	Size    int64
	Blob    io.ReadCloser
}

// CacheError wraps a backend failure. Callers degrade it to a miss.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// index is what a backend provides so the lookup order lives in one place.
type index interface {
	stat(ctx context.Context, key string) (Entry, error)
	list(ctx context.Context, prefix string) ([]Entry, error)
	open(ctx context.Context, e Entry) (io.ReadCloser, error)
}

// restore implements the lookup order shared by every backend: exact key,
// then each restore prefix in order. Under a prefix the most recently saved
// entry wins; equal times fall back to the greater key.
func restore(ctx context.Context, ix index, primaryKey string, restoreKeys []string) (*Hit, error) {
	if primaryKey != "" {
		e, err := ix.stat(ctx, primaryKey)
		switch {
		case err == nil:
			return openHit(ctx, ix, e, primaryKey, true)
		case !errors.Is(err, ErrMiss):
			return nil, err
		}
	}

	for _, prefix := range restoreKeys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := ix.list(ctx, prefix)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		return openHit(ctx, ix, latest(entries), prefix, false)
	}
	return nil, ErrMiss
}

func openHit(ctx context.Context, ix index, e Entry, matched string, exact bool) (*Hit, error) {
	rc, err := ix.open(ctx, e)
	if err != nil {
		return nil, err
	}
	return &Hit{
		Key:        e.Key,
		MatchedKey: matched,
		Exact:      exact,
		SavedAt:    e.SavedAt,
		Size:       e.Size,
		Blob:       rc,
	}, nil
}

func latest(entries []Entry) Entry {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].SavedAt.Equal(entries[j].SavedAt) {
			return entries[i].SavedAt.After(entries[j].SavedAt)
		}
		return strings.Compare(entries[i].Key, entries[j].Key) > 0
	})
	return entries[0]
}

// Disabled is a Store that never hits and discards saves.
type Disabled struct{}

// Restore always misses.
func (Disabled) Restore(context.Context, string, []string) (*Hit, error) {
	return nil, ErrMiss
}

// Save drains nothing and succeeds.
func (Disabled) Save(context.Context, string, io.Reader) error {
	return nil
}
