package cache

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sofmeright/switchyard/src/ctxlog"
)

// Lookup restores the best entry for primaryKey into root. Every failure
// is logged and reported as a miss: a broken cache only costs a cold build.
func Lookup(ctx context.Context, store Store, root, primaryKey string, restoreKeys []string) *Hit {
	log := ctxlog.FromContext(ctx).With("cache_key", primaryKey)

	hit, err := store.Restore(ctx, primaryKey, restoreKeys)
	if errors.Is(err, ErrMiss) {
		log.Info("cache miss")
		return nil
	}
	if err != nil {
		log.Warn("cache restore failed, continuing cold", "error", asCacheError("restore", primaryKey, err))
		return nil
	}
	defer hit.Blob.Close()

	if err := Unpack(ctx, root, hit.Blob); err != nil {
		log.Warn("cache unpack failed, continuing cold", "entry", hit.Key, "error", asCacheError("restore", hit.Key, err))
		return nil
	}
	hit.Blob = nil

	log.Info("cache restored", "entry", hit.Key, "matched", hit.MatchedKey, "exact", hit.Exact)
	return hit
}

// Persist snapshots paths under root and saves them as key. It returns
// whether an entry was written; an empty snapshot or any error means no.
func Persist(ctx context.Context, store Store, root, key string, paths []string) bool {
	log := ctxlog.FromContext(ctx).With("cache_key", key)

	tmp, err := os.CreateTemp("", "switchyard-cache-*.tar.gz")
	if err != nil {
		log.Warn("cache save skipped", "error", asCacheError("save", key, err))
		return false
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	n, err := Snapshot(ctx, root, paths, tmp)
	if err != nil {
		log.Warn("cache save skipped", "error", asCacheError("save", key, err))
		return false
	}
	if n == 0 {
		log.Info("cache save skipped, no paths exist", "paths", paths)
		return false
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		log.Warn("cache save skipped", "error", asCacheError("save", key, err))
		return false
	}

	if err := store.Save(ctx, key, tmp); err != nil {
		log.Warn("cache save failed", "error", asCacheError("save", key, err))
		return false
	}
	log.Info("cache saved")
	return true
}

func asCacheError(op, key string, err error) error {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce
	}
	return &CacheError{Op: op, Key: key, Err: err}
}

// Options selects and configures a backend.
type Options struct {
	Backend string // "dir", "s3" or "none"
	Dir     string
	S3      S3Config
}

// Open returns the Store for opts.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", "dir":
		return OpenDir(opts.Dir)
	case "s3":
		return NewS3Store(opts.S3)
	case "none":
		return Disabled{}, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
}
