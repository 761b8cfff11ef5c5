package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

const (
	entriesDir = "entries"
	tmpDir     = "tmp"
)

// DirStore keeps entries on a billy filesystem:
//
//	entries/<2-char shard>/<sha256(key)>.json               metadata
//	entries/<2-char shard>/<sha256(key)>.<content sum>.blob  snapshot
//
// Blobs and metadata are written to tmp/ and renamed into place.
type DirStore struct {
	fs  billy.Filesystem
	now func() time.Time
}

// dirMeta is the JSON sidecar of one entry.
type dirMeta struct {
	Entry
	SHA256 string `json:"sha256"`
	Blob   string `json:"blob"`
}

// NewDirStore creates a store on fs.
func NewDirStore(fs billy.Filesystem) *DirStore {
	return &DirStore{fs: fs, now: time.Now}
}

// OpenDir creates a store rooted at a local directory, creating it if needed.
func OpenDir(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return NewDirStore(osfs.New(dir)), nil
}

// Restore implements Store.
func (s *DirStore) Restore(ctx context.Context, primaryKey string, restoreKeys []string) (*Hit, error) {
	return restore(ctx, s, primaryKey, restoreKeys)
}

// Save implements Store.
func (s *DirStore) Save(ctx context.Context, key string, blob io.Reader) error {
	if key == "" {
		return &CacheError{Op: "save", Key: key, Err: errors.New("empty key")}
	}
	if err := s.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return &CacheError{Op: "save", Key: key, Err: err}
	}

	tmp, err := s.fs.TempFile(tmpDir, "blob-")
	if err != nil {
		return &CacheError{Op: "save", Key: key, Err: err}
	}
	tmpName := tmp.Name()
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), ctxReader{ctx: ctx, r: blob})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return &CacheError{Op: "save", Key: key, Err: err}
	}

	kh := keyHash(key)
	dir := path.Join(entriesDir, kh[:2])
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		_ = s.fs.Remove(tmpName)
		return &CacheError{Op: "save", Key: key, Err: err}
	}

	sum := hex.EncodeToString(h.Sum(nil))
	meta := dirMeta{
		Entry:  Entry{Key: key, SavedAt: s.now().UTC(), Size: n},
		SHA256: sum,
		Blob:   kh + "." + sum[:16] + ".blob",
	}
	blobPath := path.Join(dir, meta.Blob)
	if _, err := s.fs.Stat(blobPath); err == nil {
		_ = s.fs.Remove(tmpName)
	} else if err := s.fs.Rename(tmpName, blobPath); err != nil {
		_ = s.fs.Remove(tmpName)
		return &CacheError{Op: "save", Key: key, Err: err}
	}

	prev, _ := s.readMeta(path.Join(dir, kh+".json"))
	if err := s.writeMeta(path.Join(dir, kh+".json"), meta); err != nil {
		return &CacheError{Op: "save", Key: key, Err: err}
	}
	if prev != nil && prev.Blob != meta.Blob {
		_ = s.fs.Remove(path.Join(dir, prev.Blob))
	}
	return nil
}

func (s *DirStore) writeMeta(dst string, meta dirMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp, err := s.fs.TempFile(tmpDir, "meta-")
	if err != nil {
		return err
	}
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmp.Name())
		return err
	}
	return s.fs.Rename(tmp.Name(), dst)
}

func (s *DirStore) readMeta(p string) (*dirMeta, error) {
	f, err := s.fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m dirMeta
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return &m, nil
}

func (s *DirStore) stat(_ context.Context, key string) (Entry, error) {
	kh := keyHash(key)
	m, err := s.readMeta(path.Join(entriesDir, kh[:2], kh+".json"))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Entry{}, ErrMiss
	case err != nil:
		return Entry{}, &CacheError{Op: "restore", Key: key, Err: err}
	case m.Key != key:
		return Entry{}, ErrMiss
	}
	return m.Entry, nil
}

func (s *DirStore) list(ctx context.Context, prefix string) ([]Entry, error) {
	shards, err := s.fs.ReadDir(entriesDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &CacheError{Op: "restore", Key: prefix, Err: err}
	}

	var out []Entry
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := path.Join(entriesDir, shard.Name())
		files, err := s.fs.ReadDir(dir)
		if err != nil {
			return nil, &CacheError{Op: "restore", Key: prefix, Err: err}
		}
		for _, fi := range files {
			if !strings.HasSuffix(fi.Name(), ".json") {
				continue
			}
			m, err := s.readMeta(path.Join(dir, fi.Name()))
			if errors.Is(err, os.ErrNotExist) {
				continue // replaced while scanning
			}
			if err != nil {
				return nil, &CacheError{Op: "restore", Key: prefix, Err: err}
			}
			if strings.HasPrefix(m.Key, prefix) {
				out = append(out, m.Entry)
			}
		}
	}
	return out, nil
}

func (s *DirStore) open(_ context.Context, e Entry) (io.ReadCloser, error) {
	kh := keyHash(e.Key)
	dir := path.Join(entriesDir, kh[:2])
	m, err := s.readMeta(path.Join(dir, kh+".json"))
	if err != nil {
		return nil, &CacheError{Op: "restore", Key: e.Key, Err: err}
	}
	f, err := s.fs.Open(path.Join(dir, m.Blob))
	if err != nil {
		return nil, &CacheError{Op: "restore", Key: e.Key, Err: err}
	}
	return &verifyReader{f: f, h: sha256.New(), want: m.SHA256, key: e.Key}, nil
}

func keyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// verifyReader checks the blob checksum once the reader hits EOF.
type verifyReader struct {
	f    io.ReadCloser
	h    hash.Hash
	want string
	key  string
}

func (v *verifyReader) Read(p []byte) (int, error) {
	n, err := v.f.Read(p)
	v.h.Write(p[:n])
	if errors.Is(err, io.EOF) {
		if got := hex.EncodeToString(v.h.Sum(nil)); got != v.want {
			return n, &CacheError{Op: "restore", Key: v.key, Err: fmt.Errorf("checksum mismatch: got %s, want %s", got, v.want)}
		}
	}
	return n, err
}

func (v *verifyReader) Close() error {
	return v.f.Close()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
