package cache

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config locates a bucket on any S3-compatible endpoint.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Insecure  bool   `yaml:"insecure"`
}

// NewS3Client builds a minio client from cfg.
func NewS3Client(cfg S3Config) (*minio.Client, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: creating client: %w", err)
	}
	return client, nil
}

// S3Store keeps each entry as one object named <prefix>/<escaped key>.
// Escaping is byte-wise, so a key prefix maps onto an object name prefix
// and prefix lookups are a single listing.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Store creates a store for cfg.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	client, err := NewS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Restore implements Store.
func (s *S3Store) Restore(ctx context.Context, primaryKey string, restoreKeys []string) (*Hit, error) {
	return restore(ctx, s, primaryKey, restoreKeys)
}

// Save implements Store. PutObject replaces the object atomically.
func (s *S3Store) Save(ctx context.Context, key string, blob io.Reader) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.object(key), blob, -1, minio.PutObjectOptions{
		ContentType:  "application/gzip",
		UserMetadata: map[string]string{"cache-key": key},
	})
	if err != nil {
		return &CacheError{Op: "save", Key: key, Err: err}
	}
	return nil
}

func (s *S3Store) stat(ctx context.Context, key string) (Entry, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.object(key), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Entry{}, ErrMiss
		}
		return Entry{}, &CacheError{Op: "restore", Key: key, Err: err}
	}
	return Entry{Key: key, SavedAt: info.LastModified, Size: info.Size}, nil
}

func (s *S3Store) list(ctx context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	objPrefix := s.object(prefix)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: objPrefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, &CacheError{Op: "restore", Key: prefix, Err: obj.Err}
		}
		key, ok := s.key(obj.Key)
		if !ok {
			continue
		}
		out = append(out, Entry{Key: key, SavedAt: obj.LastModified, Size: obj.Size})
	}
	return out, nil
}

func (s *S3Store) open(ctx context.Context, e Entry) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.object(e.Key), minio.GetObjectOptions{})
	if err != nil {
		return nil, &CacheError{Op: "restore", Key: e.Key, Err: err}
	}
	return obj, nil
}

func (s *S3Store) object(key string) string {
	if s.prefix == "" {
		return EscapeKey(key)
	}
	return s.prefix + "/" + EscapeKey(key)
}

func (s *S3Store) key(object string) (string, bool) {
	if s.prefix != "" {
		var ok bool
		object, ok = strings.CutPrefix(object, s.prefix+"/")
		if !ok {
			return "", false
		}
	}
	key, err := url.PathUnescape(object)
	if err != nil {
		return "", false
	}
	return key, true
}

// EscapeKey percent-encodes every byte outside [A-Za-z0-9._-]. The mapping
// is byte-wise, so EscapeKey(a) is a prefix of EscapeKey(a+b).
func EscapeKey(key string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}
