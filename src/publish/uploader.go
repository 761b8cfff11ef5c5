package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"

	"github.com/sofmeright/switchyard/src/cache"
	"github.com/sofmeright/switchyard/src/forge"
	"github.com/sofmeright/switchyard/src/gitver"
)

// Options selects and configures an uploader.
type Options struct {
	Uploader string // "none", "dir", "s3", "forge", "github", "gitlab", "gitea"
	Dir      string // destination for "dir"
	Tag      string // release tag for forge uploaders; defaults to the git tag or ref
	ForgeURL string
	S3       cache.S3Config
}

// NewUploader returns the uploader named by opts.Uploader. A nil Uploader
// with no error means package only.
func NewUploader(opts Options, git *gitver.Info) (Uploader, error) {
	switch opts.Uploader {
	case "", "none":
		return nil, nil
	case "dir":
		if opts.Dir == "" {
			return nil, fmt.Errorf("publish: dir uploader needs publish.dir")
		}
		return &DirUploader{Dir: opts.Dir}, nil
	case "s3":
		client, err := cache.NewS3Client(opts.S3)
		if err != nil {
			return nil, err
		}
		return &S3Uploader{Client: client, Bucket: opts.S3.Bucket, Prefix: opts.S3.Prefix}, nil
	case "forge", string(forge.GitHub), string(forge.GitLab), string(forge.Gitea):
		tag := releaseTag(opts.Tag, git)
		if tag == "" {
			return nil, fmt.Errorf("publish: %s uploader needs a tag (publish.tag or a tagged checkout)", opts.Uploader)
		}
		provider, baseURL := forge.Provider(opts.Uploader), opts.ForgeURL
		if opts.Uploader == "forge" {
			// Detected from the origin remote.
			if git == nil || git.Remote == "" {
				return nil, fmt.Errorf("publish: forge uploader needs an origin remote to detect the platform")
			}
			provider = forge.DetectProvider(git.Remote)
			if baseURL == "" {
				baseURL = forge.BaseURL(git.Remote)
			}
		}
		f, err := forge.New(provider, baseURL)
		if err != nil {
			return nil, err
		}
		if git != nil && git.Remote != "" {
			forge.SetRepository(f, forge.ParseRemote(git.Remote).Path)
		}
		return &ForgeUploader{Forge: f, Tag: tag}, nil
	}
	return nil, fmt.Errorf("publish: unknown uploader %q", opts.Uploader)
}

func releaseTag(tag string, git *gitver.Info) string {
	switch {
	case tag != "":
		return gitver.ReleaseName(tag)
	case git == nil:
		return ""
	case git.Tag != "":
		return git.Tag
	case git.Ref != "":
		return gitver.ReleaseName(git.Ref)
	}
	return ""
}

// DirUploader copies artifacts into a local release directory.
type DirUploader struct {
	Dir string
}

func (d *DirUploader) Upload(ctx context.Context, a Artifact) (string, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(d.Dir, a.Name)

	src, err := os.Open(a.Path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(d.Dir, ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	return dest, nil
}

// S3Uploader stores artifacts as objects under Prefix.
type S3Uploader struct {
	Client *minio.Client
	Bucket string
	Prefix string
}

func (s *S3Uploader) Upload(ctx context.Context, a Artifact) (string, error) {
	key := path.Join(strings.Trim(s.Prefix, "/"), a.Name)
	_, err := s.Client.FPutObject(ctx, s.Bucket, key, a.Path, minio.PutObjectOptions{ContentType: "application/gzip"})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
}

// ForgeUploader attaches artifacts to the release for Tag, creating the
// release on first use. Tags that are semver prereleases produce a
// prerelease.
type ForgeUploader struct {
	Forge forge.Forge
	Tag   string

	mu      sync.Mutex
	release *forge.Release
}

func (f *ForgeUploader) ensure(ctx context.Context) (*forge.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.release != nil {
		return f.release, nil
	}
	rel, err := forge.EnsureRelease(ctx, f.Forge, forge.ReleaseOptions{
		TagName:    f.Tag,
		Name:       f.Tag,
		Prerelease: gitver.IsPrerelease(f.Tag),
	})
	if err != nil {
		return nil, err
	}
	f.release = rel
	return rel, nil
}

func (f *ForgeUploader) Upload(ctx context.Context, a Artifact) (string, error) {
	rel, err := f.ensure(ctx)
	if err != nil {
		return "", err
	}
	err = f.Forge.UploadAsset(ctx, rel.ID, forge.Asset{Name: a.Name, FilePath: a.Path, MIMEType: "application/gzip"})
	if err != nil {
		return "", err
	}
	return rel.URL, nil
}
