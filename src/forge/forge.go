// Package forge publishes build artifacts as release assets on a git forge
// (GitHub, GitLab, Gitea/Forgejo). Only the calls the artifact publisher
// needs are implemented: find or create a release for a tag, attach a file.
package forge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Provider identifies a git forge platform.
type Provider string

const (
	GitLab  Provider = "gitlab"
	GitHub  Provider = "github"
	Gitea   Provider = "gitea"
	Unknown Provider = "unknown"
)

// ErrNotFound is returned by ReleaseByTag when no release exists.
var ErrNotFound = errors.New("release not found")

// Forge is the interface every platform implements.
type Forge interface {
	// Provider returns which platform this forge represents.
	Provider() Provider

	// ReleaseByTag returns the release for tag, or ErrNotFound.
	ReleaseByTag(ctx context.Context, tag string) (*Release, error)

	// CreateRelease creates a release/tag on the forge.
	CreateRelease(ctx context.Context, opts ReleaseOptions) (*Release, error)

	// UploadAsset attaches a file to an existing release.
	UploadAsset(ctx context.Context, releaseID string, asset Asset) error
}

// ReleaseOptions configures a new release.
type ReleaseOptions struct {
	TagName     string
	Name        string
	Description string
	Prerelease  bool
}

// Release is a release on a forge.
type Release struct {
	ID  string // platform-specific ID
	URL string // web URL to the release page
}

// Asset is a file to attach to a release.
type Asset struct {
	Name     string // display name
	FilePath string // local file to upload
	MIMEType string // e.g. "application/gzip"
}

// EnsureRelease returns the release for opts.TagName, creating it when the
// forge has none yet.
func EnsureRelease(ctx context.Context, f Forge, opts ReleaseOptions) (*Release, error) {
	rel, err := f.ReleaseByTag(ctx, opts.TagName)
	if err == nil {
		return rel, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up release %s: %w", opts.TagName, err)
	}
	rel, err = f.CreateRelease(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("creating release %s: %w", opts.TagName, err)
	}
	return rel, nil
}

// New returns the client for provider. Credentials and repository
// coordinates come from the usual CI environment variables.
func New(provider Provider, baseURL string) (Forge, error) {
	switch provider {
	case GitHub:
		return NewGitHub(baseURL), nil
	case GitLab:
		if baseURL == "" {
			return nil, fmt.Errorf("gitlab: base URL is required")
		}
		return NewGitLab(baseURL), nil
	case Gitea:
		if baseURL == "" {
			return nil, fmt.Errorf("gitea: base URL is required")
		}
		return NewGitea(baseURL), nil
	}
	return nil, fmt.Errorf("unsupported forge provider %q", provider)
}

// APIError is a non-2xx response from a forge API.
type APIError struct {
	Forge  string
	Method string
	URL    string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API %s %s: %d %s", e.Forge, e.Method, e.URL, e.Status, e.Body)
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
