package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// GitHubForge implements Forge for GitHub and GitHub Enterprise.
type GitHubForge struct {
	BaseURL string // "https://api.github.com" or "https://ghes.example.com/api/v3"
	Token   string
	Owner   string
	Repo    string

	// UploadURL overrides the asset upload host. Empty derives it from BaseURL.
	UploadURL string

	HTTP *http.Client
}

// NewGitHub creates a GitHub forge client.
// Token is resolved from env: GITHUB_TOKEN, GH_TOKEN.
// Owner/Repo is resolved from env: GITHUB_REPOSITORY (owner/repo).
func NewGitHub(baseURL string) *GitHubForge {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		token = os.Getenv("GH_TOKEN")
	}
	owner, repo := splitRepo(os.Getenv("GITHUB_REPOSITORY"))

	apiBase := "https://api.github.com"
	if baseURL != "" && !strings.Contains(baseURL, "github.com") {
		// GitHub Enterprise Server
		apiBase = strings.TrimRight(baseURL, "/") + "/api/v3"
	}

	return &GitHubForge{BaseURL: apiBase, Token: token, Owner: owner, Repo: repo}
}

func (g *GitHubForge) Provider() Provider { return GitHub }

func (g *GitHubForge) client() *client {
	return &client{name: "GitHub", http: g.HTTP, auth: func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+g.Token)
		req.Header.Set("Accept", "application/vnd.github+json")
	}}
}

func (g *GitHubForge) apiURL(path string) string {
	return fmt.Sprintf("%s/repos/%s/%s%s", g.BaseURL, g.Owner, g.Repo, path)
}

// uploadBaseURL returns the upload API base for asset uploads.
// github.com uses uploads.github.com; GHES uses {host}/api/uploads.
func (g *GitHubForge) uploadBaseURL() string {
	switch {
	case g.UploadURL != "":
		return strings.TrimRight(g.UploadURL, "/")
	case strings.Contains(g.BaseURL, "api.github.com"):
		return "https://uploads.github.com"
	}
	return strings.Replace(g.BaseURL, "/api/v3", "/api/uploads", 1)
}

type githubRelease struct {
	ID      int    `json:"id"`
	HTMLURL string `json:"html_url"`
}

func (g *GitHubForge) ReleaseByTag(ctx context.Context, tag string) (*Release, error) {
	var resp githubRelease
	err := g.client().doJSON(ctx, http.MethodGet, g.apiURL("/releases/tags/"+url.PathEscape(tag)), nil, &resp)
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Release{ID: fmt.Sprintf("%d", resp.ID), URL: resp.HTMLURL}, nil
}

func (g *GitHubForge) CreateRelease(ctx context.Context, opts ReleaseOptions) (*Release, error) {
	payload := map[string]any{
		"tag_name":   opts.TagName,
		"name":       opts.Name,
		"body":       opts.Description,
		"prerelease": opts.Prerelease,
	}

	var resp githubRelease
	if err := g.client().doJSON(ctx, http.MethodPost, g.apiURL("/releases"), payload, &resp); err != nil {
		return nil, err
	}
	return &Release{ID: fmt.Sprintf("%d", resp.ID), URL: resp.HTMLURL}, nil
}

func (g *GitHubForge) UploadAsset(ctx context.Context, releaseID string, asset Asset) error {
	f, err := os.Open(asset.FilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	uploadURL := fmt.Sprintf("%s/repos/%s/%s/releases/%s/assets?name=%s",
		g.uploadBaseURL(), g.Owner, g.Repo, releaseID, url.QueryEscape(asset.Name))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = stat.Size()
	req.Header.Set("Content-Type", mimeType(asset))

	if err := g.client().do(req, nil); err != nil {
		return fmt.Errorf("uploading %s: %w", asset.Name, err)
	}
	return nil
}

func splitRepo(s string) (owner, repo string) {
	if idx := strings.Index(s, "/"); idx >= 0 {
		return s[:idx], s[idx+1:]
	}
	return "", ""
}
