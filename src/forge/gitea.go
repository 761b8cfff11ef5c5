package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// GiteaForge implements Forge for Gitea and Forgejo instances.
type GiteaForge struct {
	BaseURL string // e.g. "https://codeberg.org"
	Token   string
	Owner   string
	Repo    string

	HTTP *http.Client
}

// NewGitea creates a Gitea/Forgejo forge client.
// Token is resolved from env: GITEA_TOKEN, FORGEJO_TOKEN.
// Owner/Repo is resolved from env: CI_REPO (Woodpecker CI) or
// GITHUB_REPOSITORY (Gitea Actions, which uses GitHub-compatible vars).
func NewGitea(baseURL string) *GiteaForge {
	token := os.Getenv("GITEA_TOKEN")
	if token == "" {
		token = os.Getenv("FORGEJO_TOKEN")
	}

	owner, repo := splitRepo(os.Getenv("CI_REPO"))
	if owner == "" {
		owner, repo = splitRepo(os.Getenv("GITHUB_REPOSITORY"))
	}

	return &GiteaForge{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, Owner: owner, Repo: repo}
}

func (g *GiteaForge) Provider() Provider { return Gitea }

func (g *GiteaForge) client() *client {
	return &client{name: "Gitea", http: g.HTTP, auth: func(req *http.Request) {
		req.Header.Set("Authorization", "token "+g.Token)
	}}
}

func (g *GiteaForge) apiURL(path string) string {
	return fmt.Sprintf("%s/api/v1/repos/%s/%s%s", g.BaseURL, g.Owner, g.Repo, path)
}

type giteaRelease struct {
	ID      int    `json:"id"`
	HTMLURL string `json:"html_url"`
}

func (g *GiteaForge) ReleaseByTag(ctx context.Context, tag string) (*Release, error) {
	var resp giteaRelease
	err := g.client().doJSON(ctx, http.MethodGet, g.apiURL("/releases/tags/"+url.PathEscape(tag)), nil, &resp)
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Release{ID: fmt.Sprintf("%d", resp.ID), URL: resp.HTMLURL}, nil
}

func (g *GiteaForge) CreateRelease(ctx context.Context, opts ReleaseOptions) (*Release, error) {
	payload := map[string]any{
		"tag_name":   opts.TagName,
		"name":       opts.Name,
		"body":       opts.Description,
		"prerelease": opts.Prerelease,
	}

	var resp giteaRelease
	if err := g.client().doJSON(ctx, http.MethodPost, g.apiURL("/releases"), payload, &resp); err != nil {
		return nil, err
	}
	return &Release{ID: fmt.Sprintf("%d", resp.ID), URL: resp.HTMLURL}, nil
}

func (g *GiteaForge) UploadAsset(ctx context.Context, releaseID string, asset Asset) error {
	uploadURL := g.apiURL(fmt.Sprintf("/releases/%s/assets?name=%s", releaseID, url.QueryEscape(asset.Name)))
	return g.client().uploadMultipart(ctx, uploadURL, "attachment", asset, nil)
}
