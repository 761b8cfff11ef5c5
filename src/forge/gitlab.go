package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// GitLabForge implements Forge for GitLab instances.
type GitLabForge struct {
	BaseURL   string // e.g. "https://gitlab.example.com"
	Token     string // private token or job token
	ProjectID string // numeric ID or "group/project"

	HTTP *http.Client
}

// NewGitLab creates a GitLab forge client.
// Token is resolved from env: GITLAB_TOKEN, CI_JOB_TOKEN.
// ProjectID is resolved from env: CI_PROJECT_ID, CI_PROJECT_PATH.
func NewGitLab(baseURL string) *GitLabForge {
	token := os.Getenv("GITLAB_TOKEN")
	if token == "" {
		token = os.Getenv("CI_JOB_TOKEN")
	}

	projectID := os.Getenv("CI_PROJECT_ID")
	if projectID == "" {
		projectID = os.Getenv("CI_PROJECT_PATH")
	}

	return &GitLabForge{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, ProjectID: projectID}
}

func (g *GitLabForge) Provider() Provider { return GitLab }

func (g *GitLabForge) client() *client {
	return &client{name: "GitLab", http: g.HTTP, auth: func(req *http.Request) {
		req.Header.Set("PRIVATE-TOKEN", g.Token)
	}}
}

func (g *GitLabForge) apiURL(path string) string {
	return fmt.Sprintf("%s/api/v4/projects/%s%s", g.BaseURL, url.PathEscape(g.ProjectID), path)
}

// GitLab identifies releases by tag name, so the release ID is the tag.
func (g *GitLabForge) ReleaseByTag(ctx context.Context, tag string) (*Release, error) {
	var resp struct {
		TagName string `json:"tag_name"`
	}
	err := g.client().doJSON(ctx, http.MethodGet, g.apiURL("/releases/"+url.PathEscape(tag)), nil, &resp)
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Release{ID: resp.TagName, URL: g.releaseURL(resp.TagName)}, nil
}

func (g *GitLabForge) CreateRelease(ctx context.Context, opts ReleaseOptions) (*Release, error) {
	payload := map[string]any{
		"tag_name":    opts.TagName,
		"name":        opts.Name,
		"description": opts.Description,
	}

	var resp struct {
		TagName string `json:"tag_name"`
	}
	if err := g.client().doJSON(ctx, http.MethodPost, g.apiURL("/releases"), payload, &resp); err != nil {
		return nil, err
	}
	return &Release{ID: resp.TagName, URL: g.releaseURL(resp.TagName)}, nil
}

// UploadAsset uploads the file to the project, then links it to the release.
func (g *GitLabForge) UploadAsset(ctx context.Context, releaseID string, asset Asset) error {
	var upload struct {
		URL      string `json:"url"`
		FullPath string `json:"full_path"`
	}
	if err := g.client().uploadMultipart(ctx, g.apiURL("/uploads"), "file", asset, &upload); err != nil {
		return err
	}

	link := upload.FullPath
	if link == "" {
		link = upload.URL
	}
	payload := map[string]string{
		"name":      asset.Name,
		"url":       g.BaseURL + link,
		"link_type": "package",
	}
	linkURL := g.apiURL(fmt.Sprintf("/releases/%s/assets/links", url.PathEscape(releaseID)))
	return g.client().doJSON(ctx, http.MethodPost, linkURL, payload, nil)
}

func (g *GitLabForge) releaseURL(tag string) string {
	return fmt.Sprintf("%s/%s/-/releases/%s", g.BaseURL, g.ProjectID, tag)
}
