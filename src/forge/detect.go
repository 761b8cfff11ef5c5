package forge

import (
	"net/url"
	"strings"
)

// Remote is a git remote URL broken into the parts a forge client needs.
type Remote struct {
	Provider Provider
	BaseURL  string // scheme and host, e.g. "https://gitlab.example.com"
	Path     string // "owner/repo" or "group/subgroup/project", no .git
}

// ParseRemote understands scp-style (git@host:path), ssh:// and http(s)://
// remotes. Anything else yields a Remote with only Path set.
func ParseRemote(remote string) Remote {
	var host, path, scheme string

	if u, err := url.Parse(remote); err == nil && u.Host != "" {
		host, path = u.Hostname(), u.Path
		scheme = u.Scheme
		if scheme != "http" {
			scheme = "https"
		}
	} else if at := strings.Index(remote, "@"); at >= 0 {
		// git@host:owner/repo.git
		rest := remote[at+1:]
		if colon := strings.Index(rest, ":"); colon >= 0 {
			host, path, scheme = rest[:colon], rest[colon+1:], "https"
		}
	}

	r := Remote{Path: strings.TrimSuffix(strings.Trim(path, "/"), ".git")}
	if host == "" {
		r.Provider = Unknown
		return r
	}
	r.BaseURL = scheme + "://" + host
	r.Provider = providerForHost(strings.ToLower(host))
	return r
}

func providerForHost(host string) Provider {
	switch {
	case host == "github.com" || strings.HasSuffix(host, ".github.com"):
		return GitHub
	case strings.Contains(host, "gitlab"):
		return GitLab
	case strings.Contains(host, "gitea"), strings.Contains(host, "forgejo"), host == "codeberg.org":
		return Gitea
	}
	return Unknown
}

// DetectProvider determines the forge platform from a git remote URL.
func DetectProvider(remote string) Provider { return ParseRemote(remote).Provider }

// BaseURL extracts the forge base URL from a git remote URL.
func BaseURL(remote string) string {
	if r := ParseRemote(remote); r.BaseURL != "" {
		return r.BaseURL
	}
	return remote
}

// SetRepository fills the repository coordinates of f from path when the
// CI environment left them empty.
func SetRepository(f Forge, path string) {
	if path == "" {
		return
	}
	switch c := f.(type) {
	case *GitHubForge:
		if c.Owner == "" {
			c.Owner, c.Repo = splitRepo(path)
		}
	case *GiteaForge:
		if c.Owner == "" {
			c.Owner, c.Repo = splitRepo(path)
		}
	case *GitLabForge:
		if c.ProjectID == "" {
			c.ProjectID = path
		}
	}
}
