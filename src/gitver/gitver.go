// Package gitver resolves the git metadata exposed to pipelines as the
// git.* scope: commit sha, branch, tag and ref. It reads the repository
// with go-git and lets CI-provided variables win when HEAD is detached.
package gitver

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Info holds resolved git metadata for the working tree.
type Info struct {
	SHA      string // full commit hash
	ShortSHA string // first 7 characters of SHA
	Branch   string // "" when HEAD is detached
	Tag      string // tag pointing at HEAD, if any
	Ref      string // "refs/tags/<tag>", "refs/heads/<branch>" or ""
	Remote   string // first URL of the origin remote
}

const shortLen = 7

// Detect resolves Info for the repository containing dir. A directory that
// is not inside a repository yields an empty Info and no error, so pipelines
// outside git still run; references to git.* then render empty.
func Detect(dir string) (*Info, error) {
	info := &Info{}

	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		info.applyEnv(os.Getenv)
		return info, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", dir, err)
	}

	if origin, err := repo.Remote("origin"); err == nil && len(origin.Config().URLs) > 0 {
		info.Remote = origin.Config().URLs[0]
	}

	head, err := repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Fresh repository without commits.
	case err != nil:
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	default:
		info.SHA = head.Hash().String()
		if head.Name().IsBranch() {
			info.Branch = head.Name().Short()
		}
		tag, err := tagAt(repo, head.Hash())
		if err != nil {
			return nil, err
		}
		info.Tag = tag
	}

	info.applyEnv(os.Getenv)
	return info, nil
}

// tagAt returns the first tag (by name) pointing at hash. Annotated tags are
// peeled to their commit.
func tagAt(repo *git.Repository, hash plumbing.Hash) (string, error) {
	iter, err := repo.Tags()
	if err != nil {
		return "", fmt.Errorf("listing tags: %w", err)
	}
	defer iter.Close()

	var found string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		target := ref.Hash()
		if obj, err := repo.TagObject(target); err == nil {
			commit, err := obj.Commit()
			if err != nil {
				return nil
			}
			target = commit.Hash
		}
		name := ref.Name().Short()
		if target == hash && (found == "" || name < found) {
			found = name
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("listing tags: %w", err)
	}
	return found, nil
}

// applyEnv fills gaps from CI variables (GitHub Actions, GitLab CI) and
// derives ShortSHA and Ref.
func (i *Info) applyEnv(getenv func(string) string) {
	if i.SHA == "" {
		i.SHA = first(getenv("GITHUB_SHA"), getenv("CI_COMMIT_SHA"))
	}

	ref := getenv("GITHUB_REF")
	switch {
	case strings.HasPrefix(ref, "refs/tags/") && i.Tag == "":
		i.Tag = strings.TrimPrefix(ref, "refs/tags/")
	case strings.HasPrefix(ref, "refs/heads/") && i.Branch == "":
		i.Branch = strings.TrimPrefix(ref, "refs/heads/")
	}
	if i.Tag == "" {
		i.Tag = getenv("CI_COMMIT_TAG")
	}
	if i.Branch == "" {
		i.Branch = getenv("CI_COMMIT_BRANCH")
	}

	if len(i.SHA) > shortLen {
		i.ShortSHA = i.SHA[:shortLen]
	} else {
		i.ShortSHA = i.SHA
	}

	switch {
	case i.Tag != "":
		i.Ref = "refs/tags/" + i.Tag
	case i.Branch != "":
		i.Ref = "refs/heads/" + i.Branch
	}
}

// Map returns the git.* scope root.
func (i *Info) Map() map[string]string {
	return map[string]string{
		"sha":       i.SHA,
		"short_sha": i.ShortSHA,
		"branch":    i.Branch,
		"tag":       i.Tag,
		"ref":       i.Ref,
	}
}

// IsPrerelease reports whether tag parses as a semver version with a
// prerelease suffix ("v1.2.0-rc.1"). Non-semver tags are not prereleases.
func IsPrerelease(tag string) bool {
	v, err := semver.NewVersion(tag)
	if err != nil {
		return false
	}
	return v.Prerelease() != ""
}

// ReleaseName is the release title for a ref: the tag itself, or the short
// name of any other ref.
func ReleaseName(ref string) string {
	return plumbing.ReferenceName(ref).Short()
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
