package gitver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearCIEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"GITHUB_SHA", "GITHUB_REF", "CI_COMMIT_SHA", "CI_COMMIT_TAG", "CI_COMMIT_BRANCH"} {
		t.Setenv(k, "")
	}
}

// initRepo creates a repository with one commit on branch main.
func initRepo(t *testing.T) (string, *git.Repository, plumbing.Hash) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"), []byte("all:\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("Makefile")
	require.NoError(t, err)

	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)
	return dir, repo, hash
}

func TestDetect_Branch(t *testing.T) {
	clearCIEnv(t)
	dir, _, hash := initRepo(t)

	info, err := Detect(dir)
	require.NoError(t, err)

	assert.Equal(t, hash.String(), info.SHA)
	assert.Equal(t, hash.String()[:7], info.ShortSHA)
	assert.Equal(t, "main", info.Branch)
	assert.Empty(t, info.Tag)
	assert.Equal(t, "refs/heads/main", info.Ref)
}

func TestDetect_AnnotatedTagAtHead(t *testing.T) {
	clearCIEnv(t)
	dir, repo, hash := initRepo(t)

	_, err := repo.CreateTag("v1.0.0", hash, &git.CreateTagOptions{
		Tagger:  &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Unix(1700000000, 0)},
		Message: "release",
	})
	require.NoError(t, err)

	info, err := Detect(filepath.Join(dir))
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", info.Tag)
	assert.Equal(t, "refs/tags/v1.0.0", info.Ref)
}

func TestDetect_Remote(t *testing.T) {
	clearCIEnv(t)
	dir, repo, _ := initRepo(t)
	_, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{"git@github.com:sofmeright/catcoin.git"}})
	require.NoError(t, err)

	info, err := Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, "git@github.com:sofmeright/catcoin.git", info.Remote)
}

func TestDetect_Subdirectory(t *testing.T) {
	clearCIEnv(t)
	dir, _, hash := initRepo(t)
	sub := filepath.Join(dir, "depends")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	info, err := Detect(sub)
	require.NoError(t, err)
	assert.Equal(t, hash.String(), info.SHA)
}

func TestDetect_OutsideRepositoryUsesCIEnv(t *testing.T) {
	clearCIEnv(t)
	t.Setenv("GITHUB_SHA", "0123456789abcdef0123456789abcdef01234567")
	t.Setenv("GITHUB_REF", "refs/tags/v0.21.0rc1")

	info, err := Detect(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "0123456", info.ShortSHA)
	assert.Equal(t, "v0.21.0rc1", info.Tag)
	assert.Equal(t, "refs/tags/v0.21.0rc1", info.Ref)
	assert.Equal(t, "0123456", info.Map()["short_sha"])
}

func TestIsPrerelease(t *testing.T) {
	cases := map[string]bool{
		"v1.2.0":      false,
		"1.2.0-rc.1":  true,
		"v0.3.0-beta": true,
		"nightly":     false,
		"":            false,
	}
	for tag, want := range cases {
		assert.Equal(t, want, IsPrerelease(tag), tag)
	}
}

func TestReleaseName(t *testing.T) {
	assert.Equal(t, "v1.0.0", ReleaseName("refs/tags/v1.0.0"))
	assert.Equal(t, "main", ReleaseName("refs/heads/main"))
	assert.Equal(t, "v1.0.0", ReleaseName("v1.0.0"))
}
