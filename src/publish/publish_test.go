package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofmeright/switchyard/src/cache"
	"github.com/sofmeright/switchyard/src/cond"
	"github.com/sofmeright/switchyard/src/forge"
	"github.com/sofmeright/switchyard/src/gitver"
	"github.com/sofmeright/switchyard/src/matrix"
)

func gitScope(sha string) cond.Scope {
	git := map[string]string{"sha": sha, "short_sha": "", "tag": "v0.21.0", "ref": "refs/tags/v0.21.0", "branch": ""}
	if len(sha) >= 7 {
		git["short_sha"] = sha[:7]
	}
	return cond.Scope{Git: git}
}

// buildOutputs creates out/<target>/bin/catcoind under a fresh workdir.
func buildOutputs(t *testing.T, target string) string {
	t.Helper()
	workdir := t.TempDir()
	bin := filepath.Join(workdir, "out", target, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "catcoind"), []byte("ELF"), 0o755))
	return workdir
}

func instance(target string) *matrix.Instance {
	return &matrix.Instance{Group: "build", ID: target, Target: target, Outputs: []string{"out/" + target}}
}

type recordingUploader struct {
	mu   sync.Mutex
	got  []Artifact
	fail error
}

func (r *recordingUploader) Upload(_ context.Context, a Artifact) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	if r.fail != nil {
		return "", r.fail
	}
	return "mem://" + a.Name, nil
}

func TestPublish_PackagesOutputsAndNamesAsset(t *testing.T) {
	up := &recordingUploader{}
	artifacts := t.TempDir()
	p, err := NewPublisher(artifacts, "catcoin", "", gitScope("abcdef0123456789"), up)
	require.NoError(t, err)

	workdir := buildOutputs(t, "x86_64-linux-gnu")
	paths, err := p.Publish(context.Background(), instance("x86_64-linux-gnu"), workdir)
	require.NoError(t, err)

	archive := filepath.Join(artifacts, "catcoin-x86_64-linux-gnu.tar.gz")
	assert.Equal(t, []string{archive}, paths)
	require.Len(t, up.got, 1)
	assert.Equal(t, Artifact{Path: archive, Name: "abcdef0-catcoin-x86_64-linux-gnu.tar.gz", Target: "x86_64-linux-gnu"}, up.got[0])

	f, err := os.Open(archive)
	require.NoError(t, err)
	defer f.Close()
	dest := t.TempDir()
	require.NoError(t, cache.Unpack(context.Background(), dest, f))
	data, err := os.ReadFile(filepath.Join(dest, "x86_64-linux-gnu", "bin", "catcoind"))
	require.NoError(t, err)
	assert.Equal(t, "ELF", string(data))
}

func TestPublish_NoShaUsesArchiveName(t *testing.T) {
	up := &recordingUploader{}
	p, err := NewPublisher(t.TempDir(), "catcoin", "", gitScope(""), up)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), instance("arm-linux-gnueabihf"), buildOutputs(t, "arm-linux-gnueabihf"))
	require.NoError(t, err)
	assert.Equal(t, "catcoin-arm-linux-gnueabihf.tar.gz", up.got[0].Name)
}

func TestPublish_CustomAssetName(t *testing.T) {
	up := &recordingUploader{}
	p, err := NewPublisher(t.TempDir(), "catcoin", "${pipeline}_${git.tag}_${target}.tgz", gitScope("abcdef0123456789"), up)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), instance("x86_64-apple-darwin"), buildOutputs(t, "x86_64-apple-darwin"))
	require.NoError(t, err)
	assert.Equal(t, "catcoin_v0.21.0_x86_64-apple-darwin.tgz", up.got[0].Name)
}

func TestNewPublisher_RejectsUndefinedReference(t *testing.T) {
	_, err := NewPublisher(t.TempDir(), "catcoin", "${matrix.host}.tar.gz", gitScope("abc"), nil)
	require.Error(t, err)

	var undef *cond.UndefinedError
	require.ErrorAs(t, err, &undef)
	assert.Equal(t, []string{"matrix.host"}, undef.Names)
}

func TestPublish_MissingOutputIsPackageError(t *testing.T) {
	up := &recordingUploader{}
	p, err := NewPublisher(t.TempDir(), "catcoin", "", gitScope("abc"), up)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), instance("riscv64-linux-gnu"), t.TempDir())
	var pubErr *Error
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "package", pubErr.Op)
	assert.Contains(t, err.Error(), "out/riscv64-linux-gnu")
	assert.Empty(t, up.got)
}

func TestPublish_UploadErrorKeepsArchive(t *testing.T) {
	up := &recordingUploader{fail: errors.New("quota exceeded")}
	p, err := NewPublisher(t.TempDir(), "catcoin", "", gitScope("abc"), up)
	require.NoError(t, err)

	paths, err := p.Publish(context.Background(), instance("x86_64-linux-gnu"), buildOutputs(t, "x86_64-linux-gnu"))
	require.Len(t, paths, 1)
	assert.FileExists(t, paths[0])

	var pubErr *Error
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "upload", pubErr.Op)
	assert.Equal(t, "x86_64-linux-gnu", pubErr.Target)
	assert.Equal(t, "publish x86_64-linux-gnu: upload: quota exceeded", err.Error())
}

func TestDirUploader(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.tar.gz")
	require.NoError(t, os.WriteFile(src, []byte("archive"), 0o644))

	dir := filepath.Join(t.TempDir(), "release")
	where, err := (&DirUploader{Dir: dir}).Upload(context.Background(), Artifact{Path: src, Name: "abc-a.tar.gz"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "abc-a.tar.gz"), where)

	data, err := os.ReadFile(where)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(data))
}

func TestNewUploader(t *testing.T) {
	up, err := NewUploader(Options{}, nil)
	require.NoError(t, err)
	assert.Nil(t, up)

	up, err = NewUploader(Options{Uploader: "dir", Dir: "/srv/release"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &DirUploader{}, up)

	_, err = NewUploader(Options{Uploader: "dir"}, nil)
	assert.Error(t, err)

	_, err = NewUploader(Options{Uploader: "github"}, &gitver.Info{})
	assert.ErrorContains(t, err, "needs a tag")

	up, err = NewUploader(Options{Uploader: "github"}, &gitver.Info{Ref: "refs/heads/main"})
	require.NoError(t, err)
	assert.Equal(t, "main", up.(*ForgeUploader).Tag)

	up, err = NewUploader(Options{Uploader: "forge", Tag: "v1.0.0"}, &gitver.Info{Remote: "https://codeberg.org/o/catcoin.git"})
	require.NoError(t, err)
	assert.Equal(t, forge.Gitea, up.(*ForgeUploader).Forge.Provider())

	_, err = NewUploader(Options{Uploader: "forge", Tag: "v1.0.0"}, &gitver.Info{Remote: "https://git.example.com/o/catcoin.git"})
	assert.ErrorContains(t, err, "unsupported forge provider")

	_, err = NewUploader(Options{Uploader: "ftp"}, nil)
	assert.ErrorContains(t, err, `unknown uploader "ftp"`)
}

// fakeGitHub serves the release endpoints the forge uploader touches.
type fakeGitHub struct {
	mu          sync.Mutex
	creates     int
	prerelease  bool
	assets      []string
	releaseSeen bool
}

func (f *fakeGitHub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/sofmeright/catcoin/releases/tags/{tag}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.releaseSeen {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"id":7,"html_url":"https://example.test/rel/7"}`)
	})
	mux.HandleFunc("POST /repos/sofmeright/catcoin/releases", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.creates++
		f.releaseSeen = true
		f.prerelease = body["prerelease"].(bool)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":7,"html_url":"https://example.test/rel/7"}`)
	})
	mux.HandleFunc("POST /repos/sofmeright/catcoin/releases/7/assets", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.assets = append(f.assets, r.URL.Query().Get("name"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{}`)
	})
	return mux
}

func TestForgeUploader_EnsuresReleaseOnce(t *testing.T) {
	fake := &fakeGitHub{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	gh := &forge.GitHubForge{BaseURL: srv.URL, UploadURL: srv.URL, Owner: "sofmeright", Repo: "catcoin", HTTP: srv.Client()}
	up := &ForgeUploader{Forge: gh, Tag: "v0.21.0-rc.1"}

	src := filepath.Join(t.TempDir(), "x.tar.gz")
	require.NoError(t, os.WriteFile(src, []byte("archive"), 0o644))

	var wg sync.WaitGroup
	for _, name := range []string{"abc-catcoin-arm.tar.gz", "abc-catcoin-x86.tar.gz", "abc-catcoin-mac.tar.gz"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			where, err := up.Upload(context.Background(), Artifact{Path: src, Name: name})
			assert.NoError(t, err)
			assert.Equal(t, "https://example.test/rel/7", where)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fake.creates)
	assert.True(t, fake.prerelease)
	assert.Len(t, fake.assets, 3)
	for _, a := range fake.assets {
		assert.True(t, strings.HasPrefix(a, "abc-catcoin-"), a)
	}
}
