package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofmeright/switchyard/src/pipeline"
	"github.com/sofmeright/switchyard/src/scheduler"
)

type workspace struct {
	root    string
	config  string
	reports string
	release string
}

// newWorkspace writes an engine config whose every directory lives under a
// temp dir, and clears CI variables that would leak git metadata in.
func newWorkspace(t *testing.T, uploader string) *workspace {
	t.Helper()
	for _, k := range []string{"GITHUB_SHA", "GITHUB_REF", "CI_COMMIT_SHA", "CI_COMMIT_TAG", "CI_COMMIT_BRANCH", "GITLAB_CI", "GITHUB_ACTIONS"} {
		t.Setenv(k, "")
	}
	t.Setenv("NO_COLOR", "1")

	root := t.TempDir()
	w := &workspace{
		root:    root,
		config:  filepath.Join(root, "switchyard.yml"),
		reports: filepath.Join(root, "runs"),
		release: filepath.Join(root, "release"),
	}
	w.writeConfig(t, uploader)
	return w
}

func (w *workspace) writeConfig(t *testing.T, uploader string) {
	t.Helper()
	cfg := fmt.Sprintf(`
workers: 2
workspace: %s
log:
  level: warn
cache:
  backend: dir
  dir: %s
publish:
  uploader: %s
  dir: %s
  artifacts_dir: %s
reports:
  dir: %s
`, filepath.Join(w.root, "work"), filepath.Join(w.root, "cache"), uploader, w.release, filepath.Join(w.root, "artifacts"), w.reports)
	require.NoError(t, os.WriteFile(w.config, []byte(cfg), 0o644))
}

func (w *workspace) pipeline(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(w.root, "catcoin.yml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func (w *workspace) execute(args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	root := NewRootCmd(&stdout, &stderr)
	root.SetArgs(append([]string{"--config", w.config}, args...))
	err := root.Execute()
	return stdout.String(), err
}

func (w *workspace) runIDs(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(w.reports, "*.json"))
	require.NoError(t, err)
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = strings.TrimSuffix(filepath.Base(m), ".json")
	}
	return ids
}

const buildPipeline = `
version: 1
name: catcoin
groups:
  - name: build
    matrix:
      - { id: arm, host: arm-linux-gnueabihf }
      - { id: x86, host: x86_64-linux-gnu }
    target: "${matrix.host}"
    outputs: ["out/${matrix.host}"]
    steps:
      - name: compile
        run: "mkdir -p out/${matrix.host} && echo bin > out/${matrix.host}/catcoind"
`

func TestRun_SucceedsAndPublishes(t *testing.T) {
	w := newWorkspace(t, "dir")
	out, err := w.execute("run", w.pipeline(t, buildPipeline))
	require.NoError(t, err)
	assert.Equal(t, ExitOK, ExitCode(err))

	assert.Contains(t, out, "── group build ")
	assert.Contains(t, out, "✓ arm")
	assert.FileExists(t, filepath.Join(w.release, "catcoin-arm-linux-gnueabihf.tar.gz"))
	assert.FileExists(t, filepath.Join(w.release, "catcoin-x86_64-linux-gnu.tar.gz"))

	ids := w.runIDs(t)
	require.Len(t, ids, 1)
	report, err := scheduler.ReadReport(w.reports, ids[0])
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	assert.Len(t, report.Instances(), 2)
}

func TestRun_BuildFailureExitsOne(t *testing.T) {
	w := newWorkspace(t, "none")
	_, err := w.execute("run", w.pipeline(t, `
version: 1
groups:
  - name: build
    steps:
      - name: compile
        run: "echo boom; exit 3"
`))
	require.ErrorIs(t, err, ErrBuildFailed)
	assert.Equal(t, ExitBuildFailure, ExitCode(err))
}

func TestRun_CycleIsConfigErrorAndRunsNothing(t *testing.T) {
	w := newWorkspace(t, "none")
	marker := filepath.Join(w.root, "ran")
	_, err := w.execute("run", w.pipeline(t, fmt.Sprintf(`
version: 1
groups:
  - name: a
    needs: [b]
    steps: [{ name: touch, run: "touch %s" }]
  - name: b
    needs: [a]
    steps: [{ name: touch, run: "touch %s" }]
`, marker, marker)))

	var ce *pipeline.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ExitConfigError, ExitCode(err))
	assert.NoFileExists(t, marker)
	assert.Empty(t, w.runIDs(t))
}

func TestRun_InvalidWorkerLimit(t *testing.T) {
	w := newWorkspace(t, "none")
	_, err := w.execute("run", "--worker-limit", "0", w.pipeline(t, buildPipeline))
	assert.Equal(t, ExitConfigError, ExitCode(err))
}

func TestRun_UnknownGroupSelection(t *testing.T) {
	w := newWorkspace(t, "none")
	_, err := w.execute("run", "--group", "package", w.pipeline(t, buildPipeline))
	assert.Equal(t, ExitConfigError, ExitCode(err))
	assert.ErrorContains(t, err, "matches no group")
}

func TestRun_WritesJUnit(t *testing.T) {
	w := newWorkspace(t, "none")
	junit := filepath.Join(w.root, "junit")
	_, err := w.execute("run", "--junit", junit, w.pipeline(t, buildPipeline))
	require.NoError(t, err)

	ids := w.runIDs(t)
	require.Len(t, ids, 1)
	assert.FileExists(t, filepath.Join(junit, ids[0]+".xml"))
}

func TestPlan(t *testing.T) {
	w := newWorkspace(t, "none")
	out, err := w.execute("plan", w.pipeline(t, buildPipeline))
	require.NoError(t, err)

	assert.Contains(t, out, "build/arm  target arm-linux-gnueabihf")
	assert.Contains(t, out, "build/x86  target x86_64-linux-gnu")
	assert.Empty(t, w.runIDs(t))
}

func TestPlan_UndefinedAttribute(t *testing.T) {
	w := newWorkspace(t, "none")
	_, err := w.execute("plan", w.pipeline(t, `
version: 1
groups:
  - name: build
    matrix: [{ id: arm }]
    steps: [{ name: compile, run: "make HOST=${matrix.host}" }]
`))
	assert.Equal(t, ExitConfigError, ExitCode(err))
	assert.ErrorContains(t, err, "matrix.host")
}

func TestPublish_RetriesFromManifest(t *testing.T) {
	w := newWorkspace(t, "none")
	_, err := w.execute("run", w.pipeline(t, buildPipeline))
	require.NoError(t, err)
	assert.NoDirExists(t, w.release)

	ids := w.runIDs(t)
	require.Len(t, ids, 1)

	w.writeConfig(t, "dir")
	out, err := w.execute("publish", "--run", ids[0])
	require.NoError(t, err)
	assert.Contains(t, out, "published 2 artifact(s)")
	assert.FileExists(t, filepath.Join(w.release, "catcoin-x86_64-linux-gnu.tar.gz"))
}

func TestPublish_UnknownRun(t *testing.T) {
	w := newWorkspace(t, "none")
	_, err := w.execute("publish", "--run", "nope")
	assert.Error(t, err)
	assert.Equal(t, ExitBuildFailure, ExitCode(err))
}

func TestPrune_KeepLast(t *testing.T) {
	w := newWorkspace(t, "none")
	path := w.pipeline(t, buildPipeline)
	for i := 0; i < 3; i++ {
		_, err := w.execute("run", path)
		require.NoError(t, err)
	}
	require.Len(t, w.runIDs(t), 3)

	out, err := w.execute("prune", "--keep-last", "1", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "would remove run "))
	assert.Len(t, w.runIDs(t), 3)

	out, err = w.execute("prune", "--keep-last", "1")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "removed run "))
	ids := w.runIDs(t)
	require.Len(t, ids, 1)
	assert.DirExists(t, filepath.Join(w.root, "work", ids[0]))

	entries, err := os.ReadDir(filepath.Join(w.root, "work"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPrune_RequiresPolicy(t *testing.T) {
	w := newWorkspace(t, "none")
	_, err := w.execute("prune")
	assert.ErrorContains(t, err, "no retention policy")
}

func TestUsageErrorsExitTwo(t *testing.T) {
	w := newWorkspace(t, "none")
	for _, args := range [][]string{
		{"run"},
		{"run", "a.yml", "b.yml"},
		{"run", "--worker-limit", "many", "a.yml"},
		{"publish"},
		{"plan", w.root},
	} {
		_, err := w.execute(args...)
		assert.Equal(t, ExitConfigError, ExitCode(err), "%v: %v", args, err)
	}
}

func TestVersion(t *testing.T) {
	w := newWorkspace(t, "none")
	out, err := w.execute("version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "switchyard "))
}

func TestInvalidEngineConfig(t *testing.T) {
	w := newWorkspace(t, "ftp")
	_, err := w.execute("plan", w.pipeline(t, buildPipeline))
	assert.Equal(t, ExitConfigError, ExitCode(err))
	assert.ErrorContains(t, err, `unknown uploader "ftp"`)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitBuildFailure, ExitCode(ErrBuildFailed))
	assert.Equal(t, ExitBuildFailure, ExitCode(errors.New("disk full")))
	assert.Equal(t, ExitConfigError, ExitCode(pipeline.Errorf("needs cycle")))
	assert.Equal(t, ExitConfigError, ExitCode(fmt.Errorf("wrapped: %w", pipeline.Errorf("x"))))
}
