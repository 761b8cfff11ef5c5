package output

import (
	"bytes"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofmeright/switchyard/src/pipeline"
	"github.com/sofmeright/switchyard/src/scheduler"
	"github.com/sofmeright/switchyard/src/step"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleReport() *scheduler.Report {
	return &scheduler.Report{
		RunID:      "run-1",
		Pipeline:   "catcoin",
		StartedAt:  t0,
		FinishedAt: t0.Add(90 * time.Second),
		Groups: []*scheduler.GroupResult{
			{
				Name: "build",
				Instances: []*scheduler.RunResult{
					{
						Group: "build", Instance: "arm", Name: "ARM 32-bit", Target: "arm-linux-gnueabihf",
						Status: scheduler.StatusSucceeded, Duration: 30 * time.Second,
						StartedAt: t0, FinishedAt: t0.Add(30 * time.Second),
						Artifacts: []string{"/artifacts/catcoin-arm-linux-gnueabihf.tar.gz"},
						Steps: []*scheduler.StepRecord{
							{Name: "depends cache", Status: scheduler.StatusSucceeded, Cache: &scheduler.CacheRecord{
								Key: "Linux-depends-arm-2026", Restored: true, MatchedKey: "Linux-depends-arm-2025",
							}},
							{Name: "build", Status: scheduler.StatusSucceeded},
						},
					},
					{
						Group: "build", Instance: "x86", Name: "x86_64 Linux", Target: "x86_64-linux-gnu",
						Status: scheduler.StatusFailed, Duration: 45 * time.Second,
						StartedAt: t0, FinishedAt: t0.Add(45 * time.Second),
						Error: `step "build": exit code 2`,
						Failure: &step.Failure{
							Step: "build", ExitCode: 2,
							Output:        "compiling\nerror: undefined reference",
							VerboseOutput: "g++ -o catcoind main.o\nerror: undefined reference",
						},
						Steps: []*scheduler.StepRecord{
							{Name: "build", Status: scheduler.StatusFailed, ExitCode: 2},
						},
					},
					{
						Group: "build", Instance: "mac", Name: "macOS", Status: scheduler.StatusSkipped,
						Reason: "cancelled by fail_fast",
					},
				},
			},
			{
				Name:    "package",
				Blocked: "upstream build did not succeed",
				Instances: []*scheduler.RunResult{
					{Group: "package", Instance: "0", Name: "0", Status: scheduler.StatusPending, Reason: "upstream build did not succeed"},
				},
			},
		},
	}
}

func TestReport_RendersGroupsFailuresAndSummary(t *testing.T) {
	var buf bytes.Buffer
	Report(&buf, sampleReport(), false)
	out := buf.String()

	assert.Contains(t, out, "── group build ")
	assert.Contains(t, out, "✓ ARM 32-bit")
	assert.Contains(t, out, "cache restored from Linux-depends-arm-2025")
	assert.Contains(t, out, "✗ x86_64 Linux")
	assert.Contains(t, out, "cancelled by fail_fast")
	assert.Contains(t, out, "── Failures ")
	assert.Contains(t, out, "error: undefined reference")
	assert.Contains(t, out, "verbose re-run:")
	assert.Contains(t, out, "g++ -o catcoind main.o")
	assert.Contains(t, out, "1 succeeded, 1 failed, 1 skipped")
	assert.NotContains(t, out, "\033[")
}

func TestContextBlock_AlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	ContextBlock(&buf, []KV{{"pipeline", "catcoin"}, {"run", "r1"}, {"git", "abc"}})
	assert.Equal(t, "\n    pipeline  catcoin   run  r1\n    git       abc\n", buf.String())
}

func TestReport_Color(t *testing.T) {
	var buf bytes.Buffer
	Report(&buf, sampleReport(), true)
	assert.Contains(t, buf.String(), colorRed+"✗"+colorReset)
}

func TestJUnit(t *testing.T) {
	suites := JUnit(sampleReport())

	assert.Equal(t, 4, suites.Tests)
	assert.Equal(t, 1, suites.Failures)
	assert.Equal(t, 2, suites.Skipped)
	assert.Equal(t, "90.000", suites.Time)
	require.Len(t, suites.Suites, 2)

	build := suites.Suites[0]
	assert.Equal(t, "catcoin/build", build.Name)
	require.NotNil(t, build.Cases[1].Failure)
	assert.Equal(t, "exit", build.Cases[1].Failure.Type)
	assert.Contains(t, build.Cases[1].Failure.Body, "--- verbose re-run ---")
	assert.Equal(t, "cancelled by fail_fast", build.Cases[2].Skipped.Message)
}

func TestWriteJUnit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	path, err := WriteJUnit(dir, sampleReport())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-1.xml"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), xml.Header))

	var decoded JUnitTestSuites
	require.NoError(t, xml.Unmarshal(data, &decoded))
	assert.Equal(t, 4, decoded.Tests)
}

func TestPlan_ShowsStepDecisions(t *testing.T) {
	def, err := pipeline.Parse([]byte(`
version: 1
name: catcoin
groups:
  - name: build
    matrix:
      - { id: arm, host: arm-linux-gnueabihf, unit_tests: false }
      - { id: x86, host: x86_64-linux-gnu, unit_tests: true }
    target: "${matrix.host}"
    steps:
      - name: depends cache
        cache:
          key: "depends-${matrix.host}"
          paths: [depends/built]
      - name: unit tests
        id: check
        if: matrix.unit_tests
        run: make check
  - name: package
    needs: [build]
    steps: [{name: tar, run: make dist}]
`), pipeline.FormatYAML)
	require.NoError(t, err)
	plan, err := scheduler.NewPlan(def, scheduler.BaseScope("r", t0, nil), nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Plan(&buf, plan, false))
	out := buf.String()

	assert.Contains(t, out, "build/arm  target arm-linux-gnueabihf")
	assert.Contains(t, out, "cache depends-x86_64-linux-gnu")
	assert.Regexp(t, `skip check\s+make check`, out)
	assert.Regexp(t, `run  check\s+make check`, out)
	assert.Contains(t, out, "needed by package")
	assert.Contains(t, out, "needs build (all)")
}

func TestStatusIcon(t *testing.T) {
	assert.Equal(t, "✓", StatusIcon("succeeded", false))
	assert.Equal(t, "✗", StatusIcon("failed", false))
	assert.Equal(t, "⊘", StatusIcon("skipped", false))
	assert.Equal(t, "…", StatusIcon("pending", false))
}

func TestSectionStart(t *testing.T) {
	t.Setenv("GITLAB_CI", "")
	t.Setenv("GITHUB_ACTIONS", "true")

	var buf bytes.Buffer
	SectionStart(&buf, "build/arm", "build/arm")
	SectionEnd(&buf, "build/arm")
	assert.Equal(t, "::group::build/arm\n::endgroup::\n", buf.String())

	t.Setenv("GITLAB_CI", "true")
	buf.Reset()
	SectionStart(&buf, "build/arm", "build/arm")
	assert.Contains(t, buf.String(), ":build_arm[collapsed=true]")
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "<1ms", formatElapsed(0))
	assert.Equal(t, "250ms", formatElapsed(250*time.Millisecond))
	assert.Equal(t, "1.5s", formatElapsed(1500*time.Millisecond))
	assert.Equal(t, "2m3.0s", formatElapsed(123*time.Second))
}

func TestTail(t *testing.T) {
	assert.Equal(t, []string{"c", "d"}, tail("a\nb\nc\nd\n", 2))
	assert.Nil(t, tail("", 5))
}
