package output

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sofmeright/switchyard/src/scheduler"
)

// CI environment detection.

func IsCI() bool {
	return os.Getenv("CI") == "true"
}

func IsGitLabCI() bool {
	return os.Getenv("GITLAB_CI") == "true"
}

func IsGitHubActions() bool {
	return os.Getenv("GITHUB_ACTIONS") == "true"
}

// Collapsible log sections. GitLab and GitHub Actions each have their own
// markers; elsewhere these are no-ops.

func SectionStart(w io.Writer, id, name string) {
	switch {
	case IsGitLabCI():
		fmt.Fprintf(w, "\033[0Ksection_start:%d:%s[collapsed=true]\r\033[0K%s\n", time.Now().Unix(), sectionID(id), name)
	case IsGitHubActions():
		fmt.Fprintf(w, "::group::%s\n", name)
	}
}

func SectionEnd(w io.Writer, id string) {
	switch {
	case IsGitLabCI():
		fmt.Fprintf(w, "\033[0Ksection_end:%d:%s\r\033[0K\n", time.Now().Unix(), sectionID(id))
	case IsGitHubActions():
		fmt.Fprintln(w, "::endgroup::")
	}
}

// sectionID makes a GitLab-safe section name out of an instance ref.
func sectionID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		}
		return '_'
	}, id)
}

// JUnit XML types for CI test reporting.

type JUnitTestSuites struct {
	XMLName  xml.Name         `xml:"testsuites"`
	Name     string           `xml:"name,attr"`
	Tests    int              `xml:"tests,attr"`
	Failures int              `xml:"failures,attr"`
	Skipped  int              `xml:"skipped,attr"`
	Time     string           `xml:"time,attr"`
	Suites   []JUnitTestSuite `xml:"testsuite"`
}

type JUnitTestSuite struct {
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     string          `xml:"time,attr"`
	Cases    []JUnitTestCase `xml:"testcase"`
}

type JUnitTestCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *JUnitFailure `xml:"failure,omitempty"`
	Skipped   *JUnitSkipped `xml:"skipped,omitempty"`
}

type JUnitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

type JUnitSkipped struct {
	Message string `xml:"message,attr"`
}

// JUnit converts a report: each group is a suite, each instance a case.
// Pending and skipped instances are reported as skipped.
func JUnit(report *scheduler.Report) JUnitTestSuites {
	root := JUnitTestSuites{
		Name: "switchyard/" + report.Pipeline,
		Time: seconds(report.FinishedAt.Sub(report.StartedAt)),
	}

	for _, g := range report.Groups {
		suite := JUnitTestSuite{Name: report.Pipeline + "/" + g.Name}
		var total time.Duration
		for _, rr := range g.Instances {
			total += rr.Duration
			tc := JUnitTestCase{
				Name:      rr.Name,
				Classname: "switchyard." + report.Pipeline + "." + g.Name,
				Time:      seconds(rr.Duration),
			}
			switch rr.Status {
			case scheduler.StatusFailed:
				tc.Failure = junitFailure(rr)
				suite.Failures++
			case scheduler.StatusSkipped, scheduler.StatusPending:
				reason := rr.Reason
				if reason == "" {
					reason = string(rr.Status)
				}
				tc.Skipped = &JUnitSkipped{Message: reason}
				suite.Skipped++
			}
			suite.Cases = append(suite.Cases, tc)
			suite.Tests++
		}
		suite.Time = seconds(total)

		root.Tests += suite.Tests
		root.Failures += suite.Failures
		root.Skipped += suite.Skipped
		root.Suites = append(root.Suites, suite)
	}
	return root
}

func junitFailure(rr *scheduler.RunResult) *JUnitFailure {
	f := &JUnitFailure{Message: rr.Error, Type: "error"}
	if rr.Failure == nil {
		return f
	}
	f.Type = "exit"
	if rr.Failure.TimedOut {
		f.Type = "timeout"
	}
	body := rr.Failure.Output
	if rr.Failure.VerboseOutput != "" {
		body += "\n--- verbose re-run ---\n" + rr.Failure.VerboseOutput
	}
	f.Body = body
	return f
}

// WriteJUnit writes the report as <dir>/<run id>.xml and returns the path.
func WriteJUnit(dir string, report *scheduler.Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}

	path := filepath.Join(dir, report.RunID+".xml")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.WriteString(f, xml.Header); err != nil {
		return "", err
	}
	enc := xml.NewEncoder(f)
	enc.Indent("", "  ")
	if err := enc.Encode(JUnit(report)); err != nil {
		return "", fmt.Errorf("encoding junit xml: %w", err)
	}
	if _, err := io.WriteString(f, "\n"); err != nil {
		return "", err
	}
	return path, nil
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
