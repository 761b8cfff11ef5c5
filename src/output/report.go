package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sofmeright/switchyard/src/scheduler"
)

// failureTail is how many output lines a failure shows in the terminal.
// The manifest and the instance log keep everything.
const failureTail = 20

// Report writes the run summary: one section per group, then the failures
// with the tail of their output, then totals.
func Report(w io.Writer, report *scheduler.Report, color bool) {
	ContextBlock(w, []KV{
		{"pipeline", report.Pipeline},
		{"run", report.RunID},
	})

	for _, g := range report.Groups {
		sec := NewSection(w, "group "+g.Name, groupElapsed(g), color)
		if g.Blocked != "" {
			sec.Row("%s %s", StatusIcon("pending", color), Dimmed(g.Blocked, color))
		}
		for _, rr := range g.Instances {
			sec.Row("%s %-28s %s", StatusIcon(string(rr.Status), color), rr.Name, instanceDetail(rr, color))
			for _, st := range rr.Steps {
				if line := stepLine(st, color); line != "" {
					sec.Row("    %s", line)
				}
			}
		}
		sec.Close()
	}

	failures(w, report, color)

	status := "succeeded"
	if !report.Succeeded() {
		status = "failed"
	}
	sec := NewSection(w, "Summary", 0, color)
	for _, g := range report.Groups {
		groupStatus := "succeeded"
		if !g.Succeeded() {
			groupStatus = "failed"
			if g.Blocked != "" {
				groupStatus = "pending"
			}
		}
		sec.SummaryRow(g.Name, groupStatus, counts(g))
	}
	sec.Separator()
	sec.SummaryTotal(report.FinishedAt.Sub(report.StartedAt), status)
	sec.Close()
}

func instanceDetail(rr *scheduler.RunResult, color bool) string {
	switch rr.Status {
	case scheduler.StatusSucceeded:
		d := formatElapsed(rr.Duration)
		if rr.PublishError != "" {
			d += "  " + colorize("publish: "+rr.PublishError, colorYellow, color)
		} else if len(rr.Artifacts) > 0 {
			d += "  " + Dimmed(strings.Join(rr.Artifacts, ", "), color)
		}
		return d
	case scheduler.StatusFailed:
		return colorize(rr.Error, colorRed, color)
	}
	return Dimmed(rr.Reason, color)
}

// stepLine describes one step; plain successful steps without cache
// activity are left out to keep the summary short.
func stepLine(st *scheduler.StepRecord, color bool) string {
	var notes []string
	if c := st.Cache; c != nil {
		switch {
		case c.Restored && c.Exact:
			notes = append(notes, "cache hit "+c.MatchedKey)
		case c.Restored:
			notes = append(notes, "cache restored from "+c.MatchedKey)
		default:
			notes = append(notes, "cache miss")
		}
		if c.Saved {
			notes = append(notes, "saved "+c.Key)
		}
	}
	if st.Reason != "" {
		notes = append(notes, st.Reason)
	}
	if st.Status == scheduler.StatusFailed {
		if st.TimedOut {
			notes = append(notes, "timed out")
		} else {
			notes = append(notes, fmt.Sprintf("exit code %d", st.ExitCode))
		}
	}
	if len(notes) == 0 && st.Status == scheduler.StatusSucceeded {
		return ""
	}
	return fmt.Sprintf("%s %s  %s", StatusIcon(string(st.Status), color), st.Name, Dimmed(strings.Join(notes, "; "), color))
}

func failures(w io.Writer, report *scheduler.Report, color bool) {
	var failed []*scheduler.RunResult
	for _, rr := range report.Instances() {
		if rr.Status == scheduler.StatusFailed {
			failed = append(failed, rr)
		}
	}
	if len(failed) == 0 {
		return
	}

	sec := NewSection(w, "Failures", 0, color)
	for i, rr := range failed {
		if i > 0 {
			sec.Separator()
		}
		sec.Row("%s %s", colorize(rr.Group+"/"+rr.Instance, colorBold, color), rr.Error)
		if rr.LogFile != "" {
			sec.Row("%s", Dimmed("log: "+rr.LogFile, color))
		}
		if rr.Failure == nil {
			continue
		}
		for _, line := range tail(rr.Failure.Output, failureTail) {
			sec.Row("  %s", line)
		}
		if rr.Failure.VerboseOutput != "" {
			sec.Row("%s", colorize("verbose re-run:", colorCyan, color))
			for _, line := range tail(rr.Failure.VerboseOutput, failureTail) {
				sec.Row("  %s", line)
			}
		}
	}
	sec.Close()
}

func counts(g *scheduler.GroupResult) string {
	var parts []string
	for _, s := range []scheduler.Status{scheduler.StatusSucceeded, scheduler.StatusFailed, scheduler.StatusSkipped, scheduler.StatusPending} {
		if n := g.Count(s); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return "no instances"
	}
	return strings.Join(parts, ", ")
}

func groupElapsed(g *scheduler.GroupResult) time.Duration {
	var first, last time.Time
	for _, rr := range g.Instances {
		if rr.StartedAt.IsZero() {
			continue
		}
		if first.IsZero() || rr.StartedAt.Before(first) {
			first = rr.StartedAt
		}
		if rr.FinishedAt.After(last) {
			last = rr.FinishedAt
		}
	}
	if first.IsZero() {
		return 0
	}
	return last.Sub(first)
}

// Plan writes the expanded plan: groups in order, instances with their
// target, and each step with its predicate decision.
func Plan(w io.Writer, plan *scheduler.Plan, color bool) error {
	ContextBlock(w, []KV{
		{"pipeline", plan.Pipeline.Name},
		{"groups", fmt.Sprintf("%d", len(plan.Groups))},
	})

	for _, gp := range plan.Groups {
		sec := NewSection(w, "group "+gp.Name(), 0, color)
		if needs := gp.Group.Needs; len(needs) > 0 {
			sec.Row("%s", Dimmed("needs "+strings.Join(needs, ", ")+" ("+gp.Group.RequirePolicy()+")", color))
		}
		if down := plan.Graph.Dependents(gp.Name()); len(down) > 0 {
			sec.Row("%s", Dimmed("needed by "+strings.Join(down, ", "), color))
		}
		for _, in := range gp.Instances {
			sec.Row("%s  %s", colorize(in.Ref(), colorBold, color), Dimmed("target "+in.Target, color))
			for i := range in.Steps {
				st := &in.Steps[i]
				on, err := in.Enabled(st)
				if err != nil {
					return fmt.Errorf("%s step %q: %w", in.Ref(), st.Name, err)
				}
				decision := "run"
				if !on {
					decision = "skip"
				}
				detail := st.Run
				if st.Cache != nil {
					detail = "cache " + st.Cache.Key
				}
				sec.Row("  %-4s %-24s %s", decision, st.Label(), Dimmed(detail, color))
			}
		}
		sec.Close()
	}
	return nil
}
