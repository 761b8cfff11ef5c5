package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sofmeright/switchyard/src/cache"
	"github.com/sofmeright/switchyard/src/ctxlog"
	"github.com/sofmeright/switchyard/src/matrix"
	"github.com/sofmeright/switchyard/src/step"
)

// runInstance walks the steps of one instance strictly in order.
func (s *Scheduler) runInstance(ctx context.Context, plan *Plan, in *matrix.Instance, rr *RunResult) {
	log := ctxlog.FromContext(ctx).With("instance", in.ID)
	ctx = ctxlog.WithLogger(ctx, log)

	rr.StartedAt = s.now()
	s.setStatus(rr, StatusRunning)
	defer func() {
		if rr.FinishedAt.IsZero() {
			rr.FinishedAt = s.now()
			rr.Duration = rr.FinishedAt.Sub(rr.StartedAt)
		}
		log.Info("instance finished", "status", rr.Status, "duration", rr.Duration.Round(time.Millisecond))
	}()

	workdir, err := s.workdir(plan, in)
	if err == nil {
		err = os.MkdirAll(workdir, 0o755)
	}
	if err != nil {
		s.fail(rr, &step.Failure{Step: "workspace", ExitCode: -1, Err: err})
		markSteps(rr, StatusSkipped, "workspace unavailable")
		return
	}
	rr.Workdir = workdir

	logw := s.openLog(plan, in, rr)
	defer logw.Close()

	log.Info("instance started", "workdir", workdir)
	hits := make(map[int]*cache.Hit)

	for i := range in.Steps {
		st := &in.Steps[i]
		rec := rr.Steps[i]

		if rr.Status == StatusFailed {
			rec.Status = StatusSkipped
			rec.Reason = "previous step failed"
			continue
		}

		ok, err := in.Enabled(st)
		if err != nil {
			rec.Status = StatusFailed
			s.fail(rr, &step.Failure{Step: st.Name, ExitCode: -1, Err: err})
			continue
		}
		if !ok {
			rec.Status = StatusSkipped
			rec.Reason = "condition false: " + st.Condition().Source()
			log.Debug("step skipped", "step", st.Label(), "if", st.Condition().Source())
			continue
		}

		if st.Cache != nil {
			rec.Cache = &CacheRecord{Key: st.Cache.Key}
			if st.Cache.Restore {
				if hit := cache.Lookup(ctx, s.Cache, workdir, st.Cache.Key, st.Cache.RestoreKeys); hit != nil {
					hits[i] = hit
					rec.Cache.Restored = true
					rec.Cache.Entry = hit.Key
					rec.Cache.MatchedKey = hit.MatchedKey
					rec.Cache.Exact = hit.Exact
				}
			}
		}

		if st.Run == "" {
			rec.Status = StatusSucceeded
			continue
		}

		rec.Status = StatusRunning
		fmt.Fprintf(logw, "::: %s\n$ %s\n", st.Name, st.Run)
		res, err := s.Executor.Execute(ctx, s.invocation(plan, in, st, workdir, st.Run, false))
		if res != nil {
			rec.ExitCode = res.ExitCode
			rec.TimedOut = res.TimedOut
			rec.Output = res.Output
			rec.Duration = res.Duration
			io.WriteString(logw, res.Output)
		}
		if err == nil && res.Succeeded() {
			rec.Status = StatusSucceeded
			continue
		}

		rec.Status = StatusFailed
		f := &step.Failure{Step: st.Name, Err: err}
		if res != nil {
			f.ExitCode = res.ExitCode
			f.Output = res.Output
			f.TimedOut = res.TimedOut
		}
		log.Warn("step failed", "step", st.Label(), "exit_code", f.ExitCode, "timed_out", f.TimedOut)

		if st.VerboseRun != "" && ctx.Err() == nil {
			fmt.Fprintf(logw, "::: %s (verbose)\n$ %s\n", st.Name, st.VerboseRun)
			vres, verr := s.Executor.Execute(ctx, s.invocation(plan, in, st, workdir, st.VerboseRun, true))
			switch {
			case vres != nil:
				rec.VerboseOutput = vres.Output
				io.WriteString(logw, vres.Output)
			case verr != nil:
				rec.VerboseOutput = verr.Error()
			}
			f.VerboseOutput = rec.VerboseOutput
		}
		s.fail(rr, f)
	}

	if rr.Status == StatusFailed {
		return
	}

	for i := range in.Steps {
		st := &in.Steps[i]
		rec := rr.Steps[i]
		if st.Cache == nil || !st.Cache.Save || rec.Status != StatusSucceeded {
			continue
		}
		if hit := hits[i]; hit != nil && hit.Exact && hit.Key == st.Cache.Key {
			rec.Cache.SaveNote = "exact hit, not saved"
			continue
		}
		rec.Cache.Saved = cache.Persist(ctx, s.Cache, workdir, st.Cache.Key, st.Cache.Paths)
		if !rec.Cache.Saved {
			rec.Cache.SaveNote = "nothing saved"
		}
	}

	if s.Publisher != nil && len(in.Outputs) > 0 {
		artifacts, err := s.Publisher.Publish(ctx, in, workdir)
		rr.Artifacts = artifacts
		if err != nil {
			log.Warn("publish failed", "error", err)
			rr.PublishError = err.Error()
		}
	}
	s.setStatus(rr, StatusSucceeded)
}

func (s *Scheduler) fail(rr *RunResult, f *step.Failure) {
	rr.Failure = f
	rr.Error = f.Error()
	s.setStatus(rr, StatusFailed)
}

func (s *Scheduler) invocation(plan *Plan, in *matrix.Instance, st *matrix.Step, workdir, command string, verbose bool) step.Invocation {
	env := make(map[string]string, len(in.Env)+len(st.Env)+4)
	for k, v := range in.Env {
		env[k] = v
	}
	for k, v := range st.Env {
		env[k] = v
	}
	env["SWITCHYARD_RUN_ID"] = plan.RunID
	env["SWITCHYARD_GROUP"] = in.Group
	env["SWITCHYARD_INSTANCE"] = in.ID
	env["SWITCHYARD_WORKSPACE"] = workdir

	return step.Invocation{
		Step:    st.Name,
		Command: command,
		Shell:   step.ParseShell(firstNonEmpty(st.Shell, in.Shell, plan.Pipeline.Shell, s.Shell)),
		Dir:     workdir,
		Env:     env,
		Timeout: st.Timeout,
		Verbose: verbose,
	}
}

// workdir resolves the instance working directory. An explicit group
// workdir is relative to the pipeline file; otherwise every instance gets
// its own directory under the workspace.
func (s *Scheduler) workdir(plan *Plan, in *matrix.Instance) (string, error) {
	if in.Workdir != "" {
		if filepath.IsAbs(in.Workdir) {
			return in.Workdir, nil
		}
		return filepath.Join(plan.BaseDir, in.Workdir), nil
	}
	root := s.Workspace
	if root == "" {
		root = filepath.Join(os.TempDir(), "switchyard")
	}
	return filepath.Abs(filepath.Join(root, plan.RunID, in.Group, in.ID))
}

// openLog returns the per-instance log writer, or a discarding one when no
// log directory is configured or the file cannot be created.
func (s *Scheduler) openLog(plan *Plan, in *matrix.Instance, rr *RunResult) io.WriteCloser {
	if s.LogDir == "" {
		return nopWriteCloser{io.Discard}
	}
	path := filepath.Join(s.LogDir, plan.RunID, in.Group, in.ID+".log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nopWriteCloser{io.Discard}
	}
	f, err := os.Create(path)
	if err != nil {
		return nopWriteCloser{io.Discard}
	}
	rr.LogFile = path
	return f
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
