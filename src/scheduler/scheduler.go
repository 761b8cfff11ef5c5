package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sofmeright/switchyard/src/cache"
	"github.com/sofmeright/switchyard/src/ctxlog"
	"github.com/sofmeright/switchyard/src/matrix"
	"github.com/sofmeright/switchyard/src/pipeline"
	"github.com/sofmeright/switchyard/src/step"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Publisher packages and uploads the outputs of a succeeded instance.
// A returned error is recorded on the RunResult and never fails the build.
type Publisher interface {
	Publish(ctx context.Context, in *matrix.Instance, workdir string) ([]string, error)
}

// Scheduler executes plans.
type Scheduler struct {
	// Workers bounds the number of instances running at once across all
	// groups. It must be at least 1.
	Workers int

	Executor  step.Executor
	Cache     cache.Store
	Publisher Publisher

	// Workspace is where instances without an explicit workdir get their
	// own directory: <Workspace>/<run id>/<group>/<instance>.
	Workspace string

	// Shell is used when neither the pipeline, group nor step sets one.
	Shell string

	// LogDir receives one log file per instance when set.
	LogDir string

	// Progress, when set, is called on every instance state change.
	Progress func(*RunResult)

	now      func() time.Time
	progress sync.Mutex
}

// DefaultWorkers is the worker limit when none is configured.
func DefaultWorkers() int {
	return runtime.NumCPU()
}

// Run executes plan and returns the report. Groups are released once every
// upstream group reached a terminal state; independent groups run at the
// same time and all their instances share one pool of Workers slots.
//
// The only error is a ConfigError for an invalid worker limit, returned
// before anything runs. Build failures are reported in the Report.
func (s *Scheduler) Run(ctx context.Context, plan *Plan) (*Report, error) {
	if s.Workers < 1 {
		return nil, pipeline.Errorf("worker limit must be at least 1, got %d", s.Workers)
	}
	if s.Executor == nil {
		return nil, fmt.Errorf("scheduler: no executor")
	}
	if s.Cache == nil {
		s.Cache = cache.Disabled{}
	}
	if s.now == nil {
		s.now = time.Now
	}

	log := ctxlog.FromContext(ctx).With("run_id", plan.RunID)
	ctx = ctxlog.WithLogger(ctx, log)

	report := newReport(plan)
	report.StartedAt = s.now()
	sem := semaphore.NewWeighted(int64(s.Workers))

	done := make(map[string]chan struct{}, len(plan.Groups))
	for _, gp := range plan.Groups {
		done[gp.Name()] = make(chan struct{})
	}

	var eg errgroup.Group
	for i, gp := range plan.Groups {
		gr := report.Groups[i]
		eg.Go(func() error {
			defer close(done[gp.Name()])
			for _, up := range plan.Graph.Needs(gp.Name()) {
				if ch, ok := done[up]; ok {
					<-ch
				}
			}

			if reason := gate(gp.Group, report); reason != "" {
				s.block(ctx, gp, gr, reason)
				return nil
			}
			s.runGroup(ctx, plan, gp, gr, sem)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	report.FinishedAt = s.now()
	return report, nil
}

// gate checks the group's upstream policy against finished upstream
// results and returns a reason when the group must not start.
func gate(g *pipeline.Group, report *Report) string {
	var blocked []string
	for _, up := range g.Needs {
		res := report.Group(up)
		if res == nil {
			continue
		}
		switch g.RequirePolicy() {
		case pipeline.RequireAny:
			if res.Count(StatusSucceeded) == 0 {
				blocked = append(blocked, up)
			}
		default:
			if !res.Succeeded() {
				blocked = append(blocked, up)
			}
		}
	}
	if len(blocked) == 0 {
		return ""
	}
	return fmt.Sprintf("upstream %s did not succeed (require: %s)", strings.Join(blocked, ", "), g.RequirePolicy())
}

// block leaves every instance pending, or marks it skipped when the group
// short-circuits.
func (s *Scheduler) block(ctx context.Context, gp *GroupPlan, gr *GroupResult, reason string) {
	ctxlog.FromContext(ctx).Warn("group blocked", "group", gp.Name(), "reason", reason)
	gr.Blocked = reason
	for _, rr := range gr.Instances {
		rr.Reason = reason
		if gp.Group.ShortCircuit {
			s.setStatus(rr, StatusSkipped)
			markSteps(rr, StatusSkipped, "group blocked")
		}
	}
}

// runGroup dispatches instances in declaration order as worker slots free
// up. With fail_fast the first failure cancels the group: instances not yet
// dispatched are skipped and running ones see their context cancelled.
func (s *Scheduler) runGroup(ctx context.Context, plan *Plan, gp *GroupPlan, gr *GroupResult, sem *semaphore.Weighted) {
	log := ctxlog.FromContext(ctx).With("group", gp.Name())
	gctx, cancel := context.WithCancel(ctxlog.WithLogger(ctx, log))
	defer cancel()

	log.Info("group started", "instances", len(gp.Instances))
	var wg sync.WaitGroup
	for i, in := range gp.Instances {
		rr := gr.Instances[i]

		err := sem.Acquire(gctx, 1)
		if err == nil && gctx.Err() != nil {
			sem.Release(1)
			err = gctx.Err()
		}
		if err != nil {
			s.skipRemaining(ctx, gr.Instances[i:])
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			s.runInstance(gctx, plan, in, rr)
			if rr.Status == StatusFailed && gp.Group.FailFast {
				log.Warn("fail_fast: cancelling group", "instance", in.ID)
				cancel()
			}
		}()
	}
	wg.Wait()
	log.Info("group finished",
		"succeeded", gr.Count(StatusSucceeded),
		"failed", gr.Count(StatusFailed),
		"skipped", gr.Count(StatusSkipped))
}

// skipRemaining settles instances that were never dispatched: skipped when
// fail_fast stopped the group, left pending when the whole run was cancelled.
func (s *Scheduler) skipRemaining(ctx context.Context, rest []*RunResult) {
	status, reason := StatusSkipped, "cancelled by fail_fast"
	if ctx.Err() != nil {
		status, reason = StatusPending, "run cancelled"
	}
	for _, rr := range rest {
		rr.Reason = reason
		markSteps(rr, status, reason)
		s.setStatus(rr, status)
	}
}

func markSteps(rr *RunResult, status Status, reason string) {
	for _, sr := range rr.Steps {
		if sr.Status == StatusPending {
			sr.Status = status
			sr.Reason = reason
		}
	}
}

// setStatus records a transition and reports it. Timing is settled before
// a terminal transition is reported.
func (s *Scheduler) setStatus(rr *RunResult, status Status) {
	rr.Status = status
	if status.Terminal() && !rr.StartedAt.IsZero() && rr.FinishedAt.IsZero() {
		rr.FinishedAt = s.now()
		rr.Duration = rr.FinishedAt.Sub(rr.StartedAt)
	}
	if s.Progress != nil {
		s.progress.Lock()
		defer s.progress.Unlock()
		s.Progress(rr)
	}
}
