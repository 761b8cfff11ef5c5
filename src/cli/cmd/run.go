package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sofmeright/switchyard/src/cache"
	"github.com/sofmeright/switchyard/src/ctxlog"
	"github.com/sofmeright/switchyard/src/gitver"
	"github.com/sofmeright/switchyard/src/output"
	"github.com/sofmeright/switchyard/src/pipeline"
	"github.com/sofmeright/switchyard/src/publish"
	"github.com/sofmeright/switchyard/src/scheduler"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		workerLimit int
		groups      []string
		junitDir    string
	)

	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Run a pipeline",
		Long: `Expand every matrix, run groups in needs order with at most
--worker-limit instances at once, restore and save caches, and publish the
outputs of succeeded instances.

Exit status: 0 when every scheduled group succeeded, 1 on a build failure,
2 when the pipeline or configuration is invalid (nothing runs).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workers := a.cfg.Workers
			if cmd.Flags().Changed("worker-limit") {
				workers = workerLimit
			}
			if junitDir == "" {
				junitDir = a.cfg.Reports.JUnit
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, args[0], groups, workers, junitDir)
		},
	}

	cmd.Flags().IntVar(&workerLimit, "worker-limit", 0, "max concurrently running instances (default: workers from config)")
	cmd.Flags().StringArrayVar(&groups, "group", nil, "run only these groups and their upstreams (name, group set or regex; ! negates)")
	cmd.Flags().StringVar(&junitDir, "junit", "", "write a JUnit XML report into this directory")
	return cmd
}

func (a *app) run(ctx context.Context, path string, groups []string, workers int, junitDir string) error {
	started := time.Now()
	runID := uuid.NewString()
	log := a.log.With("run_id", runID)
	ctx = ctxlog.WithLogger(ctx, log)

	p, err := a.prepare(path, groups, runID, started)
	if err != nil {
		return err
	}

	store, err := cache.Open(a.cfg.CacheOptions())
	if err != nil {
		return pipeline.Errorf("cache: %v", err)
	}
	pub, err := a.publisher(p.def.Name, p.plan.RunID, started, p.git)
	if err != nil {
		return pipeline.Errorf("%v", err)
	}

	s := &scheduler.Scheduler{
		Workers:   workers,
		Executor:  a.newExecutor(a.verbose),
		Cache:     store,
		Publisher: pub,
		Workspace: a.cfg.Workspace,
		Shell:     a.cfg.Shell,
		LogDir:    a.cfg.Reports.Dir,
		Progress:  a.progress,
	}

	log.Info("run started", "pipeline", p.def.Name, "order", p.plan.Order(), "workers", workers)
	report, err := s.Run(ctx, p.plan)
	if err != nil {
		return err
	}

	manifest, err := scheduler.WriteReport(a.cfg.Reports.Dir, report)
	if err != nil {
		log.Warn("writing run manifest", "error", err)
	} else {
		log.Info("run manifest written", "path", manifest)
	}
	if junitDir != "" {
		if xmlPath, err := output.WriteJUnit(junitDir, report); err != nil {
			log.Warn("writing junit report", "error", err)
		} else {
			log.Debug("junit report written", "path", xmlPath)
		}
	}

	output.Report(a.stdout, report, a.useColor())

	if a.cfg.Reports.Retention.Active() {
		if err := a.prune(ctx, a.cfg.Reports.Retention, false, report.RunID); err != nil {
			log.Warn("pruning old runs", "error", err)
		}
	}

	if !report.Succeeded() {
		return ErrBuildFailed
	}
	return nil
}

// publisher builds the artifact publisher from the publish config section.
func (a *app) publisher(pipelineName, runID string, started time.Time, git *gitver.Info) (*publish.Publisher, error) {
	pc := a.cfg.Publish
	up, err := publish.NewUploader(publish.Options{
		Uploader: pc.Uploader,
		Dir:      pc.Dir,
		Tag:      pc.Tag,
		ForgeURL: pc.ForgeURL,
		S3:       pc.S3,
	}, git)
	if err != nil {
		return nil, err
	}

	artifacts, err := filepath.Abs(pc.ArtifactsDir)
	if err != nil {
		return nil, fmt.Errorf("publish.artifacts_dir: %w", err)
	}
	return publish.NewPublisher(artifacts, pipelineName, pc.AssetName, scheduler.BaseScope(runID, started, git.Map()), up)
}

// progress logs instance transitions and, in CI, brackets each finished
// instance's log location in a collapsible section.
func (a *app) progress(rr *scheduler.RunResult) {
	ref := rr.Group + "/" + rr.Instance
	switch rr.Status {
	case scheduler.StatusRunning:
		a.log.Info("instance started", "instance", ref)
	case scheduler.StatusSucceeded:
		a.log.Info("instance succeeded", "instance", ref, "duration", rr.Duration.Round(time.Millisecond))
	case scheduler.StatusFailed:
		a.log.Error("instance failed", "instance", ref, "error", rr.Error)
		if rr.Failure != nil && output.IsCI() {
			output.SectionStart(a.stderr, ref, ref+" output")
			fmt.Fprintln(a.stderr, rr.Failure.Output)
			output.SectionEnd(a.stderr, ref)
		}
	case scheduler.StatusSkipped, scheduler.StatusPending:
		a.log.Info("instance not run", "instance", ref, "status", rr.Status, "reason", rr.Reason)
	}
}
