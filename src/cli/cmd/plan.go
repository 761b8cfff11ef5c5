package cmd

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sofmeright/switchyard/src/config"
	"github.com/sofmeright/switchyard/src/gitver"
	"github.com/sofmeright/switchyard/src/output"
	"github.com/sofmeright/switchyard/src/pipeline"
	"github.com/sofmeright/switchyard/src/scheduler"
	"github.com/sofmeright/switchyard/src/version"
)

func newPlanCmd(a *app) *cobra.Command {
	var groups []string

	cmd := &cobra.Command{
		Use:   "plan <pipeline-file>",
		Short: "Show the expanded plan without running it",
		Long: `Load and validate a pipeline, expand every matrix and print the groups in
execution order with each instance's steps and predicate decisions.

Exits 2 when the pipeline is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.prepare(args[0], groups, uuid.NewString(), time.Now())
			if err != nil {
				return err
			}
			return output.Plan(a.stdout, p.plan, a.useColor())
		},
	}
	cmd.Flags().StringArrayVar(&groups, "group", nil, "run only these groups and their upstreams (name, group set or regex; ! negates)")
	return cmd
}

// prepared is a validated, expanded pipeline plus the context it was
// expanded in.
type prepared struct {
	def   *pipeline.Definition
	plan  *scheduler.Plan
	git   *gitver.Info
	runID string
}

// prepare loads, validates and expands a pipeline. Every failure here is a
// ConfigError: nothing has run yet.
func (a *app) prepare(path string, groups []string, runID string, started time.Time) (*prepared, error) {
	def, err := pipeline.Load(path)
	if err != nil {
		return nil, err
	}
	if _, err := pipeline.Validate(def, version.Version); err != nil {
		return nil, err
	}

	names := make([]string, len(def.Groups))
	for i, g := range def.Groups {
		names[i] = g.Name
	}
	selected, warnings, err := config.SelectGroups(names, groups, a.cfg.GroupSets)
	for _, w := range warnings {
		a.log.Warn("group selection", "warning", w)
	}
	if err != nil {
		return nil, pipeline.Errorf("%v", err)
	}

	info := a.detectGit(filepath.Dir(path))
	plan, err := scheduler.NewPlan(def, scheduler.BaseScope(runID, started, info.Map()), selected)
	if err != nil {
		return nil, err
	}
	return &prepared{def: def, plan: plan, git: info, runID: runID}, nil
}

func (a *app) detectGit(dir string) *gitver.Info {
	info, err := gitver.Detect(dir)
	if err != nil {
		a.log.Warn("git metadata unavailable", "error", err)
		return &gitver.Info{}
	}
	a.log.Debug("git metadata", "sha", info.ShortSHA, "branch", info.Branch, "tag", info.Tag)
	return info
}

func (a *app) useColor() bool {
	return a.color()
}
