package cmd

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/sofmeright/switchyard/src/ctxlog"
	"github.com/sofmeright/switchyard/src/retention"
	"github.com/sofmeright/switchyard/src/scheduler"
)

func newPruneCmd(a *app) *cobra.Command {
	var (
		keepLast  int
		keepDaily int
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old run manifests, logs and workspaces",
		Long: `Apply a retention policy to the runs recorded in reports.dir.
A run is kept when any rule keeps it. Caches and published artifacts are
never removed. Without flags the reports.retention policy is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := a.cfg.Reports.Retention
			if cmd.Flags().Changed("keep-last") || cmd.Flags().Changed("keep-daily") {
				policy = retention.Policy{KeepLast: keepLast, KeepDaily: keepDaily}
			}
			if !policy.Active() {
				return fmt.Errorf("no retention policy: set reports.retention or pass --keep-last")
			}
			return a.prune(cmd.Context(), policy, dryRun)
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep the N most recent runs")
	cmd.Flags().IntVar(&keepDaily, "keep-daily", 0, "keep the newest run of each of the last N days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be removed")
	return cmd
}

func (a *app) prune(ctx context.Context, policy retention.Policy, dryRun bool, protect ...string) error {
	ctx = ctxlog.WithLogger(ctx, a.log)
	var store retention.Store = a.history()
	if dryRun {
		store = dryRunStore{store}
	}

	res, err := retention.Apply(ctx, store, policy, protect...)
	if err != nil {
		return err
	}
	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	for _, id := range res.Deleted {
		fmt.Fprintf(a.stdout, "%s run %s\n", verb, id)
	}
	a.log.Info("runs pruned", "considered", res.Matched, "kept", res.Kept, "removed", len(res.Deleted), "dry_run", dryRun)

	var result *multierror.Error
	for _, e := range res.Errors {
		result = multierror.Append(result, e)
	}
	return result.ErrorOrNil()
}

func (a *app) history() *scheduler.History {
	return &scheduler.History{Dir: a.cfg.Reports.Dir, Workspace: a.cfg.Workspace}
}

// dryRunStore lists the real runs and pretends to delete them.
type dryRunStore struct{ retention.Store }

func (dryRunStore) Delete(context.Context, string) error { return nil }
