package cmd

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/sofmeright/switchyard/src/ctxlog"
	"github.com/sofmeright/switchyard/src/pipeline"
	"github.com/sofmeright/switchyard/src/scheduler"
)

func newPublishCmd(a *app) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "publish --run <id>",
		Short: "Re-publish the artifacts of a finished run",
		Long: `Upload every archive recorded in a run manifest again, without rebuilding.
Useful when the upload of a run failed (network, credentials, quota).
The manifest is updated with the new publish outcome.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return pipeline.Errorf("publish: --run is required")
			}
			return a.republish(cmd, runID)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id whose manifest lists the artifacts")
	return cmd
}

func (a *app) republish(cmd *cobra.Command, runID string) error {
	ctx := ctxlog.WithLogger(cmd.Context(), a.log.With("run_id", runID))

	report, err := scheduler.ReadReport(a.cfg.Reports.Dir, runID)
	if err != nil {
		return err
	}

	pub, err := a.publisher(report.Pipeline, report.RunID, report.StartedAt, a.detectGit("."))
	if err != nil {
		return err
	}

	var result *multierror.Error
	published := 0
	for _, rr := range report.Instances() {
		if rr.Status != scheduler.StatusSucceeded || len(rr.Artifacts) == 0 {
			continue
		}
		var errs []string
		for _, path := range rr.Artifacts {
			if err := pub.Upload(ctx, rr.Target, path); err != nil {
				errs = append(errs, err.Error())
				result = multierror.Append(result, err)
				continue
			}
			published++
		}
		rr.PublishError = strings.Join(errs, "; ")
	}

	if _, err := scheduler.WriteReport(a.cfg.Reports.Dir, report); err != nil {
		a.log.Warn("updating run manifest", "error", err)
	}
	fmt.Fprintf(a.stdout, "published %d artifact(s) from run %s\n", published, runID)
	return result.ErrorOrNil()
}
