package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sofmeright/switchyard/src/config"
	"github.com/sofmeright/switchyard/src/ctxlog"
	"github.com/sofmeright/switchyard/src/output"
	"github.com/sofmeright/switchyard/src/pipeline"
	"github.com/sofmeright/switchyard/src/step"
)

// Exit codes.
const (
	ExitOK           = 0
	ExitBuildFailure = 1
	ExitConfigError  = 2
)

// ErrBuildFailed is returned when a run finished but some group did not
// succeed. The report already describes what failed.
var ErrBuildFailed = errors.New("build failed")

// app is the state shared by the commands of one invocation.
type app struct {
	cfgFile string
	verbose bool

	// color decides whether terminal output is colored.
	color func() bool

	cfg *config.Config
	log *slog.Logger

	stdout io.Writer
	stderr io.Writer

	// newExecutor builds the step executor; tests replace it.
	newExecutor func(verbose bool) step.Executor
}

// NewRootCmd builds the command tree writing to stdout and stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		stdout: stdout,
		stderr: stderr,
		color:  output.UseColor,
		newExecutor: func(verbose bool) step.Executor {
			sh := step.NewShell(verbose)
			sh.Stderr = stderr
			if verbose {
				sh.Mirror = stderr
			}
			return sh
		},
	}

	root := &cobra.Command{
		Use:   "switchyard",
		Short: "Matrix build orchestrator",
		Long:  "Switchyard expands matrix job groups, runs them in needs order on a bounded worker pool with restore-key caches, and publishes per-target artifacts.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip config loading for commands that don't need it.
			if cmd.Name() == "version" {
				return nil
			}
			return a.loadConfig()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: "+config.DefaultFile+")")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging and streamed step output")

	root.AddCommand(newRunCmd(a), newPlanCmd(a), newPublishCmd(a), newPruneCmd(a), newVersionCmd(a))

	// Command-line mistakes exit like any other configuration error.
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return pipeline.Errorf("%v", err)
	})
	for _, c := range root.Commands() {
		if c.Args != nil {
			c.Args = usage(c.Args)
		}
	}
	return root
}

func usage(args cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := args(cmd, a); err != nil {
			return pipeline.Errorf("%s: %v", cmd.CommandPath(), err)
		}
		return nil
	}
}

func (a *app) loadConfig() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return pipeline.Errorf("loading config: %v", err)
	}
	warnings, err := config.Validate(cfg)
	if err != nil {
		return pipeline.Errorf("engine config: %v", err)
	}
	a.cfg = cfg

	level := cfg.Log.Level
	if a.verbose {
		level = "debug"
	}
	a.log = ctxlog.New(level, cfg.Log.Format, a.stderr)
	for _, w := range warnings {
		a.log.Warn("config", "warning", w)
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	if err := NewRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		if !errors.Is(err, ErrBuildFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		return err
	}
	return nil
}

// ExitCode maps an Execute error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ce *pipeline.ConfigError
	if errors.As(err, &ce) {
		return ExitConfigError
	}
	return ExitBuildFailure
}
