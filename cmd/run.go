package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mykhaliev/protocol-bench/engine"
	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/report"
	"github.com/spf13/cobra"
)

type runOptions struct {
	file            string
	parallel        int
	continueOnError bool
	cases           []string
	watch           bool
	noSummary       bool
	output          string
	junit           string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the test cases of a document",
		Long: `Load a test document, execute its test cases and print a summary.

Examples:
  protocol-bench run -f smoke.yaml
  protocol-bench run -f smoke.yaml --case reboot --case telemetry
  protocol-bench run -f smoke.yaml -p 4 --continue-on-error
  protocol-bench run -f smoke.yaml -o results/smoke.json
  protocol-bench run -f smoke.yaml --junit results/junit.xml
  protocol-bench run -f smoke.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.watch {
				return watchAndRun(ctx, cmd.OutOrStdout(), opts)
			}
			return runOnce(ctx, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Path to the test document (YAML/JSON)")
	cmd.Flags().IntVarP(&opts.parallel, "parallel", "p", 0, "Maximum number of test cases running at once (overrides settings.parallel)")
	cmd.Flags().BoolVar(&opts.continueOnError, "continue-on-error", false, "Keep executing a test case after a step errors")
	cmd.Flags().StringArrayVar(&opts.cases, "case", nil, "Run only this test case (repeatable)")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Re-run whenever the document changes")
	cmd.Flags().BoolVar(&opts.noSummary, "no-summary", false, "Do not print the summary tables")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write the results as a JSON report to this path")
	cmd.Flags().StringVar(&opts.junit, "junit", "", "Write the results as JUnit XML to this path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runOnce(ctx context.Context, out io.Writer, opts *runOptions) error {
	doc, err := engine.Load(opts.file)
	if err != nil {
		return err
	}

	logger.Logger.Info("Starting application",
		"app", AppName,
		"file", opts.file,
		"parallel", opts.parallel,
		"cases", len(opts.cases),
		"verbose", verbose)

	suite, err := engine.Run(ctx, doc, engine.Options{
		Parallel:        opts.parallel,
		ContinueOnError: opts.continueOnError,
		Cases:           opts.cases,
		Reporter:        report.LogReporter{},
	})
	if err != nil {
		return err
	}
	if !opts.noSummary {
		report.PrintSummary(out, suite)
	}
	if opts.output != "" {
		if err := report.SaveJSON(opts.output, suite); err != nil {
			return err
		}
	}
	if opts.junit != "" {
		if err := report.SaveJUnit(opts.junit, suite); err != nil {
			return err
		}
	}
	if suite.HasFailures() {
		return errTestsFailed
	}
	return nil
}
