package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mykhaliev/protocol-bench/logger"
	"github.com/mykhaliev/protocol-bench/model"
	"github.com/mykhaliev/protocol-bench/version"
	"github.com/spf13/cobra"
)

const AppName = "protocol-bench"

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess means every selected test case passed.
	ExitCodeSuccess = 0
	// ExitCodeFailed means at least one test case failed, or the command
	// could not run.
	ExitCodeFailed = 1
	// ExitCodeInvalid means the test document was rejected before anything ran.
	ExitCodeInvalid = 2
)

// errTestsFailed is returned when a run completed with failing test cases.
var errTestsFailed = errors.New("one or more test cases failed")

var (
	logPath   string
	verbose   bool
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   AppName,
	Short: "Run declarative protocol test documents",
	Long: `protocol-bench executes YAML test documents against HTTP APIs, MQTT v5
brokers and MCP servers. Each test case is an ordered list of steps; later
steps can read the output of earlier ones and every step can carry
assertions on status codes, message counts, topics and JSON Schemas.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func setupLogging(cmd *cobra.Command, args []string) error {
	w, f, err := logger.SetupLogWriter(logPath)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	if f != nil {
		logCloser = f
	}
	logger.SetupLogger(w, verbose)
	return nil
}

// Execute runs the root command and exits with the code matching the error.
func Execute() {
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate(`{{printf "` + AppName + ` version %s\n" .Version}}`)

	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		if !errors.Is(err, errTestsFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps an error to the process exit code.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var parseErr *model.ParseError
	if errors.As(err, &parseErr) {
		return ExitCodeInvalid
	}
	return ExitCodeFailed
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logPath, "log-file", "l", "", "Path to the log file (logs to stdout only when unset)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newStepsCmd())
	rootCmd.AddCommand(newVersionCmd())
}
