package cmd

import (
	"fmt"

	"github.com/mykhaliev/protocol-bench/engine"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a test document without running it",
		Long: `Parse a test document, resolve service aliases and check every step
against the step catalogue. Nothing is connected or executed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := engine.Load(file)
			if err != nil {
				return err
			}
			steps := 0
			for _, tc := range doc.TestCases {
				steps += len(tc.Steps)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d services, %d test cases, %d steps)\n",
				file, len(doc.Services), len(doc.TestCases), steps)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the test document (YAML/JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
