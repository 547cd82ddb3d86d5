package cmd

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mykhaliev/protocol-bench/steps"
	"github.com/spf13/cobra"
)

func newStepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "List the available step types",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			registry := steps.NewDefaultRegistry()
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Type", "Service", "From", "Description"})
			for _, name := range registry.Types() {
				def, _ := registry.Lookup(name)
				t.AppendRow(table.Row{def.Type, string(def.ServiceType), fromColumn(def), def.Description})
			}
			t.Render()
		},
	}
}

func fromColumn(def *steps.Definition) string {
	switch {
	case def.RequiresFrom && len(def.FromTypes) > 0:
		return "required (" + strings.Join(def.FromTypes, ", ") + ")"
	case def.RequiresFrom:
		return "required"
	case def.AcceptsFrom:
		return "optional"
	}
	return ""
}
