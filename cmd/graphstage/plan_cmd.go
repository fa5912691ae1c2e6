package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yungbote/graphstage/internal/app"
	"github.com/yungbote/graphstage/internal/mapping"
)

func newPlanCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Check the mapping and print the load order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open(cmd, app.NeedMapping)
			if err != nil {
				return err
			}
			defer closeApp(a)

			m, steps, err := a.Plan()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tSTEP\tSOURCE")
			for i, s := range steps {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, s.Name, stepSource(m, s))
			}
			return tw.Flush()
		},
	}
}

func stepSource(m *mapping.Mapping, s mapping.Step) string {
	switch s.Kind {
	case mapping.StepNodes:
		return m.Nodes[s.Index].SourceFile
	case mapping.StepRelationships:
		return m.Relationships[s.Index].SourceFile
	default:
		d := m.Derived[s.Index]
		return fmt.Sprintf("%s where %s = %v", d.FromGenericType, d.DiscriminatorProperty, d.DiscriminatorValue)
	}
}
