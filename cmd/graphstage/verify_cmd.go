package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yungbote/graphstage/internal/app"
)

func newVerifyCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every manifest entry against the source without touching the graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open(cmd, app.NeedSource)
			if err != nil {
				return err
			}
			defer closeApp(a)

			man, err := a.Verify(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d files verified\n", man.DatasetID, man.SchemaVersion, len(man.Files))
			return nil
		},
	}
	root.bindBool(cmd.Flags(), "strict-verify", "stop at the first failing file instead of listing every failure", func(c *app.Config, v bool) { c.Params.StrictVerify = v })
	return cmd
}
