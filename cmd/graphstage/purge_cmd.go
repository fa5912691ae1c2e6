package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/yungbote/graphstage/internal/app"
	"github.com/yungbote/graphstage/internal/data/graph"
)

func newPurgeNullCmd(root *rootOptions) *cobra.Command {
	var (
		relType  string
		property string
		chunk    int
		preview  int
		apply    bool
	)
	cmd := &cobra.Command{
		Use:   "purge-null --type SEMLINK --property linkid [--apply]",
		Short: "Preview, and with --apply delete, edges of a type that lack a key property",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if relType == "" || property == "" {
				return errors.New("--type and --property are required")
			}
			a, err := root.open(cmd, app.NeedGraph)
			if err != nil {
				return err
			}
			defer closeApp(a)

			res, err := a.PurgeNull(cmd.Context(), relType, property, chunk, preview, apply)
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if eerr := enc.Encode(res); eerr != nil && err == nil {
					err = eerr
				}
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&relType, "type", "", "relationship type")
	f.StringVar(&property, "property", "", "property the edges must carry")
	f.IntVar(&chunk, "chunk", graph.DefaultPurgeChunk, "edges deleted per transaction")
	f.IntVar(&preview, "preview", graph.DefaultPreviewLimit, "sample size printed before deleting")
	f.BoolVar(&apply, "apply", false, "delete instead of only previewing")
	return cmd
}
