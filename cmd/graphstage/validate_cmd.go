package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/yungbote/graphstage/internal/app"
	"github.com/yungbote/graphstage/internal/validation"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Evaluate the mapping's validations against the current graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open(cmd, app.NeedMapping, app.NeedGraph)
			if err != nil {
				return err
			}
			defer closeApp(a)

			results, err := a.Validate(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
			if failed := validation.Failures(results); len(failed) > 0 {
				errs := make([]error, 0, len(failed))
				for _, f := range failed {
					errs = append(errs, f)
				}
				return &exitError{code: 1, err: errors.Join(errs...)}
			}
			return nil
		},
	}
}
