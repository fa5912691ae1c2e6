package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/graphstage/internal/app"
	"github.com/yungbote/graphstage/internal/domain/ingest"
)

func newLoadCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Verify, load and validate one dataset version; prints the load report",
		Long: `load verifies the manifest, sanitizes every mapped file, loads nodes then relationships
in chunked transactions, promotes derived relationship types and evaluates the mapping's
validations. Exit status is 0 for a complete run, 2 for a partial run and 1 otherwise.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open(cmd, app.NeedSource, app.NeedMapping, app.NeedGraph)
			if err != nil {
				return err
			}
			defer closeApp(a)

			rep, err := a.Load(cmd.Context())
			if rep == nil {
				return err
			}
			if failed := rep.FailedAssertions(); len(failed) > 0 {
				a.Log.Warn("validations failed", "count", len(failed))
			}
			if code := rep.ExitCode(); code != 0 {
				if errors.Is(err, ingest.ErrRunCollision) {
					a.Log.Error("another run holds this batch", "batch", rep.IngestBatchID)
				}
				return &exitError{code: code, err: err}
			}
			return err
		},
	}
	f := cmd.Flags()
	root.bindInt(f, "batch-size", "rows per transaction", func(c *app.Config, v int) { c.Params.BatchSize = v })
	root.bindBool(f, "verify-checksums", "check file sha256 against the manifest", func(c *app.Config, v bool) { c.Params.VerifyChecksums = v })
	root.bindBool(f, "verify-rowcounts", "check data row counts against the manifest", func(c *app.Config, v bool) { c.Params.VerifyRowCounts = v })
	root.bindBool(f, "strict-verify", "stop at the first failing file instead of listing every failure", func(c *app.Config, v bool) { c.Params.StrictVerify = v })
	root.bindBool(f, "strict-missing-key", "abort when any relationship row lacks a key", func(c *app.Config, v bool) { c.Params.StrictMissingKey = v })
	root.bindBool(f, "auto-consent-drop-invalid", "drop rejected rows instead of aborting", func(c *app.Config, v bool) { c.Params.AutoConsentDropInvalid = v })
	root.bindString(f, "ingest-batch-id", "batch id stamped on every write (generated when empty)", func(c *app.Config, v string) { c.Params.IngestBatchID = v })
	root.bindString(f, "null-sentinel", `token meaning "no value" (default \N)`, func(c *app.Config, v string) { c.Params.NullSentinel = v })
	root.bindString(f, "source-system", "provenance stamp (default mapping source_system)", func(c *app.Config, v string) { c.Params.SourceSystem = v })
	root.bindInt(f, "max-attempts", "attempts per chunk transaction", func(c *app.Config, v int) { c.Params.MaxAttempts = v })
	root.bindDuration(f, "chunk-timeout", "timeout of one chunk transaction", func(c *app.Config, v time.Duration) { c.Params.ChunkTimeout = v })
	root.bindString(f, "report", "write the report here instead of stdout", func(c *app.Config, v string) { c.ReportPath = v })
	root.bindBool(f, "skip-validation", "do not evaluate validations after the load", func(c *app.Config, v bool) { c.SkipValidation = v })
	return cmd
}
