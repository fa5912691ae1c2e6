package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/graphstage/internal/app"
	"github.com/yungbote/graphstage/internal/platform/logger"
)

// exitError carries a process exit code out of a command. err may be nil when the command
// already reported its outcome.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type rootOptions struct {
	configPath string
	overrides  []override
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "graphstage",
		Short:         "Verify CSV releases against their manifest and load them into Neo4j",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file (default $"+app.ConfigEnv+")")
	opts.bindString(pf, "log-mode", "development or production", func(c *app.Config, v string) { c.LogMode = v })
	opts.bindString(pf, "source", "directory, http(s) base URL or gs://bucket/prefix with the CSV files", func(c *app.Config, v string) { c.Source = v })
	opts.bindString(pf, "manifest", "local manifest path (default manifest.json under --source)", func(c *app.Config, v string) { c.Manifest = v })
	opts.bindString(pf, "manifest-digest", "detached sha256 of the manifest", func(c *app.Config, v string) { c.ManifestDigest = v })
	opts.bindString(pf, "mapping", "mapping file (.json, .yaml)", func(c *app.Config, v string) { c.Mapping = v })
	opts.bindBool(pf, "dry-run", "load into an in-memory graph instead of Neo4j", func(c *app.Config, v bool) { c.DryRun = v })

	cmd.AddCommand(newLoadCmd(opts))
	cmd.AddCommand(newVerifyCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	cmd.AddCommand(newPlanCmd(opts))
	cmd.AddCommand(newPurgeNullCmd(opts))
	return cmd
}

// config layers flags the user set over the file and environment.
func (o *rootOptions) config(cmd *cobra.Command) (app.Config, error) {
	cfg, err := app.LoadConfig(o.configPath)
	if err != nil {
		return cfg, err
	}
	for _, ov := range o.overrides {
		if f := cmd.Flags().Lookup(ov.flag.Name); f == ov.flag && f.Changed {
			ov.apply(&cfg)
		}
	}
	return cfg, nil
}

// open loads config, builds the logger and wires the app for needs.
func (o *rootOptions) open(cmd *cobra.Command, needs ...app.Need) (*app.App, error) {
	cfg, err := o.config(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := app.New(cmd.Context(), cfg, log, needs...)
	if err != nil {
		log.Sync()
		return nil, err
	}
	a.Out = cmd.OutOrStdout()
	return a, nil
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Log.Warn("shutdown", "error", err)
	}
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	code := 1
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
		if ee.err == nil {
			os.Exit(code)
		}
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(code)
}
