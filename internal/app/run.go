package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/yungbote/graphstage/internal/data/graph"
	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/loader"
	"github.com/yungbote/graphstage/internal/manifest"
	"github.com/yungbote/graphstage/internal/mapping"
	"github.com/yungbote/graphstage/internal/source"
	"github.com/yungbote/graphstage/internal/validation"
)

func (a *App) LoadMapping() (*mapping.Mapping, error) {
	return mapping.Load(a.Cfg.Mapping)
}

// LoadManifest reads the manifest from its local path, or DefaultManifestName from the source.
// A configured digest is checked against the raw manifest bytes first.
func (a *App) LoadManifest(ctx context.Context) (*manifest.Manifest, error) {
	cfg := a.Cfg
	if cfg.Manifest != "" {
		return manifest.Load(cfg.Manifest, cfg.ManifestDigest)
	}
	if a.Source == nil {
		return nil, ingest.ConfigError("manifest path or source is required")
	}
	raw, err := source.ReadAll(ctx, a.Source, DefaultManifestName)
	if err != nil {
		return nil, ingest.NewIntegrityError(ingest.FileFailure{
			Kind:   ingest.ManifestInvalid,
			File:   DefaultManifestName,
			Detail: err.Error(),
		})
	}
	if cfg.ManifestDigest != "" {
		digest, err := a.readLocalOrSource(ctx, cfg.ManifestDigest)
		if err != nil {
			return nil, fmt.Errorf("manifest digest: %w", err)
		}
		if err := manifest.VerifyDigest(raw, digest); err != nil {
			return nil, err
		}
	}
	return manifest.Parse(raw)
}

func (a *App) readLocalOrSource(ctx context.Context, name string) ([]byte, error) {
	if raw, err := os.ReadFile(name); err == nil {
		return raw, nil
	}
	return source.ReadAll(ctx, a.Source, name)
}

// Load runs the full pipeline and writes the report. The report is nil only when the inputs
// could not be read at all.
func (a *App) Load(ctx context.Context) (*loader.Report, error) {
	m, err := a.LoadMapping()
	if err != nil {
		return nil, err
	}
	man, err := a.LoadManifest(ctx)
	if err != nil {
		return nil, err
	}

	opts := loader.Options{Metrics: a.Metrics}
	if a.Lock != nil {
		opts.Locks = []loader.Locker{a.Lock}
	}
	if a.Ledger != nil {
		opts.Recorder = a.Ledger
	}
	if !a.Cfg.SkipValidation {
		opts.Validator = validation.New(a.Store, a.Log, a.Metrics)
	}

	rep, runErr := loader.New(a.Store, a.Source, a.Log, opts).Run(ctx, m, man, a.Cfg.Params)
	rep.DryRun = a.Cfg.DryRun
	if err := a.WriteReport(rep); err != nil {
		a.Log.Error("report write failed", "error", err)
	}
	a.pushMetrics(ctx, rep)
	return rep, runErr
}

// WriteReport writes the report as JSON to the configured path, or to Out.
func (a *App) WriteReport(rep *loader.Report) error {
	body, err := rep.JSON()
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	body = append(body, '\n')
	if p := strings.TrimSpace(a.Cfg.ReportPath); p != "" {
		if err := os.WriteFile(p, body, 0o644); err != nil {
			return fmt.Errorf("write report %s: %w", p, err)
		}
		a.Log.Info("report written", "path", p)
		return nil
	}
	_, err = a.Out.Write(body)
	return err
}

func (a *App) pushMetrics(ctx context.Context, rep *loader.Report) {
	if a.Cfg.PushgatewayURL == "" {
		return
	}
	pctx := context.WithoutCancel(ctx)
	err := a.Metrics.Push(pctx, a.Cfg.PushgatewayURL, "graphstage", map[string]string{
		"dataset":        rep.DatasetID,
		"schema_version": rep.SchemaVersion,
	})
	if err != nil {
		a.Log.Warn("metrics push failed", "error", err)
	}
}

// Verify checks the manifest against the source without touching the graph. With a mapping
// configured it also checks that every mapped file is listed.
func (a *App) Verify(ctx context.Context) (*manifest.Manifest, error) {
	man, err := a.LoadManifest(ctx)
	if err != nil {
		return nil, err
	}
	if a.Cfg.Mapping != "" {
		m, err := a.LoadMapping()
		if err != nil {
			return man, err
		}
		if err := man.CheckCoverage(m.SourceFiles()); err != nil {
			return man, err
		}
	}
	p := a.Cfg.Params
	v := manifest.NewVerifier(a.Log, manifest.Options{
		Checksums:   p.VerifyChecksums,
		RowCounts:   p.VerifyRowCounts,
		Strict:      p.StrictVerify,
		Concurrency: p.VerifyConcurrency,
	})
	return man, v.Verify(ctx, man, a.Source)
}

// Validate evaluates the mapping's validations against the current graph.
func (a *App) Validate(ctx context.Context) ([]validation.Result, error) {
	m, err := a.LoadMapping()
	if err != nil {
		return nil, err
	}
	if err := mapping.Check(m); err != nil {
		return nil, err
	}
	return validation.New(a.Store, a.Log, a.Metrics).Validate(ctx, m.Validations), nil
}

// Plan returns the load order the mapping produces.
func (a *App) Plan() (*mapping.Mapping, []mapping.Step, error) {
	m, err := a.LoadMapping()
	if err != nil {
		return nil, nil, err
	}
	steps, err := mapping.Plan(m)
	return m, steps, err
}

type PurgeResult struct {
	RelType  string             `json:"rel_type"`
	Property string             `json:"property"`
	Missing  int64              `json:"missing"`
	Sample   []graph.EdgeSample `json:"sample"`
	Deleted  int64              `json:"deleted"`
	Applied  bool               `json:"applied"`
}

// PurgeNull previews relType edges lacking property and, when apply is set, deletes them in
// chunks.
func (a *App) PurgeNull(ctx context.Context, relType, property string, chunk, preview int, apply bool) (*PurgeResult, error) {
	cleaner, ok := a.Store.(graph.NullKeyCleaner)
	if !ok {
		return nil, fmt.Errorf("purge-null: store %T cannot purge edges", a.Store)
	}
	if preview <= 0 {
		preview = graph.DefaultPreviewLimit
	}
	res := &PurgeResult{RelType: relType, Property: property, Applied: apply}
	var err error
	if res.Missing, err = a.Store.CountMissingProperty(ctx, relType, true, property); err != nil {
		return nil, err
	}
	if res.Sample, err = cleaner.SampleMissingProperty(ctx, relType, property, preview); err != nil {
		return nil, err
	}
	log := a.Log.With("rel_type", relType, "property", property)
	log.Info("edges missing property", "count", res.Missing)
	if !apply || res.Missing == 0 {
		return res, nil
	}
	res.Deleted, err = graph.PurgeMissingProperty(ctx, cleaner, relType, property, chunk, func(total int64) {
		log.Info("purge progress", "deleted", total)
	})
	if err != nil {
		return res, err
	}
	log.Info("purge finished", "deleted", res.Deleted)
	return res, nil
}
