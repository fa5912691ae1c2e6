package loader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/graphstage/internal/data/graph"
	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/manifest"
	"github.com/yungbote/graphstage/internal/mapping"
	"github.com/yungbote/graphstage/internal/observability"
	"github.com/yungbote/graphstage/internal/platform/logger"
	"github.com/yungbote/graphstage/internal/sanitize"
	"github.com/yungbote/graphstage/internal/validation"
)

type Options struct {
	Metrics *observability.Metrics
	// Locks are taken in order after the in-process guard, e.g. a redis run lock.
	Locks []Locker
	// Recorder, when set, persists the batch record (the ledger).
	Recorder Recorder
	// HeartbeatEvery throttles Recorder heartbeats between chunks (default 15s).
	HeartbeatEvery time.Duration
	// Validator, when set, evaluates the mapping's validations after a run that was not
	// cancelled. Results land in the report; they never change its status.
	Validator *validation.Validator
}

// Loader drives one run at a time from a verified manifest into a graph store.
type Loader struct {
	store   graph.Store
	src     manifest.Opener
	log     *logger.Logger
	opts    Options
	metrics *observability.Metrics
	now     func() time.Time
}

func New(store graph.Store, src manifest.Opener, log *logger.Logger, opts Options) *Loader {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 15 * time.Second
	}
	return &Loader{
		store:   store,
		src:     src,
		log:     log.With("component", "Loader"),
		opts:    opts,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// rulePlan is one load step with its resolved rule and report entry.
type rulePlan struct {
	step     mapping.Step
	node     *mapping.NodeRule
	rel      *mapping.RelRule
	derived  *mapping.DerivedRule
	sanitize sanitize.Rule

	file    *FileReport
	promote *DerivedReport
}

func (rp *rulePlan) name() string { return rp.step.Name }

// RunContext carries everything one run needs. It is built once per Run and passed
// explicitly to every stage.
type RunContext struct {
	Mapping  *mapping.Mapping
	Manifest *manifest.Manifest
	Params   Params
	Stamp    graph.Stamp
	Report   *Report
	Record   *ingest.BatchRecord

	log       *logger.Logger
	sanitizer *sanitize.Sanitizer
	retry     retryPolicy
	plans     []*rulePlan
	lastBeat  time.Time

	failedLabels map[string]string
	failedTypes  map[string]string
}

// RunKey identifies the run for collision detection.
func (rc *RunContext) RunKey() string {
	return rc.Record.RunKey()
}

// Run verifies, loads and promotes one dataset version. The returned report is never nil.
// The error is non-nil when the run was fatal or cancelled; a partial run returns a report
// with status partial and a nil error.
func (l *Loader) Run(ctx context.Context, m *mapping.Mapping, man *manifest.Manifest, p Params) (rep *Report, err error) {
	started := l.now()
	p = p.withDefaults()

	rc, err := l.newRunContext(m, man, p, started)
	if err != nil {
		rep := newReport(datasetOf(man), schemaOf(m, man), started)
		return l.fatal(ctx, nil, rep, err)
	}

	ctx, span := observability.Tracer().Start(ctx, "graphstage.load", trace.WithAttributes(
		attribute.String("dataset", rc.Report.DatasetID),
		attribute.String("schema_version", rc.Report.SchemaVersion),
		attribute.String("ingest_batch", rc.Report.IngestBatchID),
	))
	defer func() { observability.EndSpan(span, err) }()

	release, err := l.acquire(ctx, rc)
	if err != nil {
		return l.fatal(ctx, nil, rc.Report, err)
	}
	defer release()

	log := rc.log
	log.Info("run started", "steps", len(rc.plans), "batch_size", p.BatchSize)

	if err := l.preflight(ctx, rc); err != nil {
		return l.fatal(ctx, rc, rc.Report, err)
	}
	l.ensureIndexes(ctx, rc)

	runErr := l.execute(ctx, rc)
	if v := l.opts.Validator; v != nil && runErr == nil && len(rc.Mapping.Validations) > 0 {
		rc.Report.Assertions = v.Validate(ctx, rc.Mapping.Validations)
	}
	l.finish(ctx, rc, runErr)
	return rc.Report, runErr
}

func (l *Loader) newRunContext(m *mapping.Mapping, man *manifest.Manifest, p Params, started time.Time) (*RunContext, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if man == nil {
		return nil, ingest.NewIntegrityError(ingest.FileFailure{Kind: ingest.ManifestInvalid, File: "manifest", Detail: "no manifest"})
	}
	m = mapping.Repair(m)
	steps, err := mapping.Plan(m)
	if err != nil {
		return nil, err
	}

	schema := schemaOf(m, man)
	batch := p.IngestBatchID
	if batch == "" {
		batch = NewBatchID(p.BatchPrefix, schema, started)
	}
	sourceSystem := firstNonEmpty(p.SourceSystem, m.SourceSystem, man.DatasetID)

	rep := newReport(man.DatasetID, schema, started)
	rep.IngestBatchID = batch
	rc := &RunContext{
		Mapping:  m,
		Manifest: man,
		Params:   p,
		Stamp:    graph.Stamp{Batch: batch, SourceSystem: sourceSystem, At: started},
		Report:   rep,
		Record: &ingest.BatchRecord{
			DatasetID:     man.DatasetID,
			SchemaVersion: schema,
			IngestBatchID: batch,
			StartedAt:     started,
		},
		sanitizer:    sanitize.New(p.NullSentinel),
		retry:        policyFrom(p),
		failedLabels: map[string]string{},
		failedTypes:  map[string]string{},
	}
	rc.log = l.log.With("dataset", man.DatasetID, "schema", schema, "batch", batch)

	for _, st := range steps {
		rp := &rulePlan{step: st}
		switch st.Kind {
		case mapping.StepNodes:
			n := m.Nodes[st.Index]
			rp.node = &n
			rp.sanitize = sanitize.ForNode(n)
			rp.file = &FileReport{Rule: n.Name, Kind: st.Kind, File: verifiedName(man, n.SourceFile), State: StatePending, CommittedChunks: []int{}}
			rep.Files = append(rep.Files, rp.file)
		case mapping.StepRelationships:
			r := m.Relationships[st.Index]
			from, _ := m.NodeRuleFor(r.FromLabel)
			to, _ := m.NodeRuleFor(r.ToLabel)
			rp.rel = &r
			rp.sanitize = sanitize.ForRelationship(r, from, to)
			rp.file = &FileReport{Rule: r.Name, Kind: st.Kind, File: verifiedName(man, r.SourceFile), State: StatePending, CommittedChunks: []int{}}
			rep.Files = append(rep.Files, rp.file)
		case mapping.StepDerived:
			d := m.Derived[st.Index]
			rp.derived = &d
			rp.promote = &DerivedReport{Rule: d.Name, GenericType: d.FromGenericType, PromotedType: d.PromotedType, State: StatePending}
			rep.Derived = append(rep.Derived, rp.promote)
		}
		rc.plans = append(rc.plans, rp)
	}
	return rc, nil
}

// acquire takes the in-process guard, then every configured lock, then the ledger record.
// The returned func releases whatever was taken, in reverse order.
func (l *Loader) acquire(ctx context.Context, rc *RunContext) (func(), error) {
	key := rc.RunKey()
	var releases []func(context.Context) error
	releaseAll := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		for i := len(releases) - 1; i >= 0; i-- {
			if err := releases[i](rctx); err != nil {
				rc.log.Warn("run lock release failed", "key", key, "error", err)
			}
		}
	}

	lockers := append([]Locker{processGuard}, l.opts.Locks...)
	for _, lk := range lockers {
		if lk == nil {
			continue
		}
		rel, err := lk.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, rel)
	}

	if rec := l.opts.Recorder; rec != nil {
		if err := rec.Begin(ctx, rc.Record); err != nil {
			releaseAll()
			return nil, err
		}
	}
	return releaseAll, nil
}

func (l *Loader) ensureIndexes(ctx context.Context, rc *RunContext) {
	specs := indexSpecs(rc.Mapping)
	if len(specs) == 0 {
		return
	}
	errs := l.store.EnsureIndexes(ctx, specs)
	for _, err := range errs {
		rc.log.Warn("index setup failed (continuing)", "error", err)
	}
	rc.log.Debug("indexes ensured", "specs", len(specs), "failed", len(errs))
}

// indexSpecs returns the mapping's indexes plus a uniqueness constraint on every node label's
// key property that the mapping does not already declare.
func indexSpecs(m *mapping.Mapping) []mapping.IndexSpec {
	specs := append([]mapping.IndexSpec{}, m.Indexes...)
	covered := map[string]bool{}
	for _, s := range specs {
		if (s.Kind == mapping.IndexConstraint || s.Unique) && len(s.Properties) == 1 {
			covered[s.Label+"\x00"+s.Properties[0]] = true
		}
	}
	for _, n := range m.Nodes {
		k := n.Label + "\x00" + n.KeyProperty
		if covered[k] {
			continue
		}
		covered[k] = true
		specs = append(specs, mapping.IndexSpec{
			Kind:       mapping.IndexConstraint,
			Label:      n.Label,
			Properties: []string{n.KeyProperty},
			Unique:     true,
		})
	}
	return specs
}

// execute runs every plan in load order. A failed rule fails its dependents and leaves
// unrelated rules running. Cancellation stops before the next rule or chunk.
func (l *Loader) execute(ctx context.Context, rc *RunContext) error {
	for i, rp := range rc.plans {
		if err := ctx.Err(); err != nil {
			rc.cancelRemaining(rc.plans[i:], err)
			return err
		}
		if dep := rc.failedDependency(rp); dep != "" {
			rc.skip(rp, fmt.Sprintf("not run: depends on failed rule %s", dep))
			continue
		}

		var err error
		switch rp.step.Kind {
		case mapping.StepNodes, mapping.StepRelationships:
			err = l.loadRule(ctx, rc, rp)
		case mapping.StepDerived:
			err = l.promote(ctx, rc, rp)
		}
		if err == nil {
			continue
		}
		rc.markFailed(rp)
		if cerr := ctx.Err(); cerr != nil {
			rc.cancelRemaining(rc.plans[i+1:], cerr)
			return cerr
		}
		rc.log.Error("rule failed", "rule", rp.name(), "error", err)
	}
	return nil
}

func (rc *RunContext) failedDependency(rp *rulePlan) string {
	switch {
	case rp.rel != nil:
		if r, ok := rc.failedLabels[rp.rel.FromLabel]; ok {
			return r
		}
		if r, ok := rc.failedLabels[rp.rel.ToLabel]; ok {
			return r
		}
	case rp.derived != nil:
		if r, ok := rc.failedTypes[rp.derived.FromGenericType]; ok {
			return r
		}
	}
	return ""
}

func (rc *RunContext) markFailed(rp *rulePlan) {
	switch {
	case rp.node != nil:
		if _, ok := rc.failedLabels[rp.node.Label]; !ok {
			rc.failedLabels[rp.node.Label] = rp.name()
		}
	case rp.rel != nil:
		if _, ok := rc.failedTypes[rp.rel.Type]; !ok {
			rc.failedTypes[rp.rel.Type] = rp.name()
		}
	}
}

func (rc *RunContext) skip(rp *rulePlan, reason string) {
	rc.log.Warn("rule skipped", "rule", rp.name(), "reason", reason)
	if rp.file != nil {
		rp.file.State = StateFailed
		rp.file.Error = reason
	}
	if rp.promote != nil {
		rp.promote.State = StateFailed
		rp.promote.Error = reason
	}
	rc.markFailed(rp)
}

func (rc *RunContext) cancelRemaining(plans []*rulePlan, cause error) {
	for _, rp := range plans {
		if rp.file != nil && rp.file.State == StatePending {
			rp.file.State = StateFailed
			rp.file.Error = fmt.Sprintf("not run: %v", cause)
		}
		if rp.promote != nil && rp.promote.State == StatePending {
			rp.promote.State = StateFailed
			rp.promote.Error = fmt.Sprintf("not run: %v", cause)
		}
	}
}

func (l *Loader) heartbeat(ctx context.Context, rc *RunContext) {
	rec := l.opts.Recorder
	if rec == nil || l.now().Sub(rc.lastBeat) < l.opts.HeartbeatEvery {
		return
	}
	rc.lastBeat = l.now()
	if err := rec.Heartbeat(ctx, rc.Record); err != nil {
		rc.log.Debug("ledger heartbeat failed", "error", err)
	}
}

// fatal closes a run that never committed anything.
func (l *Loader) fatal(ctx context.Context, rc *RunContext, rep *Report, err error) (*Report, error) {
	rep.Status = ingest.BatchFatal
	rep.Error = err.Error()
	rep.FinishedAt = l.now()
	rep.totals()
	log := l.log
	if rc != nil {
		log = rc.log
		l.record(ctx, rc, ingest.BatchFatal)
	}
	log.Error("run aborted before load", "error", err)
	l.metrics.ObserveRun(rep.DatasetID, string(rep.Status), rep.FinishedAt)
	return rep, err
}

func (l *Loader) finish(ctx context.Context, rc *RunContext, runErr error) {
	rep := rc.Report
	rep.FinishedAt = l.now()
	rep.totals()
	rep.Status = ingest.BatchComplete
	for _, f := range rep.Files {
		if f.State != StateDone {
			rep.Status = ingest.BatchPartial
		}
	}
	for _, d := range rep.Derived {
		if d.State != StateDone {
			rep.Status = ingest.BatchPartial
		}
	}
	if runErr != nil {
		rep.Status = ingest.BatchPartial
		rep.Error = runErr.Error()
	}
	l.record(ctx, rc, rep.Status)
	l.metrics.ObserveRun(rep.DatasetID, string(rep.Status), rep.FinishedAt)
	rc.log.Info("run finished",
		"status", rep.Status,
		"rows_attempted", rep.RowsAttempted,
		"rows_loaded", rep.RowsLoaded,
		"rows_rejected", rep.RowsRejected,
		"elapsed", rep.FinishedAt.Sub(rep.StartedAt),
	)
}

func (l *Loader) record(ctx context.Context, rc *RunContext, status ingest.BatchStatus) {
	rec := l.opts.Recorder
	if rec == nil {
		return
	}
	rc.Record.RowsAttempted = rc.Report.RowsAttempted
	rc.Record.RowsLoaded = rc.Report.RowsLoaded
	rc.Record.RowsRejected = rc.Report.RowsRejected
	body, err := rc.Report.JSON()
	if err != nil {
		rc.log.Warn("report encode failed", "error", err)
		body = nil
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := rec.Finish(fctx, rc.Record, status, body); err != nil {
		rc.log.Error("ledger finish failed", "error", err)
	}
}

// verifiedName resolves a mapping source file to the manifest entry the verifier checks, so the
// loader reads exactly the bytes that were verified. Unlisted files keep their name and fail
// coverage in preflight.
func verifiedName(man *manifest.Manifest, sourceFile string) string {
	if f, ok := man.Lookup(sourceFile); ok {
		return f.Name
	}
	return sourceFile
}

func schemaOf(m *mapping.Mapping, man *manifest.Manifest) string {
	var ms, mans string
	if man != nil {
		mans = man.SchemaVersion
	}
	if m != nil {
		ms = m.SchemaVersion
	}
	return firstNonEmpty(mans, ms, mapping.DefaultSchemaVersion)
}

func datasetOf(man *manifest.Manifest) string {
	if man == nil {
		return ""
	}
	return man.DatasetID
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
