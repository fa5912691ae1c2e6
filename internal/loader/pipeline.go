package loader

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/graphstage/internal/data/graph"
	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/mapping"
	"github.com/yungbote/graphstage/internal/observability"
	"github.com/yungbote/graphstage/internal/sanitize"
)

type chunk struct {
	index int
	nodes []graph.NodeUpsert
	rels  []graph.RelUpsert
}

func (c *chunk) size() int { return len(c.nodes) + len(c.rels) }

// loadRule streams one node or relationship file through the sanitizer into chunks and commits
// them in order. The producer builds chunk N+1 while chunk N is committing; the channel holds at
// most one finished chunk.
func (l *Loader) loadRule(ctx context.Context, rc *RunContext, rp *rulePlan) (err error) {
	fr := rp.file
	ctx, span := observability.Tracer().Start(ctx, "graphstage.rule", trace.WithAttributes(
		attribute.String("rule", rp.name()),
		attribute.String("file", fr.File),
	))
	defer func() { observability.EndSpan(span, err) }()

	log := rc.log.With("rule", rp.name(), "file", fr.File)
	fr.State = StateStreaming
	log.Debug("rule streaming")

	rows, err := openRows(ctx, l.src, fr.File)
	if err != nil {
		fr.State, fr.Error = StateFailed, err.Error()
		return err
	}
	defer rows.Close()

	chunks := make(chan chunk, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(chunks)
		return rc.produce(gctx, rp, rows, chunks)
	})
	g.Go(func() error {
		for c := range chunks {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := l.commitChunk(gctx, rc, rp, c); err != nil {
				return err
			}
			l.heartbeat(gctx, rc)
		}
		return nil
	})
	err = g.Wait()

	l.metrics.AddRows(rp.name(), fr.RowsLoaded, fr.RowsRejected)
	if err != nil {
		fr.State, fr.Error = StateFailed, err.Error()
		log.Error("rule failed", "committed_chunks", fr.CommittedChunks, "error", err)
		return err
	}
	fr.State = StateDone
	log.Info("rule loaded", "rows_loaded", fr.RowsLoaded, "rows_rejected", fr.RowsRejected, "chunks", len(fr.CommittedChunks))
	return nil
}

// produce re-sanitizes the file and sends accepted rows in chunks of batch_size. Rejected rows
// were already recorded by the preflight scan.
func (rc *RunContext) produce(ctx context.Context, rp *rulePlan, rows *rowStream, out chan<- chunk) error {
	size := rc.Params.BatchSize
	cur := chunk{}
	send := func() error {
		select {
		case out <- cur:
			cur = chunk{index: cur.index + 1}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		o := rc.sanitizer.Sanitize(row, rp.sanitize)
		if !o.Accepted {
			continue
		}
		if rp.node != nil {
			cur.nodes = append(cur.nodes, graph.NodeUpsert{Key: o.Key, Props: presentProps(o.Props)})
		} else {
			cur.rels = append(cur.rels, graph.RelUpsert{
				Line:     row.Line,
				From:     o.From,
				To:       o.To,
				KeyProps: o.KeyProps,
				Props:    presentProps(o.Props),
			})
		}
		if cur.size() >= size {
			if err := send(); err != nil {
				return err
			}
		}
	}
	if cur.size() > 0 {
		return send()
	}
	return nil
}

// commitChunk writes one chunk in a single transaction, retrying per the run's policy.
func (l *Loader) commitChunk(ctx context.Context, rc *RunContext, rp *rulePlan, c chunk) error {
	fr := rp.file
	fr.State = StateCommitting
	start := time.Now()
	onRetry := func(err error, wait time.Duration) {
		fr.Retries++
		l.metrics.IncRetry(rp.name())
		rc.log.Warn("chunk commit failed, retrying", "rule", rp.name(), "chunk", c.index, "wait", wait, "error", err)
	}

	var (
		loaded   int
		dangling []int
		attempts int
		err      error
	)
	if rp.node != nil {
		n := rp.node
		loaded, attempts, err = commitWithRetry(ctx, rc.retry, onRetry, func(actx context.Context) (int, error) {
			return l.store.UpsertNodes(actx, graph.NodeBatch{
				Label:       n.Label,
				KeyProperty: n.KeyProperty,
				Rows:        c.nodes,
				Stamp:       rc.Stamp,
			})
		})
	} else {
		r := rp.rel
		var res graph.RelResult
		res, attempts, err = commitWithRetry(ctx, rc.retry, onRetry, func(actx context.Context) (graph.RelResult, error) {
			return l.store.UpsertRelationships(actx, rc.relBatch(r, c.rels))
		})
		loaded, dangling = res.Loaded, res.Dangling
	}

	kind := string(rp.step.Kind)
	if err != nil {
		l.metrics.ObserveChunk(rp.name(), kind, "failed", time.Since(start))
		return &ingest.TransactionError{Rule: rp.name(), Chunk: c.index, Attempts: attempts, Err: err}
	}
	l.metrics.ObserveChunk(rp.name(), kind, "committed", time.Since(start))

	fr.CommittedChunks = append(fr.CommittedChunks, c.index)
	fr.RowsLoaded += loaded
	if len(dangling) > 0 {
		fr.RowsRejected += len(dangling)
		rc.Report.DanglingDropped += int64(len(dangling))
		for _, line := range dangling {
			rc.Report.Rejections = append(rc.Report.Rejections, ingest.RowError{
				Rule:   rp.name(),
				File:   fr.File,
				Line:   line,
				Reason: ingest.ReasonDanglingEndpoint,
			})
			l.metrics.IncRejection(rp.name(), string(ingest.ReasonDanglingEndpoint))
		}
		rc.log.Warn("dangling endpoints dropped without consent check", "rule", rp.name(), "chunk", c.index, "rows", len(dangling))
	}
	fr.State = StateBatching
	rc.log.Debug("chunk committed", "rule", rp.name(), "chunk", c.index, "rows", c.size(), "loaded", loaded, "attempts", attempts)
	return nil
}

func (rc *RunContext) relBatch(r *mapping.RelRule, rows []graph.RelUpsert) graph.RelBatch {
	from, _ := rc.Mapping.NodeRuleFor(r.FromLabel)
	to, _ := rc.Mapping.NodeRuleFor(r.ToLabel)
	keys := make([]string, 0, len(r.KeyProperties))
	for _, p := range r.KeyProperties {
		keys = append(keys, p.Target)
	}
	return graph.RelBatch{
		Type:            r.Type,
		FromLabel:       r.FromLabel,
		FromKeyProperty: from.KeyProperty,
		ToLabel:         r.ToLabel,
		ToKeyProperty:   to.KeyProperty,
		KeyProperties:   keys,
		Rows:            rows,
		Stamp:           rc.Stamp,
	}
}

func presentProps(in map[string]sanitize.Value) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if v.Valid {
			out[k] = v.V
		}
	}
	return out
}
