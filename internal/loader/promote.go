package loader

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/graphstage/internal/data/graph"
	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/observability"
)

// promote creates the promoted edges of one derived rule. It runs after every rule of the
// generic type has committed, and is idempotent: existing promoted edges are only restamped.
func (l *Loader) promote(ctx context.Context, rc *RunContext, rp *rulePlan) (err error) {
	d := rp.derived
	dr := rp.promote
	ctx, span := observability.Tracer().Start(ctx, "graphstage.promote", trace.WithAttributes(
		attribute.String("rule", d.Name),
		attribute.String("generic_type", d.FromGenericType),
		attribute.String("promoted_type", d.PromotedType),
	))
	defer func() { observability.EndSpan(span, err) }()

	value, err := rc.Mapping.PromotionValue(*d)
	if err != nil {
		err = ingest.ConfigError("%s: %v", d.Name, err)
		dr.State, dr.Error = StateFailed, err.Error()
		return err
	}

	dr.State = StateCommitting
	start := time.Now()
	n, attempts, err := commitWithRetry(ctx, rc.retry, func(err error, wait time.Duration) {
		l.metrics.IncRetry(d.Name)
		rc.log.Warn("promotion failed, retrying", "rule", d.Name, "wait", wait, "error", err)
	}, func(actx context.Context) (int64, error) {
		return l.store.Promote(actx, graph.Promotion{
			GenericType:  d.FromGenericType,
			Property:     d.DiscriminatorProperty,
			Value:        value,
			PromotedType: d.PromotedType,
			Stamp:        rc.Stamp,
		})
	})
	if err != nil {
		l.metrics.ObserveChunk(d.Name, "derived", "failed", time.Since(start))
		err = &ingest.TransactionError{Rule: d.Name, Attempts: attempts, Err: err}
		dr.State, dr.Error = StateFailed, err.Error()
		return err
	}
	l.metrics.ObserveChunk(d.Name, "derived", "committed", time.Since(start))
	l.metrics.AddPromoted(d.Name, n)

	dr.Promoted = n
	dr.State = StateDone
	rc.log.Info("edges promoted",
		"rule", d.Name,
		"from", d.FromGenericType,
		"to", d.PromotedType,
		"match", fmt.Sprintf("%s=%v", d.DiscriminatorProperty, value),
		"promoted", n,
	)
	return nil
}
