package validation

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/yungbote/graphstage/internal/data/graph"
	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/mapping"
	"github.com/yungbote/graphstage/internal/observability"
	"github.com/yungbote/graphstage/internal/platform/logger"
)

// Result is the outcome of one assertion. Observed carries the count the check was made
// against (nodes, edges, or rows missing the property).
type Result struct {
	Name     string                `json:"name"`
	Kind     mapping.AssertionKind `json:"kind"`
	Target   string                `json:"target"`
	Passed   bool                  `json:"passed"`
	Observed int64                 `json:"observed"`
	Reason   string                `json:"reason,omitempty"`
}

type Validator struct {
	store   graph.Store
	log     *logger.Logger
	metrics *observability.Metrics
}

func New(store graph.Store, log *logger.Logger, metrics *observability.Metrics) *Validator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Validator{store: store, log: log.With("component", "Validator"), metrics: metrics}
}

// Validate evaluates every assertion independently, in order. A failing or erroring assertion
// never stops the rest.
func (v *Validator) Validate(ctx context.Context, assertions []mapping.Assertion) []Result {
	ctx, span := observability.Tracer().Start(ctx, "graphstage.validate")
	defer span.End()

	out := make([]Result, 0, len(assertions))
	for _, a := range assertions {
		res := v.evaluate(ctx, a)
		v.metrics.IncAssertion(string(a.Kind), res.Passed)
		if res.Passed {
			v.log.Debug("assertion passed", "name", res.Name, "observed", res.Observed)
		} else {
			v.log.Warn("assertion failed", "name", res.Name, "kind", res.Kind, "reason", res.Reason)
		}
		out = append(out, res)
	}
	return out
}

func (v *Validator) evaluate(ctx context.Context, a mapping.Assertion) Result {
	res := Result{Name: a.Name, Kind: a.Kind, Target: a.Target}
	if res.Name == "" {
		res.Name = fmt.Sprintf("%s:%s", a.Kind, a.Target)
	}
	if err := ctx.Err(); err != nil {
		res.Reason = err.Error()
		return res
	}

	switch a.Kind {
	case mapping.NodeCountMin:
		minCount, err := intParam(a.Parameters, "min", 1)
		if err != nil {
			res.Reason = err.Error()
			return res
		}
		n, err := v.store.CountNodes(ctx, a.Target)
		if err != nil {
			res.Reason = fmt.Sprintf("count %s nodes: %v", a.Target, err)
			return res
		}
		res.Observed = n
		res.Passed = n >= minCount
		if !res.Passed {
			res.Reason = fmt.Sprintf("found %d %s nodes, want at least %d", n, a.Target, minCount)
		}

	case mapping.EdgeExists:
		minCount, err := intParam(a.Parameters, "min", 1)
		if err != nil {
			res.Reason = err.Error()
			return res
		}
		n, err := v.store.CountEdges(ctx, a.Target)
		if err != nil {
			res.Reason = fmt.Sprintf("count %s edges: %v", a.Target, err)
			return res
		}
		res.Observed = n
		res.Passed = n >= minCount
		if !res.Passed {
			res.Reason = fmt.Sprintf("found %d %s edges, want at least %d", n, a.Target, minCount)
		}

	case mapping.PropertyNonNull:
		prop, _ := a.Parameters["property"].(string)
		prop = strings.TrimSpace(prop)
		if prop == "" {
			res.Reason = "parameters.property is required"
			return res
		}
		on, _ := a.Parameters["on"].(string)
		onRel := strings.EqualFold(strings.TrimSpace(on), "relationship")
		n, err := v.store.CountMissingProperty(ctx, a.Target, onRel, prop)
		if err != nil {
			res.Reason = fmt.Sprintf("count %s missing %s: %v", a.Target, prop, err)
			return res
		}
		res.Observed = n
		res.Passed = n == 0
		if !res.Passed {
			res.Reason = fmt.Sprintf("%d %s entries have no %s", n, a.Target, prop)
		}

	case mapping.CypherAssertion:
		runner, ok := v.store.(graph.CypherRunner)
		if !ok {
			res.Reason = "store cannot run cypher assertions"
			return res
		}
		params, _ := a.Parameters["params"].(map[string]any)
		okv, err := runner.RunAssertion(ctx, a.Query(), params)
		if err != nil {
			res.Reason = fmt.Sprintf("cypher: %v", err)
			return res
		}
		res.Passed = okv
		if !okv {
			res.Reason = "query returned ok=false"
		}

	default:
		res.Reason = fmt.Sprintf("unknown assertion kind %q", a.Kind)
	}
	return res
}

// Failures lists the failed results as assertion failures, in order.
func Failures(results []Result) []ingest.AssertionFailure {
	var out []ingest.AssertionFailure
	for _, r := range results {
		if !r.Passed {
			out = append(out, ingest.AssertionFailure{Name: r.Name, Kind: string(r.Kind), Reason: r.Reason})
		}
	}
	return out
}

func intParam(params map[string]any, key string, def int64) (int64, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch x := raw.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("parameters.%s must be an integer, got %v", key, x)
		}
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parameters.%s must be an integer, got %q", key, x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("parameters.%s must be an integer, got %T", key, raw)
	}
}
