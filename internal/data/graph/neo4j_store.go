package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/graphstage/internal/mapping"
	"github.com/yungbote/graphstage/internal/platform/logger"
	"github.com/yungbote/graphstage/internal/platform/neo4jdb"
)

type Neo4jStore struct {
	client    *neo4jdb.Client
	log       *logger.Logger
	txTimeout time.Duration
}

// NewNeo4jStore wraps client. txTimeout, when positive, is sent as the server-side timeout of
// every write transaction.
func NewNeo4jStore(client *neo4jdb.Client, log *logger.Logger, txTimeout time.Duration) (*Neo4jStore, error) {
	if client == nil || client.Driver == nil {
		return nil, fmt.Errorf("graph: neo4j client required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Neo4jStore{client: client, log: log.With("store", "Neo4j"), txTimeout: txTimeout}, nil
}

func (s *Neo4jStore) txConfig() []func(*neo4j.TransactionConfig) {
	if s.txTimeout <= 0 {
		return nil
	}
	return []func(*neo4j.TransactionConfig){neo4j.WithTxTimeout(s.txTimeout)}
}

func (s *Neo4jStore) write(ctx context.Context, fn neo4j.ManagedTransactionWork) (any, error) {
	session := s.client.Session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	return session.ExecuteWrite(ctx, fn, s.txConfig()...)
}

func (s *Neo4jStore) read(ctx context.Context, fn neo4j.ManagedTransactionWork) (any, error) {
	session := s.client.Session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	return session.ExecuteRead(ctx, fn)
}

func single(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any, key string) (any, error) {
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := rec.Get(key)
	if !ok {
		return nil, fmt.Errorf("graph: column %q missing from result", key)
	}
	return v, nil
}

func (s *Neo4jStore) EnsureIndexes(ctx context.Context, specs []mapping.IndexSpec) []error {
	if len(specs) == 0 {
		return nil
	}
	session := s.client.Session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	var errs []error
	for _, spec := range specs {
		q, err := indexDDL(spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res, err := session.Run(ctx, q, nil)
		if err == nil {
			_, err = res.Consume(ctx)
		}
		if err != nil {
			s.log.Warn("neo4j schema init failed (continuing)", "statement", q, "error", err)
			errs = append(errs, fmt.Errorf("graph: %s: %w", indexName(spec), err))
			continue
		}
		s.log.Debug("neo4j schema ensured", "statement", q)
	}
	return errs
}

func (s *Neo4jStore) UpsertNodes(ctx context.Context, b NodeBatch) (int, error) {
	if len(b.Rows) == 0 {
		return 0, nil
	}
	rows := make([]map[string]any, 0, len(b.Rows))
	for _, r := range b.Rows {
		props := r.Props
		if props == nil {
			props = map[string]any{}
		}
		rows = append(rows, map[string]any{"key": r.Key, "props": props})
	}
	q := nodeUpsertCypher(b.Label, b.KeyProperty)
	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return single(ctx, tx, q, map[string]any{"rows": rows, "stamp": b.Stamp.Props()}, "loaded")
	})
	if err != nil {
		return 0, fmt.Errorf("graph: upsert %s nodes: %w", b.Label, err)
	}
	n, _ := out.(int64)
	return int(n), nil
}

func (s *Neo4jStore) UpsertRelationships(ctx context.Context, b RelBatch) (RelResult, error) {
	if len(b.Rows) == 0 {
		return RelResult{}, nil
	}
	rows := make([]map[string]any, 0, len(b.Rows))
	for _, r := range b.Rows {
		keys := r.KeyProps
		if keys == nil {
			keys = map[string]any{}
		}
		props := r.Props
		if props == nil {
			props = map[string]any{}
		}
		rows = append(rows, map[string]any{
			"line":  int64(r.Line),
			"from":  r.From,
			"to":    r.To,
			"keys":  keys,
			"props": props,
		})
	}
	danglingQ := relDanglingCypher(b)
	upsertQ := relUpsertCypher(b)
	params := map[string]any{"rows": rows, "stamp": b.Stamp.Props()}

	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		var res RelResult
		raw, err := single(ctx, tx, danglingQ, params, "dangling")
		if err != nil {
			return nil, err
		}
		if lines, ok := raw.([]any); ok {
			for _, l := range lines {
				if n, ok := l.(int64); ok {
					res.Dangling = append(res.Dangling, int(n))
				}
			}
		}
		loaded, err := single(ctx, tx, upsertQ, params, "loaded")
		if err != nil {
			return nil, err
		}
		n, _ := loaded.(int64)
		res.Loaded = int(n)
		return res, nil
	})
	if err != nil {
		return RelResult{}, fmt.Errorf("graph: upsert %s relationships: %w", b.Type, err)
	}
	return out.(RelResult), nil
}

func (s *Neo4jStore) Promote(ctx context.Context, p Promotion) (int64, error) {
	q := promoteCypher(p)
	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return single(ctx, tx, q, map[string]any{
			"value":   p.Value,
			"generic": p.GenericType,
			"stamp":   p.Stamp.Props(),
		}, "promoted")
	})
	if err != nil {
		return 0, fmt.Errorf("graph: promote %s -> %s: %w", p.GenericType, p.PromotedType, err)
	}
	n, _ := out.(int64)
	return n, nil
}

func (s *Neo4jStore) count(ctx context.Context, q string) (int64, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return single(ctx, tx, q, nil, "n")
	})
	if err != nil {
		return 0, err
	}
	n, _ := out.(int64)
	return n, nil
}

func (s *Neo4jStore) CountNodes(ctx context.Context, label string) (int64, error) {
	return s.count(ctx, countNodesCypher(label))
}

func (s *Neo4jStore) CountEdges(ctx context.Context, relType string) (int64, error) {
	return s.count(ctx, countEdgesCypher(relType))
}

func (s *Neo4jStore) CountMissingProperty(ctx context.Context, target string, onRelationship bool, property string) (int64, error) {
	return s.count(ctx, countMissingCypher(target, onRelationship, property))
}

func (s *Neo4jStore) RunAssertion(ctx context.Context, query string, params map[string]any) (bool, error) {
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return single(ctx, tx, query, params, "ok")
	})
	if err != nil {
		return false, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("graph: assertion column ok is %T, want bool", out)
	}
	return ok, nil
}

func (s *Neo4jStore) SampleMissingProperty(ctx context.Context, relType, property string, limit int) ([]EdgeSample, error) {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	q := sampleMissingCypher(relType, property)
	out, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, q, map[string]any{"limit": int64(limit)})
		if err != nil {
			return nil, err
		}
		recs, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		samples := make([]EdgeSample, 0, len(recs))
		for _, rec := range recs {
			from, _ := rec.Get("from")
			to, _ := rec.Get("to")
			props, _ := rec.Get("props")
			pm, _ := props.(map[string]any)
			samples = append(samples, EdgeSample{From: fmt.Sprint(from), To: fmt.Sprint(to), Props: pm})
		}
		return samples, nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph: sample %s missing %s: %w", relType, property, err)
	}
	return out.([]EdgeSample), nil
}

func (s *Neo4jStore) DeleteMissingPropertyChunk(ctx context.Context, relType, property string, chunk int) (int64, error) {
	q := deleteMissingCypher(relType, property)
	out, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return single(ctx, tx, q, map[string]any{"chunk": int64(chunk)}, "deleted")
	})
	if err != nil {
		return 0, fmt.Errorf("graph: purge %s missing %s: %w", relType, property, err)
	}
	n, _ := out.(int64)
	return n, nil
}

// Permanent reports store errors a retry cannot fix: the server rejected the statement itself.
func Permanent(err error) bool {
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) {
		return strings.HasPrefix(nerr.Code, "Neo.ClientError.Statement.")
	}
	return false
}
