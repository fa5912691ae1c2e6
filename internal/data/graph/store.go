package graph

import (
	"context"
	"time"

	"github.com/yungbote/graphstage/internal/mapping"
)

// Stamp is the provenance written onto every node and edge a chunk touches.
type Stamp struct {
	Batch        string
	SourceSystem string
	At           time.Time
}

func (s Stamp) Props() map[string]any {
	out := map[string]any{
		"ingest_batch": s.Batch,
		"ingested_at":  s.At.UTC().Format(time.RFC3339Nano),
	}
	if s.SourceSystem != "" {
		out["source_system"] = s.SourceSystem
	}
	return out
}

// NodeUpsert is one accepted node row. Props holds only present values; a property missing
// from Props is left untouched on the stored node.
type NodeUpsert struct {
	Key   any
	Props map[string]any
}

type NodeBatch struct {
	Label       string
	KeyProperty string
	Rows        []NodeUpsert
	Stamp       Stamp
}

type RelUpsert struct {
	Line     int
	From     any
	To       any
	KeyProps map[string]any
	Props    map[string]any
}

// RelBatch merges edges on (from, to, type, KeyProperties...).
type RelBatch struct {
	Type            string
	FromLabel       string
	FromKeyProperty string
	ToLabel         string
	ToKeyProperty   string
	KeyProperties   []string
	Rows            []RelUpsert
	Stamp           Stamp
}

type RelResult struct {
	Loaded int
	// Dangling lists source lines whose endpoints did not resolve to existing nodes.
	Dangling []int
}

type Promotion struct {
	GenericType  string
	Property     string
	Value        any
	PromotedType string
	Stamp        Stamp
}

// Store is the graph write/read surface the loader and validator need. Every Upsert call is one
// atomic transaction: either the whole batch is applied or none of it is.
type Store interface {
	EnsureIndexes(ctx context.Context, specs []mapping.IndexSpec) []error
	UpsertNodes(ctx context.Context, b NodeBatch) (int, error)
	UpsertRelationships(ctx context.Context, b RelBatch) (RelResult, error)
	Promote(ctx context.Context, p Promotion) (int64, error)
	CountNodes(ctx context.Context, label string) (int64, error)
	CountEdges(ctx context.Context, relType string) (int64, error)
	CountMissingProperty(ctx context.Context, target string, onRelationship bool, property string) (int64, error)
}

// CypherRunner is implemented by stores that can evaluate raw Cypher assertions. The query
// must return a single boolean column named ok.
type CypherRunner interface {
	RunAssertion(ctx context.Context, query string, params map[string]any) (bool, error)
}

type EdgeSample struct {
	From  string         `json:"from"`
	To    string         `json:"to"`
	Props map[string]any `json:"props"`
}

// NullKeyCleaner previews and purges edges of a type that lack a property, in chunks.
type NullKeyCleaner interface {
	SampleMissingProperty(ctx context.Context, relType, property string, limit int) ([]EdgeSample, error)
	DeleteMissingPropertyChunk(ctx context.Context, relType, property string, chunk int) (int64, error)
}

const (
	DefaultPurgeChunk   = 20000
	DefaultPreviewLimit = 50
)

// PurgeMissingProperty deletes every relType edge lacking property, one chunk per
// transaction, until a chunk comes back short. progress, if set, sees the running total.
func PurgeMissingProperty(ctx context.Context, c NullKeyCleaner, relType, property string, chunk int, progress func(total int64)) (int64, error) {
	if chunk <= 0 {
		chunk = DefaultPurgeChunk
	}
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := c.DeleteMissingPropertyChunk(ctx, relType, property, chunk)
		if err != nil {
			return total, err
		}
		total += n
		if progress != nil && n > 0 {
			progress(total)
		}
		if n < int64(chunk) {
			return total, nil
		}
	}
}
