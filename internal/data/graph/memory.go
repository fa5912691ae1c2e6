package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yungbote/graphstage/internal/mapping"
)

// MemoryStore is an in-process Store used by tests and dry runs. Each call is applied under one
// lock, so a call either fully happens or (when BeforeCommit fails) not at all.
type MemoryStore struct {
	mu      sync.Mutex
	nodes   map[string]map[string]*memNode
	rels    map[string]map[string]*memRel
	indexes []mapping.IndexSpec
	commits []string

	// BeforeCommit, when set, runs before every mutating call with an op name such as
	// "nodes:Word", "relationships:SENSE" or "promote:HYPERNYM". A non-nil error aborts the call.
	BeforeCommit func(op string) error
}

type memNode struct {
	props map[string]any
}

type memRel struct {
	from  string
	to    string
	props map[string]any
}

// Edge is a read-only view of a stored relationship.
type Edge struct {
	From  string
	To    string
	Props map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: map[string]map[string]*memNode{},
		rels:  map[string]map[string]*memRel{},
	}
}

func valueID(v any) string {
	return fmt.Sprintf("%T:%v", v, v)
}

// NodeRef is how MemoryStore identifies an edge endpoint.
func NodeRef(label string, key any) string {
	return label + "/" + valueID(key)
}

func (s *MemoryStore) begin(op string) error {
	if s.BeforeCommit != nil {
		if err := s.BeforeCommit(op); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) EnsureIndexes(ctx context.Context, specs []mapping.IndexSpec) []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes = append(s.indexes, specs...)
	return nil
}

func (s *MemoryStore) UpsertNodes(ctx context.Context, b NodeBatch) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("nodes:" + b.Label); err != nil {
		return 0, err
	}
	byKey := s.nodes[b.Label]
	if byKey == nil {
		byKey = map[string]*memNode{}
		s.nodes[b.Label] = byKey
	}
	stamp := b.Stamp.Props()
	for _, row := range b.Rows {
		id := valueID(row.Key)
		n := byKey[id]
		if n == nil {
			n = &memNode{props: map[string]any{b.KeyProperty: row.Key}}
			byKey[id] = n
		}
		for k, v := range row.Props {
			n.props[k] = v
		}
		for k, v := range stamp {
			n.props[k] = v
		}
	}
	s.commits = append(s.commits, "nodes:"+b.Label)
	return len(b.Rows), nil
}

func (s *MemoryStore) UpsertRelationships(ctx context.Context, b RelBatch) (RelResult, error) {
	if err := ctx.Err(); err != nil {
		return RelResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("relationships:" + b.Type); err != nil {
		return RelResult{}, err
	}
	byKey := s.rels[b.Type]
	if byKey == nil {
		byKey = map[string]*memRel{}
		s.rels[b.Type] = byKey
	}
	stamp := b.Stamp.Props()
	var res RelResult
	for _, row := range b.Rows {
		from := NodeRef(b.FromLabel, row.From)
		to := NodeRef(b.ToLabel, row.To)
		if s.nodes[b.FromLabel][valueID(row.From)] == nil || s.nodes[b.ToLabel][valueID(row.To)] == nil {
			res.Dangling = append(res.Dangling, row.Line)
			continue
		}
		id := relID(from, to, b.KeyProperties, row.KeyProps)
		r := byKey[id]
		if r == nil {
			r = &memRel{from: from, to: to, props: map[string]any{}}
			for _, k := range b.KeyProperties {
				r.props[k] = row.KeyProps[k]
			}
			byKey[id] = r
		}
		for k, v := range row.Props {
			r.props[k] = v
		}
		for k, v := range stamp {
			r.props[k] = v
		}
		res.Loaded++
	}
	s.commits = append(s.commits, "relationships:"+b.Type)
	return res, nil
}

func relID(from, to string, keys []string, keyProps map[string]any) string {
	var b strings.Builder
	b.WriteString(from)
	b.WriteString("->")
	b.WriteString(to)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(valueID(keyProps[k]))
	}
	return b.String()
}

func (s *MemoryStore) Promote(ctx context.Context, p Promotion) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("promote:" + p.PromotedType); err != nil {
		return 0, err
	}
	promoted := s.rels[p.PromotedType]
	if promoted == nil {
		promoted = map[string]*memRel{}
		s.rels[p.PromotedType] = promoted
	}
	stamp := p.Stamp.Props()
	want := valueID(p.Value)
	touched := map[string]struct{}{}
	for _, g := range s.rels[p.GenericType] {
		v, ok := g.props[p.Property]
		if !ok || valueID(v) != want {
			continue
		}
		id := relID(g.from, g.to, nil, nil)
		r := promoted[id]
		if r == nil {
			r = &memRel{from: g.from, to: g.to, props: map[string]any{}}
			promoted[id] = r
		}
		r.props["derived_from"] = p.GenericType
		for k, v := range stamp {
			r.props[k] = v
		}
		touched[id] = struct{}{}
	}
	s.commits = append(s.commits, "promote:"+p.PromotedType)
	return int64(len(touched)), nil
}

func (s *MemoryStore) CountNodes(ctx context.Context, label string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.nodes[label])), nil
}

func (s *MemoryStore) CountEdges(ctx context.Context, relType string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rels[relType])), nil
}

func (s *MemoryStore) CountMissingProperty(ctx context.Context, target string, onRelationship bool, property string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if onRelationship {
		for _, r := range s.rels[target] {
			if r.props[property] == nil {
				n++
			}
		}
		return n, nil
	}
	for _, node := range s.nodes[target] {
		if node.props[property] == nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SampleMissingProperty(ctx context.Context, relType, property string, limit int) ([]EdgeSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	var out []EdgeSample
	for _, id := range sortedKeys(s.rels[relType]) {
		r := s.rels[relType][id]
		if r.props[property] != nil {
			continue
		}
		out = append(out, EdgeSample{From: r.from, To: r.to, Props: copyProps(r.props)})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteMissingPropertyChunk(ctx context.Context, relType, property string, chunk int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("purge:" + relType); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range sortedKeys(s.rels[relType]) {
		if n >= int64(chunk) {
			break
		}
		if s.rels[relType][id].props[property] == nil {
			delete(s.rels[relType], id)
			n++
		}
	}
	return n, nil
}

// InsertEdge stores a raw edge without endpoint checks. Tests use it to seed legacy data.
func (s *MemoryStore) InsertEdge(relType, fromLabel string, from any, toLabel string, to any, props map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rels[relType] == nil {
		s.rels[relType] = map[string]*memRel{}
	}
	f, t := NodeRef(fromLabel, from), NodeRef(toLabel, to)
	id := fmt.Sprintf("%s->%s#%d", f, t, len(s.rels[relType]))
	s.rels[relType][id] = &memRel{from: f, to: t, props: copyProps(props)}
}

// Node returns a copy of the properties of the node with the given label and key.
func (s *MemoryStore) Node(label string, key any) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[label][valueID(key)]
	if n == nil {
		return nil, false
	}
	return copyProps(n.props), true
}

// Edges returns every stored edge of relType in a stable order.
func (s *MemoryStore) Edges(relType string) []Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Edge, 0, len(s.rels[relType]))
	for _, id := range sortedKeys(s.rels[relType]) {
		r := s.rels[relType][id]
		out = append(out, Edge{From: r.from, To: r.to, Props: copyProps(r.props)})
	}
	return out
}

// Commits lists successful mutating calls in the order they were applied.
func (s *MemoryStore) Commits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commits...)
}

func (s *MemoryStore) Indexes() []mapping.IndexSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mapping.IndexSpec(nil), s.indexes...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyProps(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
