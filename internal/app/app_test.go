package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yungbote/graphstage/internal/data/graph"
	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/manifest"
	"github.com/yungbote/graphstage/internal/mapping"
	"github.com/yungbote/graphstage/internal/platform/logger"
)

const testMapping = `
schema_version: "3.0"
source_system: wordnet
nodes:
  - label: Synset
    source_file: synsets.csv
    key_column: synsetid
    key_type: int
    properties:
      - column: definition
relationships:
  - type: SEMLINK
    source_file: semlinks.csv
    from_label: Synset
    from_key_column: synset1id
    to_label: Synset
    to_key_column: synset2id
    key_properties:
      - column: linkid
        type: int
derived:
  - from_generic_type: SEMLINK
    discriminator_property: linkid
    discriminator_value: 1
    promoted_type: HYPERNYM
validations:
  - kind: node_count_min
    target: Synset
    parameters:
      min: 3
  - kind: edge_exists
    target: HYPERNYM
`

var testCSV = map[string]string{
	"synsets.csv":  "synsetid,definition\n1,entity\n2,physical entity\n3,abstraction\n",
	"semlinks.csv": "synset1id,synset2id,linkid\n2,1,1\n3,1,1\n3,2,7\n",
}

// writeDataset lays out a source directory with a manifest and a mapping file next to it.
func writeDataset(t *testing.T) (dir, mappingPath string) {
	t.Helper()
	dir = t.TempDir()
	man := map[string]any{"dataset_id": "wordnet", "schema_version": "3.0"}
	var files []map[string]any
	for _, name := range []string{"semlinks.csv", "synsets.csv"} {
		body := testCSV[name]
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		sum, rows, err := manifest.Inspect(strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		files = append(files, map[string]any{"name": name, "sha256": sum, "row_count": rows})
	}
	man["files"] = files
	raw, _ := json.Marshal(man)
	if err := os.WriteFile(filepath.Join(dir, DefaultManifestName), raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json.sha256"), []byte(manifest.Digest(raw)+"  manifest.json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mappingPath = filepath.Join(t.TempDir(), "wordnet.yaml")
	if err := os.WriteFile(mappingPath, []byte(testMapping), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir, mappingPath
}

func dryRunConfig(dir, mappingPath string) Config {
	cfg := DefaultConfig()
	cfg.Source = dir
	cfg.Mapping = mappingPath
	cfg.ManifestDigest = "manifest.json.sha256"
	cfg.DryRun = true
	cfg.Params.IngestBatchID = "app-test"
	return cfg
}

func TestLoadDryRunWritesReport(t *testing.T) {
	clearEnv(t)
	dir, mappingPath := writeDataset(t)
	cfg := dryRunConfig(dir, mappingPath)
	ctx := context.Background()

	a, err := New(ctx, cfg, nil, NeedSource, NeedMapping, NeedGraph)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(ctx)
	var out bytes.Buffer
	a.Out = &out

	rep, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rep.Status != ingest.BatchComplete || !rep.DryRun || rep.RowsLoaded != 6 {
		t.Fatalf("report: status=%s dry=%v loaded=%d err=%s", rep.Status, rep.DryRun, rep.RowsLoaded, rep.Error)
	}
	if len(rep.Assertions) != 2 || len(rep.FailedAssertions()) != 0 {
		t.Fatalf("assertions: %+v", rep.Assertions)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, out.String())
	}
	if decoded["status"] != "complete" || decoded["ingest_batch_id"] != "app-test" {
		t.Fatalf("decoded report: %v", decoded)
	}
	if n, _ := a.Store.CountEdges(ctx, "HYPERNYM"); n != 2 {
		t.Fatalf("hypernyms: %d", n)
	}
	idx := a.Store.(*graph.MemoryStore).Indexes()
	if len(idx) != 1 || idx[0].Label != "Synset" || !idx[0].Unique {
		t.Fatalf("indexes: %+v", idx)
	}
}

func TestLoadReportPath(t *testing.T) {
	clearEnv(t)
	dir, mappingPath := writeDataset(t)
	cfg := dryRunConfig(dir, mappingPath)
	cfg.ReportPath = filepath.Join(t.TempDir(), "report.json")
	ctx := context.Background()

	a, err := New(ctx, cfg, nil, NeedSource, NeedMapping, NeedGraph)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(ctx)
	if _, err := a.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	raw, err := os.ReadFile(cfg.ReportPath)
	if err != nil || !bytes.Contains(raw, []byte(`"status": "complete"`)) {
		t.Fatalf("report file: %s err=%v", raw, err)
	}
}

func TestVerifyDetectsTamperedFile(t *testing.T) {
	clearEnv(t)
	dir, mappingPath := writeDataset(t)
	ctx := context.Background()
	a, err := New(ctx, dryRunConfig(dir, mappingPath), nil, NeedSource)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(ctx)

	if _, err := a.Verify(ctx); err != nil {
		t.Fatalf("clean verify: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "synsets.csv"), []byte(testCSV["synsets.csv"]+"4,extra\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = a.Verify(ctx)
	var ierr *ingest.IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("want integrity error, got %v", err)
	}
}

func TestManifestDigestMismatch(t *testing.T) {
	clearEnv(t)
	dir, mappingPath := writeDataset(t)
	if err := os.WriteFile(filepath.Join(dir, "manifest.json.sha256"), []byte(strings.Repeat("a", 64)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	a, err := New(ctx, dryRunConfig(dir, mappingPath), nil, NeedSource)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(ctx)
	if _, err := a.LoadManifest(ctx); !errors.Is(err, ingest.ErrIntegrity) {
		t.Fatalf("want integrity error, got %v", err)
	}
}

func TestPlan(t *testing.T) {
	clearEnv(t)
	_, mappingPath := writeDataset(t)
	a, err := New(context.Background(), Config{Mapping: mappingPath}, nil, NeedMapping)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, steps, err := a.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []string{"nodes.Synset", "relationships.SEMLINK", "derived.HYPERNYM"}
	if len(steps) != len(want) {
		t.Fatalf("steps: %+v", steps)
	}
	for i, s := range steps {
		if s.Name != want[i] {
			t.Fatalf("step %d: want=%s got=%s", i, want[i], s.Name)
		}
	}
	if steps[2].Kind != mapping.StepDerived {
		t.Fatalf("last step kind: %s", steps[2].Kind)
	}
}

func TestPurgeNullPreviewThenApply(t *testing.T) {
	clearEnv(t)
	store := graph.NewMemoryStore()
	store.InsertEdge("SEMLINK", "Synset", int64(1), "Synset", int64(2), map[string]any{"linkid": int64(1)})
	store.InsertEdge("SEMLINK", "Synset", int64(2), "Synset", int64(3), map[string]any{})
	store.InsertEdge("SEMLINK", "Synset", int64(3), "Synset", int64(1), nil)
	a := &App{Log: logger.NewNop(), Store: store}
	ctx := context.Background()

	res, err := a.PurgeNull(ctx, "SEMLINK", "linkid", 1, 10, false)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if res.Missing != 2 || len(res.Sample) != 2 || res.Deleted != 0 {
		t.Fatalf("preview: %+v", res)
	}
	if n, _ := store.CountEdges(ctx, "SEMLINK"); n != 3 {
		t.Fatalf("preview deleted edges: %d", n)
	}

	res, err = a.PurgeNull(ctx, "SEMLINK", "linkid", 1, 10, true)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Deleted != 2 {
		t.Fatalf("apply: %+v", res)
	}
	if n, _ := store.CountEdges(ctx, "SEMLINK"); n != 1 {
		t.Fatalf("edges left: %d", n)
	}
}
