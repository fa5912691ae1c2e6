package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yungbote/graphstage/internal/manifest"
)

const cliMapping = `{
  "schema_version": "1",
  "nodes": [
    {"label": "Word", "source_file": "words.csv", "key_column": "wordid", "key_type": "int",
     "properties": [{"column": "lemma"}]}
  ],
  "relationships": [
    {"type": "SIMILAR", "source_file": "similar.csv", "from_label": "Word", "from_key_column": "a",
     "to_label": "Word", "to_key_column": "b"}
  ]
}`

func writeRelease(t *testing.T) (dir, mappingPath string) {
	t.Helper()
	for _, k := range []string{"GRAPHSTAGE_CONFIG", "GRAPHSTAGE_SOURCE", "GRAPHSTAGE_MAPPING", "NEO4J_URI", "LEDGER_DSN", "REDIS_ADDR", "GRAPHSTAGE_BATCH_SIZE"} {
		t.Setenv(k, "")
	}
	t.Setenv("LOG_LEVEL", "error")
	dir = t.TempDir()
	files := map[string]string{
		"words.csv":   "wordid,lemma\n1,big\n2,large\n3,huge\n",
		"similar.csv": "a,b\n1,2\n2,3\n",
	}
	var entries []map[string]any
	for _, name := range []string{"similar.csv", "words.csv"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(files[name]), 0o644); err != nil {
			t.Fatal(err)
		}
		sum, rows, err := manifest.Inspect(strings.NewReader(files[name]))
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, map[string]any{"name": name, "sha256": sum, "row_count": rows})
	}
	raw, _ := json.Marshal(map[string]any{"dataset_id": "thesaurus", "schema_version": "1", "files": entries})
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}
	mappingPath = filepath.Join(t.TempDir(), "mapping.json")
	if err := os.WriteFile(mappingPath, []byte(cliMapping), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir, mappingPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPlanPrintsLoadOrder(t *testing.T) {
	_, mappingPath := writeRelease(t)
	out, err := run(t, "plan", "--mapping", mappingPath)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	iNodes := strings.Index(out, "nodes.Word")
	iRels := strings.Index(out, "relationships.SIMILAR")
	if iNodes < 0 || iRels < iNodes {
		t.Fatalf("plan output:\n%s", out)
	}
}

func TestVerifyCommand(t *testing.T) {
	dir, mappingPath := writeRelease(t)
	out, err := run(t, "verify", "--source", dir, "--mapping", mappingPath)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "thesaurus 1: 2 files verified") {
		t.Fatalf("verify output: %q", out)
	}
}

func TestLoadDryRunAndFlagPrecedence(t *testing.T) {
	dir, mappingPath := writeRelease(t)
	cfgPath := filepath.Join(t.TempDir(), "graphstage.yaml")
	if err := os.WriteFile(cfgPath, []byte("source: /nonexistent\nparams:\n  batch_size: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "load", "--config", cfgPath, "--source", dir, "--mapping", mappingPath, "--dry-run", "--ingest-batch-id", "cli-1")
	if err != nil {
		t.Fatalf("load: %v\n%s", err, out)
	}
	var rep struct {
		Status        string `json:"status"`
		IngestBatchID string `json:"ingest_batch_id"`
		DryRun        bool   `json:"dry_run"`
		Files         []struct {
			Rule            string `json:"rule"`
			CommittedChunks []int  `json:"committed_chunks"`
		} `json:"files"`
	}
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("report: %v\n%s", err, out)
	}
	if rep.Status != "complete" || rep.IngestBatchID != "cli-1" || !rep.DryRun {
		t.Fatalf("report: %+v", rep)
	}
	// batch_size 1 from the file survives; --source overrides the file.
	if len(rep.Files) != 2 || len(rep.Files[0].CommittedChunks) != 3 {
		t.Fatalf("files: %+v", rep.Files)
	}
}

func TestLoadFatalExitCode(t *testing.T) {
	dir, mappingPath := writeRelease(t)
	if err := os.WriteFile(filepath.Join(dir, "words.csv"), []byte("wordid,lemma\n1,big\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := run(t, "load", "--source", dir, "--mapping", mappingPath, "--dry-run")
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 1 {
		t.Fatalf("tampered release must exit 1, got %v", err)
	}
}

func TestPurgeNullRequiresTypeAndProperty(t *testing.T) {
	writeRelease(t)
	if _, err := run(t, "purge-null", "--dry-run"); err == nil || !strings.Contains(err.Error(), "--type") {
		t.Fatalf("want usage error, got %v", err)
	}
}

func TestStrictVerifyUsage(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"load", "verify"} {
		sub, _, err := root.Find([]string{name})
		if err != nil {
			t.Fatalf("find %s: %v", name, err)
		}
		f := sub.Flags().Lookup("strict-verify")
		if f == nil || !strings.Contains(f.Usage, "first failing file") {
			t.Fatalf("%s --strict-verify usage: %+v", name, f)
		}
	}
}
