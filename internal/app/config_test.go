package app

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/graphstage/internal/domain/ingest"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		ConfigEnv, "LOG_MODE", "GRAPHSTAGE_SOURCE", "GRAPHSTAGE_MAPPING", "GRAPHSTAGE_DRY_RUN",
		"NEO4J_URI", "NEO4J_PASSWORD", "LEDGER_DSN", "REDIS_ADDR", "GRAPHSTAGE_BATCH_SIZE",
		"GRAPHSTAGE_MIN_BACKOFF", "METRICS_PUSHGATEWAY_URL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigLayersFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "graphstage.yaml")
	body := `
source: /data/wordnet
mapping: /etc/graphstage/wordnet.yaml
neo4j:
  uri: bolt://file-host:7687
  database: wordnet
ledger_dsn: sqlite:/tmp/ledger.db
params:
  batch_size: 250
  strict_missing_key: true
  min_backoff: 250ms
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEO4J_URI", "bolt://env-host:7687")
	t.Setenv("GRAPHSTAGE_MIN_BACKOFF", "2")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Source != "/data/wordnet" || cfg.Neo4j.Database != "wordnet" || cfg.LedgerDSN != "sqlite:/tmp/ledger.db" {
		t.Fatalf("file values: %+v", cfg)
	}
	if cfg.Neo4j.URI != "bolt://env-host:7687" {
		t.Fatalf("env must override file: %q", cfg.Neo4j.URI)
	}
	p := cfg.Params
	if p.BatchSize != 250 || !p.StrictMissingKey || p.MinBackoff != 2*time.Second {
		t.Fatalf("params: %+v", p)
	}
	if !p.VerifyChecksums || p.MaxAttempts != 5 || p.NullSentinel != `\N` {
		t.Fatalf("defaults lost under partial params: %+v", p)
	}
	if err := cfg.Validate(NeedSource, NeedMapping, NeedGraph); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("source: ./csv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigEnv, path)
	cfg, err := LoadConfig("")
	if err != nil || cfg.Source != "./csv" {
		t.Fatalf("cfg=%+v err=%v", cfg, err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	clearEnv(t)
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing explicit file must fail")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("params: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); !errors.Is(err, ingest.ErrConfiguration) {
		t.Fatalf("want configuration error, got %v", err)
	}
}

func TestValidateNeeds(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("no needs: %v", err)
	}

	err := cfg.Validate(NeedSource, NeedMapping, NeedGraph)
	var cerr *ingest.ConfigurationError
	if !errors.As(err, &cerr) || len(cerr.Problems) != 3 {
		t.Fatalf("want three problems, got %v", err)
	}

	cfg.Source, cfg.Mapping, cfg.DryRun = "/data", "m.json", true
	if err := cfg.Validate(NeedSource, NeedMapping, NeedGraph); err != nil {
		t.Fatalf("dry run needs no neo4j: %v", err)
	}

	cfg.LogMode = "verbose"
	cfg.PushgatewayURL = "not a url"
	err = cfg.Validate()
	if !errors.As(err, &cerr) || len(cerr.Problems) != 2 || !strings.Contains(err.Error(), "LogMode") {
		t.Fatalf("format problems: %v", err)
	}
}
