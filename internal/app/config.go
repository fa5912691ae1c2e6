package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/loader"
	"github.com/yungbote/graphstage/internal/platform/envutil"
	"github.com/yungbote/graphstage/internal/platform/neo4jdb"
	"github.com/yungbote/graphstage/internal/platform/redislock"
)

const (
	DefaultManifestName = "manifest.json"
	ConfigEnv           = "GRAPHSTAGE_CONFIG"
)

// Config is everything a command needs. Values are layered: defaults, then the YAML file,
// then environment, then flags (applied by the caller).
type Config struct {
	LogMode string `yaml:"log_mode" validate:"omitempty,oneof=development production"`

	// Source is a local directory, an http(s) base URL or gs://bucket/prefix holding the CSVs.
	Source string `yaml:"source"`
	// Manifest is a local path; when empty, DefaultManifestName is read from Source.
	Manifest string `yaml:"manifest"`
	// ManifestDigest is the detached checksum of the manifest, local path or name under Source.
	ManifestDigest string `yaml:"manifest_digest"`
	Mapping        string `yaml:"mapping"`

	Neo4j     neo4jdb.Config   `yaml:"neo4j"`
	Redis     redislock.Config `yaml:"redis"`
	LedgerDSN string           `yaml:"ledger_dsn"`

	// LedgerStaleAfter lets a new run reclaim a batch whose holder stopped heartbeating.
	LedgerStaleAfter time.Duration `yaml:"ledger_stale_after" validate:"gte=0"`

	Params loader.Params `yaml:"params"`

	DryRun         bool   `yaml:"dry_run"`
	SkipValidation bool   `yaml:"skip_validation"`
	ReportPath     string `yaml:"report_path"`

	MetricsAddr    string `yaml:"metrics_addr"`
	PushgatewayURL string `yaml:"pushgateway_url" validate:"omitempty,url"`
	Environment    string `yaml:"environment"`
}

func DefaultConfig() Config {
	return Config{
		LogMode:          "development",
		Neo4j:            neo4jdb.Config{User: "neo4j"},
		LedgerStaleAfter: 10 * time.Minute,
		Redis:            redislock.Config{Prefix: "graphstage:run:"},
		Params:           loader.DefaultParams(),
	}
}

var validate = validator.New()

// LoadConfig layers defaults, the YAML file at path (or $GRAPHSTAGE_CONFIG) and environment
// overrides. A missing explicit file is an error; no file at all is fine.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		path = envutil.String(ConfigEnv, "")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, ingest.ConfigError("config %s: %v", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogMode = envutil.String("LOG_MODE", c.LogMode)
	c.Source = envutil.String("GRAPHSTAGE_SOURCE", c.Source)
	c.Manifest = envutil.String("GRAPHSTAGE_MANIFEST", c.Manifest)
	c.ManifestDigest = envutil.String("GRAPHSTAGE_MANIFEST_DIGEST", c.ManifestDigest)
	c.Mapping = envutil.String("GRAPHSTAGE_MAPPING", c.Mapping)
	c.ReportPath = envutil.String("GRAPHSTAGE_REPORT", c.ReportPath)
	c.DryRun = envutil.Bool("GRAPHSTAGE_DRY_RUN", c.DryRun)
	c.Environment = envutil.String("GRAPHSTAGE_ENV", c.Environment)

	c.Neo4j = neo4jdb.ConfigFromEnv(c.Neo4j)

	c.LedgerDSN = envutil.String("LEDGER_DSN", c.LedgerDSN)
	c.LedgerStaleAfter = envutil.Duration("LEDGER_STALE_AFTER", c.LedgerStaleAfter)

	c.Redis = redislock.ConfigFromEnv(c.Redis)

	p := &c.Params
	p.BatchSize = envutil.Int("GRAPHSTAGE_BATCH_SIZE", p.BatchSize)
	p.VerifyChecksums = envutil.Bool("GRAPHSTAGE_VERIFY_CHECKSUMS", p.VerifyChecksums)
	p.VerifyRowCounts = envutil.Bool("GRAPHSTAGE_VERIFY_ROWCOUNTS", p.VerifyRowCounts)
	p.StrictVerify = envutil.Bool("GRAPHSTAGE_STRICT_VERIFY", p.StrictVerify)
	p.StrictMissingKey = envutil.Bool("GRAPHSTAGE_STRICT_MISSING_KEY", p.StrictMissingKey)
	p.AutoConsentDropInvalid = envutil.Bool("GRAPHSTAGE_AUTO_CONSENT_DROP_INVALID", p.AutoConsentDropInvalid)
	p.IngestBatchID = envutil.String("GRAPHSTAGE_INGEST_BATCH_ID", p.IngestBatchID)
	p.BatchPrefix = envutil.String("GRAPHSTAGE_BATCH_PREFIX", p.BatchPrefix)
	p.NullSentinel = envutil.String("GRAPHSTAGE_NULL_SENTINEL", p.NullSentinel)
	p.SourceSystem = envutil.String("GRAPHSTAGE_SOURCE_SYSTEM", p.SourceSystem)
	p.MaxAttempts = envutil.Int("GRAPHSTAGE_MAX_ATTEMPTS", p.MaxAttempts)
	p.MinBackoff = envutil.Duration("GRAPHSTAGE_MIN_BACKOFF", p.MinBackoff)
	p.MaxBackoff = envutil.Duration("GRAPHSTAGE_MAX_BACKOFF", p.MaxBackoff)
	p.ChunkTimeout = envutil.Duration("GRAPHSTAGE_CHUNK_TIMEOUT", p.ChunkTimeout)

	c.MetricsAddr = envutil.String("METRICS_ADDR", c.MetricsAddr)
	c.PushgatewayURL = envutil.String("METRICS_PUSHGATEWAY_URL", c.PushgatewayURL)
}

// Need names an input a command cannot run without.
type Need int

const (
	NeedSource Need = iota
	NeedMapping
	NeedGraph
)

// Validate checks field formats and the inputs a command needs. Run parameters are checked by
// the loader.
func (c Config) Validate(needs ...Need) error {
	problems := []string{}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: validate: %w", err)
		}
		for _, fe := range verrs {
			if strings.HasPrefix(fe.Namespace(), "Config.Params.") {
				continue
			}
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	for _, n := range needs {
		switch n {
		case NeedSource:
			if strings.TrimSpace(c.Source) == "" {
				problems = append(problems, "source is required")
			}
		case NeedMapping:
			if strings.TrimSpace(c.Mapping) == "" {
				problems = append(problems, "mapping is required")
			}
		case NeedGraph:
			if !c.DryRun && strings.TrimSpace(c.Neo4j.URI) == "" {
				problems = append(problems, "neo4j.uri is required unless dry_run is set")
			}
		}
	}
	if len(problems) > 0 {
		return &ingest.ConfigurationError{Problems: problems}
	}
	return nil
}
