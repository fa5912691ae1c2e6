package loader

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/sanitize"
)

var validate = validator.New()

// Params are the per-run options. Zero values are replaced by DefaultParams before validation.
type Params struct {
	BatchSize              int           `yaml:"batch_size" validate:"gte=1,lte=1000000"`
	VerifyChecksums        bool          `yaml:"verify_checksums"`
	VerifyRowCounts        bool          `yaml:"verify_rowcounts"`
	StrictVerify           bool          `yaml:"strict_verify"`
	StrictMissingKey       bool          `yaml:"strict_missing_key"`
	AutoConsentDropInvalid bool          `yaml:"auto_consent_drop_invalid"`
	IngestBatchID          string        `yaml:"ingest_batch_id" validate:"omitempty,max=128,printascii"`
	BatchPrefix            string        `yaml:"batch_prefix" validate:"omitempty,max=32,printascii"`
	NullSentinel           string        `yaml:"null_sentinel"`
	SourceSystem           string        `yaml:"source_system"`
	MaxAttempts            int           `yaml:"max_attempts" validate:"gte=1,lte=50"`
	MinBackoff             time.Duration `yaml:"min_backoff" validate:"gt=0"`
	MaxBackoff             time.Duration `yaml:"max_backoff" validate:"gtefield=MinBackoff"`
	ChunkTimeout           time.Duration `yaml:"chunk_timeout" validate:"gte=0"`
	VerifyConcurrency      int           `yaml:"verify_concurrency" validate:"gte=0,lte=64"`
}

func DefaultParams() Params {
	return Params{
		BatchSize:         1000,
		VerifyChecksums:   true,
		VerifyRowCounts:   true,
		NullSentinel:      sanitize.DefaultSentinel,
		MaxAttempts:       5,
		MinBackoff:        500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		ChunkTimeout:      2 * time.Minute,
		VerifyConcurrency: 4,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.BatchSize == 0 {
		p.BatchSize = d.BatchSize
	}
	if p.NullSentinel == "" {
		p.NullSentinel = d.NullSentinel
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.MinBackoff == 0 {
		p.MinBackoff = d.MinBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = max(d.MaxBackoff, p.MinBackoff)
	}
	if p.ChunkTimeout == 0 {
		p.ChunkTimeout = d.ChunkTimeout
	}
	if p.VerifyConcurrency == 0 {
		p.VerifyConcurrency = d.VerifyConcurrency
	}
	p.IngestBatchID = strings.TrimSpace(p.IngestBatchID)
	return p
}

// Validate reports every invalid field as one ConfigurationError.
func (p Params) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("loader: validate params: %w", err)
	}
	cerr := &ingest.ConfigurationError{}
	for _, fe := range verrs {
		cerr.Problems = append(cerr.Problems, fmt.Sprintf("param %s failed %s", fe.Field(), fe.Tag()))
	}
	return cerr
}

// NewBatchID returns <prefix><schema>-<unix seconds>-<8 hex chars>.
func NewBatchID(prefix, schemaVersion string, now time.Time) string {
	schemaVersion = strings.TrimSpace(schemaVersion)
	if schemaVersion == "" {
		schemaVersion = "0"
	}
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%s-%d-%s", prefix, schemaVersion, now.Unix(), short)
}
