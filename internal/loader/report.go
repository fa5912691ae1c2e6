package loader

import (
	"encoding/json"
	"time"

	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/mapping"
	"github.com/yungbote/graphstage/internal/validation"
)

// State is the lifecycle of one rule within a run.
type State string

const (
	StatePending    State = "pending"
	StateStreaming  State = "streaming"
	StateBatching   State = "batching"
	StateCommitting State = "committing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

type FileReport struct {
	Rule            string           `json:"rule"`
	Kind            mapping.StepKind `json:"kind"`
	File            string           `json:"file"`
	State           State            `json:"state"`
	RowsAttempted   int              `json:"rows_attempted"`
	RowsLoaded      int              `json:"rows_loaded"`
	RowsRejected    int              `json:"rows_rejected"`
	CommittedChunks []int            `json:"committed_chunks"`
	Retries         int              `json:"retries,omitempty"`
	Error           string           `json:"error,omitempty"`
}

type DerivedReport struct {
	Rule         string `json:"rule"`
	GenericType  string `json:"generic_type"`
	PromotedType string `json:"promoted_type"`
	State        State  `json:"state"`
	Promoted     int64  `json:"promoted"`
	Error        string `json:"error,omitempty"`
}

// Report is the machine-readable outcome of a run. Every rejected row and failed assertion
// is listed.
type Report struct {
	IngestBatchID string              `json:"ingest_batch_id"`
	DatasetID     string              `json:"dataset_id"`
	SchemaVersion string              `json:"schema_version"`
	Status        ingest.BatchStatus  `json:"status"`
	DryRun        bool                `json:"dry_run,omitempty"`
	StartedAt     time.Time           `json:"started_at"`
	FinishedAt    time.Time           `json:"finished_at"`
	RowsAttempted int64               `json:"rows_attempted"`
	RowsLoaded    int64               `json:"rows_loaded"`
	RowsRejected  int64               `json:"rows_rejected"`
	Files         []*FileReport       `json:"files"`
	Derived       []*DerivedReport    `json:"derived"`
	Rejections    []ingest.RowError   `json:"rejections"`
	Assertions    []validation.Result `json:"assertions,omitempty"`
	Error         string              `json:"error,omitempty"`

	// DanglingDropped counts relationship rows dropped at commit time because an endpoint
	// node does not exist. These drops are not subject to auto_consent_drop_invalid.
	DanglingDropped int64 `json:"dangling_dropped,omitempty"`
}

func newReport(datasetID, schemaVersion string, started time.Time) *Report {
	return &Report{
		DatasetID:     datasetID,
		SchemaVersion: schemaVersion,
		Status:        ingest.BatchRunning,
		StartedAt:     started,
		Files:         []*FileReport{},
		Derived:       []*DerivedReport{},
		Rejections:    []ingest.RowError{},
	}
}

// ExitCode maps the status to a process exit code: 0 complete, 2 partial, 1 otherwise.
func (r *Report) ExitCode() int {
	if r == nil {
		return 1
	}
	switch r.Status {
	case ingest.BatchComplete:
		return 0
	case ingest.BatchPartial:
		return 2
	default:
		return 1
	}
}

// File returns the report entry of a node or relationship rule.
func (r *Report) File(rule string) *FileReport {
	for _, f := range r.Files {
		if f.Rule == rule {
			return f
		}
	}
	return nil
}

func (r *Report) DerivedRule(rule string) *DerivedReport {
	for _, d := range r.Derived {
		if d.Rule == rule {
			return d
		}
	}
	return nil
}

func (r *Report) FailedAssertions() []ingest.AssertionFailure {
	return validation.Failures(r.Assertions)
}

func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func (r *Report) totals() {
	r.RowsAttempted, r.RowsLoaded, r.RowsRejected = 0, 0, 0
	for _, f := range r.Files {
		r.RowsAttempted += int64(f.RowsAttempted)
		r.RowsLoaded += int64(f.RowsLoaded)
		r.RowsRejected += int64(f.RowsRejected)
	}
}
