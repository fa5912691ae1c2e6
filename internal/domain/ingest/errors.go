package ingest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIntegrity marks checksum, row-count and manifest coverage failures. Always fatal, pre-load.
	ErrIntegrity = errors.New("integrity error")
	// ErrConfiguration marks mapping/configuration problems. Always fatal, pre-load.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransaction marks store-level commit failures after retries were exhausted.
	ErrTransaction = errors.New("transaction error")
	// ErrAssertion marks a failed post-load assertion.
	ErrAssertion = errors.New("assertion failure")
	// ErrRunCollision is returned when another run holds the same dataset/schema/batch key.
	ErrRunCollision = errors.New("run collision")
)

type FailureKind string

const (
	ChecksumMismatch    FailureKind = "checksum_mismatch"
	RowCountMismatch    FailureKind = "row_count_mismatch"
	MissingFromManifest FailureKind = "missing_from_manifest"
	UnreadableFile      FailureKind = "unreadable_file"
	ManifestInvalid     FailureKind = "manifest_invalid"
	KeyRejections       FailureKind = "key_rejections"
)

type FileFailure struct {
	Kind     FailureKind `json:"kind"`
	File     string      `json:"file"`
	Expected string      `json:"expected,omitempty"`
	Actual   string      `json:"actual,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

func (f FileFailure) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s file=%s", f.Kind, f.File)
	if f.Expected != "" || f.Actual != "" {
		fmt.Fprintf(&b, " expected=%s actual=%s", f.Expected, f.Actual)
	}
	if f.Detail != "" {
		fmt.Fprintf(&b, " (%s)", f.Detail)
	}
	return b.String()
}

// IntegrityError carries every file-level failure found in one pass.
type IntegrityError struct {
	Failures []FileFailure
}

func (e *IntegrityError) Error() string {
	if e == nil || len(e.Failures) == 0 {
		return ErrIntegrity.Error()
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%s: %s", ErrIntegrity, strings.Join(parts, "; "))
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

func NewIntegrityError(failures ...FileFailure) *IntegrityError {
	return &IntegrityError{Failures: failures}
}

// ConfigurationError lists every problem found while checking a mapping or run configuration.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return ErrConfiguration.Error()
	}
	return fmt.Sprintf("%s: %s", ErrConfiguration, strings.Join(e.Problems, "; "))
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func ConfigError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Problems: []string{fmt.Sprintf(format, args...)}}
}

type RejectReason string

const (
	ReasonMissingKey       RejectReason = "missing_key"
	ReasonMalformedType    RejectReason = "malformed_type"
	ReasonDanglingEndpoint RejectReason = "dangling_endpoint"
)

// RowError describes one rejected source row.
type RowError struct {
	Rule   string       `json:"rule"`
	File   string       `json:"file"`
	Line   int          `json:"line"`
	Column string       `json:"column,omitempty"`
	Reason RejectReason `json:"reason"`
	Value  string       `json:"value,omitempty"`
}

func (e RowError) Error() string {
	msg := fmt.Sprintf("%s:%d %s", e.File, e.Line, e.Reason)
	if e.Column != "" {
		msg += " column=" + e.Column
	}
	if e.Value != "" {
		msg += fmt.Sprintf(" value=%q", e.Value)
	}
	return msg
}

type TransactionError struct {
	Rule     string
	Chunk    int
	Attempts int
	Err      error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: rule=%s chunk=%d attempts=%d: %v", ErrTransaction, e.Rule, e.Chunk, e.Attempts, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

func (e *TransactionError) Is(target error) bool { return target == ErrTransaction }

type AssertionFailure struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func (e AssertionFailure) Error() string {
	return fmt.Sprintf("%s: %s (%s): %s", ErrAssertion, e.Name, e.Kind, e.Reason)
}

func (e AssertionFailure) Is(target error) bool { return target == ErrAssertion }

// Fatal reports whether err must stop a run before or between commits without retry.
func Fatal(err error) bool {
	return errors.Is(err, ErrIntegrity) || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrRunCollision)
}
