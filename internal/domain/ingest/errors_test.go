package ingest

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIntegrityErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("verify: %w", NewIntegrityError(FileFailure{Kind: ChecksumMismatch, File: "synset.csv", Expected: "aa", Actual: "bb"}))
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected errors.Is(ErrIntegrity)")
	}
	var ie *IntegrityError
	if !errors.As(err, &ie) || len(ie.Failures) != 1 {
		t.Fatalf("expected IntegrityError with one failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "checksum_mismatch file=synset.csv expected=aa actual=bb") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestTransactionErrorUnwraps(t *testing.T) {
	root := errors.New("connection reset")
	err := &TransactionError{Rule: "relationships.SYNSET", Chunk: 2, Attempts: 3, Err: root}
	if !errors.Is(err, ErrTransaction) || !errors.Is(err, root) {
		t.Fatalf("expected both sentinel and root cause to match")
	}
	if Fatal(err) {
		t.Fatalf("transaction errors are not fatal")
	}
}

func TestFatalClassification(t *testing.T) {
	if !Fatal(ConfigError("bad")) {
		t.Fatalf("configuration errors are fatal")
	}
	if !Fatal(fmt.Errorf("x: %w", ErrRunCollision)) {
		t.Fatalf("collisions are fatal")
	}
	if Fatal(errors.New("boom")) {
		t.Fatalf("plain errors are not fatal")
	}
}
