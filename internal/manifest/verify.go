package manifest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/platform/logger"
)

// Opener streams the bytes of a named source file.
type Opener interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

type Options struct {
	Checksums bool
	RowCounts bool
	// Strict stops at the first failing file instead of collecting all of them.
	Strict bool
	// Concurrency bounds parallel file reads in collecting mode (default 4).
	Concurrency int
}

type Verifier struct {
	opts Options
	log  *logger.Logger
}

func NewVerifier(log *logger.Logger, opts Options) *Verifier {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Verifier{opts: opts, log: log.With("component", "ManifestVerifier")}
}

// Verify checks every manifest entry against the bytes src returns. It never mutates
// anything and may be re-run freely.
func (v *Verifier) Verify(ctx context.Context, m *Manifest, src Opener) error {
	if m == nil {
		return ingest.NewIntegrityError(ingest.FileFailure{Kind: ingest.ManifestInvalid, File: "manifest", Detail: "nil manifest"})
	}
	if !v.opts.Checksums && !v.opts.RowCounts {
		v.log.Info("manifest verification disabled", "dataset", m.DatasetID)
		return nil
	}

	if v.opts.Strict {
		for _, f := range m.Files {
			failures, err := v.verifyFile(ctx, f, src)
			if err != nil {
				return err
			}
			if len(failures) > 0 {
				return ingest.NewIntegrityError(failures[0])
			}
		}
		return nil
	}

	results := make([][]ingest.FileFailure, len(m.Files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Concurrency)
	for i, f := range m.Files {
		g.Go(func() error {
			failures, err := v.verifyFile(gctx, f, src)
			if err != nil {
				return err
			}
			results[i] = failures
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	var all []ingest.FileFailure
	for _, r := range results {
		all = append(all, r...)
	}
	if len(all) > 0 {
		return ingest.NewIntegrityError(all...)
	}
	return nil
}

func (v *Verifier) verifyFile(ctx context.Context, f File, src Opener) ([]ingest.FileFailure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := src.Open(ctx, f.Name)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return []ingest.FileFailure{{Kind: ingest.UnreadableFile, File: f.Name, Detail: err.Error()}}, nil
	}
	defer rc.Close()

	sum, rows, err := Inspect(rc)
	if err != nil {
		return []ingest.FileFailure{{Kind: ingest.UnreadableFile, File: f.Name, Detail: err.Error()}}, nil
	}

	var failures []ingest.FileFailure
	if v.opts.Checksums && sum != f.SHA256 {
		failures = append(failures, ingest.FileFailure{Kind: ingest.ChecksumMismatch, File: f.Name, Expected: f.SHA256, Actual: sum})
	}
	if v.opts.RowCounts && rows != f.RowCount {
		failures = append(failures, ingest.FileFailure{
			Kind:     ingest.RowCountMismatch,
			File:     f.Name,
			Expected: strconv.FormatInt(f.RowCount, 10),
			Actual:   strconv.FormatInt(rows, 10),
		})
	}
	if len(failures) == 0 {
		v.log.Debug("file verified", "file", f.Name, "rows", rows)
	} else {
		v.log.Warn("file failed verification", "file", f.Name, "failures", len(failures))
	}
	return failures, nil
}

// Inspect computes the SHA-256 of r and its data row count (lines minus header) in one pass.
// A last line without a trailing newline still counts.
func Inspect(r io.Reader) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, 1<<20)
	var (
		lines int64
		total int64
		last  byte
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = h.Write(chunk)
			lines += int64(bytes.Count(chunk, []byte{'\n'}))
			last = chunk[n-1]
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, err
		}
	}
	if total > 0 && last != '\n' {
		lines++
	}
	rows := lines - 1
	if rows < 0 {
		rows = 0
	}
	return hex.EncodeToString(h.Sum(nil)), rows, nil
}
