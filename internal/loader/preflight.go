package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/yungbote/graphstage/internal/domain/ingest"
	"github.com/yungbote/graphstage/internal/manifest"
	"github.com/yungbote/graphstage/internal/observability"
)

// preflight runs every check that must pass before the first commit: manifest coverage and
// verification, header coverage, and a full sanitizer pass under the rejection policy.
func (l *Loader) preflight(ctx context.Context, rc *RunContext) error {
	ctx, span := observability.Tracer().Start(ctx, "graphstage.preflight")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	if err = rc.Manifest.CheckCoverage(rc.Mapping.SourceFiles()); err != nil {
		return err
	}

	p := rc.Params
	verifier := manifest.NewVerifier(rc.log, manifest.Options{
		Checksums:   p.VerifyChecksums,
		RowCounts:   p.VerifyRowCounts,
		Strict:      p.StrictVerify,
		Concurrency: p.VerifyConcurrency,
	})
	if err = verifier.Verify(ctx, rc.Manifest, l.src); err != nil {
		return err
	}

	if err = l.scan(ctx, rc); err != nil {
		return err
	}
	for _, rej := range rc.Report.Rejections {
		l.metrics.IncRejection(rej.Rule, string(rej.Reason))
	}
	err = rc.applyPolicy()
	return err
}

// scan reads every node and relationship file once, checks its header and sanitizes every
// row, filling attempted/rejected counts and the rejection list of the report.
func (l *Loader) scan(ctx context.Context, rc *RunContext) error {
	var problems []string
	for _, rp := range rc.plans {
		if rp.file == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := openRows(ctx, l.src, rp.file.File)
		if err != nil {
			return ingest.NewIntegrityError(ingest.FileFailure{Kind: ingest.UnreadableFile, File: rp.file.File, Detail: err.Error()})
		}
		missing := rp.sanitize.MissingHeaders(rows.Header())
		if len(missing) > 0 {
			_ = rows.Close()
			problems = append(problems, fmt.Sprintf("%s: %s lacks column(s) %s", rp.name(), rp.file.File, strings.Join(missing, ", ")))
			continue
		}
		err = rc.scanRows(rp, rows)
		_ = rows.Close()
		if err != nil {
			return ingest.NewIntegrityError(ingest.FileFailure{Kind: ingest.UnreadableFile, File: rp.file.File, Detail: err.Error()})
		}
	}
	if len(problems) > 0 {
		return &ingest.ConfigurationError{Problems: problems}
	}
	rc.Report.totals()
	return nil
}

func (rc *RunContext) scanRows(rp *rulePlan, rows *rowStream) error {
	fr := rp.file
	for {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fr.RowsAttempted++
		out := rc.sanitizer.Sanitize(row, rp.sanitize)
		if out.Accepted {
			continue
		}
		fr.RowsRejected++
		rc.Report.Rejections = append(rc.Report.Rejections, ingest.RowError{
			Rule:   rp.name(),
			File:   fr.File,
			Line:   row.Line,
			Column: out.Column,
			Reason: out.Reason,
			Value:  out.Raw,
		})
	}
}

// applyPolicy decides whether sanitizer rejections stop the run. Under strict_missing_key any
// relationship rejection is fatal. Otherwise rejections are dropped only with operator consent.
func (rc *RunContext) applyPolicy() error {
	p := rc.Params
	var (
		strictFailures  []ingest.FileFailure
		consentFailures []ingest.FileFailure
		dropped         int
	)
	for _, rp := range rc.plans {
		fr := rp.file
		if fr == nil || fr.RowsRejected == 0 {
			continue
		}
		dropped += fr.RowsRejected
		f := ingest.FileFailure{
			Kind:   ingest.KeyRejections,
			File:   fr.File,
			Actual: fmt.Sprint(fr.RowsRejected),
		}
		if p.StrictMissingKey && rp.rel != nil {
			f.Detail = fmt.Sprintf("%s rejected rows under strict_missing_key", rp.name())
			strictFailures = append(strictFailures, f)
			continue
		}
		f.Detail = fmt.Sprintf("%s rejected rows; set auto_consent_drop_invalid to drop them", rp.name())
		consentFailures = append(consentFailures, f)
	}
	if len(strictFailures) > 0 {
		return ingest.NewIntegrityError(strictFailures...)
	}
	if dropped == 0 {
		return nil
	}
	if !p.AutoConsentDropInvalid {
		return ingest.NewIntegrityError(consentFailures...)
	}
	rc.log.Warn("dropping rejected rows with operator consent", "rows", dropped)
	for _, rp := range rc.plans {
		if rp.file != nil && rp.file.RowsRejected > 0 {
			rc.log.Debug("rows dropped", "rule", rp.name(), "rows", rp.file.RowsRejected)
		}
	}
	return nil
}
