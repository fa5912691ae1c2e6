package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/yungbote/graphstage/internal/manifest"
	"github.com/yungbote/graphstage/internal/sanitize"
)

// rowStream reads one CSV file from the start. Streams are not shared: every pass over a file
// opens a new one.
type rowStream struct {
	name   string
	rc     io.ReadCloser
	r      *csv.Reader
	header []string
}

func openRows(ctx context.Context, src manifest.Opener, name string) (*rowStream, error) {
	rc, err := src.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loader: open %s: %w", name, err)
	}
	r := csv.NewReader(rc)
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	s := &rowStream{name: name, rc: rc, r: r}
	header, err := r.Read()
	switch {
	case errors.Is(err, io.EOF):
		s.header = []string{}
	case err != nil:
		_ = rc.Close()
		return nil, fmt.Errorf("loader: read header of %s: %w", name, err)
	default:
		s.header = make([]string, len(header))
		for i, h := range header {
			s.header[i] = sanitize.CleanHeader(h)
		}
	}
	return s, nil
}

func (s *rowStream) Header() []string { return s.header }

// Next returns the next record, or io.EOF after the last one.
func (s *rowStream) Next() (sanitize.Row, error) {
	rec, err := s.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return sanitize.Row{}, io.EOF
		}
		return sanitize.Row{}, fmt.Errorf("loader: read %s: %w", s.name, err)
	}
	line, _ := s.r.FieldPos(0)
	fields := make(map[string]string, len(s.header))
	for i, h := range s.header {
		if i < len(rec) {
			fields[h] = rec[i]
		}
	}
	return sanitize.Row{Line: line, Fields: fields}, nil
}

func (s *rowStream) Close() error { return s.rc.Close() }
