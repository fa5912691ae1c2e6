package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yungbote/graphstage/internal/domain/ingest"
)

var validate = validator.New()

type File struct {
	Name     string `json:"name" validate:"required"`
	SHA256   string `json:"sha256" validate:"required,len=64,hexadecimal,lowercase"`
	RowCount int64  `json:"row_count" validate:"gte=0"`
}

// UnmarshalJSON also accepts the legacy "rows" spelling. A missing count decodes to -1 so
// validation rejects it instead of treating it as an empty file.
func (f *File) UnmarshalJSON(b []byte) error {
	var aux struct {
		Name     string `json:"name"`
		SHA256   string `json:"sha256"`
		RowCount *int64 `json:"row_count"`
		Rows     *int64 `json:"rows"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	f.Name = strings.TrimSpace(aux.Name)
	f.SHA256 = strings.TrimSpace(aux.SHA256)
	switch {
	case aux.RowCount != nil:
		f.RowCount = *aux.RowCount
	case aux.Rows != nil:
		f.RowCount = *aux.Rows
	default:
		f.RowCount = -1
	}
	return nil
}

// Manifest is the immutable checksum + row-count ledger for one data drop.
type Manifest struct {
	DatasetID     string `json:"dataset_id" validate:"required"`
	SchemaVersion string `json:"schema_version"`
	Files         []File `json:"files" validate:"dive"`
}

func (m *Manifest) UnmarshalJSON(b []byte) error {
	var aux struct {
		DatasetID     string `json:"dataset_id"`
		Dataset       string `json:"dataset"`
		SchemaVersion string `json:"schema_version"`
		Version       string `json:"version"`
		Files         []File `json:"files"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	m.DatasetID = firstNonEmpty(aux.DatasetID, aux.Dataset)
	m.SchemaVersion = firstNonEmpty(aux.SchemaVersion, aux.Version)
	m.Files = aux.Files
	return nil
}

// Parse decodes and validates a manifest document.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, ingest.NewIntegrityError(ingest.FileFailure{
			Kind:   ingest.ManifestInvalid,
			File:   "manifest",
			Detail: err.Error(),
		})
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads a manifest from disk. When digestPath is non-empty the detached checksum is
// verified before parsing.
func Load(manifestPath, digestPath string) (*Manifest, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", manifestPath, err)
	}
	if strings.TrimSpace(digestPath) != "" {
		digest, err := os.ReadFile(digestPath)
		if err != nil {
			return nil, fmt.Errorf("manifest: read digest %s: %w", digestPath, err)
		}
		if err := VerifyDigest(raw, digest); err != nil {
			return nil, err
		}
	}
	return Parse(raw)
}

func (m *Manifest) Validate() error {
	var failures []ingest.FileFailure
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("manifest: validate: %w", err)
		}
		for _, fe := range verrs {
			failures = append(failures, ingest.FileFailure{
				Kind:   ingest.ManifestInvalid,
				File:   "manifest",
				Detail: fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()),
			})
		}
	}
	seen := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		key := path.Base(f.Name)
		if _, dup := seen[key]; dup {
			failures = append(failures, ingest.FileFailure{
				Kind:   ingest.ManifestInvalid,
				File:   f.Name,
				Detail: "listed more than once",
			})
		}
		seen[key] = struct{}{}
	}
	if len(failures) > 0 {
		return ingest.NewIntegrityError(failures...)
	}
	return nil
}

// Lookup finds a file entry by name, falling back to the base name so mapping sources may
// carry a directory prefix.
func (m *Manifest) Lookup(name string) (File, bool) {
	name = strings.TrimSpace(name)
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	base := path.Base(name)
	for _, f := range m.Files {
		if path.Base(f.Name) == base {
			return f, true
		}
	}
	return File{}, false
}

// CheckCoverage fails with MissingFromManifest for every referenced file the manifest lacks.
func (m *Manifest) CheckCoverage(names []string) error {
	var failures []ingest.FileFailure
	for _, name := range names {
		if _, ok := m.Lookup(name); !ok {
			failures = append(failures, ingest.FileFailure{Kind: ingest.MissingFromManifest, File: name})
		}
	}
	if len(failures) > 0 {
		return ingest.NewIntegrityError(failures...)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
