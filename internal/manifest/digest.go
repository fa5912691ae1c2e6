package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/yungbote/graphstage/internal/domain/ingest"
)

func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// VerifyDigest checks raw against a detached checksum in sha256sum format ("<hex>  name").
func VerifyDigest(raw, digestFile []byte) error {
	fields := strings.Fields(string(digestFile))
	if len(fields) == 0 {
		return ingest.NewIntegrityError(ingest.FileFailure{
			Kind:   ingest.ManifestInvalid,
			File:   "manifest.sha256",
			Detail: "empty digest file",
		})
	}
	expected := strings.ToLower(fields[0])
	name := "manifest.json"
	if len(fields) > 1 {
		name = strings.TrimPrefix(fields[1], "*")
	}
	if actual := Digest(raw); actual != expected {
		return ingest.NewIntegrityError(ingest.FileFailure{
			Kind:     ingest.ChecksumMismatch,
			File:     name,
			Expected: expected,
			Actual:   actual,
		})
	}
	return nil
}
