// Package evidence implements the tamper-evident evidence subsystem:
// extracting a lab's Docker volumes, building and HMAC-sealing a manifest
// over the authoritative volume, verifying it on read, and assembling
// downloadable bundles. Grounded end-to-end on evidence_sealing.py.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/octolab-io/octolab/internal/runtime"
)

const (
	manifestFileName  = "manifest.json"
	signatureFileName = "manifest.sig"

	// EvidenceVersion/SealVersion are carried on every manifest so a future
	// format change can be detected by a verifier reading an old bundle.
	EvidenceVersion = 1
	SealVersion     = 1
)

// Manifest is the canonical, sealed description of an authoritative
// evidence volume's contents at seal time.
type Manifest struct {
	LabID           string            `json:"lab_id"`
	SealedAt        time.Time         `json:"sealed_at"`
	EvidenceVersion int               `json:"evidence_version"`
	SealVersion     int               `json:"seal_version"`
	Files           map[string]string `json:"files"`
}

// VolumeNames derives the two per-lab Docker volume names the evidence
// subsystem reads from: an authoritative (sealed) volume and an
// untrusted, user-writable one.
func VolumeNames(id uuid.UUID) (auth, user string) {
	return runtime.VolumeName(id, "evidence_auth"), runtime.VolumeName(id, "evidence_user")
}

// BuildManifest walks authDir (excluding the manifest/signature files
// themselves) and computes a SHA-256 digest per regular file.
func BuildManifest(authDir string) (*Manifest, error) {
	files := map[string]string{}

	err := filepath.WalkDir(authDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(authDir, path)
		if err != nil {
			return err
		}
		if rel == manifestFileName || rel == signatureFileName {
			return nil
		}
		sum, err := sha256File(path)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", rel, err)
		}
		files[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: walking %s: %w", authDir, err)
	}

	return &Manifest{
		EvidenceVersion: EvidenceVersion,
		SealVersion:     SealVersion,
		Files:           files,
	}, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
