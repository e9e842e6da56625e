package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/octolab-io/octolab/internal/pathsafe"
	"github.com/octolab-io/octolab/internal/security"
)

// VerifyResult is the outcome of re-extracting and re-verifying a sealed
// evidence volume.
type VerifyResult struct {
	Valid        bool
	Reason       string
	FileMismatch []string
}

// Verify re-extracts volumeName into a fresh scratch directory, re-parses
// and re-canonicalizes the manifest it finds (never trusting the raw bytes
// on disk), checks the HMAC signature in constant time, then re-hashes
// every file the manifest lists. Any symlink anywhere in the extracted
// tree is a hard verification failure.
func Verify(ctx context.Context, volumeName string, secret []byte) (*VerifyResult, error) {
	scratch, err := os.MkdirTemp("", "octolab-evidence-verify-*")
	if err != nil {
		return nil, fmt.Errorf("evidence: creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := extractAndCheckNoSymlinks(ctx, volumeName, scratch); err != nil {
		return &VerifyResult{Valid: false, Reason: err.Error()}, nil
	}

	manifestPath, err := pathsafe.Within(scratch, manifestFileName)
	if err != nil {
		return &VerifyResult{Valid: false, Reason: "manifest path escapes extraction root"}, nil
	}
	sigPath, err := pathsafe.Within(scratch, signatureFileName)
	if err != nil {
		return &VerifyResult{Valid: false, Reason: "signature path escapes extraction root"}, nil
	}

	rawManifest, err := os.ReadFile(manifestPath)
	if err != nil {
		return &VerifyResult{Valid: false, Reason: "manifest.json missing or unreadable"}, nil
	}
	rawSig, err := os.ReadFile(sigPath)
	if err != nil {
		return &VerifyResult{Valid: false, Reason: "manifest.sig missing or unreadable"}, nil
	}

	var manifest Manifest
	if err := json.Unmarshal(rawManifest, &manifest); err != nil {
		return &VerifyResult{Valid: false, Reason: "manifest.json is not valid JSON"}, nil
	}

	canonical, err := security.CanonicalJSON(&manifest)
	if err != nil {
		return &VerifyResult{Valid: false, Reason: "manifest failed canonicalization"}, nil
	}
	if !security.VerifyHMAC(secret, canonical, string(rawSig)) {
		return &VerifyResult{Valid: false, Reason: "HMAC signature mismatch"}, nil
	}

	var mismatches []string
	for rel, expectedSum := range manifest.Files {
		filePath, err := pathsafe.Within(scratch, rel)
		if err != nil {
			mismatches = append(mismatches, rel+": path escapes extraction root")
			continue
		}
		actualSum, err := sha256File(filePath)
		if err != nil {
			mismatches = append(mismatches, rel+": unreadable")
			continue
		}
		if actualSum != expectedSum {
			mismatches = append(mismatches, rel+": digest mismatch")
		}
	}
	if len(mismatches) > 0 {
		return &VerifyResult{Valid: false, Reason: "one or more file digests did not match", FileMismatch: mismatches}, nil
	}

	return &VerifyResult{Valid: true}, nil
}

// extractAndCheckNoSymlinks extracts volumeName into destDir via
// ExtractVolume (which itself runs everything through safetar, already
// rejecting symlinks at the tar-member level) and then walks the result as
// a defense-in-depth check against any symlink that slipped through a
// future safetar regression.
func extractAndCheckNoSymlinks(ctx context.Context, volumeName, destDir string) error {
	if _, err := ExtractVolume(ctx, volumeName, destDir, nil); err != nil {
		return fmt.Errorf("extracting volume for verification: %w", err)
	}
	return filepath.Walk(destDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlink found in extracted evidence tree: %s", path)
		}
		return nil
	})
}
