package evidence

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/octolab-io/octolab/internal/orcherr"
	"github.com/octolab-io/octolab/internal/types"
)

// BundleEntry names one file a bundle would include and what kind of
// artifact it is.
type BundleEntry struct {
	Path string
	Kind string
}

// Artifact kinds recognized by the bundle manifest's presence flags.
const (
	KindTerminalLog = "terminal_log"
	KindPCAP        = "pcap"
	KindScreenshot  = "screenshot"
	KindOther       = "other"
)

// BundleManifest describes what a built bundle actually contains — derived
// from what was successfully written, never from the pre-write enumeration.
type BundleManifest struct {
	LabID         string          `json:"lab_id"`
	BuiltAt       time.Time       `json:"built_at"`
	Verified      bool            `json:"verified"`
	IncludedFiles []string        `json:"included_files"`
	Artifacts     map[string]bool `json:"artifacts"`
}

// extractVolumeFunc is the extraction hook bundle enumeration/building goes
// through; swapped out in tests so the manifest-truth property can be
// exercised without a real Docker daemon.
var extractVolumeFunc = ExtractVolume

// knownBundleFiles are the well-known artifact names a lab's evidence
// volumes may contain, and which presence-flag kind each belongs to.
var knownBundleFiles = map[string]string{
	"terminal.log":    KindTerminalLog,
	"capture.pcap":    KindPCAP,
	"screenshot.png":  KindScreenshot,
	manifestFileName:  KindOther,
	signatureFileName: KindOther,
}

// stageBundleSources extracts lab's evidence volumes into a fresh scratch
// directory under "auth/" and returns it alongside every known-kind file
// actually found there. The caller owns removing the scratch directory.
func stageBundleSources(ctx context.Context, lab *types.Lab) (scratchDir string, entries []BundleEntry, err error) {
	scratchDir, err = os.MkdirTemp("", "octolab-bundle-*")
	if err != nil {
		return "", nil, fmt.Errorf("evidence: creating bundle scratch dir: %w", err)
	}

	authDir := filepath.Join(scratchDir, "auth")
	if lab.EvidenceAuthVolume != "" {
		// Extraction failure (volume never created, already reclaimed) means
		// no auth-side artifacts are available; that's a legitimate empty
		// bundle, not an error for the caller.
		_, _ = extractVolumeFunc(ctx, lab.EvidenceAuthVolume, authDir, nil)
	}

	for name, kind := range knownBundleFiles {
		path := filepath.Join(authDir, name)
		if _, statErr := os.Stat(path); statErr == nil {
			entries = append(entries, BundleEntry{Path: filepath.Join("auth", name), Kind: kind})
		}
	}
	return scratchDir, entries, nil
}

// EnumerateBundleFiles lists every file a complete bundle for lab would
// include. This is the single function both the real bundle builder and
// the admin preview endpoint call — there is no second, parallel listing.
func EnumerateBundleFiles(ctx context.Context, lab *types.Lab) ([]BundleEntry, error) {
	scratchDir, entries, err := stageBundleSources(ctx, lab)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratchDir)
	return entries, nil
}

// BuildUnverifiedBundle zips whatever stageBundleSources found and was
// actually written successfully. manifest.json's included_files and
// artifacts presence flags are derived from the zip writer's own
// successfully-closed entries, not from the enumeration — a file whose
// open/copy fails mid-stream is dropped from both the zip and the
// manifest. manifest.json is written last.
func BuildUnverifiedBundle(ctx context.Context, w io.Writer, lab *types.Lab) (*BundleManifest, error) {
	scratchDir, entries, err := stageBundleSources(ctx, lab)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratchDir)

	zw := zip.NewWriter(w)

	manifest := &BundleManifest{
		LabID:     lab.ID.String(),
		BuiltAt:   time.Now().UTC(),
		Verified:  false,
		Artifacts: map[string]bool{},
	}

	for _, e := range entries {
		if !writeZipEntry(zw, filepath.Join(scratchDir, e.Path), e.Path) {
			continue
		}
		manifest.IncludedFiles = append(manifest.IncludedFiles, e.Path)
		manifest.Artifacts[e.Kind] = true
	}

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("evidence: marshaling bundle manifest: %w", err)
	}
	zf, err := zw.Create("manifest.json")
	if err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("evidence: creating manifest.json entry: %w", err)
	}
	if _, err := zf.Write(manifestBytes); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("evidence: writing manifest.json entry: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("evidence: closing bundle zip: %w", err)
	}
	return manifest, nil
}

// BuildVerifiedBundle requires the lab's evidence to be sealed and to pass
// verification before zipping the auth dir (manifest + signature) plus,
// optionally, the untrusted user dir under an "untrusted/" prefix.
func BuildVerifiedBundle(ctx context.Context, w io.Writer, lab *types.Lab, secret []byte) error {
	if lab.EvidenceSealStatus != types.SealSealed {
		return orcherr.New(orcherr.ErrNotSealed, "evidence has not been sealed for this lab", nil)
	}

	result, err := Verify(ctx, lab.EvidenceAuthVolume, secret)
	if err != nil {
		return orcherr.Wrap(orcherr.ErrVerificationFailed, err)
	}
	if !result.Valid {
		return orcherr.New(orcherr.ErrVerificationFailed, result.Reason, map[string]any{"mismatches": result.FileMismatch})
	}

	zw := zip.NewWriter(w)
	defer zw.Close()

	authDir, err := os.MkdirTemp("", "octolab-verified-bundle-auth-*")
	if err != nil {
		return fmt.Errorf("evidence: creating scratch auth dir: %w", err)
	}
	defer os.RemoveAll(authDir)
	if _, err := ExtractVolume(ctx, lab.EvidenceAuthVolume, authDir, nil); err != nil {
		return fmt.Errorf("evidence: extracting auth volume for bundle: %w", err)
	}
	if err := addDirToZip(zw, authDir, "auth"); err != nil {
		return err
	}

	if lab.EvidenceUserVolume != "" {
		userDir, err := os.MkdirTemp("", "octolab-verified-bundle-user-*")
		if err == nil {
			defer os.RemoveAll(userDir)
			if _, extractErr := ExtractVolume(ctx, lab.EvidenceUserVolume, userDir, nil); extractErr == nil {
				_ = addDirToZip(zw, userDir, "untrusted")
			}
		}
	}

	return nil
}

func writeZipEntry(zw *zip.Writer, srcPath, zipPath string) bool {
	f, err := os.Open(srcPath)
	if err != nil {
		return false
	}
	defer f.Close()

	w, err := zw.Create(zipPath)
	if err != nil {
		return false
	}
	if _, err := io.Copy(w, f); err != nil {
		return false
	}
	return true
}

func addDirToZip(zw *zip.Writer, dir, prefix string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		writeZipEntry(zw, path, filepath.Join(prefix, rel))
		return nil
	})
}
