package evidence

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab-io/octolab/internal/types"
)

// stubExtract installs a fake extractVolumeFunc that "extracts" volumeName
// by writing the given files (name -> content) into destDir, and restores
// the real one on test cleanup.
func stubExtract(t *testing.T, files map[string]string) {
	t.Helper()
	old := extractVolumeFunc
	t.Cleanup(func() { extractVolumeFunc = old })
	extractVolumeFunc = func(ctx context.Context, volumeName, destDir string, asUID *int) ([]string, error) {
		if err := os.MkdirAll(destDir, 0o700); err != nil {
			return nil, err
		}
		var members []string
		for name, content := range files {
			if err := os.WriteFile(filepath.Join(destDir, name), []byte(content), 0o600); err != nil {
				return nil, err
			}
			members = append(members, name)
		}
		return members, nil
	}
}

func zipEntryNames(t *testing.T, data []byte) []string {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names
}

func TestBuildUnverifiedBundleManifestMatchesZipContents(t *testing.T) {
	stubExtract(t, map[string]string{
		"terminal.log": "session output",
		"capture.pcap": "fake pcap bytes",
	})

	lab := &types.Lab{ID: uuid.New(), EvidenceAuthVolume: "octolab_x_evidence_auth"}

	var buf bytes.Buffer
	manifest, err := BuildUnverifiedBundle(context.Background(), &buf, lab)
	require.NoError(t, err)

	zipNames := zipEntryNames(t, buf.Bytes())

	zipWithoutManifest := make([]string, 0, len(zipNames))
	for _, n := range zipNames {
		if n == "manifest.json" {
			continue
		}
		zipWithoutManifest = append(zipWithoutManifest, n)
	}

	assert.ElementsMatch(t, zipWithoutManifest, manifest.IncludedFiles)
	assert.True(t, manifest.Artifacts[KindTerminalLog])
	assert.True(t, manifest.Artifacts[KindPCAP])
	assert.False(t, manifest.Artifacts[KindScreenshot])

	// manifest.json must be the last entry in the archive, per spec.md §6.
	require.NotEmpty(t, zipNames)
	assert.Equal(t, "manifest.json", zipNames[len(zipNames)-1])
}

func TestBuildUnverifiedBundleDropsUnreadableFileFromManifestToo(t *testing.T) {
	stubExtract(t, map[string]string{"terminal.log": "ok"})

	lab := &types.Lab{ID: uuid.New(), EvidenceAuthVolume: "octolab_x_evidence_auth"}

	// Inject a "found but unreadable" entry by wrapping extraction: write
	// terminal.log normally, but also register a known name whose file
	// exists as a directory (so os.Open inside writeZipEntry fails).
	old := extractVolumeFunc
	t.Cleanup(func() { extractVolumeFunc = old })
	extractVolumeFunc = func(ctx context.Context, volumeName, destDir string, asUID *int) ([]string, error) {
		if err := os.MkdirAll(destDir, 0o700); err != nil {
			return nil, err
		}
		require.NoError(t, os.WriteFile(filepath.Join(destDir, "terminal.log"), []byte("ok"), 0o600))
		// capture.pcap exists as a directory, not a file: Stat succeeds (so
		// it's "found"), but opening it as a file for zip copy fails.
		require.NoError(t, os.Mkdir(filepath.Join(destDir, "capture.pcap"), 0o700))
		return []string{"terminal.log", "capture.pcap"}, nil
	}

	var buf bytes.Buffer
	manifest, err := BuildUnverifiedBundle(context.Background(), &buf, lab)
	require.NoError(t, err)

	zipNames := zipEntryNames(t, buf.Bytes())
	assert.NotContains(t, zipNames, filepath.Join("auth", "capture.pcap"))
	assert.NotContains(t, manifest.IncludedFiles, filepath.Join("auth", "capture.pcap"))
	assert.False(t, manifest.Artifacts[KindPCAP])
	assert.Contains(t, manifest.IncludedFiles, filepath.Join("auth", "terminal.log"))
}

func TestBuildUnverifiedBundleEmptyVolumeYieldsManifestOnlyZip(t *testing.T) {
	stubExtract(t, map[string]string{})

	lab := &types.Lab{ID: uuid.New(), EvidenceAuthVolume: "octolab_x_evidence_auth"}

	var buf bytes.Buffer
	manifest, err := BuildUnverifiedBundle(context.Background(), &buf, lab)
	require.NoError(t, err)
	assert.Empty(t, manifest.IncludedFiles)

	zipNames := zipEntryNames(t, buf.Bytes())
	assert.Equal(t, []string{"manifest.json"}, zipNames)
}

func TestEnumerateBundleFilesMatchesWhatBuildWouldInclude(t *testing.T) {
	stubExtract(t, map[string]string{
		"terminal.log": "session output",
	})

	lab := &types.Lab{ID: uuid.New(), EvidenceAuthVolume: "octolab_x_evidence_auth"}

	entries, err := EnumerateBundleFiles(context.Background(), lab)
	require.NoError(t, err)

	var buf bytes.Buffer
	manifest, err := BuildUnverifiedBundle(context.Background(), &buf, lab)
	require.NoError(t, err)

	var previewPaths []string
	for _, e := range entries {
		previewPaths = append(previewPaths, e.Path)
	}
	assert.ElementsMatch(t, previewPaths, manifest.IncludedFiles)
}

func TestBundleManifestIsValidJSONWithLabID(t *testing.T) {
	stubExtract(t, map[string]string{"terminal.log": "x"})
	lab := &types.Lab{ID: uuid.New(), EvidenceAuthVolume: "octolab_x_evidence_auth"}

	var buf bytes.Buffer
	_, err := BuildUnverifiedBundle(context.Background(), &buf, lab)
	require.NoError(t, err)

	r, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	f, err := r.Open("manifest.json")
	require.NoError(t, err)
	defer f.Close()

	var decoded BundleManifest
	require.NoError(t, json.NewDecoder(f).Decode(&decoded))
	assert.Equal(t, lab.ID.String(), decoded.LabID)
	assert.False(t, decoded.Verified)
}
