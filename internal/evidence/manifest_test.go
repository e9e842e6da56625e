package evidence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildManifestHashesFilesExcludingManifestAndSig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "terminal.log"), []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte("stale"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, signatureFileName), []byte("stale"), 0o600))

	manifest, err := BuildManifest(dir)
	require.NoError(t, err)

	assert.Len(t, manifest.Files, 1)
	assert.Contains(t, manifest.Files, "terminal.log")
	assert.NotEmpty(t, manifest.Files["terminal.log"])
}

func TestBuildManifestNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("a"), 0o600))

	manifest, err := BuildManifest(dir)
	require.NoError(t, err)
	assert.Contains(t, manifest.Files, "sub/a.txt")
}

func TestVolumeNamesAreDeterministicAndDistinct(t *testing.T) {
	id := uuid.New()
	auth, user := VolumeNames(id)
	assert.NotEqual(t, auth, user)
	auth2, user2 := VolumeNames(id)
	assert.Equal(t, auth, auth2)
	assert.Equal(t, user, user2)
}
