package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/octolab-io/octolab/internal/security"
	"github.com/octolab-io/octolab/internal/types"
)

// Seal builds a manifest over authDir, HMAC-seals it with secret, writes
// manifest.json + manifest.sig into the lab's authoritative volume, and
// updates the lab row to reflect the seal.
func Seal(ctx context.Context, lab *types.Lab, authDir string, secret []byte) error {
	manifest, err := BuildManifest(authDir)
	if err != nil {
		return fmt.Errorf("evidence: building manifest: %w", err)
	}
	manifest.LabID = lab.ID.String()
	manifest.SealedAt = time.Now().UTC()

	canonical, err := security.CanonicalJSON(manifest)
	if err != nil {
		return fmt.Errorf("evidence: canonicalizing manifest: %w", err)
	}
	sig := security.SealHMAC(secret, canonical)

	prettyManifest, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("evidence: marshaling manifest for storage: %w", err)
	}

	if err := writeFileToVolume(ctx, lab.EvidenceAuthVolume, manifestFileName, prettyManifest, 30*time.Second); err != nil {
		return err
	}
	if err := writeFileToVolume(ctx, lab.EvidenceAuthVolume, signatureFileName, []byte(sig), 30*time.Second); err != nil {
		return err
	}

	digest := sha256.Sum256(canonical)
	sealedAt := manifest.SealedAt
	lab.EvidenceSealStatus = types.SealSealed
	lab.EvidenceSealedAt = &sealedAt
	lab.EvidenceManifestSHA256 = hex.EncodeToString(digest[:])
	return nil
}
