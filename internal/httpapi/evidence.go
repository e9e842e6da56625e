package httpapi

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/octolab-io/octolab/internal/evidence"
	"github.com/octolab-io/octolab/internal/types"
)

func (h *Handler) evidenceBundle(w http.ResponseWriter, r *http.Request) {
	lab, ok := h.labForEvidence(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-bundle.zip", lab.ID))
	if _, err := evidence.BuildUnverifiedBundle(r.Context(), w, lab); err != nil {
		h.logger.Error().Err(err).Str("lab_id", lab.ID.String()).Msg("building unverified bundle failed")
	}
}

func (h *Handler) evidenceVerifiedBundle(w http.ResponseWriter, r *http.Request) {
	lab, ok := h.labForEvidence(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := evidence.BuildVerifiedBundle(r.Context(), &buf, lab, h.cfg.HMACSecret); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-verified-bundle.zip", lab.ID))
	_, _ = w.Write(buf.Bytes())
}

type evidenceStatusResponse struct {
	EvidenceState  string `json:"evidence_state"`
	SealStatus     string `json:"seal_status"`
	ManifestSHA256 string `json:"manifest_sha256,omitempty"`
}

func (h *Handler) evidenceStatus(w http.ResponseWriter, r *http.Request) {
	lab, ok := h.labForEvidence(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, evidenceStatusResponse{
		EvidenceState:  string(lab.EvidenceState),
		SealStatus:     string(lab.EvidenceSealStatus),
		ManifestSHA256: lab.EvidenceManifestSHA256,
	})
}

// evidencePreview is admin-only: it lists what a bundle download would
// contain without requiring the lab to belong to the caller, since an
// operator investigating a reported incident rarely owns the lab in
// question. This reuses EnumerateBundleFiles rather than a separate
// listing so preview can never drift from what the real bundle endpoints
// actually produce.
func (h *Handler) evidencePreview(w http.ResponseWriter, r *http.Request) {
	if !h.isAdmin(r) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}

	id := chi.URLParam(r, "labID")
	lab, err := h.orch.GetLabByIDForAdmin(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := evidence.EnumerateBundleFiles(r.Context(), lab)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lab_id": lab.ID.String(), "files": entries})
}

// labForEvidence loads lab scoped to the caller, writing the appropriate
// error response and returning ok=false when it can't.
func (h *Handler) labForEvidence(w http.ResponseWriter, r *http.Request) (*types.Lab, bool) {
	ownerID := ownerIDFromRequest(r)
	if ownerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing owner identity"})
		return nil, false
	}
	lab, err := h.orch.GetLabForUser(r.Context(), ownerID, chi.URLParam(r, "labID"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return lab, true
}
