package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/octolab-io/octolab/internal/dockerfile"
)

type deployFromDockerfileRequest struct {
	Dockerfile  string                  `json:"dockerfile"`
	SourceFiles []dockerfile.SourceFile `json:"source_files"`
}

func (h *Handler) deployFromDockerfile(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerIDFromRequest(r)
	if ownerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing owner identity"})
		return
	}

	var req deployFromDockerfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	lab, err := h.orch.DeployFromDockerfile(r.Context(), ownerID, req.Dockerfile, req.SourceFiles)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lab)
}
