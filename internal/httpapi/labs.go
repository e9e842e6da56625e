package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type createLabRequest struct {
	RecipeID string `json:"recipe_id"`
}

func (h *Handler) createLab(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerIDFromRequest(r)
	if ownerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing owner identity"})
		return
	}

	var req createLabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecipeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "recipe_id is required"})
		return
	}

	recipe, err := h.recipes.Resolve(r.Context(), req.RecipeID)
	if err != nil {
		writeError(w, err)
		return
	}

	lab, err := h.orch.CreateLab(r.Context(), ownerID, recipe)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lab)
}

func (h *Handler) listLabs(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerIDFromRequest(r)
	if ownerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing owner identity"})
		return
	}

	labs, err := h.orch.ListLabsForOwner(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, labs)
}

func (h *Handler) getLab(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerIDFromRequest(r)
	if ownerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing owner identity"})
		return
	}

	lab, err := h.orch.GetLabForUser(r.Context(), ownerID, chi.URLParam(r, "labID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lab)
}

func (h *Handler) endLab(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerIDFromRequest(r)
	if ownerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing owner identity"})
		return
	}

	if err := h.orch.EndLab(r.Context(), ownerID, chi.URLParam(r, "labID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type connectResponse struct {
	RedirectURL string `json:"redirect_url"`
}

func (h *Handler) connectJSON(w http.ResponseWriter, r *http.Request) {
	url, ok, err := h.connect(w, r)
	if !ok {
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{RedirectURL: url})
}

func (h *Handler) connectRedirect(w http.ResponseWriter, r *http.Request) {
	url, ok, err := h.connect(w, r)
	if !ok {
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// connect resolves the owner, writing the 401 itself and returning
// ok=false when missing, so both the JSON and redirect variants share one
// authorization check.
func (h *Handler) connect(w http.ResponseWriter, r *http.Request) (url string, ok bool, err error) {
	ownerID := ownerIDFromRequest(r)
	if ownerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing owner identity"})
		return "", false, nil
	}
	url, err = h.orch.ConnectURL(r.Context(), ownerID, chi.URLParam(r, "labID"))
	return url, true, err
}
