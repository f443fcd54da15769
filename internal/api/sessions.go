package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetSession handles GET /api/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	s, err := h.conv.Get(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// CloseSession handles POST /api/sessions/{id}/close.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	s, err := h.conv.Close(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	if h.live != nil {
		h.live.CloseSession(s.ID)
	}
	JSON(w, http.StatusOK, s)
}
