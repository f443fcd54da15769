package api

import "net/http"

type validateCodeRequest struct {
	Code string `json:"code"`
}

// ValidateCode handles POST /api/guest/validate-code. It always consults the
// authoritative record and returns what the code unlocks.
func (h *Handler) ValidateCode(w http.ResponseWriter, r *http.Request) {
	var req validateCodeRequest
	if err := decode(r, &req); err != nil {
		h.errs.Write(w, r, err)
		return
	}

	grant, err := h.codes.Validate(r.Context(), req.Code)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	JSON(w, http.StatusOK, grant)
}
