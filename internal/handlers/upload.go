package handlers

import (
	"net/http"

	"github.com/cardscan/cardscan/internal/protocol"
)

// HandleProbe evaluates a low resolution frame. Nothing is stored.
func (h *Handler) HandleProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w)
		return
	}

	upload, err := h.readImage(w, r)
	if err != nil {
		h.writeError(w, err.Error(), protocol.CodeInvalid, http.StatusBadRequest)
		return
	}

	resp, err := h.service.Probe(upload.data)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, resp)
}

// HandleCommit identifies a full resolution still and records it
func (h *Handler) HandleCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w)
		return
	}

	upload, err := h.readImage(w, r)
	if err != nil {
		h.writeError(w, err.Error(), protocol.CodeInvalid, http.StatusBadRequest)
		return
	}

	rec, err := h.service.Commit(r.Context(), upload.sessionID, upload.data)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, protocol.NewCommitResponse(rec, ScansPath+rec.ImagePath))
}

// HandleConfig returns the quality thresholds for capture clients
func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w)
		return
	}
	t := h.service.Thresholds()
	h.writeJSON(w, protocol.ConfigResponse{
		MinQualityCommit:    t.MinCommit,
		MinQualityProbeWarn: t.MinProbeWarn,
	})
}
