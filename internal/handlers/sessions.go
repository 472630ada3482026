package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cardscan/cardscan/internal/models"
	"github.com/cardscan/cardscan/internal/protocol"
	"github.com/cardscan/cardscan/internal/storage"
)

const maxRecordLimit = 1000

func (h *Handler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := h.store.ListSessions(r.Context())
		if err != nil {
			h.writeFailure(w, err)
			return
		}
		if sessions == nil {
			sessions = []*models.ScanSession{}
		}
		h.writeJSON(w, sessions)
	case http.MethodPost:
		var request protocol.StartSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, "Invalid JSON: "+err.Error(), protocol.CodeInvalid, http.StatusBadRequest)
			return
		}
		session, err := h.store.CreateSession(r.Context(), strings.TrimSpace(request.Label))
		if err != nil {
			h.writeFailure(w, err)
			return
		}
		h.writeJSONStatus(w, http.StatusCreated, protocol.StartSessionResponse{SessionID: session.ID})
	default:
		h.methodNotAllowed(w)
	}
}

// HandleSessionDetail returns a session on GET and closes it on DELETE
func (h *Handler) HandleSessionDetail(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.writeError(w, "Invalid session id", protocol.CodeInvalid, http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		session, err := h.store.GetSession(r.Context(), id)
		if err != nil {
			h.writeFailure(w, err)
			return
		}
		h.writeJSON(w, session)
	case http.MethodDelete:
		summary, err := h.store.CloseSession(r.Context(), id)
		if err != nil {
			h.writeFailure(w, err)
			return
		}
		h.writeJSON(w, summary)
	default:
		h.methodNotAllowed(w)
	}
}

// HandleRecords lists stored scans, optionally for one session
func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w)
		return
	}

	var filter storage.RecordFilter
	if v := r.URL.Query().Get("session_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, "Invalid session_id", protocol.CodeInvalid, http.StatusBadRequest)
			return
		}
		filter.SessionID = &id
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.writeError(w, "Invalid limit", protocol.CodeInvalid, http.StatusBadRequest)
			return
		}
		filter.Limit = min(limit, maxRecordLimit)
	}

	records, err := h.store.ListRecords(r.Context(), filter)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	out := make([]models.ScanRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, *rec)
	}
	h.writeJSON(w, out)
}
