package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cardscan/cardscan/internal/identify"
	"github.com/cardscan/cardscan/internal/protocol"
	"github.com/cardscan/cardscan/internal/scanning"
	"github.com/cardscan/cardscan/internal/storage"
)

// ScansPath is the URL prefix committed stills are served under
const ScansPath = "/static/scans/"

type Handler struct {
	service      *scanning.Service
	store        *storage.DB
	imagesDir    string
	maxImageSize int64
}

func New(service *scanning.Service, imagesDir string, maxImageSize int64) *Handler {
	if maxImageSize <= 0 {
		maxImageSize = 10 * 1024 * 1024
	}
	return &Handler{
		service:      service,
		store:        service.Store(),
		imagesDir:    imagesDir,
		maxImageSize: maxImageSize,
	}
}

// Register adds the API and static routes to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/probe", h.HandleProbe)
	mux.HandleFunc("/api/commit", h.HandleCommit)
	mux.HandleFunc("/api/config", h.HandleConfig)
	mux.HandleFunc("/api/sessions", h.HandleSessions)
	mux.HandleFunc("/api/sessions/", h.HandleSessionDetail)
	mux.HandleFunc("/api/records", h.HandleRecords)
	mux.HandleFunc(ScansPath, h.HandleStatic)
}

// Response helpers
func (h *Handler) writeJSON(w http.ResponseWriter, data any) {
	h.writeJSONStatus(w, http.StatusOK, data)
}

func (h *Handler) writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Unable to encode JSON response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message, code string, status int) {
	if status >= 500 {
		slog.Error(message, "code", code)
	} else {
		slog.Debug(message, "code", code)
	}
	h.writeJSONStatus(w, status, protocol.ErrorResponse{Error: message, Code: code})
}

// writeFailure maps a pipeline error to its status and error code
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "err", err)
		message = "Internal server error"
	}
	h.writeError(w, message, code, status)
}

func statusFor(err error) (int, string) {
	switch scanning.KindOf(err) {
	case scanning.KindValidation:
		return http.StatusBadRequest, protocol.CodeInvalid
	case scanning.KindNotFound:
		if errors.Is(err, identify.ErrNotFound) {
			return http.StatusNotFound, protocol.CodeNotFound
		}
		return http.StatusNotFound, protocol.CodeNoSuchResource
	case scanning.KindConflict:
		return http.StatusConflict, protocol.CodeCommitInFlight
	case scanning.KindClosed:
		return http.StatusConflict, protocol.CodeSessionClosed
	case scanning.KindUpstream:
		return http.StatusBadGateway, protocol.CodeUpstream
	default:
		return http.StatusInternalServerError, protocol.CodeInternal
	}
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter) {
	h.writeError(w, "Method not allowed", protocol.CodeInvalid, http.StatusMethodNotAllowed)
}
