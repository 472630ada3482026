package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cardscan/cardscan/internal/protocol"
)

type imageUpload struct {
	data      []byte
	sessionID *int64
}

// readImage reads an image either from a JSON body carrying base64 data or
// from a multipart form field named "image"
func (h *Handler) readImage(w http.ResponseWriter, r *http.Request) (*imageUpload, error) {
	// base64 inflates by a third, leave room for the JSON envelope
	r.Body = http.MaxBytesReader(w, r.Body, h.maxImageSize*4/3+4096)

	if strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
		return h.readMultipartImage(r)
	}

	var request protocol.ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	data, err := protocol.DecodeImage(request.Image)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxImageSize {
		return nil, fmt.Errorf("image too large (max %d bytes)", h.maxImageSize)
	}
	return &imageUpload{data: data, sessionID: request.SessionID}, nil
}

func (h *Handler) readMultipartImage(r *http.Request) (*imageUpload, error) {
	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image contents: %w", err)
	}
	if int64(len(data)) > h.maxImageSize {
		return nil, fmt.Errorf("image too large (max %d bytes)", h.maxImageSize)
	}

	upload := &imageUpload{data: data}
	if v := r.FormValue("session_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid session_id %q", v)
		}
		upload.sessionID = &id
	}
	return upload, nil
}
