// Package protocol defines the probe/commit wire contract between a
// capture client and the identification server, and an HTTP client for it.
package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cardscan/cardscan/internal/models"
)

// Probe statuses
const (
	StatusCard   = "card"
	StatusNoCard = "no_card"
)

// Error codes carried in ErrorResponse.Code
const (
	CodeNotFound       = "not_found"
	CodeCommitInFlight = "commit_in_flight"
	CodeInvalid        = "invalid_request"
	CodeSessionClosed  = "session_closed"
	CodeNoSuchResource = "no_such_resource"
	CodeUpstream       = "upstream_error"
	CodeInternal       = "internal_error"
)

// ImageRequest is the body of both probe and commit requests. Image holds
// base64 encoded bytes, optionally as a data URL.
type ImageRequest struct {
	Image     string `json:"image"`
	SessionID *int64 `json:"session_id"`
}

// ProbeRequest is a cheap, read-only evaluation of a low resolution frame
type ProbeRequest = ImageRequest

// CommitRequest submits a full resolution still for identification
type CommitRequest = ImageRequest

type ProbeResponse struct {
	Status  string             `json:"status"`
	Quality float64            `json:"quality"`
	Cause   string             `json:"cause,omitempty"`
	Overlay *models.OverlayBox `json:"overlay,omitempty"`
}

// IsCard reports whether the server saw a card
func (r ProbeResponse) IsCard() bool {
	return r.Status == StatusCard
}

// FingerprintMatch names the stored record a commit duplicates
type FingerprintMatch struct {
	ScanID   int64 `json:"scan_id"`
	Distance int   `json:"distance"`
}

type CommitResponse struct {
	ScanID            int64              `json:"scan_id"`
	SessionID         *int64             `json:"session_id,omitempty"`
	Candidate         models.Candidate   `json:"candidate"`
	Candidates        []models.Candidate `json:"candidates,omitempty"`
	Attributes        models.Attributes  `json:"attributes"`
	Pricing           models.Pricing     `json:"pricing"`
	Fingerprint       string             `json:"fingerprint"`
	ImageURL          string             `json:"image_url,omitempty"`
	FingerprintMatch  *FingerprintMatch  `json:"fingerprint_match,omitempty"`
	DuplicateOf       *int64             `json:"duplicate_of_scan_id,omitempty"`
	DuplicateDistance *int               `json:"duplicate_distance,omitempty"`
}

// NewCommitResponse builds the response for a stored record
func NewCommitResponse(rec *models.ScanRecord, imageURL string) CommitResponse {
	resp := CommitResponse{
		ScanID:            rec.ID,
		SessionID:         rec.SessionID,
		Candidate:         rec.Candidate,
		Candidates:        rec.Candidates,
		Attributes:        rec.Attributes,
		Pricing:           rec.Pricing,
		Fingerprint:       rec.Fingerprint,
		ImageURL:          imageURL,
		DuplicateOf:       rec.DuplicateOf,
		DuplicateDistance: rec.DuplicateDistance,
	}
	if rec.DuplicateOf != nil && rec.DuplicateDistance != nil {
		resp.FingerprintMatch = &FingerprintMatch{ScanID: *rec.DuplicateOf, Distance: *rec.DuplicateDistance}
	}
	return resp
}

// ConfigResponse holds the quality thresholds a client reads once per
// session start
type ConfigResponse struct {
	MinQualityCommit    float64 `json:"min_quality_commit"`
	MinQualityProbeWarn float64 `json:"min_quality_probe_warn"`
}

type StartSessionRequest struct {
	Label string `json:"label"`
}

type StartSessionResponse struct {
	SessionID int64 `json:"session_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// EncodeImage encodes raw image bytes for a request body
func EncodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeImage accepts plain base64 or a data URL
func DecodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("image is required")
	}
	if strings.HasPrefix(s, "data:") {
		_, payload, ok := strings.Cut(s, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data URL")
		}
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	return data, nil
}
