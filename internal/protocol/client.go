package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cardscan/cardscan/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound means the server received the commit but recognized no card
	ErrNotFound = errors.New("card not recognized")
	// ErrCommitInFlight means the session already has a commit outstanding
	ErrCommitInFlight = errors.New("commit already in flight for session")
	// ErrSessionClosed means the session no longer accepts records
	ErrSessionClosed = errors.New("scan session closed")
)

// TransientError is a failure that may succeed when retried: a transport
// error, a timeout or a 5xx answer
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a *TransientError
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// APIError is a non-retryable error answer from the server
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Client calls the probe/commit API
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL. Per-call timeouts
// come from the caller's context.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Probe sends a low resolution frame for a read-only evaluation
func (c *Client) Probe(ctx context.Context, sessionID *int64, frame []byte) (ProbeResponse, error) {
	var resp ProbeResponse
	err := c.do(ctx, "probe", http.MethodPost, "/api/probe", ProbeRequest{Image: EncodeImage(frame), SessionID: sessionID}, &resp)
	return resp, err
}

// Commit sends a full resolution still for identification
func (c *Client) Commit(ctx context.Context, sessionID *int64, still []byte) (CommitResponse, error) {
	var resp CommitResponse
	err := c.do(ctx, "commit", http.MethodPost, "/api/commit", CommitRequest{Image: EncodeImage(still), SessionID: sessionID}, &resp)
	return resp, err
}

// FetchConfig reads the quality thresholds
func (c *Client) FetchConfig(ctx context.Context) (ConfigResponse, error) {
	var resp ConfigResponse
	err := c.do(ctx, "fetch config", http.MethodGet, "/api/config", nil, &resp)
	return resp, err
}

// StartSession registers a new scan session and returns its id
func (c *Client) StartSession(ctx context.Context, label string) (int64, error) {
	var resp StartSessionResponse
	if err := c.do(ctx, "start session", http.MethodPost, "/api/sessions", StartSessionRequest{Label: label}, &resp); err != nil {
		return 0, err
	}
	return resp.SessionID, nil
}

// CloseSession closes a session and returns its summary
func (c *Client) CloseSession(ctx context.Context, id int64) (*models.SessionSummary, error) {
	var resp models.SessionSummary
	if err := c.do(ctx, "close session", http.MethodDelete, "/api/sessions/"+strconv.FormatInt(id, 10), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRecords lists stored records, optionally for one session
func (c *Client) ListRecords(ctx context.Context, sessionID *int64, limit int) ([]models.ScanRecord, error) {
	params := url.Values{}
	if sessionID != nil {
		params.Set("session_id", strconv.FormatInt(*sessionID, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/records"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp []models.ScanRecord
	err := c.do(ctx, "list records", http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransientError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		return nil
	}

	var apiErr ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &apiErr); err != nil || apiErr.Error == "" {
		apiErr.Error = strings.TrimSpace(string(raw))
	}

	slog.Debug("API error response", "op", op, "status", resp.StatusCode, "code", apiErr.Code, "error", apiErr.Error)

	switch {
	case resp.StatusCode == http.StatusNotFound && apiErr.Code == CodeNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode == http.StatusConflict && apiErr.Code == CodeSessionClosed:
		return fmt.Errorf("%s: %w", op, ErrSessionClosed)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %w", op, ErrCommitInFlight)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(apiErr.Error)}
	default:
		return &APIError{StatusCode: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
	}
}
