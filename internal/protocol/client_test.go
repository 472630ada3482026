package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cardscan/cardscan/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestProbeRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/probe", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var req ProbeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data, err := DecodeImage(req.Image)
		require.NoError(t, err)
		assert.Equal(t, []byte("frame"), data)
		require.NotNil(t, req.SessionID)
		assert.Equal(t, int64(7), *req.SessionID)

		writeJSON(w, http.StatusOK, ProbeResponse{
			Status:  StatusCard,
			Quality: 0.8,
			Overlay: &models.OverlayBox{X: 0.4, Y: 0.3, W: 0.2, H: 0.28},
		})
	}))
	defer srv.Close()

	id := int64(7)
	resp, err := NewClient(srv.URL).Probe(context.Background(), &id, []byte("frame"))
	require.NoError(t, err)
	assert.True(t, resp.IsCard())
	assert.Equal(t, 0.8, resp.Quality)
	require.NotNil(t, resp.Overlay)
	assert.Equal(t, 0.28, resp.Overlay.H)
}

func TestCommitErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		target    error
		transient bool
	}{
		{name: "miss", status: http.StatusNotFound, code: CodeNotFound, target: ErrNotFound},
		{name: "in flight", status: http.StatusConflict, code: CodeCommitInFlight, target: ErrCommitInFlight},
		{name: "closed", status: http.StatusConflict, code: CodeSessionClosed, target: ErrSessionClosed},
		{name: "server error", status: http.StatusBadGateway, code: CodeUpstream, transient: true},
		{name: "throttled", status: http.StatusTooManyRequests, code: CodeUpstream, transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, ErrorResponse{Error: tt.name, Code: tt.code})
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL).Commit(context.Background(), nil, []byte("still"))
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestBadRequestIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "image is required", Code: CodeInvalid})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Commit(context.Background(), nil, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, CodeInvalid, apiErr.Code)
	assert.False(t, IsTransient(err))
}

func TestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL).Probe(ctx, nil, []byte("frame"))
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := NewClient(srv.URL).Probe(ctx, nil, []byte("frame"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).FetchConfig(context.Background())
	assert.True(t, IsTransient(err))
}

func TestSessionCalls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req StartSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "binder", req.Label)
		writeJSON(w, http.StatusOK, StartSessionResponse{SessionID: 3})
	})
	mux.HandleFunc("DELETE /api/sessions/3", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.SessionSummary{Records: 2, Duplicates: 1})
	})
	mux.HandleFunc("GET /api/records", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("session_id"))
		writeJSON(w, http.StatusOK, []models.ScanRecord{{ID: 1}, {ID: 2}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	id, err := c.StartSession(context.Background(), "binder")
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)

	records, err := c.ListRecords(context.Background(), &id, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	summary, err := c.CloseSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Duplicates)
}

func TestDecodeImage(t *testing.T) {
	data, err := DecodeImage("data:image/jpeg;base64," + EncodeImage([]byte{0xff, 0xd8}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8}, data)

	_, err = DecodeImage("")
	assert.Error(t, err)
	_, err = DecodeImage("not base64!!")
	assert.Error(t, err)
}

func TestNewCommitResponseFlagsDuplicate(t *testing.T) {
	first, distance := int64(1), 0
	resp := NewCommitResponse(&models.ScanRecord{ID: 2, DuplicateOf: &first, DuplicateDistance: &distance}, "/static/scans/x.jpg")
	require.NotNil(t, resp.FingerprintMatch)
	assert.Equal(t, int64(1), resp.FingerprintMatch.ScanID)
	assert.Equal(t, 0, resp.FingerprintMatch.Distance)

	resp = NewCommitResponse(&models.ScanRecord{ID: 3}, "")
	assert.Nil(t, resp.FingerprintMatch)
	assert.Nil(t, resp.DuplicateOf)
}
