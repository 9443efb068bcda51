package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestHTTPTransport_CreateJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/jobs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer jwt-token", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://www.airbnb.com/rooms/1", body["url"])
		assert.Equal(t, "tok", body["token"])

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"jobId":                "abc",
				"estimatedTimeSeconds": 45,
				"pollUrl":              "http://x/api/v1/jobs/abc/status",
				"status":               "pending",
			},
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/", WithAuthToken("jwt-token"))
	created, err := tr.CreateJob(context.Background(), "https://www.airbnb.com/rooms/1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "abc", created.JobID)
	assert.Equal(t, 45, created.EstimatedTimeSeconds)
	assert.Equal(t, StatusPending, created.Status)
}

func TestHTTPTransport_ValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "Invalid request data",
			"details": []string{"url: must be an Airbnb listing URL"},
		})
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL).CreateJob(context.Background(), "https://example.com", "tok")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Invalid request data", apiErr.Message)
	assert.Equal(t, []string{"url: must be an Airbnb listing URL"}, apiErr.Details)
	assert.NotErrorIs(t, err, ErrJobNotFound)
}

func TestHTTPTransport_GetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/api/v1/jobs/abc/status":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success": true,
				"data": map[string]interface{}{
					"jobId":           "abc",
					"status":          "running",
					"progress":        65,
					"currentStep":     "analyzing",
					"stepDescription": "Scoring listing",
					"timing":          map[string]interface{}{"elapsedMs": 9000, "estimatedTimeRemainingMs": 20000},
					"nextPollDelayMs": 2000,
				},
			})
		default:
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "job not found"})
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, WithHTTPClient(srv.Client()))
	v, err := tr.GetStatus(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, v.Status)
	assert.Equal(t, 65, v.Progress)
	require.NotNil(t, v.Timing.EstimatedTimeRemainingMs)
	assert.Equal(t, int64(20000), *v.Timing.EstimatedTimeRemainingMs)

	_, err = tr.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestHTTPTransport_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL).GetStatus(context.Background(), "abc")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestPoller_WithHTTPTransport(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusCreated, map[string]interface{}{
				"success": true,
				"data":    map[string]interface{}{"jobId": "abc", "status": "pending", "estimatedTimeSeconds": 45},
			})
			return
		}
		n := polls.Add(1)
		if n == 2 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		status, progress := "running", 55
		if n >= 3 {
			status, progress = "completed", 100
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"jobId":    "abc",
				"status":   status,
				"progress": progress,
				"results":  map[string]interface{}{"analysis": map[string]interface{}{"overallScore": 80}},
			},
		})
	}))
	defer srv.Close()

	completed := make(chan State, 1)
	p := New(NewHTTPTransport(srv.URL), WithInterval(10*time.Millisecond), OnComplete(func(s State) { completed <- s }))
	defer p.Close()

	require.NoError(t, p.Start(context.Background(), "https://www.airbnb.com/rooms/1", "tok"))
	select {
	case s := <-completed:
		assert.Equal(t, "abc", s.JobID)
		assert.Equal(t, 100, s.Progress)
		assert.NotEmpty(t, s.Results)
	case <-time.After(3 * time.Second):
		t.Fatal("poller did not complete")
	}
	assert.Equal(t, int32(3), polls.Load())
}
