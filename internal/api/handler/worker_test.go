package handler

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/listingboost/lb_server/internal/api/middleware"
	"github.com/listingboost/lb_server/internal/model"
	"github.com/listingboost/lb_server/internal/model/dto"
	"github.com/listingboost/lb_server/internal/pkg/logger"
	"github.com/listingboost/lb_server/internal/testutil"
)

func workerRouter(env *testEnv) *gin.Engine {
	h := NewWorkerHandler(env.proc, env.cfg.Queue.BatchBudget, true, logger.Discard())
	auth := middleware.WorkerAuth(env.cfg.Auth.WorkerSecret)

	router := gin.New()
	router.POST("/api/v1/jobs/process", auth, h.ProcessBatch)
	router.GET("/api/v1/jobs/process", h.QueueStatus)
	router.POST("/api/v1/worker/trigger", auth, h.Trigger)
	return router
}

func TestWorkerHandler_ProcessBatch(t *testing.T) {
	env := setupEnv(t, sampleScraper())
	router := workerRouter(env)
	for i := 0; i < 2; i++ {
		testutil.TestJob(t, env.db, testutil.WithURL(fmt.Sprintf("https://www.airbnb.com/rooms/%d", 300+i)))
	}
	testutil.TestJob(t, env.db,
		testutil.WithStatus(model.JobStatusFailed),
		testutil.WithExpiresAt(time.Now().Add(-time.Minute)),
	)

	w := doRequest(t, router, "POST", "/api/v1/jobs/process", nil, bearer(testWorkerSecret))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var summary dto.ProcessSummary
	parseResponse(t, w, &summary)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, int64(1), summary.Cleaned)
}

func TestWorkerHandler_ProcessBatch_Unauthorized(t *testing.T) {
	env := setupEnv(t, sampleScraper())
	job := testutil.TestJob(t, env.db)

	w := doRequest(t, workerRouter(env), "POST", "/api/v1/jobs/process", nil, bearer("wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	stored, err := env.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, stored.Status)
}

func TestWorkerHandler_QueueStatus(t *testing.T) {
	env := setupEnv(t, sampleScraper())
	testutil.TestJob(t, env.db)
	testutil.TestJob(t, env.db, testutil.WithStatus(model.JobStatusCompleted))

	w := doRequest(t, workerRouter(env), "GET", "/api/v1/jobs/process", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status dto.QueueStatusResponse
	parseResponse(t, w, &status)
	require.NotNil(t, status.Queue)
	assert.Equal(t, int64(1), status.Queue.Pending)
	assert.Equal(t, int64(1), status.Queue.Completed)
	assert.Equal(t, int64(2), status.Queue.Total)
	assert.False(t, status.Processor.IsProcessing)
}

func TestWorkerHandler_Trigger(t *testing.T) {
	env := setupEnv(t, sampleScraper())
	router := workerRouter(env)

	w := doRequest(t, router, "POST", "/api/v1/worker/trigger", nil, bearer(testWorkerSecret))
	require.Equal(t, http.StatusOK, w.Code)
	var idle dto.TriggerResponse
	parseResponse(t, w, &idle)
	assert.False(t, idle.Triggered)

	job := testutil.TestJob(t, env.db)
	w = doRequest(t, router, "POST", "/api/v1/worker/trigger", nil, bearer(testWorkerSecret))
	require.Equal(t, http.StatusOK, w.Code)

	var res dto.TriggerResponse
	parseResponse(t, w, &res)
	assert.True(t, res.Triggered)
	assert.Equal(t, job.ID, res.JobID)
	assert.Equal(t, "completed", res.Status)
}

func TestWorkerHandler_Trigger_Busy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	env := setupEnv(t, scraperFunc(func(_ context.Context, url string) (*model.ListingData, error) {
		close(started)
		<-release
		return testutil.SampleListing(url), nil
	}))
	router := workerRouter(env)
	testutil.TestJob(t, env.db)

	done := make(chan int, 1)
	go func() {
		w := doRequest(t, router, "POST", "/api/v1/worker/trigger", nil, bearer(testWorkerSecret))
		done <- w.Code
	}()
	<-started

	w := doRequest(t, router, "POST", "/api/v1/worker/trigger", nil, bearer(testWorkerSecret))
	require.Equal(t, http.StatusOK, w.Code)
	var busy dto.TriggerResponse
	parseResponse(t, w, &busy)
	assert.False(t, busy.Triggered)
	assert.Equal(t, "busy", busy.Reason)

	w = doRequest(t, router, "POST", "/api/v1/jobs/process", nil, bearer(testWorkerSecret))
	require.Equal(t, http.StatusOK, w.Code)
	parseResponse(t, w, &busy)
	assert.Equal(t, "busy", busy.Reason)

	close(release)
	assert.Equal(t, http.StatusOK, <-done)
}
