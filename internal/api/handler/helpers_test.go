package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/listingboost/lb_server/config"
	"github.com/listingboost/lb_server/internal/model"
	"github.com/listingboost/lb_server/internal/pipeline"
	"github.com/listingboost/lb_server/internal/pkg/logger"
	"github.com/listingboost/lb_server/internal/repository"
	"github.com/listingboost/lb_server/internal/service"
	"github.com/listingboost/lb_server/internal/testutil"
	"github.com/listingboost/lb_server/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testWorkerSecret = "worker-secret-0123456789"
	testJWTSecret    = "jwt-secret-for-handler-tests"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Mode: "test", PublicBaseURL: "https://api.example.com/"},
		Auth:   config.AuthConfig{JWTSecret: testJWTSecret, WorkerSecret: testWorkerSecret},
		Queue:  config.QueueConfig{BatchBudget: 5 * time.Second},
		Jobs: config.JobsConfig{
			TTL:              24 * time.Hour,
			MaxRetries:       3,
			MinTokenLength:   10,
			EstimatedSeconds: 45,
		},
		Scraper: config.ScraperConfig{
			Timeout:         time.Second,
			FreemiumTimeout: time.Second,
			FreemiumMemory:  512,
		},
		Cache: config.CacheConfig{Backend: "memory", TTL: time.Hour, Prefix: "freemium:"},
	}
}

// recordingDispatcher 记录派发的任务 ID
type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, jobID)
	return d.err
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type scraperFunc func(ctx context.Context, url string) (*model.ListingData, error)

func (f scraperFunc) Scrape(ctx context.Context, url string, _ pipeline.ScrapeOptions) (*model.ListingData, error) {
	return f(ctx, url)
}

func sampleScraper() scraperFunc {
	return func(_ context.Context, url string) (*model.ListingData, error) {
		return testutil.SampleListing(url), nil
	}
}

type testEnv struct {
	db         *gorm.DB
	cfg        *config.Config
	jobs       *service.JobService
	proc       *worker.Processor
	dispatcher *recordingDispatcher
}

func setupEnv(t *testing.T, scraper pipeline.Scraper) *testEnv {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	cfg := testConfig()
	jobs := service.NewJobService(repository.NewJobRepository(db, cfg.Jobs.TTL), cfg, logger.Discard())
	runner := pipeline.NewRunner(scraper, logger.Discard())

	return &testEnv{
		db:         db,
		cfg:        cfg,
		jobs:       jobs,
		proc:       worker.NewProcessor(jobs, runner, nil, cfg, logger.Discard()),
		dispatcher: &recordingDispatcher{},
	}
}

// apiResponse 与 response.Response 对应，Data 延迟解析
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder, data interface{}) apiResponse {
	t.Helper()

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	if data != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}
