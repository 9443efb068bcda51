package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/listingboost/lb_server/internal/model"
	"github.com/listingboost/lb_server/internal/testutil"
)

func newJobRepo(t *testing.T) (*JobRepository, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })
	return NewJobRepository(db, 24*time.Hour), db
}

func TestJobRepository_Create(t *testing.T) {
	repo, _ := newJobRepo(t)
	ctx := context.Background()

	job := &model.AnalysisJob{
		Token:      testutil.TestToken,
		URL:        testutil.TestURL,
		Status:     model.JobStatusCompleted,
		Progress:   77,
		MaxRetries: 2,
	}
	require.NoError(t, repo.Create(ctx, job))

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, model.StepInitializing, job.CurrentStep)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, 2, job.MaxRetries)
	assert.WithinDuration(t, job.CreatedAt.Add(24*time.Hour), job.ExpiresAt, time.Second)

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, found.Status)
	assert.Equal(t, 2, found.MaxRetries)
}

func TestJobRepository_Create_ZeroMaxRetriesIsKept(t *testing.T) {
	repo, _ := newJobRepo(t)
	ctx := context.Background()

	job := &model.AnalysisJob{Token: testutil.TestToken, URL: testutil.TestURL}
	require.NoError(t, repo.Create(ctx, job))

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, found.MaxRetries)
}

func TestJobRepository_GetByID_NotFound(t *testing.T) {
	repo, _ := newJobRepo(t)

	_, err := repo.GetByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestJobRepository_ListByToken(t *testing.T) {
	repo, db := newJobRepo(t)
	base := time.Now().Add(-time.Hour)

	older := testutil.TestJob(t, db, testutil.WithCreatedAt(base))
	newer := testutil.TestJob(t, db, testutil.WithCreatedAt(base.Add(time.Minute)))
	testutil.TestJob(t, db, testutil.WithToken("another_token_123"))

	jobs, err := repo.ListByToken(context.Background(), testutil.TestToken)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, newer.ID, jobs[0].ID)
	assert.Equal(t, older.ID, jobs[1].ID)
}

func TestJobRepository_ListByUserID(t *testing.T) {
	repo, db := newJobRepo(t)

	testutil.TestJob(t, db, testutil.WithUserID("user-1"))
	testutil.TestJob(t, db, testutil.WithUserID("user-1"))
	testutil.TestJob(t, db, testutil.WithUserID("user-2"))

	jobs, err := repo.ListByUserID(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestJobRepository_ClaimNextPending_Oldest(t *testing.T) {
	repo, db := newJobRepo(t)
	base := time.Now().Add(-time.Hour)

	testutil.TestJob(t, db, testutil.WithCreatedAt(base.Add(2*time.Minute)))
	oldest := testutil.TestJob(t, db, testutil.WithCreatedAt(base))
	testutil.TestJob(t, db, testutil.WithCreatedAt(base.Add(-time.Minute)), testutil.WithStatus(model.JobStatusCompleted))

	job, err := repo.ClaimNextPending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, oldest.ID, job.ID)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	assert.NotNil(t, job.StartedAt)
}

func TestJobRepository_ClaimNextPending_Empty(t *testing.T) {
	repo, db := newJobRepo(t)
	testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusRunning))

	job, err := repo.ClaimNextPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestJobRepository_ClaimNextPending_SingleClaim(t *testing.T) {
	repo, db := newJobRepo(t)
	assertSingleClaim(t, repo, db)
}

// 需要 TEST_DATABASE_DSN，走 FOR UPDATE SKIP LOCKED 分支
func TestJobRepository_ClaimNextPending_SingleClaim_Postgres(t *testing.T) {
	db := testutil.SetupTestDBWithPostgres(t)
	t.Cleanup(func() {
		testutil.TruncateTables(t, db)
		testutil.CleanupTestDB(t, db)
	})
	repo := NewJobRepository(db, 24*time.Hour)
	require.True(t, repo.supportsSkipLocked())
	assertSingleClaim(t, repo, db)
}

func assertSingleClaim(t *testing.T, repo *JobRepository, db *gorm.DB) {
	t.Helper()
	only := testutil.TestJob(t, db)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := repo.ClaimNextPending(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if job != nil {
				claimed = append(claimed, job.ID)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	require.Len(t, claimed, 1)
	assert.Equal(t, only.ID, claimed[0])
}

func TestJobRepository_UpdateProgress(t *testing.T) {
	repo, db := newJobRepo(t)
	ctx := context.Background()
	job := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusRunning))

	ok, err := repo.UpdateProgress(ctx, job.ID, 15, model.StepScraping)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateProgress(ctx, job.ID, 55, model.StepScraping)
	require.NoError(t, err)
	assert.True(t, ok)

	// 回退被拒绝
	ok, err = repo.UpdateProgress(ctx, job.ID, 5, model.StepInitializing)
	require.NoError(t, err)
	assert.False(t, ok)

	// 相同进度可重复写入
	ok, err = repo.UpdateProgress(ctx, job.ID, 55, model.StepScraping)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 55, found.Progress)
	assert.Equal(t, model.StepScraping, found.CurrentStep)
}

func TestJobRepository_UpdateProgress_StepNeverMovesBack(t *testing.T) {
	repo, db := newJobRepo(t)
	ctx := context.Background()
	job := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusRunning))

	// 60 同时属于 scraping 与 analyzing
	ok, err := repo.UpdateProgress(ctx, job.ID, 60, model.StepAnalyzing)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateProgress(ctx, job.ID, 60, model.StepScraping)
	require.NoError(t, err)
	assert.False(t, ok)

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, found.Progress)
	assert.Equal(t, model.StepAnalyzing, found.CurrentStep)

	// 同阶段或更后的阶段仍可写入
	ok, err = repo.UpdateProgress(ctx, job.ID, 60, model.StepAnalyzing)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.UpdateProgress(ctx, job.ID, 85, model.StepGeneratingRecommendations)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobRepository_UpdateProgress_OutOfRange(t *testing.T) {
	repo, db := newJobRepo(t)
	job := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusRunning))

	ok, err := repo.UpdateProgress(context.Background(), job.ID, 70, model.StepScraping)
	assert.ErrorIs(t, err, ErrProgressOutOfRange)
	assert.False(t, ok)

	ok, err = repo.UpdateProgress(context.Background(), job.ID, 100, model.StepCompleted)
	assert.ErrorIs(t, err, ErrInvalidStep)
	assert.False(t, ok)
}

func TestJobRepository_UpdateProgress_NotRunning(t *testing.T) {
	repo, db := newJobRepo(t)
	pending := testutil.TestJob(t, db)

	ok, err := repo.UpdateProgress(context.Background(), pending.ID, 5, model.StepInitializing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobRepository_Complete(t *testing.T) {
	repo, db := newJobRepo(t)
	ctx := context.Background()
	job := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusRunning), testutil.WithProgress(97, model.StepFinalizing))

	results := model.JobResults{
		Listing:         testutil.SampleListing(job.URL),
		Analysis:        &model.Analysis{OverallScore: 81, Grade: "B"},
		Recommendations: []model.Recommendation{{Category: "photos", Priority: "high", Title: "Add photos"}},
	}
	perf := model.JobPerformance{ScrapingDuration: 2 * time.Second, AnalysisDuration: time.Second, TotalDuration: 4 * time.Second}

	ok, err := repo.Complete(ctx, job.ID, results, perf)
	require.NoError(t, err)
	assert.True(t, ok)

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, found.Status)
	assert.Equal(t, 100, found.Progress)
	assert.Equal(t, model.StepCompleted, found.CurrentStep)
	require.NotNil(t, found.IsRealData)
	assert.True(t, *found.IsRealData)
	require.NotNil(t, found.TotalDurationMs)
	assert.Equal(t, int64(4000), *found.TotalDurationMs)
	assert.NotNil(t, found.CompletedAt)
	assert.Contains(t, string(found.AnalysisData), `"overall_score":81`)
}

func TestJobRepository_TerminalImmutability(t *testing.T) {
	repo, db := newJobRepo(t)
	ctx := context.Background()

	for _, status := range []model.JobStatus{model.JobStatusCompleted, model.JobStatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			job := testutil.TestJob(t, db, testutil.WithStatus(status))
			before, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)

			ok, err := repo.UpdateProgress(ctx, job.ID, 50, model.StepScraping)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = repo.Complete(ctx, job.ID, model.JobResults{}, model.JobPerformance{})
			require.NoError(t, err)
			assert.False(t, ok)

			res, err := repo.Fail(ctx, job.ID, "boom", nil, true)
			require.NoError(t, err)
			assert.Equal(t, model.FailNoop, res)

			res, err = repo.Fail(ctx, job.ID, "boom", nil, false)
			require.NoError(t, err)
			assert.Equal(t, model.FailNoop, res)

			after, err := repo.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, before.Status, after.Status)
			assert.Equal(t, before.Progress, after.Progress)
			assert.Equal(t, before.CurrentStep, after.CurrentStep)
			assert.Equal(t, before.ErrorMessage, after.ErrorMessage)
			assert.Equal(t, before.RetryCount, after.RetryCount)
		})
	}
}

func TestJobRepository_Fail_Requeue(t *testing.T) {
	repo, db := newJobRepo(t)
	ctx := context.Background()
	job := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusRunning), testutil.WithRetries(0, 2))

	res, err := repo.Fail(ctx, job.ID, "scrape timeout", map[string]interface{}{"reason": model.ReasonTransientError}, true)
	require.NoError(t, err)
	assert.Equal(t, model.FailRequeued, res)

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, found.Status)
	assert.Equal(t, 1, found.RetryCount)
	assert.Equal(t, "scrape timeout", found.ErrorMessage)
	assert.Nil(t, found.CompletedAt)
}

func TestJobRepository_Fail_NonRetryable(t *testing.T) {
	repo, db := newJobRepo(t)
	ctx := context.Background()
	job := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusRunning), testutil.WithProgress(65, model.StepAnalyzing))

	res, err := repo.Fail(ctx, job.ID, "bad data", map[string]interface{}{"reason": model.ReasonPipelineError}, false)
	require.NoError(t, err)
	assert.Equal(t, model.FailTerminal, res)

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, found.Status)
	assert.Equal(t, model.StepFailed, found.CurrentStep)
	assert.Equal(t, 65, found.Progress)
	assert.Equal(t, model.ReasonPipelineError, found.ErrorDetails["reason"])
	assert.NotNil(t, found.CompletedAt)
}

func TestJobRepository_Fail_CancelPending(t *testing.T) {
	repo, db := newJobRepo(t)
	job := testutil.TestJob(t, db)

	res, err := repo.Fail(context.Background(), job.ID, "cancelled", map[string]interface{}{"reason": model.ReasonUserCancellation}, false)
	require.NoError(t, err)
	assert.Equal(t, model.FailTerminal, res)
}

func TestJobRepository_Fail_NotFound(t *testing.T) {
	repo, _ := newJobRepo(t)

	res, err := repo.Fail(context.Background(), "missing", "x", nil, false)
	require.NoError(t, err)
	assert.Equal(t, model.FailNoop, res)
}

func TestJobRepository_RetryBound(t *testing.T) {
	repo, db := newJobRepo(t)
	ctx := context.Background()
	const maxRetries = 3
	job := testutil.TestJob(t, db, testutil.WithRetries(0, maxRetries))

	attempts := 0
	for {
		claimed, err := repo.ClaimNextPending(ctx)
		require.NoError(t, err)
		if claimed == nil {
			break
		}
		require.Equal(t, job.ID, claimed.ID)
		attempts++
		require.LessOrEqual(t, attempts, maxRetries+1)

		_, err = repo.Fail(ctx, claimed.ID, "network unreachable", nil, true)
		require.NoError(t, err)
	}

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, maxRetries+1, attempts)
	assert.Equal(t, model.JobStatusFailed, found.Status)
	assert.Equal(t, maxRetries, found.RetryCount)
	assert.Equal(t, true, found.ErrorDetails["retries_exhausted"])
}

func TestJobRepository_CleanupExpired(t *testing.T) {
	repo, db := newJobRepo(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	expiredDone := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusCompleted), testutil.WithExpiresAt(past))
	expiredFailed := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusFailed), testutil.WithExpiresAt(past))
	stalePending := testutil.TestJob(t, db, testutil.WithExpiresAt(past))
	running := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusRunning), testutil.WithExpiresAt(past))
	fresh := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusCompleted))

	var archived []string
	removed, err := repo.CleanupExpired(ctx, time.Now(), func(jobs []*model.AnalysisJob) error {
		for _, j := range jobs {
			archived = append(archived, j.ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	assert.ElementsMatch(t, []string{expiredDone.ID, expiredFailed.ID, stalePending.ID}, archived)

	for _, id := range []string{running.ID, fresh.ID} {
		_, err := repo.GetByID(ctx, id)
		assert.NoError(t, err)
	}
	_, err = repo.GetByID(ctx, expiredDone.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestJobRepository_CleanupExpired_ArchiveErrorKeepsRows(t *testing.T) {
	repo, db := newJobRepo(t)
	ctx := context.Background()
	job := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusCompleted), testutil.WithExpiresAt(time.Now().Add(-time.Minute)))

	removed, err := repo.CleanupExpired(ctx, time.Now(), func([]*model.AnalysisJob) error {
		return errors.New("bucket unavailable")
	})
	assert.Error(t, err)
	assert.Zero(t, removed)

	_, err = repo.GetByID(ctx, job.ID)
	assert.NoError(t, err)
}

func TestJobRepository_FindStaleRunning(t *testing.T) {
	repo, db := newJobRepo(t)
	ctx := context.Background()
	silent := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusRunning))
	active := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusRunning))
	pending := testutil.TestJob(t, db)

	old := time.Now().Add(-time.Hour)
	for _, id := range []string{silent.ID, pending.ID} {
		require.NoError(t, db.Model(&model.AnalysisJob{}).Where("id = ?", id).UpdateColumn("updated_at", old).Error)
	}

	stale, err := repo.FindStaleRunning(ctx, time.Now().Add(-10*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, silent.ID, stale[0].ID)

	// 进度写入刷新 updated_at
	ok, err := repo.UpdateProgress(ctx, silent.ID, 15, model.StepScraping)
	require.NoError(t, err)
	require.True(t, ok)
	stale, err = repo.FindStaleRunning(ctx, time.Now().Add(-10*time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, stale)

	fresh, err := repo.GetByID(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, fresh.Status)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))

	// "价" 占 3 字节，不能从中间截断
	s := "ab价格"
	assert.Equal(t, "ab", truncate(s, 3))
	assert.Equal(t, "ab", truncate(s, 4))
	assert.Equal(t, "ab价", truncate(s, 5))
	assert.True(t, utf8.ValidString(truncate(strings.Repeat("错误", 1000), maxErrorMessageLen)))
}

func TestJobRepository_Fail_KeepsErrorMessageValidUTF8(t *testing.T) {
	repo, db := newJobRepo(t)
	ctx := context.Background()
	job := testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusRunning))

	msg := "x" + strings.Repeat("抓取失败", maxErrorMessageLen)
	_, err := repo.Fail(ctx, job.ID, msg, nil, false)
	require.NoError(t, err)

	found, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(found.ErrorMessage))
	assert.LessOrEqual(t, len(found.ErrorMessage), maxErrorMessageLen)
}

func TestJobRepository_FindExpired(t *testing.T) {
	repo, db := newJobRepo(t)
	testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusFailed), testutil.WithExpiresAt(time.Now().Add(-time.Minute)))
	testutil.TestJob(t, db)

	jobs, err := repo.FindExpired(context.Background(), time.Now(), 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestJobRepository_QueueStats(t *testing.T) {
	repo, db := newJobRepo(t)

	testutil.TestJob(t, db)
	testutil.TestJob(t, db)
	testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusRunning))
	testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusCompleted))
	testutil.TestJob(t, db, testutil.WithStatus(model.JobStatusFailed))

	stats, err := repo.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
	assert.Equal(t, int64(1), stats.Running)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(5), stats.Total)
}
