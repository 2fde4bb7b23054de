package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketjobs/internal/config"
	"marketjobs/internal/models"
	"marketjobs/internal/queue"
	"marketjobs/internal/store"
)

const testVisibility = 30 * time.Second

func testConfig() config.Config {
	var cfg config.Config
	cfg.Jobs.MaxAttempts = 3
	cfg.Jobs.EnqueueMaxTries = 3
	cfg.Jobs.BackoffInitial = time.Millisecond
	cfg.Jobs.BackoffMax = 2 * time.Millisecond
	return cfg
}

func newTestOrchestrator(cfg config.Config) (*Orchestrator, *store.Memory, *queue.Memory) {
	repo := store.NewMemory()
	q := queue.NewMemory(testVisibility, 0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, repo, q, logger), repo, q
}

func dailyRequest() SubmitRequest {
	return SubmitRequest{
		JobType:     models.TypePricesDaily,
		Symbol:      "AAPL",
		Asof:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		RequestedBy: "test",
	}
}

func mustDequeue(t *testing.T, q *queue.Memory) queue.Delivery {
	t.Helper()
	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	return *d
}

func TestConcurrentSubmitsCreateOneJob(t *testing.T) {
	ctx := context.Background()
	o, repo, q := newTestOrchestrator(testConfig())

	const submitters = 3
	results := make([]SubmitResult, submitters)
	errs := make([]error, submitters)

	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Submit(ctx, dailyRequest())
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < submitters; i++ {
		require.NoError(t, errs[i])
		require.NotEmpty(t, results[i].JobID)
		assert.Equal(t, results[0].JobID, results[i].JobID)
		if results[i].Created {
			created++
		}
	}
	assert.Equal(t, 1, created)

	rec, err := repo.GetByID(ctx, results[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, rec.Status)
	assert.Equal(t, "AAPL", rec.Symbol)

	depths, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.Ready)
}

func TestSubmitNormalizesSpec(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(testConfig())

	first, err := o.Submit(ctx, dailyRequest())
	require.NoError(t, err)
	require.True(t, first.Created)

	// same job spelled differently lands on the same record
	loc := time.FixedZone("UTC-5", -5*3600)
	dup, err := o.Submit(ctx, SubmitRequest{
		JobType: models.TypePricesDaily,
		Symbol:  "  aapl ",
		Asof:    time.Date(2024, 3, 1, 9, 30, 0, 0, loc).UTC(),
	})
	require.NoError(t, err)
	assert.False(t, dup.Created)
	assert.Equal(t, first.JobID, dup.JobID)
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(testConfig())

	_, err := o.Submit(ctx, SubmitRequest{JobType: "prices_weekly", Symbol: "AAPL", Asof: time.Now()})
	assert.True(t, errors.Is(err, models.ErrInvalidJobSpec))

	_, err = o.Submit(ctx, SubmitRequest{JobType: models.TypePricesDaily, Symbol: "   ", Asof: time.Now()})
	assert.True(t, errors.Is(err, models.ErrInvalidJobSpec))

	_, err = o.Submit(ctx, SubmitRequest{JobType: models.TypePricesDaily, Symbol: "AAPL"})
	assert.True(t, errors.Is(err, models.ErrInvalidJobSpec))
}

func TestSubmitRetriesTransientEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	o, repo, q := newTestOrchestrator(testConfig())

	q.FailEnqueues(2, errors.New("connection refused"))

	res, err := o.Submit(ctx, dailyRequest())
	require.NoError(t, err)
	require.True(t, res.Created)

	rec, err := repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, rec.Status)

	depths, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.Ready)
}

func TestSubmitLeavesQueuedWhenEnqueueExhausted(t *testing.T) {
	ctx := context.Background()
	o, repo, q := newTestOrchestrator(testConfig())

	q.FailEnqueues(10, errors.New("connection refused"))

	res, err := o.Submit(ctx, dailyRequest())
	require.Error(t, err)
	require.NotEmpty(t, res.JobID)
	assert.Equal(t, models.CodeQueueUnavailable, models.CodeOf(err))

	// the record stays queued with no message on the broker
	rec, err := repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, rec.Status)
	assert.Nil(t, rec.LastErrorCode)

	depths, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depths.Ready)

	// the key is still active, so a retry submission lands on the same job
	q.FailEnqueues(0, nil)
	res2, err := o.Submit(ctx, dailyRequest())
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, res.JobID, res2.JobID)
}

func TestSubmitMarksFailedOnTerminalEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	repo := store.NewMemory()
	q := queue.NewMemory(testVisibility, 16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(cfg, repo, q, logger)

	res, err := o.Submit(ctx, dailyRequest())
	require.Error(t, err)
	require.NotEmpty(t, res.JobID)
	assert.Equal(t, models.CodeMessageTooLarge, models.CodeOf(err))

	rec, err := repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	require.NotNil(t, rec.LastErrorCode)
	assert.Equal(t, models.CodeMessageTooLarge, *rec.LastErrorCode)

	// the failed record released its key, so a retry submission works
	o2 := New(cfg, repo, queue.NewMemory(testVisibility, 0), logger)
	res2, err := o2.Submit(ctx, dailyRequest())
	require.NoError(t, err)
	assert.True(t, res2.Created)
	assert.NotEqual(t, res.JobID, res2.JobID)
}

func TestConsumeHappyPath(t *testing.T) {
	ctx := context.Background()
	o, repo, q := newTestOrchestrator(testConfig())

	calls := 0
	o.Register(models.TypePricesDaily, func(ctx context.Context, job models.JobRecord) (string, error) {
		calls++
		assert.Equal(t, "AAPL", job.Symbol)
		assert.Equal(t, 1, job.Attempt)
		return "s3://artifacts/prices_daily/AAPL/2024-03-01.csv", nil
	})

	res, err := o.Submit(ctx, dailyRequest())
	require.NoError(t, err)

	d := mustDequeue(t, q)
	require.NoError(t, o.Consume(ctx, d))
	assert.Equal(t, 1, calls)

	rec, err := repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, rec.Status)
	require.NotNil(t, rec.ResultRef)
	assert.Equal(t, "s3://artifacts/prices_daily/AAPL/2024-03-01.csv", *rec.ResultRef)

	depths, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Depths{}, depths)

	// a duplicate delivery of the settled job is dropped without rerunning
	require.NoError(t, o.Consume(ctx, queue.Delivery{MessageID: "dup", Payload: d.Payload}))
	assert.Equal(t, 1, calls)
	rec, err = repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
}

func TestConsumeRetriesUntilDeadLetter(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	o, repo, q := newTestOrchestrator(cfg)

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.SetNow(func() time.Time { return clock })

	calls := 0
	o.Register(models.TypePricesDaily, func(ctx context.Context, job models.JobRecord) (string, error) {
		calls++
		return "", models.NewJobError(models.CodeQualityFailed, "high below low on 2024-03-01")
	})

	res, err := o.Submit(ctx, dailyRequest())
	require.NoError(t, err)

	for attempt := 1; attempt <= cfg.Jobs.MaxAttempts; attempt++ {
		d := mustDequeue(t, q)
		require.NoError(t, o.Consume(ctx, d))

		rec, err := repo.GetByID(ctx, res.JobID)
		require.NoError(t, err)
		assert.Equal(t, attempt, rec.Attempt)

		if attempt < cfg.Jobs.MaxAttempts {
			require.Equal(t, models.StatusFailed, rec.Status)
			// the message comes back only after the visibility timeout
			n, err := q.PromoteScheduled(ctx, clock, 100)
			require.NoError(t, err)
			require.Equal(t, 0, n)
			clock = clock.Add(testVisibility + time.Second)
			n, err = q.PromoteScheduled(ctx, clock, 100)
			require.NoError(t, err)
			require.Equal(t, 1, n)
		}
	}

	assert.Equal(t, cfg.Jobs.MaxAttempts, calls)

	rec, err := repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeadLetter, rec.Status)
	require.NotNil(t, rec.LastErrorCode)
	assert.Equal(t, models.CodeQualityFailed, *rec.LastErrorCode)
	assert.Nil(t, rec.ResultRef)

	depths, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.DeadLetter)
	assert.Equal(t, int64(0), depths.Ready)
	assert.Equal(t, int64(0), depths.Scheduled)

	// no sixth delivery materializes
	clock = clock.Add(time.Hour)
	n, err := q.PromoteScheduled(ctx, clock, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCrashRecoveryReprocessesAfterLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	o, repo, q := newTestOrchestrator(testConfig())

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.SetNow(func() time.Time { return clock })

	o.Register(models.TypePricesDaily, func(ctx context.Context, job models.JobRecord) (string, error) {
		return "local://artifacts/AAPL.csv", nil
	})

	res, err := o.Submit(ctx, dailyRequest())
	require.NoError(t, err)

	// a consumer claims the job, then dies without acking
	d := mustDequeue(t, q)
	_, err = repo.SetRunning(ctx, res.JobID, clock)
	require.NoError(t, err)

	clock = clock.Add(testVisibility + time.Second)
	ids, err := q.RequeueExpired(ctx, clock, 100)
	require.NoError(t, err)
	require.Equal(t, []string{d.MessageID}, ids)

	d2 := mustDequeue(t, q)
	require.NoError(t, o.Consume(ctx, d2))

	rec, err := repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, rec.Status)
	assert.Equal(t, 2, rec.Attempt)
}

func TestConsumeCompletesInterruptedDeadLetter(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Jobs.MaxAttempts = 1
	o, repo, q := newTestOrchestrator(cfg)

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.SetNow(func() time.Time { return clock })

	res, err := o.Submit(ctx, dailyRequest())
	require.NoError(t, err)

	// a consumer records the final failure, then dies before touching
	// the queue
	d := mustDequeue(t, q)
	_, err = repo.SetRunning(ctx, res.JobID, clock)
	require.NoError(t, err)
	require.NoError(t, repo.SetFailed(ctx, res.JobID, clock, models.CodeUpstreamEmpty, "no bars returned", 1))

	clock = clock.Add(testVisibility + time.Second)
	_, err = q.RequeueExpired(ctx, clock, 100)
	require.NoError(t, err)

	d2 := mustDequeue(t, q)
	require.NoError(t, o.Consume(ctx, d2))

	rec, err := repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeadLetter, rec.Status)
	require.NotNil(t, rec.LastErrorCode)
	assert.Equal(t, models.CodeUpstreamEmpty, *rec.LastErrorCode)
	assert.Equal(t, d.MessageID, d2.MessageID)

	depths, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.DeadLetter)
}

func TestSupersededRedeliveryDropped(t *testing.T) {
	ctx := context.Background()
	o, repo, q := newTestOrchestrator(testConfig())

	res, err := o.Submit(ctx, dailyRequest())
	require.NoError(t, err)

	// first attempt fails; the key is released while the message waits
	d := mustDequeue(t, q)
	_, err = repo.SetRunning(ctx, res.JobID, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.SetFailed(ctx, res.JobID, time.Now().UTC(), models.CodeUpstreamEmpty, "no bars", 1))

	// a fresh submission reclaims the key
	res2, err := o.Submit(ctx, dailyRequest())
	require.NoError(t, err)
	require.True(t, res2.Created)
	require.NotEqual(t, res.JobID, res2.JobID)

	// the stale job's redelivery is dropped, not rerun
	require.NoError(t, o.Consume(ctx, queue.Delivery{MessageID: d.MessageID, Payload: d.Payload}))

	rec, err := repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempt)

	rec2, err := repo.GetByID(ctx, res2.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, rec2.Status)
}

func TestConsumeDeadLettersInvalidMessage(t *testing.T) {
	ctx := context.Background()
	o, _, q := newTestOrchestrator(testConfig())

	require.NoError(t, o.Consume(ctx, queue.Delivery{MessageID: "bogus", Payload: []byte("not an envelope")}))

	depths, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.DeadLetter)

	payloads, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, []byte("not an envelope"), payloads[0])
}

func TestConsumeDeadLettersUnknownJob(t *testing.T) {
	ctx := context.Background()
	o, _, q := newTestOrchestrator(testConfig())

	msg := models.JobMessage{
		SchemaVersion:  models.MessageSchemaVersion,
		JobID:          "0b5f7c9e-5df5-4b3f-9f2a-1c8c30785b10",
		IdempotencyKey: "deadbeefdeadbeefdeadbeefdeadbeef",
		JobType:        models.TypePricesDaily,
		Symbol:         "AAPL",
		Asof:           "2024-03-01",
		EnqueuedAt:     time.Now().UTC(),
	}
	payload, err := models.EncodeMessage(msg)
	require.NoError(t, err)

	require.NoError(t, o.Consume(ctx, queue.Delivery{MessageID: "orphan", Payload: payload}))

	depths, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.DeadLetter)
}

func TestConsumeWithoutHandlerDeadLetters(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Jobs.MaxAttempts = 1
	o, repo, q := newTestOrchestrator(cfg)

	res, err := o.Submit(ctx, SubmitRequest{
		JobType: models.TypePricesBackfill,
		Symbol:  "MSFT",
		Asof:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	d := mustDequeue(t, q)
	require.NoError(t, o.Consume(ctx, d))

	rec, err := repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeadLetter, rec.Status)
	require.NotNil(t, rec.LastErrorCode)
	assert.Equal(t, models.CodeNoHandler, *rec.LastErrorCode)
}

func TestConsumeIsolatesHandlerPanic(t *testing.T) {
	ctx := context.Background()
	o, repo, q := newTestOrchestrator(testConfig())

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q.SetNow(func() time.Time { return clock })

	calls := 0
	o.Register(models.TypePricesDaily, func(ctx context.Context, job models.JobRecord) (string, error) {
		calls++
		if calls == 1 {
			panic("nil bar slice")
		}
		return "", nil
	})

	res, err := o.Submit(ctx, dailyRequest())
	require.NoError(t, err)

	d := mustDequeue(t, q)
	require.NoError(t, o.Consume(ctx, d))

	rec, err := repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	require.NotNil(t, rec.LastErrorCode)
	assert.Equal(t, models.CodeHandlerPanic, *rec.LastErrorCode)

	// the retry succeeds once the handler behaves
	clock = clock.Add(testVisibility + time.Second)
	_, err = q.PromoteScheduled(ctx, clock, 100)
	require.NoError(t, err)

	d2 := mustDequeue(t, q)
	require.NoError(t, o.Consume(ctx, d2))

	rec, err = repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, rec.Status)
	assert.Equal(t, 2, rec.Attempt)
}
