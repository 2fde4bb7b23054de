package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketjobs/internal/config"
	"marketjobs/internal/models"
	"marketjobs/internal/orchestrator"
	"marketjobs/internal/queue"
	"marketjobs/internal/store"
)

func testConfig() config.Config {
	var cfg config.Config
	cfg.Jobs.MaxAttempts = 3
	cfg.Jobs.EnqueueMaxTries = 1
	cfg.Jobs.BackoffInitial = time.Millisecond
	cfg.Jobs.BackoffMax = 2 * time.Millisecond
	cfg.Queue.MaintenanceBatch = 100
	cfg.Worker.Concurrency = 2
	cfg.Worker.PollInterval = 5 * time.Millisecond
	cfg.Worker.MaintenanceInterval = 10 * time.Millisecond
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessorDrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	repo := store.NewMemory()
	q := queue.NewMemory(30*time.Second, 0)
	orch := orchestrator.New(cfg, repo, q, quietLogger())

	var handled atomic.Int32
	orch.Register(models.TypePricesDaily, func(ctx context.Context, job models.JobRecord) (string, error) {
		time.Sleep(2 * time.Millisecond)
		handled.Add(1)
		return "local://artifacts/" + job.Symbol + ".csv", nil
	})

	symbols := []string{"AAPL", "MSFT", "NVDA"}
	jobIDs := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		res, err := orch.Submit(ctx, orchestrator.SubmitRequest{
			JobType: models.TypePricesDaily,
			Symbol:  sym,
			Asof:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		jobIDs = append(jobIDs, res.JobID)
	}

	p := New(cfg, q, orch, quietLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		for _, id := range jobIDs {
			rec, err := repo.GetByID(ctx, id)
			if err != nil || rec.Status != models.StatusSucceeded {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(len(symbols)), handled.Load())

	depths, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Depths{}, depths)

	cancel()
	<-done
}

func TestProcessorReclaimsExpiredLease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	repo := store.NewMemory()
	// short lease so the dead consumer's message comes back quickly
	q := queue.NewMemory(30*time.Millisecond, 0)
	orch := orchestrator.New(cfg, repo, q, quietLogger())
	orch.Register(models.TypePricesDaily, func(ctx context.Context, job models.JobRecord) (string, error) {
		return "", nil
	})

	res, err := orch.Submit(ctx, orchestrator.SubmitRequest{
		JobType: models.TypePricesDaily,
		Symbol:  "AAPL",
		Asof:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	// a consumer leases the message and dies without settling it
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	_, err = repo.SetRunning(ctx, res.JobID, time.Now().UTC())
	require.NoError(t, err)

	p := New(cfg, q, orch, quietLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		rec, err := repo.GetByID(ctx, res.JobID)
		return err == nil && rec.Status == models.StatusSucceeded
	}, 3*time.Second, 10*time.Millisecond)

	rec, err := repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempt)

	cancel()
	<-done
}

func TestProcessorRetriesFailuresThroughSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	repo := store.NewMemory()
	q := queue.NewMemory(20*time.Millisecond, 0)
	orch := orchestrator.New(cfg, repo, q, quietLogger())

	var calls atomic.Int32
	orch.Register(models.TypePricesDaily, func(ctx context.Context, job models.JobRecord) (string, error) {
		if calls.Add(1) < 3 {
			return "", models.NewJobError(models.CodeUpstreamEmpty, "no bars for %s", job.Symbol)
		}
		return fmt.Sprintf("local://artifacts/%s.csv", job.Symbol), nil
	})

	res, err := orch.Submit(ctx, orchestrator.SubmitRequest{
		JobType: models.TypePricesDaily,
		Symbol:  "AAPL",
		Asof:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	p := New(cfg, q, orch, quietLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		rec, err := repo.GetByID(ctx, res.JobID)
		return err == nil && rec.Status == models.StatusSucceeded
	}, 3*time.Second, 10*time.Millisecond)

	rec, err := repo.GetByID(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Attempt)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))

	cancel()
	<-done
}
