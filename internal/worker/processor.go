// Package worker runs the consumer process: a pool of consumers
// draining the queue, plus a maintenance loop that promotes scheduled
// messages and reclaims expired leases.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"marketjobs/internal/backoff"
	"marketjobs/internal/config"
	"marketjobs/internal/orchestrator"
	"marketjobs/internal/queue"
	"marketjobs/internal/telemetry"
)

// Processor owns the worker loops. All lifecycle decisions live in the
// orchestrator; the processor only moves messages and sweeps the broker.
type Processor struct {
	cfg   config.Config
	queue queue.Client
	orch  *orchestrator.Orchestrator
	log   *slog.Logger
}

// New builds a processor around an orchestrator with its handlers
// already registered.
func New(cfg config.Config, q queue.Client, orch *orchestrator.Orchestrator, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{cfg: cfg, queue: q, orch: orch, log: logger}
}

// Run blocks until ctx is cancelled, running the configured number of
// consumers and one maintenance loop.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.maintenanceLoop(ctx) })
	for i := 0; i < p.cfg.Worker.Concurrency; i++ {
		g.Go(func() error { return p.consumeLoop(ctx) })
	}

	return g.Wait()
}

func (p *Processor) consumeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.log.WarnContext(ctx, "dequeue failed", "error", err)
			if err := backoff.Sleep(ctx, p.cfg.Worker.PollInterval); err != nil {
				return ctx.Err()
			}
			continue
		}
		if d == nil {
			if err := backoff.Sleep(ctx, p.cfg.Worker.PollInterval); err != nil {
				return ctx.Err()
			}
			continue
		}

		if err := p.orch.Consume(ctx, *d); err != nil {
			p.log.WarnContext(ctx, "delivery did not settle cleanly",
				"message_id", d.MessageID, "error", err)
		}
	}
}

func (p *Processor) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Worker.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		p.sweep(ctx)
	}
}

// sweep moves due retries back to ready, reclaims dead consumers'
// leases, and refreshes the depth gauges.
func (p *Processor) sweep(ctx context.Context) {
	now := time.Now()
	batch := int64(p.cfg.Queue.MaintenanceBatch)

	if n, err := p.queue.PromoteScheduled(ctx, now, batch); err != nil {
		p.log.WarnContext(ctx, "promote scheduled failed", "error", err)
	} else if n > 0 {
		p.log.DebugContext(ctx, "promoted scheduled messages", "count", n)
	}

	if ids, err := p.queue.RequeueExpired(ctx, now, batch); err != nil {
		p.log.WarnContext(ctx, "requeue expired failed", "error", err)
	} else if len(ids) > 0 {
		p.log.InfoContext(ctx, "reclaimed expired leases", "count", len(ids))
	}

	if depths, err := p.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depths.Ready))
		telemetry.InFlightGauge.Set(float64(depths.InFlight))
	}
}
