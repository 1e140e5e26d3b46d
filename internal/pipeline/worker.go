package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"intake/internal/broker"
	"intake/internal/platform/metrics"
	"intake/pkg/fault"
)

// maxDeliveries bounds redelivery of one job before it is dead-lettered.
const maxDeliveries = 3

// WorkerPool drains the broker with bounded concurrency. Each message is
// bound to a single goroutine for its whole stage chain; cancellation is
// honored between jobs and at external I/O inside a run.
type WorkerPool struct {
	orchestrator *Orchestrator
	broker       broker.Broker
	workers      int
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

func NewWorkerPool(orchestrator *Orchestrator, b broker.Broker, workers int, m *metrics.Metrics, logger *slog.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		orchestrator: orchestrator,
		broker:       b,
		workers:      workers,
		metrics:      m,
		logger:       logger,
	}
}

// Run blocks until ctx is done; each worker loops dequeue→process→ack.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.workerLoop(ctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *WorkerPool) workerLoop(ctx context.Context) error {
	for {
		job, token, err := p.broker.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.ErrorContext(ctx, "dequeue failed", "error", err)
			continue
		}

		outcome, err := p.orchestrator.ProcessMessage(ctx, job)
		switch {
		case err == nil:
			if ackErr := p.broker.Ack(ctx, token); ackErr != nil {
				p.logger.ErrorContext(ctx, "ack failed", "message_id", job.MessageID, "error", ackErr)
			}
			p.logger.InfoContext(ctx, "message processed",
				"message_id", job.MessageID,
				"run_id", job.RunID,
				"queue_id", queueOf(outcome),
				"fail_closed", outcome.FailClosed,
			)

		case fault.Is(err, fault.KindDependencyUnavailable):
			deadLetter := job.Attempt+1 >= maxDeliveries
			if deadLetter && p.metrics != nil {
				p.metrics.DeadLettered.Inc()
			}
			p.logger.WarnContext(ctx, "message redelivery",
				"message_id", job.MessageID,
				"attempt", job.Attempt,
				"dead_letter", deadLetter,
				"error", err,
			)
			if nackErr := p.broker.Nack(ctx, token, deadLetter); nackErr != nil {
				p.logger.ErrorContext(ctx, "nack failed", "message_id", job.MessageID, "error", nackErr)
			}

		default:
			// Anything else already produced a fail-closed outcome or is a
			// terminal processing error; do not spin on it.
			p.logger.ErrorContext(ctx, "message failed",
				"message_id", job.MessageID, "error", err)
			if nackErr := p.broker.Nack(ctx, token, true); nackErr != nil {
				p.logger.ErrorContext(ctx, "dead-letter failed", "message_id", job.MessageID, "error", nackErr)
			}
			if p.metrics != nil {
				p.metrics.DeadLettered.Inc()
			}
		}
	}
}

func queueOf(outcome *Outcome) string {
	if outcome == nil || outcome.Decision == nil {
		return ""
	}
	return outcome.Decision.QueueID
}
