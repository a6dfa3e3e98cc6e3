// Package resolver drives the auto-repair loop. It consumes link status
// transitions out of the failed state, decrements the owning execution's
// open error count, and once the count drains decides the execution's
// fate: re-run Transform and SVL validation when every error looks
// solved, or route the original upload to the county dead-letter queue
// when any error is unrecoverable or the restart itself fails.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/elephant-oracle/workflow-errors/internal/store"
	"github.com/elephant-oracle/workflow-errors/internal/stream"
	"github.com/elephant-oracle/workflow-errors/internal/worker"
	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

// Failure reasons attached to the restart-failure metric.
const (
	ReasonMissingPreparedInput = "MissingPreparedInput"
	ReasonTransformFailed      = "TransformFailed"
	ReasonValidationError      = "ValidationError"
	ReasonValidationFailed     = "ValidationFailed"
)

// Repository is the slice of the aggregation store the resolver drives.
// *store.Store satisfies it.
type Repository interface {
	DecrementOpenErrorCount(ctx context.Context, executionID string, by int) (store.DecrementResult, error)
	GetFailedExecution(ctx context.Context, executionID string) (*store.FailedExecution, error)
	QueryExecutionErrorLinks(ctx context.Context, executionID string) ([]store.ExecutionError, error)
	SetExecutionStatus(ctx context.Context, executionID string, status workflow.Status, errorType string, count int) error
	DeleteResolvedExecution(ctx context.Context, executionID string) (int, error)
}

// WorkerInvoker re-runs the two validation-path workers.
type WorkerInvoker interface {
	RunTransform(ctx context.Context, in worker.TransformInput) (*worker.TransformOutput, error)
	RunValidation(ctx context.Context, in worker.ValidationInput) (*worker.ValidationOutput, error)
}

// QueuePublisher requeues an execution's original upload on its county
// dead-letter queue.
type QueuePublisher interface {
	PublishSource(ctx context.Context, county string, src workflow.Source) error
}

// MetricEmitter counts restart outcomes.
type MetricEmitter interface {
	RestartSucceeded(ctx context.Context, county string)
	RestartFailed(ctx context.Context, county, reason string)
}

// Resolver reacts to link status transitions on the change stream.
type Resolver struct {
	repo         Repository
	workers      WorkerInvoker
	queue        QueuePublisher
	metrics      MetricEmitter
	outputPrefix string
	logger       *slog.Logger
}

// New creates a resolver. outputPrefix is the S3 prefix handed to the
// restart workers for their outputs.
func New(repo Repository, workers WorkerInvoker, queue QueuePublisher, metrics MetricEmitter, outputPrefix string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		repo:         repo,
		workers:      workers,
		queue:        queue,
		metrics:      metrics,
		outputPrefix: outputPrefix,
		logger:       logger,
	}
}

// HandleStream processes one stream batch. A batch often carries one
// MODIFY per resolved link of the same execution; once a restart or queue
// routing has fired for an execution, its remaining events in the batch
// are skipped. The set is per-invocation only: across batches the
// conditional decrement and the execution's own status transitions keep
// the restart from firing twice. Hard faults are joined and returned so
// the runtime redelivers the batch.
func (r *Resolver) HandleStream(ctx context.Context, e events.DynamoDBEvent) error {
	acted := make(map[string]struct{})
	var hard []error

	for _, rec := range e.Records {
		tr, ok := stream.DecodeStatusTransition(rec, r.logger)
		if !ok {
			continue
		}

		if _, done := acted[tr.Link.ExecutionID]; done {
			r.logger.Debug("execution already settled in this batch",
				slog.String("execution", tr.Link.ExecutionID),
				slog.String("code", tr.Link.ErrorCode),
			)
			continue
		}

		fired, err := r.processTransition(ctx, tr)
		if err != nil {
			hard = append(hard, err)
			continue
		}
		if fired {
			acted[tr.Link.ExecutionID] = struct{}{}
		}
	}

	return errors.Join(hard...)
}

// processTransition books one resolved link against its execution and
// assesses the execution once no open errors remain. Returns true when a
// restart or queue routing fired.
func (r *Resolver) processTransition(ctx context.Context, tr *stream.StatusTransition) (bool, error) {
	executionID := tr.Link.ExecutionID
	log := r.logger.With(
		slog.String("execution", executionID),
		slog.String("code", tr.Link.ErrorCode),
		slog.String("to", string(tr.To)),
	)

	res, err := r.repo.DecrementOpenErrorCount(ctx, executionID, 1)
	if err != nil {
		return false, err
	}

	if res.Found {
		if res.NewCount > 0 {
			log.Debug("open errors remain", slog.Int("openErrorCount", res.NewCount))
			return false, nil
		}
		return r.assess(ctx, executionID)
	}

	// The guard failed: the count is already zero or the row is gone.
	// Re-read and decide from what is actually there.
	head, err := r.repo.GetFailedExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("execution already cleaned up")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch {
	case head.OpenErrorCount > 0:
		// A concurrent event re-raised the count after our guard failed.
		log.Debug("open errors remain after re-read", slog.Int("openErrorCount", head.OpenErrorCount))
		return false, nil
	case head.OpenErrorCount < 0:
		log.Error("open error count is negative, assessing anyway",
			slog.Int("openErrorCount", head.OpenErrorCount),
		)
	}

	return r.assessHead(ctx, head)
}

func (r *Resolver) assess(ctx context.Context, executionID string) (bool, error) {
	head, err := r.repo.GetFailedExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Debug("execution vanished before assessment", slog.String("execution", executionID))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return r.assessHead(ctx, head)
}

// assessHead decides the fate of an execution with no open errors left.
// Any unrecoverable link sends the original upload to the county queue;
// a fully solved set restarts validation; a mix with links still failed
// disagrees with the drained counter and is left for operators.
func (r *Resolver) assessHead(ctx context.Context, head *store.FailedExecution) (bool, error) {
	log := r.logger.With(
		slog.String("execution", head.ExecutionID),
		slog.String("county", head.County),
	)

	if head.Status == workflow.StatusMaybeSolved {
		log.Warn("restart already triggered for this execution, skipping")
		return false, nil
	}

	links, err := r.repo.QueryExecutionErrorLinks(ctx, head.ExecutionID)
	if err != nil {
		return false, err
	}
	if len(links) == 0 {
		log.Debug("no links remain, count pipeline owns the cleanup")
		return false, nil
	}

	anyUnrecoverable := false
	allSettled := true
	for _, link := range links {
		switch link.Status {
		case workflow.StatusMaybeUnrecoverable:
			anyUnrecoverable = true
		case workflow.StatusMaybeSolved, workflow.StatusSolved:
		default:
			allSettled = false
		}
	}

	switch {
	case anyUnrecoverable:
		if err := r.routeUnrecoverable(ctx, head); err != nil {
			return false, err
		}
		return true, nil
	case allSettled:
		if err := r.restart(ctx, head); err != nil {
			return false, err
		}
		return true, nil
	default:
		log.Warn("links still open although the count drained, leaving for operators",
			slog.Int("links", len(links)),
		)
		return false, nil
	}
}

// restart re-runs Transform and SVL validation over the execution's
// prepared input. The status moves to maybeSolved before the first
// invocation so a redelivered batch cannot start a second run while this
// one is in flight.
func (r *Resolver) restart(ctx context.Context, head *store.FailedExecution) error {
	log := r.logger.With(
		slog.String("execution", head.ExecutionID),
		slog.String("county", head.County),
	)

	if err := r.repo.SetExecutionStatus(ctx, head.ExecutionID, workflow.StatusMaybeSolved, head.ErrorType, 0); err != nil {
		return err
	}

	if head.PreparedS3URI == "" {
		return r.failRestart(ctx, head, ReasonMissingPreparedInput,
			fmt.Errorf("resolver: execution %s has no prepared input recorded", head.ExecutionID))
	}

	log.Info("restarting validation", slog.String("input", head.PreparedS3URI))

	tout, err := r.workers.RunTransform(ctx, worker.TransformInput{
		InputS3URI:       head.PreparedS3URI,
		County:           head.County,
		OutputPrefix:     r.outputPrefix,
		ExecutionID:      head.ExecutionID,
		DirectInvocation: true,
	})
	if err != nil {
		return r.failRestart(ctx, head, ReasonTransformFailed, err)
	}

	vout, err := r.workers.RunValidation(ctx, worker.ValidationInput{
		TransformedOutputS3URI: tout.TransformedOutputS3URI,
		County:                 head.County,
		OutputPrefix:           r.outputPrefix,
		ExecutionID:            head.ExecutionID,
		DirectInvocation:       true,
	})
	if err != nil {
		return r.failRestart(ctx, head, ReasonValidationError, err)
	}
	if !vout.ValidationPassed {
		return r.failRestart(ctx, head, ReasonValidationFailed,
			fmt.Errorf("resolver: validation rejected restarted output for %s", head.ExecutionID))
	}

	r.metrics.RestartSucceeded(ctx, head.County)

	links, err := r.repo.DeleteResolvedExecution(ctx, head.ExecutionID)
	if err != nil {
		log.Error("restart succeeded but cleanup failed", slog.String("error", err.Error()))
		return err
	}

	log.Info("execution restarted and cleaned up", slog.Int("links", links))
	return nil
}

// failRestart treats any restart failure like a failed validation: the
// original upload goes back on the county queue for a human-paced retry
// and the failure metric carries the reason.
func (r *Resolver) failRestart(ctx context.Context, head *store.FailedExecution, reason string, cause error) error {
	r.logger.Error("restart failed",
		slog.String("execution", head.ExecutionID),
		slog.String("county", head.County),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)

	if err := r.routeToQueue(ctx, head); err != nil {
		return err
	}

	r.metrics.RestartFailed(ctx, head.County, reason)
	r.markUnrecoverable(ctx, head)
	return nil
}

// routeUnrecoverable handles an execution whose errors include one an
// operator declared unsolvable. No restart metric fires: nothing was
// restarted.
func (r *Resolver) routeUnrecoverable(ctx context.Context, head *store.FailedExecution) error {
	if err := r.routeToQueue(ctx, head); err != nil {
		return err
	}

	r.markUnrecoverable(ctx, head)

	r.logger.Info("unrecoverable execution routed to county queue",
		slog.String("execution", head.ExecutionID),
		slog.String("county", head.County),
	)
	return nil
}

// routeToQueue publishes the execution's original upload pointer. A
// missing source is a hard fault: dropping the message silently would
// strand the county's batch, so the batch is left to redeliver.
func (r *Resolver) routeToQueue(ctx context.Context, head *store.FailedExecution) error {
	if head.Source == nil {
		err := fmt.Errorf("resolver: execution %s carries no source pointer", head.ExecutionID)
		r.logger.Error("cannot route execution to county queue",
			slog.String("execution", head.ExecutionID),
			slog.String("county", head.County),
			slog.String("error", err.Error()),
		)
		return err
	}

	if err := r.queue.PublishSource(ctx, head.County, *head.Source); err != nil {
		r.logger.Error("county queue publish failed",
			slog.String("execution", head.ExecutionID),
			slog.String("county", head.County),
			slog.String("error", err.Error()),
		)
		return err
	}

	return nil
}

// markUnrecoverable moves the head row out of the default dashboard view.
// Best-effort: the queue message is already sent, and the row is visible
// either way.
func (r *Resolver) markUnrecoverable(ctx context.Context, head *store.FailedExecution) {
	if head.Status == workflow.StatusMaybeUnrecoverable {
		return
	}

	if err := r.repo.SetExecutionStatus(ctx, head.ExecutionID, workflow.StatusMaybeUnrecoverable, head.ErrorType, head.OpenErrorCount); err != nil {
		r.logger.Warn("could not mark execution unrecoverable",
			slog.String("execution", head.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}
