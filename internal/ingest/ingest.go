// Package ingest handles incoming workflow events end to end: it parses
// the EventBridge envelope, dispatches on event status, and drives the
// aggregation repository. Its contract with producers is fire-and-forget
// with at-least-once delivery, so it never reports errors back to them;
// failures return to the runtime for redelivery.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/elephant-oracle/workflow-errors/internal/store"
	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

// Repository is the slice of the aggregation store the handler drives.
// *store.Store satisfies it.
type Repository interface {
	SaveErrorRecords(ctx context.Context, ev *workflow.Event) (*store.SaveResult, error)
	UpdateExecutionMetadata(ctx context.Context, ev *workflow.Event) error
	DeleteErrorsForExecution(ctx context.Context, executionID string) (int, error)
	DeleteErrorFromAllExecutions(ctx context.Context, errorCode string) (int, error)
	MarkExecutionErrorsAsUnrecoverable(ctx context.Context, executionID string) (int, error)
	MarkErrorCodeAsUnrecoverable(ctx context.Context, errorCode string) (int, error)
}

// Handler ingests workflow and resolution events.
type Handler struct {
	repo   Repository
	logger *slog.Logger
}

// New creates a handler over the given repository.
func New(repo Repository, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{repo: repo, logger: logger}
}

// HandleEventBridge is the Lambda entrypoint: it routes the envelope by
// detail-type and skips payloads that cannot parse, because redelivering
// a malformed payload can never succeed.
func (h *Handler) HandleEventBridge(ctx context.Context, e events.EventBridgeEvent) error {
	if workflow.IsResolutionDetail(e.DetailType) {
		rev, err := workflow.ParseResolution(e.DetailType, e.Detail)
		if err != nil {
			return h.skipIfMalformed(err)
		}
		return h.HandleResolution(ctx, e.DetailType, rev)
	}

	ev, err := workflow.ParseEvent(e.Detail)
	if err != nil {
		return h.skipIfMalformed(err)
	}

	return h.HandleEvent(ctx, ev)
}

// HandleEvent dispatches one workflow step event.
//
// SCHEDULED events carry the task token for the step about to run and
// change no counter. IN_PROGRESS events carry nothing the core needs.
// SUCCEEDED events may still carry errors: intermediate steps report
// warnings as errors while the step itself succeeds, and those count like
// any failure. FAILED events carry the step's errors.
func (h *Handler) HandleEvent(ctx context.Context, ev *workflow.Event) error {
	log := h.logger.With(
		slog.String("execution", ev.ExecutionID),
		slog.String("county", ev.County),
		slog.String("status", string(ev.Status)),
	)
	if ev.DedupID != "" {
		log = log.With(slog.String("dedupId", ev.DedupID))
	}

	switch ev.Status {
	case workflow.EventScheduled:
		log.Debug("recording scheduled step metadata")
		return h.repo.UpdateExecutionMetadata(ctx, ev)

	case workflow.EventInProgress:
		log.Debug("ignoring in-progress event")
		return nil

	case workflow.EventSucceeded, workflow.EventFailed:
		if !ev.HasErrors() {
			if ev.Status == workflow.EventFailed {
				// A failure with no error list cannot be aggregated; keep
				// whatever metadata it carries and let the producer's next
				// event fill in the codes.
				log.Warn("failed event carries no errors, recording metadata only")
			}
			return h.repo.UpdateExecutionMetadata(ctx, ev)
		}

		res, err := h.repo.SaveErrorRecords(ctx, ev)
		if err != nil {
			return err
		}

		log.Info("recorded step errors",
			slog.String("step", ev.Step),
			slog.Int("uniqueCodes", res.UniqueErrorCount),
			slog.Int("occurrences", res.TotalOccurrences),
		)
		return nil

	default:
		log.Warn("skipping event with unknown status")
		return nil
	}
}

// HandleResolution applies an operator resolution event. When both fields
// are present the execution cascade runs first so the code cascade sees
// one fewer holder.
func (h *Handler) HandleResolution(ctx context.Context, detailType string, rev *workflow.ResolutionEvent) error {
	log := h.logger.With(
		slog.String("detailType", detailType),
		slog.String("execution", rev.ExecutionID),
		slog.String("code", rev.ErrorCode),
	)

	switch detailType {
	case workflow.DetailErrorResolved:
		if rev.ExecutionID != "" {
			n, err := h.repo.DeleteErrorsForExecution(ctx, rev.ExecutionID)
			if err != nil {
				return err
			}
			log.Info("resolved execution errors", slog.Int("links", n))
		}
		if rev.ErrorCode != "" {
			n, err := h.repo.DeleteErrorFromAllExecutions(ctx, rev.ErrorCode)
			if err != nil {
				return err
			}
			log.Info("resolved error code everywhere", slog.Int("links", n))
		}
		return nil

	case workflow.DetailErrorFailedToResolve:
		if rev.ExecutionID != "" {
			n, err := h.repo.MarkExecutionErrorsAsUnrecoverable(ctx, rev.ExecutionID)
			if err != nil {
				return err
			}
			log.Info("marked execution errors unrecoverable", slog.Int("links", n))
		}
		if rev.ErrorCode != "" {
			n, err := h.repo.MarkErrorCodeAsUnrecoverable(ctx, rev.ErrorCode)
			if err != nil {
				return err
			}
			log.Info("marked error code unrecoverable", slog.Int("links", n))
		}
		return nil

	default:
		log.Warn("skipping resolution event with unknown detail type")
		return nil
	}
}

// skipIfMalformed swallows malformed-payload errors with a warning and
// propagates everything else.
func (h *Handler) skipIfMalformed(err error) error {
	var malformed *workflow.MalformedEventError
	if errors.As(err, &malformed) {
		h.logger.Warn("skipping malformed event",
			slog.String("detailType", malformed.DetailType),
			slog.String("error", malformed.Err.Error()),
		)
		return nil
	}

	return err
}
