// Package counts reacts to execution error links leaving the table. Each
// removed link decrements its execution's open error count and its error
// code's total count; survivors get repositioned in the ranked indexes,
// drained executions fire their workflow callback and are deleted, and
// drained error records are deleted.
package counts

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/elephant-oracle/workflow-errors/internal/store"
	"github.com/elephant-oracle/workflow-errors/internal/stream"
)

// Repository is the slice of the aggregation store the pipeline drives.
// *store.Store satisfies it.
type Repository interface {
	BatchDecrementOpenErrorCounts(ctx context.Context, decrements []store.ExecutionDecrement) []store.ExecutionDecrementResult
	BatchDecrementErrorRecordCounts(ctx context.Context, decrements []store.ErrorRecordDecrement) []store.ErrorRecordDecrementResult
	BatchUpdateExecutionGsiKeys(ctx context.Context, updates []store.ExecutionKeyUpdate)
	BatchUpdateErrorRecordGsiKeys(ctx context.Context, updates []store.ErrorRecordKeyUpdate)
	BatchDeleteFailedExecutionItems(ctx context.Context, executionIDs []string) error
	BatchDeleteErrorRecords(ctx context.Context, errorCodes []string) error
}

// TaskNotifier reports a drained execution back to the workflow engine.
type TaskNotifier interface {
	TaskSucceeded(ctx context.Context, taskToken string) error
}

// Pipeline consumes link removals from the table's change stream.
type Pipeline struct {
	repo     Repository
	notifier TaskNotifier
	logger   *slog.Logger
}

// New creates a pipeline over the given repository and notifier.
func New(repo Repository, notifier TaskNotifier, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{repo: repo, notifier: notifier, logger: logger}
}

// HandleStream settles one stream batch. Guard failures are expected
// under redelivery and concurrent cascades and are skipped; real faults
// are joined and returned so the runtime redelivers the batch.
func (p *Pipeline) HandleStream(ctx context.Context, e events.DynamoDBEvent) error {
	links := make([]*store.ExecutionError, 0, len(e.Records))
	for _, rec := range e.Records {
		if link, ok := stream.DecodeRemovedLink(rec, p.logger); ok {
			links = append(links, link)
		}
	}
	if len(links) == 0 {
		p.logger.Debug("stream batch carried no link removals", slog.Int("records", len(e.Records)))
		return nil
	}

	execDecs, codeDecs := groupDecrements(links)

	hard := p.settleExecutions(ctx, execDecs)
	hard = append(hard, p.settleErrorRecords(ctx, codeDecs)...)

	p.logger.Info("stream batch settled",
		slog.Int("links", len(links)),
		slog.Int("executions", len(execDecs)),
		slog.Int("errorCodes", len(codeDecs)),
		slog.Int("faults", len(hard)),
	)

	return errors.Join(hard...)
}

// groupDecrements folds removed links into one decrement per execution and
// one per error code, in first-seen order. Executions count distinct open
// codes, so each link subtracts one; error records count occurrences, so
// each link subtracts its occurrence total.
func groupDecrements(links []*store.ExecutionError) ([]store.ExecutionDecrement, []store.ErrorRecordDecrement) {
	execIdx := make(map[string]int, len(links))
	codeIdx := make(map[string]int, len(links))
	var execDecs []store.ExecutionDecrement
	var codeDecs []store.ErrorRecordDecrement

	for _, link := range links {
		if i, ok := execIdx[link.ExecutionID]; ok {
			execDecs[i].By++
		} else {
			execIdx[link.ExecutionID] = len(execDecs)
			execDecs = append(execDecs, store.ExecutionDecrement{ExecutionID: link.ExecutionID, By: 1})
		}

		if i, ok := codeIdx[link.ErrorCode]; ok {
			codeDecs[i].By += link.Occurrences
		} else {
			codeIdx[link.ErrorCode] = len(codeDecs)
			codeDecs = append(codeDecs, store.ErrorRecordDecrement{ErrorCode: link.ErrorCode, By: link.Occurrences})
		}
	}

	return execDecs, codeDecs
}

func (p *Pipeline) settleExecutions(ctx context.Context, decs []store.ExecutionDecrement) []error {
	var hard []error
	var drained []string
	var updates []store.ExecutionKeyUpdate

	for _, res := range p.repo.BatchDecrementOpenErrorCounts(ctx, decs) {
		switch {
		case res.Err != nil:
			hard = append(hard, res.Err)
		case !res.Found:
			p.logger.Warn("execution decrement found nothing to subtract",
				slog.String("execution", res.ExecutionID),
			)
		case res.NewCount == 0:
			p.notifyDrained(ctx, res)
			drained = append(drained, res.ExecutionID)
		default:
			updates = append(updates, store.ExecutionKeyUpdate{
				ExecutionID: res.ExecutionID,
				ErrorType:   res.ErrorType,
				Status:      res.Status,
				Count:       res.NewCount,
			})
		}
	}

	if len(updates) > 0 {
		p.repo.BatchUpdateExecutionGsiKeys(ctx, updates)
	}
	if len(drained) > 0 {
		if err := p.repo.BatchDeleteFailedExecutionItems(ctx, drained); err != nil {
			hard = append(hard, err)
		}
	}

	return hard
}

func (p *Pipeline) settleErrorRecords(ctx context.Context, decs []store.ErrorRecordDecrement) []error {
	var hard []error
	var drained []string
	var updates []store.ErrorRecordKeyUpdate

	for _, res := range p.repo.BatchDecrementErrorRecordCounts(ctx, decs) {
		switch {
		case res.Err != nil:
			hard = append(hard, res.Err)
		case !res.Found:
			p.logger.Warn("error record decrement found nothing to subtract",
				slog.String("code", res.ErrorCode),
			)
		case res.NewCount == 0:
			drained = append(drained, res.ErrorCode)
		default:
			updates = append(updates, store.ErrorRecordKeyUpdate{
				ErrorCode: res.ErrorCode,
				Status:    res.Status,
				Count:     res.NewCount,
			})
		}
	}

	if len(updates) > 0 {
		p.repo.BatchUpdateErrorRecordGsiKeys(ctx, updates)
	}
	if len(drained) > 0 {
		if err := p.repo.BatchDeleteErrorRecords(ctx, drained); err != nil {
			hard = append(hard, err)
		}
	}

	return hard
}

// notifyDrained fires the stored task token of an execution that just
// reached zero open errors. The counter cannot reach zero twice, so a
// redelivered batch can never re-fire a lost token; callback failures are
// surfaced loudly and the cleanup proceeds.
func (p *Pipeline) notifyDrained(ctx context.Context, res store.ExecutionDecrementResult) {
	log := p.logger.With(
		slog.String("execution", res.ExecutionID),
		slog.String("county", res.County),
	)

	if res.TaskToken == "" {
		log.Info("execution drained without a stored task token")
		return
	}

	if err := p.notifier.TaskSucceeded(ctx, res.TaskToken); err != nil {
		log.Error("task callback failed", slog.String("error", err.Error()))
		return
	}

	log.Info("reported drained execution to workflow")
}
