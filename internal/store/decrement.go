package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

// DecrementResult reports the outcome of one conditional counter
// subtract. Found is false when the guard failed: the row is missing or
// its counter is already below the requested amount. TaskToken and County
// are only populated for execution decrements.
type DecrementResult struct {
	Found     bool
	NewCount  int
	TaskToken string
	County    string
	ErrorType string
	Status    workflow.Status
}

// DecrementOpenErrorCount subtracts from an execution's open error count.
// The guard openErrorCount >= by keeps the counter non-negative; a failed
// guard is a normal outcome (idempotent redelivery, concurrent drains) and
// never an error.
func (s *Store) DecrementOpenErrorCount(ctx context.Context, executionID string, by int) (DecrementResult, error) {
	if by < 1 {
		return DecrementResult{}, fmt.Errorf("store: decrement open error count for %s: by must be >= 1, got %d", executionID, by)
	}

	var out *dynamodb.UpdateItemOutput
	err := s.withRetry(ctx, "decrement open error count", func(ctx context.Context) error {
		var callErr error
		out, callErr = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.table),
			Key:                 executionKey(executionID),
			UpdateExpression:    aws.String("SET openErrorCount = openErrorCount - :by, updatedAt = :now"),
			ConditionExpression: aws.String("openErrorCount >= :by AND entityType = :et"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":by":  numberValue(by),
				":now": stringValue(s.timestamp()),
				":et":  stringValue(EntityFailedExecution),
			},
			ReturnValues: types.ReturnValueAllNew,
		})
		return callErr
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return DecrementResult{}, nil
		}
		return DecrementResult{}, fmt.Errorf("store: decrement open error count for %s: %w", executionID, err)
	}

	fe, err := decodeExecution(out.Attributes)
	if err != nil {
		return DecrementResult{}, err
	}

	return DecrementResult{
		Found:     true,
		NewCount:  fe.OpenErrorCount,
		TaskToken: fe.TaskToken,
		County:    fe.County,
		ErrorType: fe.ErrorType,
		Status:    fe.Status,
	}, nil
}

// DecrementErrorRecordTotalCount subtracts from an error record's total
// occurrence count with the same guard semantics as the execution variant.
func (s *Store) DecrementErrorRecordTotalCount(ctx context.Context, errorCode string, by int) (DecrementResult, error) {
	if by < 1 {
		return DecrementResult{}, fmt.Errorf("store: decrement total count for %s: by must be >= 1, got %d", errorCode, by)
	}

	var out *dynamodb.UpdateItemOutput
	err := s.withRetry(ctx, "decrement error record total count", func(ctx context.Context) error {
		var callErr error
		out, callErr = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.table),
			Key:                 errorRecordKey(errorCode),
			UpdateExpression:    aws.String("SET totalCount = totalCount - :by, updatedAt = :now"),
			ConditionExpression: aws.String("totalCount >= :by AND entityType = :et"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":by":  numberValue(by),
				":now": stringValue(s.timestamp()),
				":et":  stringValue(EntityError),
			},
			ReturnValues: types.ReturnValueAllNew,
		})
		return callErr
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return DecrementResult{}, nil
		}
		return DecrementResult{}, fmt.Errorf("store: decrement total count for %s: %w", errorCode, err)
	}

	rec, err := decodeErrorRecord(out.Attributes)
	if err != nil {
		return DecrementResult{}, err
	}

	return DecrementResult{
		Found:     true,
		NewCount:  rec.TotalCount,
		ErrorType: rec.ErrorType,
		Status:    rec.Status,
	}, nil
}

// ExecutionDecrement is one entry of a batch open-error-count subtract.
type ExecutionDecrement struct {
	ExecutionID string
	By          int
}

// ErrorRecordDecrement is one entry of a batch total-count subtract.
type ErrorRecordDecrement struct {
	ErrorCode string
	By        int
}

// ExecutionDecrementResult pairs one batch entry with its outcome. Err is
// set on a real fault; a failed guard is Found == false with a nil Err.
type ExecutionDecrementResult struct {
	ExecutionID string
	DecrementResult
	Err error
}

// ErrorRecordDecrementResult pairs one batch entry with its outcome.
type ErrorRecordDecrementResult struct {
	ErrorCode string
	DecrementResult
	Err error
}

// BatchDecrementOpenErrorCounts fans the decrements out with bounded
// parallelism. Results keep input order; per-item faults are recorded,
// logged, and never abort the remaining items.
func (s *Store) BatchDecrementOpenErrorCounts(ctx context.Context, decrements []ExecutionDecrement) []ExecutionDecrementResult {
	results := make([]ExecutionDecrementResult, len(decrements))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentWrites)
	for i, d := range decrements {
		g.Go(func() error {
			res, err := s.DecrementOpenErrorCount(gctx, d.ExecutionID, d.By)
			results[i] = ExecutionDecrementResult{ExecutionID: d.ExecutionID, DecrementResult: res, Err: err}
			if err != nil {
				s.logger.Error("batch execution decrement failed",
					slog.String("execution", d.ExecutionID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// BatchDecrementErrorRecordCounts is the error-record counterpart of
// BatchDecrementOpenErrorCounts.
func (s *Store) BatchDecrementErrorRecordCounts(ctx context.Context, decrements []ErrorRecordDecrement) []ErrorRecordDecrementResult {
	results := make([]ErrorRecordDecrementResult, len(decrements))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentWrites)
	for i, d := range decrements {
		g.Go(func() error {
			res, err := s.DecrementErrorRecordTotalCount(gctx, d.ErrorCode, d.By)
			results[i] = ErrorRecordDecrementResult{ErrorCode: d.ErrorCode, DecrementResult: res, Err: err}
			if err != nil {
				s.logger.Error("batch error record decrement failed",
					slog.String("code", d.ErrorCode),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
