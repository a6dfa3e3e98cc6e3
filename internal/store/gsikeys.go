package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/elephant-oracle/workflow-errors/internal/errkey"
	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

// ExecutionKeyUpdate carries the observed state that positions one
// execution row in the ranked indexes.
type ExecutionKeyUpdate struct {
	ExecutionID string
	ErrorType   string
	Status      workflow.Status
	Count       int
}

// ErrorRecordKeyUpdate carries the observed state that positions one
// error record row in the ranked indexes.
type ErrorRecordKeyUpdate struct {
	ErrorCode string
	Status    workflow.Status
	Count     int
}

// BatchUpdateExecutionGsiKeys rewrites the ranked-index sort keys of the
// given executions. Each update is independent; failures are logged and
// swallowed because a stale sort key only delays a row's dashboard
// placement until its next write.
func (s *Store) BatchUpdateExecutionGsiKeys(ctx context.Context, updates []ExecutionKeyUpdate) {
	for _, u := range updates {
		if err := s.updateExecutionGsiKeys(ctx, u); err != nil {
			s.logger.Warn("execution sort key update failed",
				slog.String("execution", u.ExecutionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// BatchUpdateErrorRecordGsiKeys is the error-record counterpart of
// BatchUpdateExecutionGsiKeys.
func (s *Store) BatchUpdateErrorRecordGsiKeys(ctx context.Context, updates []ErrorRecordKeyUpdate) {
	for _, u := range updates {
		if err := s.updateErrorRecordGsiKeys(ctx, u); err != nil {
			s.logger.Warn("error record sort key update failed",
				slog.String("code", u.ErrorCode),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Store) updateExecutionGsiKeys(ctx context.Context, u ExecutionKeyUpdate) error {
	update := "SET " + errkey.AttrGS1PK + " = :gs1pk, " + errkey.AttrGS1SK + " = :gs1sk, " +
		errkey.AttrGS3PK + " = :gs3pk, " + errkey.AttrGS3SK + " = :gs3sk, updatedAt = :now"

	err := s.withRetry(ctx, "update execution sort keys", func(ctx context.Context) error {
		_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.table),
			Key:                 executionKey(u.ExecutionID),
			UpdateExpression:    aws.String(update),
			ConditionExpression: aws.String("entityType = :et"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":gs1pk": stringValue(errkey.ExecutionCountPK),
				":gs1sk": stringValue(errkey.CountKey(string(u.Status), u.Count, errkey.KindExecution, u.ExecutionID)),
				":gs3pk": stringValue(errkey.ExecutionBucketPK),
				":gs3sk": stringValue(errkey.TypedCountKey(u.ErrorType, string(u.Status), u.Count, errkey.KindExecution, u.ExecutionID)),
				":now":   stringValue(s.timestamp()),
				":et":    stringValue(EntityFailedExecution),
			},
		})
		return err
	})
	if err != nil && isConditionalCheckFailed(err) {
		// Row already drained and deleted; nothing left to reposition.
		return nil
	}

	return err
}

func (s *Store) updateErrorRecordGsiKeys(ctx context.Context, u ErrorRecordKeyUpdate) error {
	update := "SET " + errkey.AttrGS2PK + " = :gs2pk, " + errkey.AttrGS2SK + " = :gs2sk, " +
		errkey.AttrGS3PK + " = :gs3pk, " + errkey.AttrGS3SK + " = :gs3sk, updatedAt = :now"

	errorType := errkey.ErrorType(u.ErrorCode)
	err := s.withRetry(ctx, "update error record sort keys", func(ctx context.Context) error {
		_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.table),
			Key:                 errorRecordKey(u.ErrorCode),
			UpdateExpression:    aws.String(update),
			ConditionExpression: aws.String("entityType = :et"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":gs2pk": stringValue(errkey.ErrorRecordPK),
				":gs2sk": stringValue(errkey.CountKey(string(u.Status), u.Count, errkey.KindError, u.ErrorCode)),
				":gs3pk": stringValue(errkey.ErrorBucketPK),
				":gs3sk": stringValue(errkey.TypedCountKey(errorType, string(u.Status), u.Count, errkey.KindError, u.ErrorCode)),
				":now":   stringValue(s.timestamp()),
				":et":    stringValue(EntityError),
			},
		})
		return err
	})
	if err != nil && isConditionalCheckFailed(err) {
		return nil
	}

	return err
}

// RefreshErrorRecordSortKeys re-reads each code's aggregate row and
// rewrites its sort keys from the settled counter. Called after the
// atomic adds of SaveErrorRecords, whose post-increment totals are
// unknowable at write time. Missing rows and write failures are logged
// and skipped.
func (s *Store) RefreshErrorRecordSortKeys(ctx context.Context, errorCodes []string) {
	for _, code := range errorCodes {
		rec, err := s.GetErrorRecord(ctx, code)
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, ErrNotFound) {
				// Deleted between the add and the refresh; the next
				// sighting re-creates it with fresh keys.
				level = slog.LevelDebug
			}
			s.logger.Log(ctx, level, "sort key refresh skipped",
				slog.String("code", code),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := s.updateErrorRecordGsiKeys(ctx, ErrorRecordKeyUpdate{
			ErrorCode: code,
			Status:    rec.Status,
			Count:     rec.TotalCount,
		}); err != nil {
			s.logger.Warn("error record sort key refresh failed",
				slog.String("code", code),
				slog.String("error", err.Error()),
			)
		}
	}
}

// refreshExecutionSortKeys is the execution-side twin of
// RefreshErrorRecordSortKeys, run after the save transaction settles.
func (s *Store) refreshExecutionSortKeys(ctx context.Context, executionID string) {
	fe, err := s.GetFailedExecution(ctx, executionID)
	if err != nil {
		s.logger.Warn("execution sort key refresh skipped",
			slog.String("execution", executionID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.updateExecutionGsiKeys(ctx, ExecutionKeyUpdate{
		ExecutionID: executionID,
		ErrorType:   fe.ErrorType,
		Status:      fe.Status,
		Count:       fe.OpenErrorCount,
	}); err != nil {
		s.logger.Warn("execution sort key refresh failed",
			slog.String("execution", executionID),
			slog.String("error", err.Error()),
		)
	}
}
