package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/elephant-oracle/workflow-errors/internal/errkey"
	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

// SetExecutionStatus transitions an execution head row and repositions it
// in the ranked indexes. Count and errorType must be the caller's freshest
// observation of the row, normally taken from a decrement result. A
// missing row is skipped: it was drained and deleted concurrently.
func (s *Store) SetExecutionStatus(ctx context.Context, executionID string, status workflow.Status, errorType string, count int) error {
	update := "SET #st = :st, updatedAt = :now, " +
		errkey.AttrGS1PK + " = :gs1pk, " + errkey.AttrGS1SK + " = :gs1sk, " +
		errkey.AttrGS3PK + " = :gs3pk, " + errkey.AttrGS3SK + " = :gs3sk"

	err := s.withRetry(ctx, "set execution status", func(ctx context.Context) error {
		_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(s.table),
			Key:                       executionKey(executionID),
			UpdateExpression:          aws.String(update),
			ConditionExpression:       aws.String("entityType = :et"),
			ExpressionAttributeNames:  map[string]string{"#st": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":st":    stringValue(string(status)),
				":now":   stringValue(s.timestamp()),
				":gs1pk": stringValue(errkey.ExecutionCountPK),
				":gs1sk": stringValue(errkey.CountKey(string(status), count, errkey.KindExecution, executionID)),
				":gs3pk": stringValue(errkey.ExecutionBucketPK),
				":gs3sk": stringValue(errkey.TypedCountKey(errorType, string(status), count, errkey.KindExecution, executionID)),
				":et":    stringValue(EntityFailedExecution),
			},
		})
		return err
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			s.logger.Warn("status update skipped, execution row gone",
				slog.String("execution", executionID),
				slog.String("status", string(status)),
			)
			return nil
		}
		return fmt.Errorf("store: set execution status for %s: %w", executionID, err)
	}

	return nil
}

// MarkErrorAsUnrecoverable transitions one (execution, code) link to
// maybeUnrecoverable together with its parent execution and its error
// record, pulling all three out of the failed dashboard view.
func (s *Store) MarkErrorAsUnrecoverable(ctx context.Context, executionID, errorCode string) error {
	if err := s.markLinkUnrecoverable(ctx, executionID, errorCode); err != nil {
		return err
	}
	if err := s.MarkErrorRecordUnrecoverable(ctx, errorCode); err != nil {
		return err
	}
	return s.markExecutionUnrecoverable(ctx, executionID)
}

// MarkExecutionErrorsAsUnrecoverable transitions every link of an
// execution, each link's error record, and the execution itself. Returns
// the number of links marked.
func (s *Store) MarkExecutionErrorsAsUnrecoverable(ctx context.Context, executionID string) (int, error) {
	links, err := s.QueryExecutionErrorLinks(ctx, executionID)
	if err != nil {
		return 0, err
	}

	for _, link := range links {
		if err := s.markLinkUnrecoverable(ctx, executionID, link.ErrorCode); err != nil {
			return 0, err
		}
		if err := s.MarkErrorRecordUnrecoverable(ctx, link.ErrorCode); err != nil {
			return 0, err
		}
	}

	if err := s.markExecutionUnrecoverable(ctx, executionID); err != nil {
		return 0, err
	}

	return len(links), nil
}

// MarkErrorCodeAsUnrecoverable transitions every link holding a code,
// each link's parent execution, and the error record itself. Returns the
// number of links marked.
func (s *Store) MarkErrorCodeAsUnrecoverable(ctx context.Context, errorCode string) (int, error) {
	links, err := s.QueryErrorLinksForErrorCode(ctx, errorCode)
	if err != nil {
		return 0, err
	}

	for _, link := range links {
		if err := s.markLinkUnrecoverable(ctx, link.ExecutionID, errorCode); err != nil {
			return 0, err
		}
		if err := s.markExecutionUnrecoverable(ctx, link.ExecutionID); err != nil {
			return 0, err
		}
	}

	if err := s.MarkErrorRecordUnrecoverable(ctx, errorCode); err != nil {
		return 0, err
	}

	return len(links), nil
}

// MarkErrorRecordUnrecoverable transitions one error record and rewrites
// its sort keys from the current counter. A missing record is skipped.
func (s *Store) MarkErrorRecordUnrecoverable(ctx context.Context, errorCode string) error {
	rec, err := s.GetErrorRecord(ctx, errorCode)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("mark unrecoverable skipped, error record gone",
				slog.String("code", errorCode),
			)
			return nil
		}
		return err
	}

	update := "SET errorStatus = :st, updatedAt = :now, " +
		errkey.AttrGS2SK + " = :gs2sk, " + errkey.AttrGS3SK + " = :gs3sk"

	err = s.withRetry(ctx, "mark error record unrecoverable", func(ctx context.Context) error {
		_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.table),
			Key:                 errorRecordKey(errorCode),
			UpdateExpression:    aws.String(update),
			ConditionExpression: aws.String("entityType = :et"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":st":    stringValue(string(workflow.StatusMaybeUnrecoverable)),
				":now":   stringValue(s.timestamp()),
				":gs2sk": stringValue(errkey.CountKey(string(workflow.StatusMaybeUnrecoverable), rec.TotalCount, errkey.KindError, errorCode)),
				":gs3sk": stringValue(errkey.TypedCountKey(rec.ErrorType, string(workflow.StatusMaybeUnrecoverable), rec.TotalCount, errkey.KindError, errorCode)),
				":et":    stringValue(EntityError),
			},
		})
		return err
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("store: mark error record %s unrecoverable: %w", errorCode, err)
	}

	return nil
}

// markLinkUnrecoverable transitions one link row. Links carry no ranked
// sort keys, so only the status moves.
func (s *Store) markLinkUnrecoverable(ctx context.Context, executionID, errorCode string) error {
	err := s.withRetry(ctx, "mark link unrecoverable", func(ctx context.Context) error {
		_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(s.table),
			Key:                       linkKey(executionID, errorCode),
			UpdateExpression:          aws.String("SET #st = :st, updatedAt = :now"),
			ConditionExpression:       aws.String("entityType = :et"),
			ExpressionAttributeNames:  map[string]string{"#st": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":st":  stringValue(string(workflow.StatusMaybeUnrecoverable)),
				":now": stringValue(s.timestamp()),
				":et":  stringValue(EntityExecutionError),
			},
		})
		return err
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			s.logger.Warn("mark unrecoverable skipped, link gone",
				slog.String("execution", executionID),
				slog.String("code", errorCode),
			)
			return nil
		}
		return fmt.Errorf("store: mark link %s/%s unrecoverable: %w", executionID, errorCode, err)
	}

	return nil
}

// markExecutionUnrecoverable transitions one execution head row using its
// current counter for the new sort keys. A missing row is skipped.
func (s *Store) markExecutionUnrecoverable(ctx context.Context, executionID string) error {
	fe, err := s.GetFailedExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("mark unrecoverable skipped, execution row gone",
				slog.String("execution", executionID),
			)
			return nil
		}
		return err
	}

	return s.SetExecutionStatus(ctx, executionID, workflow.StatusMaybeUnrecoverable, fe.ErrorType, fe.OpenErrorCount)
}
