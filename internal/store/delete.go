package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Bulk-write constants: the service accepts at most 25 writes per call,
// and partially applied calls return the leftovers as UnprocessedItems.
const (
	batchWriteLimit    = 25
	unprocessedRetries = 3
)

// BatchDeleteFailedExecutionItems deletes execution head rows whose open
// error count has drained to zero.
func (s *Store) BatchDeleteFailedExecutionItems(ctx context.Context, executionIDs []string) error {
	keys := make([]map[string]types.AttributeValue, 0, len(executionIDs))
	for _, id := range executionIDs {
		keys = append(keys, executionKey(id))
	}

	return s.batchDeleteKeys(ctx, "delete failed executions", keys)
}

// BatchDeleteErrorRecords deletes error record head rows whose total
// count has drained to zero.
func (s *Store) BatchDeleteErrorRecords(ctx context.Context, errorCodes []string) error {
	keys := make([]map[string]types.AttributeValue, 0, len(errorCodes))
	for _, code := range errorCodes {
		keys = append(keys, errorRecordKey(code))
	}

	return s.batchDeleteKeys(ctx, "delete error records", keys)
}

// DeleteErrorsForExecution removes every link row of an execution and
// returns how many were deleted. The head row is not touched here: the
// stream-driven count handler observes the link removals, drains the
// counter, fires any task token, and deletes the head row itself.
func (s *Store) DeleteErrorsForExecution(ctx context.Context, executionID string) (int, error) {
	links, err := s.QueryExecutionErrorLinks(ctx, executionID)
	if err != nil {
		return 0, err
	}
	if len(links) == 0 {
		return 0, nil
	}

	keys := make([]map[string]types.AttributeValue, 0, len(links))
	for _, link := range links {
		keys = append(keys, linkKey(executionID, link.ErrorCode))
	}

	if err := s.batchDeleteKeys(ctx, "delete execution links", keys); err != nil {
		return 0, err
	}

	s.logger.Info("deleted execution links",
		slog.String("execution", executionID),
		slog.Int("links", len(keys)),
	)

	return len(keys), nil
}

// DeleteResolvedExecution removes an execution whose re-driven validation
// passed: the head row first, then its links, and returns the link count.
// Head-first ordering matters: once the head row is gone, the count
// handler's decrements for the link removals fail their guard and are
// swallowed instead of re-draining a row that no longer exists.
func (s *Store) DeleteResolvedExecution(ctx context.Context, executionID string) (int, error) {
	if err := s.BatchDeleteFailedExecutionItems(ctx, []string{executionID}); err != nil {
		return 0, err
	}

	return s.DeleteErrorsForExecution(ctx, executionID)
}

// DeleteErrorFromAllExecutions removes every link holding an error code
// across executions and returns how many were deleted. The error record
// row drains through the stream the same way execution head rows do.
func (s *Store) DeleteErrorFromAllExecutions(ctx context.Context, errorCode string) (int, error) {
	links, err := s.QueryErrorLinksForErrorCode(ctx, errorCode)
	if err != nil {
		return 0, err
	}
	if len(links) == 0 {
		return 0, nil
	}

	keys := make([]map[string]types.AttributeValue, 0, len(links))
	for _, link := range links {
		keys = append(keys, linkKey(link.ExecutionID, errorCode))
	}

	if err := s.batchDeleteKeys(ctx, "delete error code links", keys); err != nil {
		return 0, err
	}

	s.logger.Info("deleted error code links",
		slog.String("code", errorCode),
		slog.Int("links", len(keys)),
	)

	return len(keys), nil
}

// batchDeleteKeys submits deletes in chunks of at most batchWriteLimit.
func (s *Store) batchDeleteKeys(ctx context.Context, op string, keys []map[string]types.AttributeValue) error {
	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		if err := s.deleteChunk(ctx, op, keys[start:end]); err != nil {
			return err
		}
	}

	return nil
}

// deleteChunk submits one chunk and re-submits leftovers. The service may
// return unprocessed keys in any order, so completion is tracked by what
// it reports back, never by list position.
func (s *Store) deleteChunk(ctx context.Context, op string, keys []map[string]types.AttributeValue) error {
	pending := make([]types.WriteRequest, len(keys))
	for i, key := range keys {
		pending[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}}
	}

	for attempt := 0; ; attempt++ {
		var out *dynamodb.BatchWriteItemOutput
		err := s.withRetry(ctx, op, func(ctx context.Context) error {
			var callErr error
			out, callErr = s.db.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{s.table: pending},
			})
			return callErr
		})
		if err != nil {
			return fmt.Errorf("store: %s: %w", op, err)
		}

		remaining := out.UnprocessedItems[s.table]
		if len(remaining) == 0 {
			return nil
		}

		if attempt >= unprocessedRetries {
			return fmt.Errorf("store: %s: %d keys unprocessed after %d retries", op, len(remaining), unprocessedRetries)
		}

		backoff := calcBackoff(attempt)
		s.logger.Warn("retrying unprocessed deletes",
			slog.String("op", op),
			slog.Int("remaining", len(remaining)),
			slog.Duration("backoff", backoff),
		)

		if sleepErr := s.sleepFunc(ctx, backoff); sleepErr != nil {
			return fmt.Errorf("store: %s canceled: %w", op, sleepErr)
		}

		pending = remaining
	}
}
