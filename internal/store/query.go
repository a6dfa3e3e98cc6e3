package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/elephant-oracle/workflow-errors/internal/errkey"
	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

// SortOrder selects which end of a ranked index a query reads from.
type SortOrder string

const (
	SortLeast SortOrder = "least"
	SortMost  SortOrder = "most"
)

// ExecutionRankQuery selects one execution from the count-ordered indexes.
// Status defaults to failed, the dashboard's working set. ErrorType, when
// set, narrows to the GS3 bucket for that error family.
type ExecutionRankQuery struct {
	Order     SortOrder
	ErrorType string
	Status    workflow.Status
}

// QueryExecutionByErrorCount returns the execution with the most (or
// least) open errors in the selected status view. Returns ErrNotFound
// when the view is empty.
func (s *Store) QueryExecutionByErrorCount(ctx context.Context, q ExecutionRankQuery) (*FailedExecution, error) {
	status := q.Status
	if status == "" {
		status = workflow.StatusFailed
	}

	input := &dynamodb.QueryInput{
		TableName:        aws.String(s.table),
		Limit:            aws.Int32(1),
		ScanIndexForward: aws.Bool(q.Order == SortLeast),
	}

	if q.ErrorType == "" {
		input.IndexName = aws.String(errkey.IndexGS1)
		input.KeyConditionExpression = aws.String(
			errkey.AttrGS1PK + " = :p AND begins_with(" + errkey.AttrGS1SK + ", :prefix)")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":p":      stringValue(errkey.ExecutionCountPK),
			":prefix": stringValue(errkey.CountKeyStatusPrefix(string(status))),
		}
	} else {
		input.IndexName = aws.String(errkey.IndexGS3)
		input.KeyConditionExpression = aws.String(
			errkey.AttrGS3PK + " = :p AND begins_with(" + errkey.AttrGS3SK + ", :prefix)")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":p":      stringValue(errkey.ExecutionBucketPK),
			":prefix": stringValue(errkey.TypedCountKeyStatusPrefix(q.ErrorType, string(status))),
		}
	}

	var out *dynamodb.QueryOutput
	err := s.withRetry(ctx, "query execution by error count", func(ctx context.Context) error {
		var callErr error
		out, callErr = s.db.Query(ctx, input)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("store: query execution by error count: %w", err)
	}

	if len(out.Items) == 0 {
		return nil, fmt.Errorf("store: query execution by error count: %w", ErrNotFound)
	}

	return decodeExecution(out.Items[0])
}

// QueryExecutionErrorLinks returns every link attached to an execution,
// paginating the base-table partition.
func (s *Store) QueryExecutionErrorLinks(ctx context.Context, executionID string) ([]ExecutionError, error) {
	input := &dynamodb.QueryInput{
		TableName: aws.String(s.table),
		KeyConditionExpression: aws.String(
			errkey.AttrPK + " = :pk AND begins_with(" + errkey.AttrSK + ", :link)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   stringValue(errkey.ExecutionPK(executionID)),
			":link": stringValue(errkey.ErrorKeyPrefix),
		},
	}

	links, err := s.queryAllLinks(ctx, "query execution links", input)
	if err != nil {
		return nil, fmt.Errorf("store: query links for execution %s: %w", executionID, err)
	}

	return links, nil
}

// QueryErrorLinksForErrorCode returns every link holding an error code,
// paginating the inverse link index.
func (s *Store) QueryErrorLinksForErrorCode(ctx context.Context, errorCode string) ([]ExecutionError, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(errkey.IndexGS1),
		KeyConditionExpression: aws.String(errkey.AttrGS1PK + " = :p"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": stringValue(errkey.ErrorPK(errorCode)),
		},
	}

	links, err := s.queryAllLinks(ctx, "query links for error code", input)
	if err != nil {
		return nil, fmt.Errorf("store: query links for error code %s: %w", errorCode, err)
	}

	return links, nil
}

// queryAllLinks drains a link query across result pages.
func (s *Store) queryAllLinks(ctx context.Context, op string, input *dynamodb.QueryInput) ([]ExecutionError, error) {
	var links []ExecutionError

	for {
		var out *dynamodb.QueryOutput
		err := s.withRetry(ctx, op, func(ctx context.Context) error {
			var callErr error
			out, callErr = s.db.Query(ctx, input)
			return callErr
		})
		if err != nil {
			return nil, err
		}

		for _, item := range out.Items {
			link, err := decodeLink(item)
			if err != nil {
				return nil, err
			}
			links = append(links, *link)
		}

		if len(out.LastEvaluatedKey) == 0 {
			return links, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// GetFailedExecution reads one execution head row with a strongly
// consistent read. Returns ErrNotFound when the row does not exist.
func (s *Store) GetFailedExecution(ctx context.Context, executionID string) (*FailedExecution, error) {
	item, err := s.getItem(ctx, "get execution", executionKey(executionID))
	if err != nil {
		return nil, fmt.Errorf("store: get execution %s: %w", executionID, err)
	}

	return decodeExecution(item)
}

// GetErrorRecord reads one error record head row with a strongly
// consistent read. Returns ErrNotFound when the row does not exist.
func (s *Store) GetErrorRecord(ctx context.Context, errorCode string) (*ErrorRecord, error) {
	item, err := s.getItem(ctx, "get error record", errorRecordKey(errorCode))
	if err != nil {
		return nil, fmt.Errorf("store: get error record %s: %w", errorCode, err)
	}

	return decodeErrorRecord(item)
}

func (s *Store) getItem(ctx context.Context, op string, key map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	var out *dynamodb.GetItemOutput
	err := s.withRetry(ctx, op, func(ctx context.Context) error {
		var callErr error
		out, callErr = s.db.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.table),
			Key:            key,
			ConsistentRead: aws.Bool(true),
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}

	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	return out.Item, nil
}
