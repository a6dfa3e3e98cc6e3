package store

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo records every call and delegates to per-API hooks. The zero
// value answers every call with an empty success.
type fakeDynamo struct {
	mu  sync.Mutex
	ops []string

	getCalls      []*dynamodb.GetItemInput
	queryCalls    []*dynamodb.QueryInput
	updateCalls   []*dynamodb.UpdateItemInput
	batchCalls    []*dynamodb.BatchWriteItemInput
	transactCalls []*dynamodb.TransactWriteItemsInput

	getFn      func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	queryFn    func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	updateFn   func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	batchFn    func(*dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
	transactFn func(*dynamodb.TransactWriteItemsInput) (*dynamodb.TransactWriteItemsOutput, error)
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	f.ops = append(f.ops, "get")
	f.getCalls = append(f.getCalls, in)
	fn := f.getFn
	f.mu.Unlock()

	if fn != nil {
		return fn(in)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	f.ops = append(f.ops, "query")
	f.queryCalls = append(f.queryCalls, in)
	fn := f.queryFn
	f.mu.Unlock()

	if fn != nil {
		return fn(in)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	f.ops = append(f.ops, "update")
	f.updateCalls = append(f.updateCalls, in)
	fn := f.updateFn
	f.mu.Unlock()

	if fn != nil {
		return fn(in)
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	f.ops = append(f.ops, "batchWrite")
	f.batchCalls = append(f.batchCalls, in)
	fn := f.batchFn
	f.mu.Unlock()

	if fn != nil {
		return fn(in)
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	f.ops = append(f.ops, "transact")
	f.transactCalls = append(f.transactCalls, in)
	fn := f.transactFn
	f.mu.Unlock()

	if fn != nil {
		return fn(in)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) opSequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// newTestStore builds a Store with a silent logger, instant sleeps, a
// fixed clock, and a fixed transaction token.
func newTestStore(t *testing.T, db DynamoClient) (*Store, *[]time.Duration) {
	t.Helper()

	var sleeps []time.Duration
	s := New(db, "workflow-errors-test", slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.sleepFunc = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	s.now = func() time.Time {
		return time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)
	}
	s.newToken = func() string {
		return "token-fixed"
	}

	return s, &sleeps
}

// executionItem builds a stored failed execution attribute map.
func executionItem(executionID string, count int, extra map[string]types.AttributeValue) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"entityType":     &types.AttributeValueMemberS{Value: EntityFailedExecution},
		"executionId":    &types.AttributeValueMemberS{Value: executionID},
		"county":         &types.AttributeValueMemberS{Value: "orange"},
		"status":         &types.AttributeValueMemberS{Value: "failed"},
		"errorType":      &types.AttributeValueMemberS{Value: "20"},
		"openErrorCount": &types.AttributeValueMemberN{Value: strconv.Itoa(count)},
	}
	for k, v := range extra {
		item[k] = v
	}
	return item
}

// linkItem builds a stored execution error link attribute map.
func linkItem(executionID, code string, occurrences int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"entityType":  &types.AttributeValueMemberS{Value: EntityExecutionError},
		"executionId": &types.AttributeValueMemberS{Value: executionID},
		"errorCode":   &types.AttributeValueMemberS{Value: code},
		"county":      &types.AttributeValueMemberS{Value: "orange"},
		"status":      &types.AttributeValueMemberS{Value: "failed"},
		"occurrences": &types.AttributeValueMemberN{Value: strconv.Itoa(occurrences)},
	}
}

// errorRecordItem builds a stored error record attribute map.
func errorRecordItem(code string, total int, status string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"entityType":  &types.AttributeValueMemberS{Value: EntityError},
		"errorCode":   &types.AttributeValueMemberS{Value: code},
		"errorType":   &types.AttributeValueMemberS{Value: code[:2]},
		"errorStatus": &types.AttributeValueMemberS{Value: status},
		"totalCount":  &types.AttributeValueMemberN{Value: strconv.Itoa(total)},
	}
}

// attrString extracts a string expression attribute value.
func attrString(t *testing.T, values map[string]types.AttributeValue, name string) string {
	t.Helper()

	v, ok := values[name]
	if !ok {
		t.Fatalf("expression value %s missing", name)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		t.Fatalf("expression value %s is %T, want string", name, v)
	}
	return s.Value
}

// attrNumber extracts a numeric expression attribute value.
func attrNumber(t *testing.T, values map[string]types.AttributeValue, name string) string {
	t.Helper()

	v, ok := values[name]
	if !ok {
		t.Fatalf("expression value %s missing", name)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		t.Fatalf("expression value %s is %T, want number", name, v)
	}
	return n.Value
}
