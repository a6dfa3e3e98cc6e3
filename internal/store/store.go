// Package store implements the aggregation repository: the single source
// of truth for error records, execution error links, and failed execution
// rows in the workflow-errors DynamoDB table.
//
// All conditional-update guards, counter arithmetic, GSI sort-key
// computation, and retry policy live here. Callers work with typed
// operations and never see update expressions or attribute maps.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
)

// Entity discriminator values stored in the entityType attribute. Every
// read validates the discriminator so a key collision can never be
// silently interpreted as the wrong entity. Exported because the stream
// decoder applies the same validation to change-stream images.
const (
	EntityFailedExecution = "failedExecution"
	EntityExecutionError  = "executionError"
	EntityError           = "error"
)

// maxConcurrentWrites bounds the fan-out of batch decrement operations.
const maxConcurrentWrites = 8

// DynamoClient is the subset of the DynamoDB API the repository uses.
// Defined at the consumer per Go convention "accept interfaces, return
// structs"; *dynamodb.Client satisfies it.
type DynamoClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store is the aggregation repository over one DynamoDB table.
type Store struct {
	db     DynamoClient
	table  string
	logger *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	// now and newToken are injectable for deterministic tests.
	now      func() time.Time
	newToken func() string
}

// New creates a repository bound to the given table.
func New(db DynamoClient, table string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		db:        db,
		table:     table,
		logger:    logger,
		sleepFunc: timeSleep,
		now:       time.Now,
		newToken:  uuid.NewString,
	}
}

// timestamp renders the current time as the stored RFC 3339 UTC string.
func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Store.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Compile-time check that the real client satisfies the consumer interface.
var _ DynamoClient = (*dynamodb.Client)(nil)
