// Package e2e runs whole-pipeline scenarios: events enter through the
// event handler, land in an in-memory table, and the resulting change
// records feed the count handler and the error resolver exactly as the
// deployed stream mappings would. Everything runs in process over
// hand-written fakes at the outbound seams (workflow callback, worker
// invocations, county queues, metrics), so the suite needs no AWS
// access and runs with the regular test set.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/elephant-oracle/workflow-errors/internal/counts"
	"github.com/elephant-oracle/workflow-errors/internal/errkey"
	"github.com/elephant-oracle/workflow-errors/internal/ingest"
	"github.com/elephant-oracle/workflow-errors/internal/resolver"
	"github.com/elephant-oracle/workflow-errors/internal/store"
	"github.com/elephant-oracle/workflow-errors/internal/worker"
	"github.com/elephant-oracle/workflow-errors/internal/workflow"
	"github.com/elephant-oracle/workflow-errors/testutil"
)

const (
	tableName    = "workflow-errors-e2e"
	outputPrefix = "s3://elephant-workflow/resolver-output/"
)

// callbackRecorder stands in for the Step Functions callback.
type callbackRecorder struct {
	tokens []string
	err    error
}

func (c *callbackRecorder) TaskSucceeded(_ context.Context, token string) error {
	if c.err != nil {
		return c.err
	}
	c.tokens = append(c.tokens, token)
	return nil
}

// workerScript stands in for the Transform and SVL workers. The default
// script transforms successfully and passes validation.
type workerScript struct {
	transformCalls  []worker.TransformInput
	validationCalls []worker.ValidationInput
	transformErr    error
	validationErr   error
	failValidation  bool
}

func (w *workerScript) RunTransform(_ context.Context, in worker.TransformInput) (*worker.TransformOutput, error) {
	w.transformCalls = append(w.transformCalls, in)
	if w.transformErr != nil {
		return nil, w.transformErr
	}
	return &worker.TransformOutput{
		TransformedOutputS3URI: "s3://elephant-workflow/transformed/" + in.ExecutionID + ".json",
	}, nil
}

func (w *workerScript) RunValidation(_ context.Context, in worker.ValidationInput) (*worker.ValidationOutput, error) {
	w.validationCalls = append(w.validationCalls, in)
	if w.validationErr != nil {
		return nil, w.validationErr
	}
	return &worker.ValidationOutput{ValidationPassed: !w.failValidation}, nil
}

type queuedSource struct {
	county string
	source workflow.Source
}

// queueRecorder stands in for the county dead-letter queues.
type queueRecorder struct {
	published []queuedSource
	err       error
}

func (q *queueRecorder) PublishSource(_ context.Context, county string, src workflow.Source) error {
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, queuedSource{county: county, source: src})
	return nil
}

// metricsRecorder counts restart outcomes by county, failures keyed
// county/reason.
type metricsRecorder struct {
	succeeded map[string]int
	failed    map[string]int
}

func (m *metricsRecorder) RestartSucceeded(_ context.Context, county string) {
	m.succeeded[county]++
}

func (m *metricsRecorder) RestartFailed(_ context.Context, county, reason string) {
	m.failed[county+"/"+reason]++
}

// harness wires the three pipelines over one fake table the way the
// deployed stack wires them over the real one.
type harness struct {
	table    *testutil.FakeTable
	repo     *store.Store
	events   *ingest.Handler
	counts   *counts.Pipeline
	resolver *resolver.Resolver

	callbacks *callbackRecorder
	workers   *workerScript
	queue     *queueRecorder
	metrics   *metricsRecorder
}

func newHarness() *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		table:     testutil.NewFakeTable(tableName),
		callbacks: &callbackRecorder{},
		workers:   &workerScript{},
		queue:     &queueRecorder{},
		metrics:   &metricsRecorder{succeeded: map[string]int{}, failed: map[string]int{}},
	}
	h.repo = store.New(h.table, tableName, logger)
	h.events = ingest.New(h.repo, logger)
	h.counts = counts.New(h.repo, h.callbacks, logger)
	h.resolver = resolver.New(h.repo, h.workers, h.queue, h.metrics, outputPrefix, logger)

	return h
}

// deliver routes one EventBridge envelope through the event handler the
// way the Lambda runtime would.
func (h *harness) deliver(t *testing.T, detailType string, detail map[string]any) {
	t.Helper()

	payload, err := json.Marshal(detail)
	require.NoError(t, err)

	require.NoError(t, h.events.HandleEventBridge(context.Background(), events.EventBridgeEvent{
		DetailType: detailType,
		Detail:     payload,
	}))
}

// failedEvent builds the detail payload of a FAILED step event, one
// error entry per listed code. Callers adjust the map for variants.
func failedEvent(executionID, county string, codes ...string) map[string]any {
	errs := make([]map[string]any, len(codes))
	for i, code := range codes {
		errs[i] = map[string]any{"code": code}
	}

	return map[string]any{
		"executionId":   executionID,
		"county":        county,
		"status":        "FAILED",
		"step":          "SVL",
		"preparedS3Uri": "s3://elephant-workflow/prepared/" + executionID + ".csv",
		"source": map[string]any{
			"s3Bucket": "elephant-uploads-" + county,
			"s3Key":    county + "/2026/08/" + executionID + ".zip",
		},
		"errors": errs,
	}
}

// pump drains the change journal into both stream consumers until a
// round produces no new changes. Each batch goes to both pipelines,
// like the deployed event source mappings sharing one stream; each
// pipeline skips the records that are not its business.
func (h *harness) pump(t *testing.T) {
	t.Helper()

	for rounds := 0; ; rounds++ {
		require.Less(t, rounds, 16, "stream pump must settle")

		batch := h.table.DrainEvent()
		if len(batch.Records) == 0 {
			return
		}

		require.NoError(t, h.counts.HandleStream(context.Background(), batch))
		require.NoError(t, h.resolver.HandleStream(context.Background(), batch))
	}
}

// markLink moves one link out of failed the way the external solution
// detector does: a direct table write whose change lands on the stream
// as a MODIFY.
func (h *harness) markLink(t *testing.T, executionID, code string, to workflow.Status) {
	t.Helper()

	_, err := h.table.UpdateItem(context.Background(), &dynamodb.UpdateItemInput{
		TableName: aws.String(tableName),
		Key: map[string]types.AttributeValue{
			errkey.AttrPK: &types.AttributeValueMemberS{Value: errkey.ExecutionPK(executionID)},
			errkey.AttrSK: &types.AttributeValueMemberS{Value: errkey.LinkSK(code)},
		},
		UpdateExpression:         aws.String("SET #st = :st, updatedAt = :now"),
		ConditionExpression:      aws.String("entityType = :et"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st":  &types.AttributeValueMemberS{Value: string(to)},
			":now": &types.AttributeValueMemberS{Value: "2026-08-25T12:00:00Z"},
			":et":  &types.AttributeValueMemberS{Value: store.EntityExecutionError},
		},
	})
	require.NoError(t, err)
}

func (h *harness) execution(t *testing.T, executionID string) *store.FailedExecution {
	t.Helper()

	head, err := h.repo.GetFailedExecution(context.Background(), executionID)
	require.NoError(t, err)
	return head
}

func (h *harness) errorRecord(t *testing.T, code string) *store.ErrorRecord {
	t.Helper()

	rec, err := h.repo.GetErrorRecord(context.Background(), code)
	require.NoError(t, err)
	return rec
}

func (h *harness) links(t *testing.T, executionID string) []store.ExecutionError {
	t.Helper()

	links, err := h.repo.QueryExecutionErrorLinks(context.Background(), executionID)
	require.NoError(t, err)
	return links
}

func (h *harness) requireExecutionGone(t *testing.T, executionID string) {
	t.Helper()

	_, err := h.repo.GetFailedExecution(context.Background(), executionID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func (h *harness) requireErrorRecordGone(t *testing.T, code string) {
	t.Helper()

	_, err := h.repo.GetErrorRecord(context.Background(), code)
	require.ErrorIs(t, err, store.ErrNotFound)
}
