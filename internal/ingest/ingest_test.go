package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elephant-oracle/workflow-errors/internal/store"
	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRepo records calls in order so tests can assert both dispatch and
// cascade ordering.
type fakeRepo struct {
	calls []string

	saveResult  *store.SaveResult
	saveErr     error
	savedEvents []*workflow.Event

	metadataErr    error
	metadataEvents []*workflow.Event

	deleteExecErr error
	deleteCodeErr error
	markExecErr   error
	markCodeErr   error
}

func (f *fakeRepo) SaveErrorRecords(_ context.Context, ev *workflow.Event) (*store.SaveResult, error) {
	f.calls = append(f.calls, "save "+ev.ExecutionID)
	f.savedEvents = append(f.savedEvents, ev)
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	if f.saveResult != nil {
		return f.saveResult, nil
	}
	return &store.SaveResult{}, nil
}

func (f *fakeRepo) UpdateExecutionMetadata(_ context.Context, ev *workflow.Event) error {
	f.calls = append(f.calls, "metadata "+ev.ExecutionID)
	f.metadataEvents = append(f.metadataEvents, ev)
	return f.metadataErr
}

func (f *fakeRepo) DeleteErrorsForExecution(_ context.Context, executionID string) (int, error) {
	f.calls = append(f.calls, "deleteExec "+executionID)
	return 2, f.deleteExecErr
}

func (f *fakeRepo) DeleteErrorFromAllExecutions(_ context.Context, errorCode string) (int, error) {
	f.calls = append(f.calls, "deleteCode "+errorCode)
	return 3, f.deleteCodeErr
}

func (f *fakeRepo) MarkExecutionErrorsAsUnrecoverable(_ context.Context, executionID string) (int, error) {
	f.calls = append(f.calls, "markExec "+executionID)
	return 2, f.markExecErr
}

func (f *fakeRepo) MarkErrorCodeAsUnrecoverable(_ context.Context, errorCode string) (int, error) {
	f.calls = append(f.calls, "markCode "+errorCode)
	return 3, f.markCodeErr
}

func stepEvent(status workflow.EventStatus, codes ...string) *workflow.Event {
	ev := &workflow.Event{
		ExecutionID: "exec-1",
		County:      "orange",
		Status:      status,
		Step:        "svl",
	}
	for _, code := range codes {
		ev.Errors = append(ev.Errors, workflow.StageError{Code: code})
	}
	return ev
}

func TestHandleEventDispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		event     *workflow.Event
		wantCalls []string
	}{
		{
			name:      "scheduled records metadata",
			event:     stepEvent(workflow.EventScheduled),
			wantCalls: []string{"metadata exec-1"},
		},
		{
			name:      "in progress is ignored",
			event:     stepEvent(workflow.EventInProgress),
			wantCalls: nil,
		},
		{
			name:      "failed with errors aggregates",
			event:     stepEvent(workflow.EventFailed, "20304", "30101"),
			wantCalls: []string{"save exec-1"},
		},
		{
			name:      "succeeded with warnings aggregates",
			event:     stepEvent(workflow.EventSucceeded, "20304"),
			wantCalls: []string{"save exec-1"},
		},
		{
			name:      "failed without errors records metadata",
			event:     stepEvent(workflow.EventFailed),
			wantCalls: []string{"metadata exec-1"},
		},
		{
			name:      "succeeded without errors records metadata",
			event:     stepEvent(workflow.EventSucceeded),
			wantCalls: []string{"metadata exec-1"},
		},
		{
			name:      "unknown status is skipped",
			event:     stepEvent(workflow.EventStatus("RETRYING")),
			wantCalls: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := &fakeRepo{}
			h := New(repo, testLogger)

			require.NoError(t, h.HandleEvent(context.Background(), tt.event))
			assert.Equal(t, tt.wantCalls, repo.calls)
		})
	}
}

func TestHandleEventPropagatesSaveFailure(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{saveErr: errors.New("transact failed")}
	h := New(repo, testLogger)

	err := h.HandleEvent(context.Background(), stepEvent(workflow.EventFailed, "20304"))
	require.ErrorContains(t, err, "transact failed")
}

func TestHandleEventPropagatesMetadataFailure(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{metadataErr: errors.New("update failed")}
	h := New(repo, testLogger)

	err := h.HandleEvent(context.Background(), stepEvent(workflow.EventScheduled))
	require.ErrorContains(t, err, "update failed")
}

func TestHandleResolutionResolvedRunsExecutionCascadeFirst(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	h := New(repo, testLogger)

	err := h.HandleResolution(context.Background(), workflow.DetailErrorResolved,
		&workflow.ResolutionEvent{ExecutionID: "exec-1", ErrorCode: "20304"})
	require.NoError(t, err)

	assert.Equal(t, []string{"deleteExec exec-1", "deleteCode 20304"}, repo.calls)
}

func TestHandleResolutionResolvedExecutionOnly(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	h := New(repo, testLogger)

	err := h.HandleResolution(context.Background(), workflow.DetailErrorResolved,
		&workflow.ResolutionEvent{ExecutionID: "exec-1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"deleteExec exec-1"}, repo.calls)
}

func TestHandleResolutionResolvedCodeOnly(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	h := New(repo, testLogger)

	err := h.HandleResolution(context.Background(), workflow.DetailErrorResolved,
		&workflow.ResolutionEvent{ErrorCode: "20304"})
	require.NoError(t, err)

	assert.Equal(t, []string{"deleteCode 20304"}, repo.calls)
}

func TestHandleResolutionFailedToResolveMarksBoth(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	h := New(repo, testLogger)

	err := h.HandleResolution(context.Background(), workflow.DetailErrorFailedToResolve,
		&workflow.ResolutionEvent{ExecutionID: "exec-1", ErrorCode: "20304"})
	require.NoError(t, err)

	assert.Equal(t, []string{"markExec exec-1", "markCode 20304"}, repo.calls)
}

func TestHandleResolutionStopsAfterFirstCascadeFailure(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{deleteExecErr: errors.New("query failed")}
	h := New(repo, testLogger)

	err := h.HandleResolution(context.Background(), workflow.DetailErrorResolved,
		&workflow.ResolutionEvent{ExecutionID: "exec-1", ErrorCode: "20304"})
	require.ErrorContains(t, err, "query failed")

	assert.Equal(t, []string{"deleteExec exec-1"}, repo.calls)
}

func TestHandleResolutionUnknownDetailTypeIsSkipped(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	h := New(repo, testLogger)

	err := h.HandleResolution(context.Background(), "ElephantSomethingElse",
		&workflow.ResolutionEvent{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.Empty(t, repo.calls)
}

func TestHandleEventBridgeRoutesStepEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	h := New(repo, testLogger)

	detail, err := json.Marshal(stepEvent(workflow.EventFailed, "20304"))
	require.NoError(t, err)

	err = h.HandleEventBridge(context.Background(), events.EventBridgeEvent{
		DetailType: "WorkflowStepStatusChange",
		Detail:     detail,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"save exec-1"}, repo.calls)
}

func TestHandleEventBridgeRoutesResolutionEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	h := New(repo, testLogger)

	err := h.HandleEventBridge(context.Background(), events.EventBridgeEvent{
		DetailType: workflow.DetailErrorResolved,
		Detail:     json.RawMessage(`{"errorCode":"20304"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"deleteCode 20304"}, repo.calls)
}

func TestHandleEventBridgeSkipsMalformedStepEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	h := New(repo, testLogger)

	err := h.HandleEventBridge(context.Background(), events.EventBridgeEvent{
		DetailType: "WorkflowStepStatusChange",
		Detail:     json.RawMessage(`{"executionId":"exec-1"}`),
	})
	require.NoError(t, err)
	assert.Empty(t, repo.calls)
}

func TestHandleEventBridgeSkipsMalformedResolutionEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	h := New(repo, testLogger)

	err := h.HandleEventBridge(context.Background(), events.EventBridgeEvent{
		DetailType: workflow.DetailErrorResolved,
		Detail:     json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Empty(t, repo.calls)
}

func TestHandleEventBridgeSkipsUnparseableJSON(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	h := New(repo, testLogger)

	err := h.HandleEventBridge(context.Background(), events.EventBridgeEvent{
		DetailType: "WorkflowStepStatusChange",
		Detail:     json.RawMessage(`{not json`),
	})
	require.NoError(t, err)
	assert.Empty(t, repo.calls)
}
