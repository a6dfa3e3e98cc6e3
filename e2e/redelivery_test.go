package e2e

import (
	"context"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elephant-oracle/workflow-errors/internal/resolver"
	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

// EventBridge delivers at least once. Replaying a FAILED event doubles
// both sides of every aggregate, so record totals and link occurrence
// sums stay paired even though the absolute counters grow.
func TestFailedEventRedeliveryPreservesAggregateSums(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ev := failedEvent("e8", "orange", "20304", "20304", "30101")
	h.deliver(t, "WorkflowStepStatusChange", ev)
	h.pump(t)
	h.deliver(t, "WorkflowStepStatusChange", ev)
	h.pump(t)

	for code, want := range map[string]int{"20304": 4, "30101": 2} {
		rec := h.errorRecord(t, code)
		assert.Equal(t, want, rec.TotalCount, "record %s", code)
		assert.Equal(t, code[:2], rec.ErrorType)

		holders, err := h.repo.QueryErrorLinksForErrorCode(context.Background(), code)
		require.NoError(t, err)
		sum := 0
		for _, l := range holders {
			sum += l.Occurrences
		}
		assert.Equal(t, rec.TotalCount, sum, "record %s total must equal its link occurrences", code)
	}

	head := h.execution(t, "e8")
	assert.Equal(t, 4, head.OpenErrorCount)
	assert.Equal(t, 6, head.TotalOccurrences)
}

// A stream batch can carry the same transition twice. Only the first
// occurrence may reach the workers.
func TestDuplicateTransitionRestartsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.deliver(t, "WorkflowStepStatusChange", failedEvent("e9", "orange", "20555"))
	h.pump(t)

	h.markLink(t, "e9", "20555", workflow.StatusMaybeSolved)
	batch := h.table.DrainEvent()
	require.Len(t, batch.Records, 1)
	doubled := events.DynamoDBEvent{Records: append(batch.Records, batch.Records...)}

	require.NoError(t, h.resolver.HandleStream(context.Background(), doubled))
	h.pump(t)

	assert.Len(t, h.workers.transformCalls, 1, "one restart per execution per batch")
	assert.Equal(t, 1, h.metrics.succeeded["orange"])
	assert.Equal(t, 0, h.table.ItemCount())
}

// A restart whose validation rejects the output routes the original
// upload back to the county queue and parks the execution.
func TestFailedRestartRequeuesUpload(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.workers.failValidation = true

	h.deliver(t, "WorkflowStepStatusChange", failedEvent("e10", "orange", "20707"))
	h.pump(t)
	h.markLink(t, "e10", "20707", workflow.StatusMaybeSolved)
	h.pump(t)

	require.Len(t, h.workers.transformCalls, 1)
	require.Len(t, h.workers.validationCalls, 1)

	require.Len(t, h.queue.published, 1)
	assert.Equal(t, "orange", h.queue.published[0].county)
	assert.Equal(t, "orange/2026/08/e10.zip", h.queue.published[0].source.S3Key)

	assert.Equal(t, 1, h.metrics.failed["orange/"+resolver.ReasonValidationFailed])
	assert.Empty(t, h.metrics.succeeded)

	head := h.execution(t, "e10")
	assert.Equal(t, workflow.StatusMaybeUnrecoverable, head.Status, "failed restarts park the execution")

	links := h.links(t, "e10")
	require.Len(t, links, 1)
	assert.Equal(t, workflow.StatusMaybeSolved, links[0].Status,
		"the link keeps the operator's claim for review")
}

// An execution whose restart cannot even start, because no prepared
// object was ever recorded, is parked the same way.
func TestRestartWithoutPreparedInputRequeues(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ev := failedEvent("e13", "hamilton", "20808")
	delete(ev, "preparedS3Uri")
	h.deliver(t, "WorkflowStepStatusChange", ev)
	h.pump(t)

	h.markLink(t, "e13", "20808", workflow.StatusMaybeSolved)
	h.pump(t)

	assert.Empty(t, h.workers.transformCalls)
	require.Len(t, h.queue.published, 1)
	assert.Equal(t, "hamilton", h.queue.published[0].county)
	assert.Equal(t, 1, h.metrics.failed["hamilton/"+resolver.ReasonMissingPreparedInput])
	assert.Equal(t, workflow.StatusMaybeUnrecoverable, h.execution(t, "e13").Status)
}
