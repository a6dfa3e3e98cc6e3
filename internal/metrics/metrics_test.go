package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloudWatch struct {
	calls []*cloudwatch.PutMetricDataInput
	err   error
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func newTestEmitter(cw CloudWatchClient) *Emitter {
	e := New(cw, "ExecutionRestart", slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time {
		return time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)
	}
	return e
}

func dimensionMap(t *testing.T, datum types.MetricDatum) map[string]string {
	t.Helper()

	dims := make(map[string]string, len(datum.Dimensions))
	for _, d := range datum.Dimensions {
		dims[aws.ToString(d.Name)] = aws.ToString(d.Value)
	}
	return dims
}

func TestRestartSucceeded(t *testing.T) {
	t.Parallel()

	cw := &fakeCloudWatch{}
	e := newTestEmitter(cw)

	e.RestartSucceeded(context.Background(), "orange")

	require.Len(t, cw.calls, 1)
	in := cw.calls[0]
	assert.Equal(t, "ExecutionRestart", aws.ToString(in.Namespace))

	require.Len(t, in.MetricData, 1)
	datum := in.MetricData[0]
	assert.Equal(t, MetricRestartSuccess, aws.ToString(datum.MetricName))
	assert.Equal(t, types.StandardUnitCount, datum.Unit)
	assert.Equal(t, float64(1), aws.ToFloat64(datum.Value))
	assert.Equal(t, map[string]string{DimensionCounty: "orange"}, dimensionMap(t, datum))
}

func TestRestartFailedCarriesReasonDimension(t *testing.T) {
	t.Parallel()

	cw := &fakeCloudWatch{}
	e := newTestEmitter(cw)

	e.RestartFailed(context.Background(), "hamilton", "ValidationFailed")

	require.Len(t, cw.calls, 1)
	datum := cw.calls[0].MetricData[0]
	assert.Equal(t, MetricRestartFailure, aws.ToString(datum.MetricName))
	assert.Equal(t, map[string]string{
		DimensionCounty:        "hamilton",
		DimensionFailureReason: "ValidationFailed",
	}, dimensionMap(t, datum))
}

func TestRestartFailedOmitsEmptyReason(t *testing.T) {
	t.Parallel()

	cw := &fakeCloudWatch{}
	e := newTestEmitter(cw)

	e.RestartFailed(context.Background(), "orange", "")

	require.Len(t, cw.calls, 1)
	datum := cw.calls[0].MetricData[0]
	assert.Equal(t, map[string]string{DimensionCounty: "orange"}, dimensionMap(t, datum))
}

func TestEmissionFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	cw := &fakeCloudWatch{err: errors.New("cloudwatch down")}
	e := newTestEmitter(cw)

	// Must not panic or propagate; the restart pipeline never sees this.
	e.RestartSucceeded(context.Background(), "orange")
	assert.Len(t, cw.calls, 1)
}
