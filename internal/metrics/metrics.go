// Package metrics emits the execution-restart outcome metrics the
// operations dashboard alarms on.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric and dimension names in the restart namespace.
const (
	MetricRestartSuccess = "ExecutionRestartSuccess"
	MetricRestartFailure = "ExecutionRestartFailure"

	DimensionCounty        = "County"
	DimensionFailureReason = "FailureReason"
)

// CloudWatchClient is the subset of the CloudWatch API the emitter uses.
// *cloudwatch.Client satisfies it.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Emitter publishes restart outcome metrics. Emission is best-effort: a
// metric that fails to publish is logged and dropped, never surfaced to
// the restart pipeline, because losing a datapoint is cheaper than
// redelivering a whole stream batch.
type Emitter struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger

	// now is injectable for deterministic tests.
	now func() time.Time
}

// New creates an emitter publishing into the given namespace.
func New(client CloudWatchClient, namespace string, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Emitter{
		client:    client,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
	}
}

// RestartSucceeded counts one execution whose re-driven validation passed.
func (e *Emitter) RestartSucceeded(ctx context.Context, county string) {
	e.put(ctx, MetricRestartSuccess, county, "")
}

// RestartFailed counts one execution routed to the dead-letter queue after
// a failed restart. Reason is an optional short label for the failure
// dimension; empty omits the dimension.
func (e *Emitter) RestartFailed(ctx context.Context, county, reason string) {
	e.put(ctx, MetricRestartFailure, county, reason)
}

func (e *Emitter) put(ctx context.Context, name, county, reason string) {
	dims := []types.Dimension{{
		Name:  aws.String(DimensionCounty),
		Value: aws.String(county),
	}}
	if reason != "" {
		dims = append(dims, types.Dimension{
			Name:  aws.String(DimensionFailureReason),
			Value: aws.String(reason),
		})
	}

	_, err := e.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(e.namespace),
		MetricData: []types.MetricDatum{{
			MetricName: aws.String(name),
			Dimensions: dims,
			Timestamp:  aws.Time(e.now().UTC()),
			Unit:       types.StandardUnitCount,
			Value:      aws.Float64(1),
		}},
	})
	if err != nil {
		e.logger.Warn("metric emission failed",
			slog.String("metric", name),
			slog.String("county", county),
			slog.String("error", err.Error()),
		)
		return
	}

	e.logger.Debug("emitted metric",
		slog.String("metric", name),
		slog.String("county", county),
	)
}

// Compile-time check that the real client satisfies the consumer interface.
var _ CloudWatchClient = (*cloudwatch.Client)(nil)
