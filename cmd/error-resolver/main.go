// Command error-resolver consumes link status transitions from the
// workflow-errors table's change stream and drives the auto-repair loop:
// restarting Transform and SVL validation for executions whose errors
// all look solved, and routing unrecoverable executions to their county
// dead-letter queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/elephant-oracle/workflow-errors/internal/config"
	"github.com/elephant-oracle/workflow-errors/internal/dlq"
	"github.com/elephant-oracle/workflow-errors/internal/metrics"
	"github.com/elephant-oracle/workflow-errors/internal/resolver"
	"github.com/elephant-oracle/workflow-errors/internal/store"
	"github.com/elephant-oracle/workflow-errors/internal/worker"
)

func main() {
	cfg, err := config.ResolverFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Error("loading AWS configuration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	repo := store.New(dynamodb.NewFromConfig(awsCfg), cfg.TableName, logger)
	workers := worker.New(lambdasvc.NewFromConfig(awsCfg), cfg.TransformWorker, cfg.SVLWorker, logger)
	queue := dlq.New(sqs.NewFromConfig(awsCfg), logger)
	emitter := metrics.New(cloudwatch.NewFromConfig(awsCfg), cfg.MetricNamespace, logger)

	r := resolver.New(repo, workers, queue, emitter, cfg.OutputPrefix, logger)

	lambda.Start(r.HandleStream)
}
