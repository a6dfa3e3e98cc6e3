// Command count-handler consumes link removals from the workflow-errors
// table's change stream, reconciles both counters, fires task-success
// callbacks for drained executions, and deletes rows that reached zero.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sfn"

	"github.com/elephant-oracle/workflow-errors/internal/callback"
	"github.com/elephant-oracle/workflow-errors/internal/config"
	"github.com/elephant-oracle/workflow-errors/internal/counts"
	"github.com/elephant-oracle/workflow-errors/internal/store"
)

func main() {
	cfg, err := config.CountHandlerFromEnv()
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
	notifier := callback.New(sfn.NewFromConfig(awsCfg), logger)
	pipeline := counts.New(repo, notifier, logger)

	lambda.Start(pipeline.HandleStream)
}
