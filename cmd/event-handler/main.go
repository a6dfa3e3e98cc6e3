// Command event-handler consumes workflow and resolution events from the
// event bus and maintains the error aggregates in the workflow-errors
// table.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/elephant-oracle/workflow-errors/internal/config"
	"github.com/elephant-oracle/workflow-errors/internal/ingest"
	"github.com/elephant-oracle/workflow-errors/internal/store"
)

func main() {
	cfg, err := config.EventHandlerFromEnv()
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
	handler := ingest.New(repo, logger)

	lambda.Start(handler.HandleEventBridge)
}
