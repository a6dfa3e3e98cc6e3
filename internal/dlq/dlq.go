// Package dlq routes unrecoverable executions to their county dead-letter
// queue so operators or a scheduled replay can re-drive the batch from the
// original upload.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

// Queue name pattern pieces. Every county batch pipeline provisions its
// own dead-letter queue under this convention.
const (
	queueNamePrefix = "elephant-workflow-queue-"
	queueNameSuffix = "-dlq"
)

// SQSClient is the subset of the SQS API the publisher uses. *sqs.Client
// satisfies it.
type SQSClient interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// message is the replay payload: the S3 pointer of the original upload in
// the same shape an S3 notification would carry, so replay tooling feeds
// it straight back into the intake queue.
type message struct {
	S3 messageS3 `json:"s3"`
}

type messageS3 struct {
	Bucket messageBucket `json:"bucket"`
	Object messageObject `json:"object"`
}

type messageBucket struct {
	Name string `json:"name"`
}

type messageObject struct {
	Key string `json:"key"`
}

// QueueName derives the county's dead-letter queue name.
func QueueName(county string) string {
	return queueNamePrefix + strings.ToLower(county) + queueNameSuffix
}

// Publisher sends replay pointers to county dead-letter queues, caching
// queue URL lookups per county.
type Publisher struct {
	client SQSClient
	logger *slog.Logger

	mu        sync.Mutex
	queueURLs map[string]string
}

// New creates a publisher.
func New(client SQSClient, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		client:    client,
		logger:    logger,
		queueURLs: make(map[string]string),
	}
}

// PublishSource sends the original upload pointer to the county's
// dead-letter queue. A source missing either field is an error: dropping
// the pointer silently would strand the execution with no replay path.
func (p *Publisher) PublishSource(ctx context.Context, county string, src workflow.Source) error {
	if src.S3Bucket == "" || src.S3Key == "" {
		return fmt.Errorf("dlq: source for county %s misses s3Bucket or s3Key", county)
	}

	queueURL, err := p.queueURL(ctx, county)
	if err != nil {
		return err
	}

	body, err := json.Marshal(message{S3: messageS3{
		Bucket: messageBucket{Name: src.S3Bucket},
		Object: messageObject{Key: src.S3Key},
	}})
	if err != nil {
		return fmt.Errorf("dlq: encoding replay message: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("dlq: sending to %s: %w", QueueName(county), err)
	}

	p.logger.Info("routed execution source to dead-letter queue",
		slog.String("county", county),
		slog.String("bucket", src.S3Bucket),
		slog.String("key", src.S3Key),
	)

	return nil
}

// queueURL resolves and caches the queue URL for a county.
func (p *Publisher) queueURL(ctx context.Context, county string) (string, error) {
	name := QueueName(county)

	p.mu.Lock()
	cached, ok := p.queueURLs[name]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	out, err := p.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("dlq: resolving queue %s: %w", name, err)
	}

	url := aws.ToString(out.QueueUrl)
	if url == "" {
		return "", fmt.Errorf("dlq: queue %s resolved to an empty url", name)
	}

	p.mu.Lock()
	p.queueURLs[name] = url
	p.mu.Unlock()

	return url, nil
}

// Compile-time check that the real client satisfies the consumer interface.
var _ SQSClient = (*sqs.Client)(nil)
