// Package callback resumes paused workflow steps through Step Functions
// task tokens once an execution's errors have drained.
package callback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
)

// emptyOutput is the task output sent on success. The paused step carries
// its own state; the callback only unblocks it.
const emptyOutput = "{}"

// SFNClient is the subset of the Step Functions API the sender uses.
// *sfn.Client satisfies it.
type SFNClient interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
}

// Sender reports task success back to the workflow engine.
type Sender struct {
	client SFNClient
	logger *slog.Logger
}

// New creates a sender.
func New(client SFNClient, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{client: client, logger: logger}
}

// TaskSucceeded unblocks the step waiting on the given token with an empty
// output. Callers treat failures as non-fatal: tokens expire on their own
// and the workflow retries through its timeout path.
func (s *Sender) TaskSucceeded(ctx context.Context, taskToken string) error {
	if taskToken == "" {
		return fmt.Errorf("callback: task token is empty")
	}

	_, err := s.client.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(emptyOutput),
	})
	if err != nil {
		return fmt.Errorf("callback: sending task success: %w", err)
	}

	s.logger.Debug("sent task success")

	return nil
}

// Compile-time check that the real client satisfies the consumer interface.
var _ SFNClient = (*sfn.Client)(nil)
