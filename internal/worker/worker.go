// Package worker invokes the Transform and SVL validation workers
// synchronously during an execution restart.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// LambdaClient is the subset of the Lambda API the invoker uses. Defined
// at the consumer; *lambda.Client satisfies it.
type LambdaClient interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// InvocationError reports a worker invocation whose function ran but
// signaled failure, carrying the function-error marker and raw payload
// for diagnosis.
type InvocationError struct {
	Function      string
	FunctionError string
	Payload       string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("worker: %s failed: %s: %s", e.Function, e.FunctionError, e.Payload)
}

// TransformInput is the direct-invocation request of the Transform worker.
// DirectInvocation tells the worker it is being re-driven by the resolver
// rather than by a workflow step.
type TransformInput struct {
	InputS3URI       string `json:"inputS3Uri"`
	County           string `json:"county"`
	OutputPrefix     string `json:"outputPrefix"`
	ExecutionID      string `json:"executionId"`
	DirectInvocation bool   `json:"directInvocation"`
}

// TransformOutput points at the transformed object the SVL worker reads.
type TransformOutput struct {
	TransformedOutputS3URI string `json:"transformedOutputS3Uri"`
}

// ValidationInput is the direct-invocation request of the SVL worker.
type ValidationInput struct {
	TransformedOutputS3URI string `json:"transformedOutputS3Uri"`
	County                 string `json:"county"`
	OutputPrefix           string `json:"outputPrefix"`
	ExecutionID            string `json:"executionId"`
	DirectInvocation       bool   `json:"directInvocation"`
}

// ValidationOutput is the SVL worker's verdict.
type ValidationOutput struct {
	ValidationPassed bool `json:"validationPassed"`
}

// Invoker calls the restart workers with request-response invocations so
// the resolver observes the outcome within its own deadline.
type Invoker struct {
	client      LambdaClient
	transformFn string
	svlFn       string
	logger      *slog.Logger
}

// New creates an invoker bound to the two worker function names.
func New(client LambdaClient, transformFn, svlFn string, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Invoker{
		client:      client,
		transformFn: transformFn,
		svlFn:       svlFn,
		logger:      logger,
	}
}

// RunTransform re-runs the Transform worker over the execution's prepared
// input.
func (i *Invoker) RunTransform(ctx context.Context, in TransformInput) (*TransformOutput, error) {
	var out TransformOutput
	if err := i.invoke(ctx, i.transformFn, in, &out); err != nil {
		return nil, err
	}

	if out.TransformedOutputS3URI == "" {
		return nil, fmt.Errorf("worker: %s returned no transformedOutputS3Uri", i.transformFn)
	}

	return &out, nil
}

// RunValidation runs the SVL worker over a transform's output.
func (i *Invoker) RunValidation(ctx context.Context, in ValidationInput) (*ValidationOutput, error) {
	var out ValidationOutput
	if err := i.invoke(ctx, i.svlFn, in, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// invoke performs one synchronous invocation, surfacing function errors
// (the payload of a failed handler) as typed errors.
func (i *Invoker) invoke(ctx context.Context, function string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("worker: encoding %s request: %w", function, err)
	}

	i.logger.Debug("invoking worker", slog.String("function", function))

	resp, err := i.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(function),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("worker: invoking %s: %w", function, err)
	}

	if resp.FunctionError != nil {
		return &InvocationError{
			Function:      function,
			FunctionError: aws.ToString(resp.FunctionError),
			Payload:       string(resp.Payload),
		}
	}

	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return fmt.Errorf("worker: decoding %s response: %w", function, err)
	}

	return nil
}
