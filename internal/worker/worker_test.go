package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeLambda struct {
	inputs []*lambda.InvokeInput
	out    *lambda.InvokeOutput
	err    error
}

func (f *fakeLambda) Invoke(_ context.Context, params *lambda.InvokeInput, _ ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func transformIn() TransformInput {
	return TransformInput{
		InputS3URI:       "s3://elephant-prepared/orange/exec-1.json",
		County:           "orange",
		OutputPrefix:     "s3://elephant-output/restarts",
		ExecutionID:      "exec-1",
		DirectInvocation: true,
	}
}

func TestRunTransformSendsRequestResponseInvocation(t *testing.T) {
	t.Parallel()

	client := &fakeLambda{out: &lambda.InvokeOutput{
		Payload: []byte(`{"transformedOutputS3Uri":"s3://elephant-output/restarts/exec-1.json"}`),
	}}
	inv := New(client, "transform-fn", "svl-fn", testLogger)

	out, err := inv.RunTransform(context.Background(), transformIn())
	require.NoError(t, err)
	assert.Equal(t, "s3://elephant-output/restarts/exec-1.json", out.TransformedOutputS3URI)

	require.Len(t, client.inputs, 1)
	sent := client.inputs[0]
	assert.Equal(t, "transform-fn", aws.ToString(sent.FunctionName))
	assert.Equal(t, types.InvocationTypeRequestResponse, sent.InvocationType)

	var decoded TransformInput
	require.NoError(t, json.Unmarshal(sent.Payload, &decoded))
	assert.Equal(t, transformIn(), decoded)
}

func TestRunTransformRejectsEmptyOutputURI(t *testing.T) {
	t.Parallel()

	client := &fakeLambda{out: &lambda.InvokeOutput{Payload: []byte(`{}`)}}
	inv := New(client, "transform-fn", "svl-fn", testLogger)

	_, err := inv.RunTransform(context.Background(), transformIn())
	require.ErrorContains(t, err, "no transformedOutputS3Uri")
}

func TestRunTransformSurfacesFunctionError(t *testing.T) {
	t.Parallel()

	client := &fakeLambda{out: &lambda.InvokeOutput{
		FunctionError: aws.String("Unhandled"),
		Payload:       []byte(`{"errorMessage":"boom"}`),
	}}
	inv := New(client, "transform-fn", "svl-fn", testLogger)

	_, err := inv.RunTransform(context.Background(), transformIn())
	require.Error(t, err)

	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "transform-fn", invErr.Function)
	assert.Equal(t, "Unhandled", invErr.FunctionError)
	assert.Contains(t, invErr.Payload, "boom")
}

func TestRunTransformPropagatesInvokeFailure(t *testing.T) {
	t.Parallel()

	client := &fakeLambda{err: errors.New("connection refused")}
	inv := New(client, "transform-fn", "svl-fn", testLogger)

	_, err := inv.RunTransform(context.Background(), transformIn())
	require.ErrorContains(t, err, "connection refused")
}

func TestRunValidationDecodesVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"passed", `{"validationPassed":true}`, true},
		{"rejected", `{"validationPassed":false}`, false},
		{"missing field defaults to rejected", `{}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeLambda{out: &lambda.InvokeOutput{Payload: []byte(tt.payload)}}
			inv := New(client, "transform-fn", "svl-fn", testLogger)

			out, err := inv.RunValidation(context.Background(), ValidationInput{
				TransformedOutputS3URI: "s3://elephant-output/restarts/exec-1.json",
				County:                 "orange",
				ExecutionID:            "exec-1",
				DirectInvocation:       true,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.ValidationPassed)

			require.Len(t, client.inputs, 1)
			assert.Equal(t, "svl-fn", aws.ToString(client.inputs[0].FunctionName))
		})
	}
}

func TestRunValidationRejectsMalformedResponse(t *testing.T) {
	t.Parallel()

	client := &fakeLambda{out: &lambda.InvokeOutput{Payload: []byte(`not json`)}}
	inv := New(client, "transform-fn", "svl-fn", testLogger)

	_, err := inv.RunValidation(context.Background(), ValidationInput{ExecutionID: "exec-1"})
	require.ErrorContains(t, err, "decoding svl-fn response")
}
