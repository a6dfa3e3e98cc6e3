package callback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSFN struct {
	calls []*sfn.SendTaskSuccessInput
	err   error
}

func (f *fakeSFN) SendTaskSuccess(_ context.Context, in *sfn.SendTaskSuccessInput, _ ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sfn.SendTaskSuccessOutput{}, nil
}

func TestTaskSucceededSendsEmptyOutput(t *testing.T) {
	t.Parallel()

	client := &fakeSFN{}
	s := New(client, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := s.TaskSucceeded(context.Background(), "tt-xyz")
	require.NoError(t, err)

	require.Len(t, client.calls, 1)
	assert.Equal(t, "tt-xyz", aws.ToString(client.calls[0].TaskToken))
	assert.JSONEq(t, "{}", aws.ToString(client.calls[0].Output))
}

func TestTaskSucceededRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	client := &fakeSFN{}
	s := New(client, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := s.TaskSucceeded(context.Background(), "")
	require.Error(t, err)
	assert.Empty(t, client.calls)
}

func TestTaskSucceededWrapsSendFailure(t *testing.T) {
	t.Parallel()

	client := &fakeSFN{err: errors.New("token timed out")}
	s := New(client, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := s.TaskSucceeded(context.Background(), "tt-xyz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sending task success")
}
