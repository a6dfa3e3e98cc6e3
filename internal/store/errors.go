package store

import (
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// Sentinel errors for repository lookups.
// Use errors.Is(err, store.ErrNotFound) to check.
var (
	ErrNotFound        = errors.New("store: item not found")
	ErrWrongEntityType = errors.New("store: wrong entity type")
)

// Transient fault codes returned by DynamoDB as untyped smithy API errors.
// Typed throughput/internal-server exceptions are matched separately.
var retryableCodes = map[string]bool{
	"ThrottlingException":                    true,
	"ThrottlingError":                        true,
	"RequestLimitExceeded":                   true,
	"ProvisionedThroughputExceededException": true,
	"ServiceUnavailable":                     true,
	"ServiceUnavailableException":            true,
	"InternalServerError":                    true,
}

// isRetryable reports whether err is a transient DynamoDB fault worth
// retrying: throughput exceeded, throttling, service unavailable, or an
// internal server error. Conditional check failures and validation errors
// are never retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return true
	}

	var limit *types.RequestLimitExceeded
	if errors.As(err, &limit) {
		return true
	}

	var internal *types.InternalServerError
	if errors.As(err, &internal) {
		return true
	}

	// A canceled transaction is retryable only when it was canceled by
	// contention or throttling, never by a failed condition.
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			switch aws.ToString(reason.Code) {
			case "TransactionConflict", "ThrottlingError", "ProvisionedThroughputExceeded":
				return true
			}
		}
		return false
	}

	var inProgress *types.TransactionInProgressException
	if errors.As(err, &inProgress) {
		return true
	}

	var api smithy.APIError
	if errors.As(err, &api) {
		return retryableCodes[api.ErrorCode()]
	}

	return false
}

// isConditionalCheckFailed reports whether err is a failed conditional
// update, either directly or as a transaction cancellation reason.
func isConditionalCheckFailed(err error) bool {
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return true
	}

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}

	return false
}
