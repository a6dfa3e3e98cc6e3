package store

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/elephant-oracle/workflow-errors/internal/errkey"
	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

// ErrorRecord aggregates one error code across all executions. TotalCount
// tracks the sum of link occurrences for the code and the row is removed
// once it drains to zero.
type ErrorRecord struct {
	EntityType        string          `dynamodbav:"entityType"`
	ErrorCode         string          `dynamodbav:"errorCode"`
	ErrorType         string          `dynamodbav:"errorType"`
	Status            workflow.Status `dynamodbav:"errorStatus"`
	TotalCount        int             `dynamodbav:"totalCount"`
	Details           string          `dynamodbav:"errorDetails,omitempty"`
	LatestExecutionID string          `dynamodbav:"latestExecutionId,omitempty"`
	CreatedAt         string          `dynamodbav:"createdAt,omitempty"`
	UpdatedAt         string          `dynamodbav:"updatedAt,omitempty"`
}

// ExecutionError links one execution to one error code it exhibited.
// Occurrences counts how many times the code appeared in the execution's
// events.
type ExecutionError struct {
	EntityType  string          `dynamodbav:"entityType"`
	ExecutionID string          `dynamodbav:"executionId"`
	ErrorCode   string          `dynamodbav:"errorCode"`
	County      string          `dynamodbav:"county"`
	Status      workflow.Status `dynamodbav:"status"`
	Occurrences int             `dynamodbav:"occurrences"`
	Details     string          `dynamodbav:"errorDetails,omitempty"`
	CreatedAt   string          `dynamodbav:"createdAt,omitempty"`
	UpdatedAt   string          `dynamodbav:"updatedAt,omitempty"`
}

// FailedExecution is the per-execution aggregate. OpenErrorCount drives
// both the resolver's restart decision and the count handler's cleanup;
// the row is removed once it drains to zero.
type FailedExecution struct {
	EntityType       string           `dynamodbav:"entityType"`
	ExecutionID      string           `dynamodbav:"executionId"`
	County           string           `dynamodbav:"county"`
	Status           workflow.Status  `dynamodbav:"status"`
	ErrorType        string           `dynamodbav:"errorType"`
	OpenErrorCount   int              `dynamodbav:"openErrorCount"`
	UniqueErrorCount int              `dynamodbav:"uniqueErrorCount"`
	TotalOccurrences int              `dynamodbav:"totalOccurrences"`
	TaskToken        string           `dynamodbav:"taskToken,omitempty"`
	PreparedS3URI    string           `dynamodbav:"preparedS3Uri,omitempty"`
	DedupID          string           `dynamodbav:"dedupId,omitempty"`
	Source           *workflow.Source `dynamodbav:"source,omitempty"`
	CreatedAt        string           `dynamodbav:"createdAt,omitempty"`
	UpdatedAt        string           `dynamodbav:"updatedAt,omitempty"`
}

// executionKey builds the primary key of a failed execution head row.
func executionKey(executionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		errkey.AttrPK: &types.AttributeValueMemberS{Value: errkey.ExecutionPK(executionID)},
		errkey.AttrSK: &types.AttributeValueMemberS{Value: errkey.MetadataSK},
	}
}

// linkKey builds the primary key of an execution error link row.
func linkKey(executionID, errorCode string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		errkey.AttrPK: &types.AttributeValueMemberS{Value: errkey.ExecutionPK(executionID)},
		errkey.AttrSK: &types.AttributeValueMemberS{Value: errkey.LinkSK(errorCode)},
	}
}

// errorRecordKey builds the primary key of an error record head row.
func errorRecordKey(errorCode string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		errkey.AttrPK: &types.AttributeValueMemberS{Value: errkey.ErrorPK(errorCode)},
		errkey.AttrSK: &types.AttributeValueMemberS{Value: errkey.MetadataSK},
	}
}

// decodeExecution unmarshals and type-checks a failed execution item.
func decodeExecution(item map[string]types.AttributeValue) (*FailedExecution, error) {
	var fe FailedExecution
	if err := attributevalue.UnmarshalMap(item, &fe); err != nil {
		return nil, fmt.Errorf("store: decoding execution item: %w", err)
	}

	if fe.EntityType != EntityFailedExecution {
		return nil, fmt.Errorf("store: execution item: %w: got %q", ErrWrongEntityType, fe.EntityType)
	}

	return &fe, nil
}

// decodeLink unmarshals and type-checks an execution error link item.
func decodeLink(item map[string]types.AttributeValue) (*ExecutionError, error) {
	var link ExecutionError
	if err := attributevalue.UnmarshalMap(item, &link); err != nil {
		return nil, fmt.Errorf("store: decoding link item: %w", err)
	}

	if link.EntityType != EntityExecutionError {
		return nil, fmt.Errorf("store: link item: %w: got %q", ErrWrongEntityType, link.EntityType)
	}

	return &link, nil
}

// decodeErrorRecord unmarshals and type-checks an error record item.
func decodeErrorRecord(item map[string]types.AttributeValue) (*ErrorRecord, error) {
	var rec ErrorRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("store: decoding error record item: %w", err)
	}

	if rec.EntityType != EntityError {
		return nil, fmt.Errorf("store: error record item: %w: got %q", ErrWrongEntityType, rec.EntityType)
	}

	return &rec, nil
}

// numberValue renders an integer as a DynamoDB number attribute.
func numberValue(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)}
}

// stringValue renders a string as a DynamoDB string attribute.
func stringValue(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}
