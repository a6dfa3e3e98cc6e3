// Package stream decodes DynamoDB change-stream records delivered through
// Lambda into the typed link images the count handler and error resolver
// consume.
//
// The Lambda event shapes carry their own attribute-value representation,
// so decoding is a two-step conversion: Lambda attribute values into SDK
// attribute values, then attributevalue unmarshaling with the same
// entity-type validation the repository applies to table reads.
package stream

import (
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/elephant-oracle/workflow-errors/internal/store"
	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

// StatusTransition is one execution error link leaving the failed status.
// Link holds the new image.
type StatusTransition struct {
	Link store.ExecutionError
	From workflow.Status
	To   workflow.Status
}

// DecodeRemovedLink extracts the link image from a REMOVE record. The
// second return is false for records the count pipeline must skip:
// non-REMOVE events, other entity kinds (head-row deletes share the
// stream), and malformed images, which are logged at WARN because
// redelivery can never fix them.
func DecodeRemovedLink(record events.DynamoDBEventRecord, logger *slog.Logger) (*store.ExecutionError, bool) {
	if record.EventName != string(events.DynamoDBOperationTypeRemove) {
		return nil, false
	}

	link, err := decodeLinkImage(record.Change.OldImage)
	if err != nil {
		logger.Warn("skipping malformed remove record",
			slog.String("eventId", record.EventID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if link == nil {
		return nil, false
	}

	if link.Occurrences < 1 {
		// Links are created with occurrences >= 1; a lower value in the
		// image still represents one removed open error.
		logger.Warn("remove record carries no occurrence count, assuming 1",
			slog.String("execution", link.ExecutionID),
			slog.String("code", link.ErrorCode),
		)
		link.Occurrences = 1
	}

	return link, true
}

// DecodeStatusTransition extracts a failed -> maybeSolved|maybeUnrecoverable
// transition from a MODIFY record. All other modifications return false:
// occurrence bumps, re-failures, and transitions of other entity kinds are
// not the resolver's business.
func DecodeStatusTransition(record events.DynamoDBEventRecord, logger *slog.Logger) (*StatusTransition, bool) {
	if record.EventName != string(events.DynamoDBOperationTypeModify) {
		return nil, false
	}

	oldLink, err := decodeLinkImage(record.Change.OldImage)
	if err != nil {
		logger.Warn("skipping malformed modify record",
			slog.String("eventId", record.EventID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	newLink, err := decodeLinkImage(record.Change.NewImage)
	if err != nil {
		logger.Warn("skipping malformed modify record",
			slog.String("eventId", record.EventID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	if oldLink == nil || newLink == nil {
		return nil, false
	}

	if oldLink.Status != workflow.StatusFailed {
		return nil, false
	}

	if newLink.Status != workflow.StatusMaybeSolved && newLink.Status != workflow.StatusMaybeUnrecoverable {
		return nil, false
	}

	return &StatusTransition{
		Link: *newLink,
		From: oldLink.Status,
		To:   newLink.Status,
	}, true
}

// decodeLinkImage unmarshals a stream image into a link. Returns (nil,
// nil) for images of other entity kinds and an error for images that name
// a link but miss its identity.
func decodeLinkImage(image map[string]events.DynamoDBAttributeValue) (*store.ExecutionError, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("stream: record image is empty")
	}

	item, err := sdkAttributeValues(image)
	if err != nil {
		return nil, err
	}

	var link store.ExecutionError
	if err := attributevalue.UnmarshalMap(item, &link); err != nil {
		return nil, fmt.Errorf("stream: decoding link image: %w", err)
	}

	if link.EntityType != store.EntityExecutionError {
		return nil, nil
	}

	if link.ExecutionID == "" || link.ErrorCode == "" {
		return nil, fmt.Errorf("stream: link image misses executionId or errorCode")
	}

	return &link, nil
}

// sdkAttributeValues converts a Lambda-shaped attribute map into the SDK
// representation attributevalue can unmarshal.
func sdkAttributeValues(image map[string]events.DynamoDBAttributeValue) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(image))
	for name, av := range image {
		v, err := sdkAttributeValue(av)
		if err != nil {
			return nil, fmt.Errorf("stream: attribute %s: %w", name, err)
		}
		out[name] = v
	}

	return out, nil
}

func sdkAttributeValue(av events.DynamoDBAttributeValue) (types.AttributeValue, error) {
	switch av.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: av.String()}, nil
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: av.Number()}, nil
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: av.Boolean()}, nil
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: av.Binary()}, nil
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: av.StringSet()}, nil
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: av.NumberSet()}, nil
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: av.BinarySet()}, nil
	case events.DataTypeList:
		list := av.List()
		items := make([]types.AttributeValue, len(list))
		for i, entry := range list {
			v, err := sdkAttributeValue(entry)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return &types.AttributeValueMemberL{Value: items}, nil
	case events.DataTypeMap:
		inner, err := sdkAttributeValues(av.Map())
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: inner}, nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %v", av.DataType())
	}
}
