package testutil

import (
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DrainStream returns the change records journaled since the last drain,
// converted into the Lambda event shape the stream consumers receive,
// and clears the journal. Both pipelines see every record, exactly like
// the deployed event source mappings; each skips what is not its
// business. Sequence numbers keep increasing across drains so records
// stay distinguishable within one scenario.
func (t *FakeTable) DrainStream() []events.DynamoDBEventRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	arn := "arn:aws:dynamodb:us-east-1:000000000000:table/" + t.name + "/stream/2026-01-01T00:00:00.000"

	records := make([]events.DynamoDBEventRecord, len(t.stream))
	for i, entry := range t.stream {
		t.seq++
		records[i] = events.DynamoDBEventRecord{
			AWSRegion:      "us-east-1",
			EventID:        fmt.Sprintf("evt-%06d", t.seq),
			EventName:      entry.eventName,
			EventSource:    "aws:dynamodb",
			EventSourceArn: arn,
			Change: events.DynamoDBStreamRecord{
				Keys:           lambdaImage(entry.keys),
				OldImage:       lambdaImage(entry.oldImage),
				NewImage:       lambdaImage(entry.newImage),
				SequenceNumber: fmt.Sprintf("%012d", t.seq),
				StreamViewType: "NEW_AND_OLD_IMAGES",
			},
		}
	}
	t.stream = nil

	return records
}

// DrainEvent wraps DrainStream in the Lambda batch envelope.
func (t *FakeTable) DrainEvent() events.DynamoDBEvent {
	return events.DynamoDBEvent{Records: t.DrainStream()}
}

// lambdaImage converts an SDK attribute map into the Lambda stream
// representation. A nil map stays nil so REMOVE records carry no new
// image and INSERT records no old one.
func lambdaImage(item map[string]types.AttributeValue) map[string]events.DynamoDBAttributeValue {
	if item == nil {
		return nil
	}

	out := make(map[string]events.DynamoDBAttributeValue, len(item))
	for name, av := range item {
		out[name] = lambdaAttributeValue(av)
	}

	return out
}

func lambdaAttributeValue(av types.AttributeValue) events.DynamoDBAttributeValue {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return events.NewStringAttribute(v.Value)
	case *types.AttributeValueMemberN:
		return events.NewNumberAttribute(v.Value)
	case *types.AttributeValueMemberBOOL:
		return events.NewBooleanAttribute(v.Value)
	case *types.AttributeValueMemberNULL:
		return events.NewNullAttribute()
	case *types.AttributeValueMemberM:
		return events.NewMapAttribute(lambdaImage(v.Value))
	case *types.AttributeValueMemberL:
		items := make([]events.DynamoDBAttributeValue, len(v.Value))
		for i, entry := range v.Value {
			items[i] = lambdaAttributeValue(entry)
		}
		return events.NewListAttribute(items)
	default:
		panic(fmt.Sprintf("testutil: cannot stream attribute value of type %T", av))
	}
}
