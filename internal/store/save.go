package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/elephant-oracle/workflow-errors/internal/errkey"
	"github.com/elephant-oracle/workflow-errors/internal/workflow"
)

// SaveResult summarizes the rows touched by one error-carrying event.
type SaveResult struct {
	UniqueErrorCount int
	TotalOccurrences int
	ErrorCodes       []string
}

// codeGroup aggregates the occurrences of one error code within a single
// event. Details keep the last occurrence's blob.
type codeGroup struct {
	code        string
	occurrences int
	details     string
}

// groupErrors collapses an event's error list by code, preserving
// first-seen order.
func groupErrors(errs []workflow.StageError) []codeGroup {
	index := make(map[string]int, len(errs))
	groups := make([]codeGroup, 0, len(errs))

	for _, se := range errs {
		i, seen := index[se.Code]
		if !seen {
			i = len(groups)
			index[se.Code] = i
			groups = append(groups, codeGroup{code: se.Code})
		}

		groups[i].occurrences++
		if len(se.Details) > 0 {
			groups[i].details = string(se.Details)
		}
	}

	return groups
}

// SaveErrorRecords upserts one failed execution row, one link per distinct
// error code, and the per-code error records for a single workflow event.
//
// Error records are shared across every execution of a county batch and
// are the highest-contention rows in the table, so their counter adds run
// individually outside the transaction. The execution row and its links
// are private to one execution and commit together in one transaction.
// Sort keys are refreshed last: they must carry the post-increment
// counters, which an atomic add cannot know at write time.
func (s *Store) SaveErrorRecords(ctx context.Context, ev *workflow.Event) (*SaveResult, error) {
	if ev.ExecutionID == "" || ev.County == "" || !ev.HasErrors() {
		return nil, fmt.Errorf("store: save error records: event must carry executionId, county, and errors")
	}

	groups := groupErrors(ev.Errors)

	for _, g := range groups {
		if err := s.upsertErrorRecord(ctx, ev.ExecutionID, g); err != nil {
			return nil, err
		}
	}

	items := make([]types.TransactWriteItem, 0, len(groups)+1)
	items = append(items, s.executionUpsertItem(ev, groups))
	for _, g := range groups {
		items = append(items, s.linkUpsertItem(ev, g))
	}

	// One token across retries so a replayed transaction stays idempotent.
	token := s.newToken()
	err := s.withRetry(ctx, "save error records", func(ctx context.Context) error {
		_, err := s.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems:      items,
			ClientRequestToken: aws.String(token),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: save error records for %s: %w", ev.ExecutionID, err)
	}

	codes := make([]string, len(groups))
	total := 0
	for i, g := range groups {
		codes[i] = g.code
		total += g.occurrences
	}

	s.RefreshErrorRecordSortKeys(ctx, codes)
	s.refreshExecutionSortKeys(ctx, ev.ExecutionID)

	s.logger.Info("saved error records",
		slog.String("execution", ev.ExecutionID),
		slog.String("county", ev.County),
		slog.Int("uniqueCodes", len(groups)),
		slog.Int("occurrences", total),
	)

	return &SaveResult{
		UniqueErrorCount: len(groups),
		TotalOccurrences: total,
		ErrorCodes:       codes,
	}, nil
}

// upsertErrorRecord adds one code's occurrences to its shared aggregate
// row, creating the row on first sighting. Runs outside the per-execution
// transaction with the full retry policy.
func (s *Store) upsertErrorRecord(ctx context.Context, executionID string, g codeGroup) error {
	update := "ADD totalCount :inc SET entityType = :et, errorCode = :code, errorType = :etype, " +
		"errorStatus = :st, latestExecutionId = :eid, updatedAt = :now, " +
		"createdAt = if_not_exists(createdAt, :now), " +
		errkey.AttrGS2PK + " = :gs2pk, " + errkey.AttrGS3PK + " = :gs3pk"

	values := map[string]types.AttributeValue{
		":inc":   numberValue(g.occurrences),
		":et":    stringValue(EntityError),
		":code":  stringValue(g.code),
		":etype": stringValue(errkey.ErrorType(g.code)),
		":st":    stringValue(string(workflow.StatusFailed)),
		":eid":   stringValue(executionID),
		":now":   stringValue(s.timestamp()),
		":gs2pk": stringValue(errkey.ErrorRecordPK),
		":gs3pk": stringValue(errkey.ErrorBucketPK),
	}

	if g.details != "" {
		update += ", errorDetails = :details"
		values[":details"] = stringValue(g.details)
	}

	err := s.withRetry(ctx, "error record upsert", func(ctx context.Context) error {
		_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(s.table),
			Key:                       errorRecordKey(g.code),
			UpdateExpression:          aws.String(update),
			ExpressionAttributeValues: values,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("store: upsert error record %s: %w", g.code, err)
	}

	return nil
}

// executionUpsertItem builds the transaction entry for the execution head
// row. Counter adds are commutative so interleaved handlers for the same
// execution stay safe; redelivered events over-count by design.
func (s *Store) executionUpsertItem(ev *workflow.Event, groups []codeGroup) types.TransactWriteItem {
	total := 0
	for _, g := range groups {
		total += g.occurrences
	}

	update := "ADD openErrorCount :unique, uniqueErrorCount :unique, totalOccurrences :occ " +
		"SET entityType = :et, executionId = :eid, county = :county, #st = :failed, " +
		"errorType = :etype, updatedAt = :now, createdAt = if_not_exists(createdAt, :now), " +
		errkey.AttrGS1PK + " = :gs1pk, " + errkey.AttrGS3PK + " = :gs3pk"

	names := map[string]string{"#st": "status"}
	values := map[string]types.AttributeValue{
		":unique": numberValue(len(groups)),
		":occ":    numberValue(total),
		":et":     stringValue(EntityFailedExecution),
		":eid":    stringValue(ev.ExecutionID),
		":county": stringValue(ev.County),
		":failed": stringValue(string(workflow.StatusFailed)),
		":etype":  stringValue(errkey.ErrorType(groups[0].code)),
		":now":    stringValue(s.timestamp()),
		":gs1pk":  stringValue(errkey.ExecutionCountPK),
		":gs3pk":  stringValue(errkey.ExecutionBucketPK),
	}

	// Optional event fields are only written when present so a later event
	// without them never clobbers stored values.
	if ev.TaskToken != "" {
		update += ", taskToken = :tt"
		values[":tt"] = stringValue(ev.TaskToken)
	}
	if ev.PreparedS3URI != "" {
		update += ", preparedS3Uri = :uri"
		values[":uri"] = stringValue(ev.PreparedS3URI)
	}
	if ev.DedupID != "" {
		update += ", dedupId = :dedup"
		values[":dedup"] = stringValue(ev.DedupID)
	}
	if ev.Source != nil {
		update += ", #src = :src"
		names["#src"] = "source"
		values[":src"] = sourceValue(ev.Source)
	}

	return types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(s.table),
		Key:                       executionKey(ev.ExecutionID),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_not_exists(" + errkey.AttrPK + ") OR entityType = :et"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}}
}

// linkUpsertItem builds the transaction entry for one (execution, code)
// link row. A new sighting of a previously transitioned link reopens it
// as failed.
func (s *Store) linkUpsertItem(ev *workflow.Event, g codeGroup) types.TransactWriteItem {
	update := "ADD occurrences :inc SET entityType = :et, executionId = :eid, errorCode = :code, " +
		"county = :county, #st = :failed, updatedAt = :now, " +
		"createdAt = if_not_exists(createdAt, :now), " +
		errkey.AttrGS1PK + " = :gs1pk, " + errkey.AttrGS1SK + " = :gs1sk"

	values := map[string]types.AttributeValue{
		":inc":    numberValue(g.occurrences),
		":et":     stringValue(EntityExecutionError),
		":eid":    stringValue(ev.ExecutionID),
		":code":   stringValue(g.code),
		":county": stringValue(ev.County),
		":failed": stringValue(string(workflow.StatusFailed)),
		":now":    stringValue(s.timestamp()),
		":gs1pk":  stringValue(errkey.ErrorPK(g.code)),
		":gs1sk":  stringValue(errkey.LinkGS1SK(ev.ExecutionID)),
	}

	if g.details != "" {
		update += ", errorDetails = :details"
		values[":details"] = stringValue(g.details)
	}

	return types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(s.table),
		Key:                       linkKey(ev.ExecutionID, g.code),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_not_exists(" + errkey.AttrPK + ") OR entityType = :et"),
		ExpressionAttributeNames:  map[string]string{"#st": "status"},
		ExpressionAttributeValues: values,
	}}
}

// sourceValue renders the original upload pointer as a nested map
// attribute.
func sourceValue(src *workflow.Source) types.AttributeValue {
	return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"s3Bucket": stringValue(src.S3Bucket),
		"s3Key":    stringValue(src.S3Key),
	}}
}

// UpdateExecutionMetadata records optional event fields (task token,
// prepared object URI, source pointer) on an existing execution row
// without touching any counter. Events for executions with no open row
// are skipped: there is nothing to attach the metadata to.
func (s *Store) UpdateExecutionMetadata(ctx context.Context, ev *workflow.Event) error {
	sets := []string{"updatedAt = :now"}
	names := map[string]string{}
	values := map[string]types.AttributeValue{
		":now": stringValue(s.timestamp()),
		":et":  stringValue(EntityFailedExecution),
	}

	if ev.TaskToken != "" {
		sets = append(sets, "taskToken = :tt")
		values[":tt"] = stringValue(ev.TaskToken)
	}
	if ev.PreparedS3URI != "" {
		sets = append(sets, "preparedS3Uri = :uri")
		values[":uri"] = stringValue(ev.PreparedS3URI)
	}
	if ev.DedupID != "" {
		sets = append(sets, "dedupId = :dedup")
		values[":dedup"] = stringValue(ev.DedupID)
	}
	if ev.Source != nil {
		sets = append(sets, "#src = :src")
		names["#src"] = "source"
		values[":src"] = sourceValue(ev.Source)
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       executionKey(ev.ExecutionID),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("entityType = :et"),
		ExpressionAttributeValues: values,
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}

	err := s.withRetry(ctx, "update execution metadata", func(ctx context.Context) error {
		_, err := s.db.UpdateItem(ctx, input)
		return err
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			s.logger.Warn("metadata update skipped, no open execution row",
				slog.String("execution", ev.ExecutionID),
			)
			return nil
		}
		return fmt.Errorf("store: update execution metadata for %s: %w", ev.ExecutionID, err)
	}

	return nil
}
