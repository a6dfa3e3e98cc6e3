// Package testutil provides an in-memory stand-in for the workflow-errors
// DynamoDB table. End-to-end scenarios use it to drive the real
// repository, stream decoding, and handler pipelines without AWS access.
//
// FakeTable stores items the way the table does and answers index queries
// by deriving GSI membership from item attributes at query time. Every
// write appends to a change journal that DrainStream converts into the
// Lambda stream records the count handler and error resolver consume, so
// scenarios observe the same change feed the deployed table emits.
//
// The fake understands exactly the expression grammar the repository
// emits and rejects everything else, so a new expression shape in the
// repository fails tests instead of silently doing nothing. It imports
// only the AWS SDK, never internal packages, and satisfies the
// repository's client interface structurally.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Stream event names as DynamoDB streams deliver them.
const (
	eventInsert = "INSERT"
	eventModify = "MODIFY"
	eventRemove = "REMOVE"
)

// tableKey is the composite primary key of one item.
type tableKey struct {
	pk string
	sk string
}

// streamEntry is one change-journal record, images deep-copied at write
// time so later mutations cannot rewrite history.
type streamEntry struct {
	eventName string
	keys      map[string]types.AttributeValue
	oldImage  map[string]types.AttributeValue
	newImage  map[string]types.AttributeValue
}

// FakeTable is an in-memory single table with the workflow-errors key
// schema: pk/sk primary key and the GS1/GS2/GS3 count-ordered indexes.
// All methods are safe for concurrent use; the repository fans batch
// decrements out across goroutines.
type FakeTable struct {
	// PageSize caps the number of items one Query call returns, forcing
	// pagination through LastEvaluatedKey. Zero means unlimited. Set it
	// before the scenario runs; it is read without locking.
	PageSize int

	mu     sync.Mutex
	name   string
	items  map[tableKey]map[string]types.AttributeValue
	stream []streamEntry
	seq    int
	tokens map[string]bool
}

// NewFakeTable creates an empty table answering to the given name.
// Requests naming any other table fail.
func NewFakeTable(name string) *FakeTable {
	return &FakeTable{
		name:   name,
		items:  make(map[tableKey]map[string]types.AttributeValue),
		tokens: make(map[string]bool),
	}
}

// Put seeds one item directly, journaling the write like any other. Most
// scenarios build state through the repository instead; Put exists for
// the odd shapes the repository would never write, such as a link whose
// head row is missing.
func (t *FakeTable) Put(item map[string]types.AttributeValue) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, err := keyOf(item)
	if err != nil {
		return err
	}

	old := t.items[key]
	t.items[key] = copyItem(item)
	t.journal(key, old, t.items[key])

	return nil
}

// Item returns a copy of one item by primary key.
func (t *FakeTable) Item(pk, sk string) (map[string]types.AttributeValue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[tableKey{pk: pk, sk: sk}]
	if !ok {
		return nil, false
	}

	return copyItem(item), true
}

// ItemCount reports how many items the table holds.
func (t *FakeTable) ItemCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.items)
}

// GetItem implements the repository client. ConsistentRead is accepted
// and irrelevant; the fake has no replication lag to paper over.
func (t *FakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTable(in.TableName); err != nil {
		return nil, err
	}
	key, err := keyOf(in.Key)
	if err != nil {
		return nil, err
	}

	item, ok := t.items[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}

	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

// UpdateItem implements the repository client. A missing item is created
// from its key attributes when the condition allows, matching the
// service's upsert semantics.
func (t *FakeTable) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTable(in.TableName); err != nil {
		return nil, err
	}

	updated, err := t.applyUpdate(in.Key, updateSpec{
		update:    aws.ToString(in.UpdateExpression),
		condition: aws.ToString(in.ConditionExpression),
		names:     in.ExpressionAttributeNames,
		values:    in.ExpressionAttributeValues,
	})
	if err != nil {
		return nil, err
	}

	out := &dynamodb.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(updated)
	}

	return out, nil
}

// BatchWriteItem implements the repository client for delete batches.
// Deleting an absent item is a no-op, as on the service, and nothing is
// ever reported unprocessed.
func (t *FakeTable) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for table, requests := range in.RequestItems {
		if table != t.name {
			return nil, fmt.Errorf("testutil: batch write names table %q, fake is %q", table, t.name)
		}

		for _, req := range requests {
			if req.DeleteRequest == nil {
				return nil, fmt.Errorf("testutil: batch write carries a non-delete request")
			}
			key, err := keyOf(req.DeleteRequest.Key)
			if err != nil {
				return nil, err
			}

			old, ok := t.items[key]
			if !ok {
				continue
			}
			delete(t.items, key)
			t.journal(key, old, nil)
		}
	}

	return &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}, nil
}

// TransactWriteItems implements the repository client for update-only
// transactions. Conditions are checked across all items before any is
// applied; a repeated client request token replays as a silent success.
func (t *FakeTable) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if token := aws.ToString(in.ClientRequestToken); token != "" {
		if t.tokens[token] {
			return &dynamodb.TransactWriteItemsOutput{}, nil
		}
		t.tokens[token] = true
	}

	specs := make([]updateSpec, len(in.TransactItems))
	keys := make([]map[string]types.AttributeValue, len(in.TransactItems))
	for i, item := range in.TransactItems {
		upd := item.Update
		if upd == nil {
			return nil, fmt.Errorf("testutil: transaction item %d is not an update", i)
		}
		if err := t.checkTable(upd.TableName); err != nil {
			return nil, err
		}

		keys[i] = upd.Key
		specs[i] = updateSpec{
			update:    aws.ToString(upd.UpdateExpression),
			condition: aws.ToString(upd.ConditionExpression),
			names:     upd.ExpressionAttributeNames,
			values:    upd.ExpressionAttributeValues,
		}
	}

	reasons := make([]types.CancellationReason, len(specs))
	failed := false
	for i, spec := range specs {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if spec.condition == "" {
			continue
		}

		key, err := keyOf(keys[i])
		if err != nil {
			return nil, err
		}
		ok, err := evalCondition(spec.condition, t.items[key], spec.names, spec.values)
		if err != nil {
			return nil, err
		}
		if !ok {
			reasons[i] = types.CancellationReason{
				Code:    aws.String("ConditionalCheckFailed"),
				Message: aws.String("The conditional request failed"),
			}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	for i, spec := range specs {
		spec.condition = "" // already checked across the set
		if _, err := t.applyUpdate(keys[i], spec); err != nil {
			return nil, err
		}
	}

	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// Query implements the repository client over the base table and the
// three count-ordered indexes. GSI membership is derived from item
// attributes; items missing either index key are invisible to that
// index, matching sparse-index semantics.
func (t *FakeTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkTable(in.TableName); err != nil {
		return nil, err
	}

	pkAttr, skAttr, err := indexAttrs(in.IndexName)
	if err != nil {
		return nil, err
	}
	cond, err := parseKeyCondition(aws.ToString(in.KeyConditionExpression), in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if cond.pkAttr != pkAttr {
		return nil, fmt.Errorf("testutil: key condition names %s, index keys on %s", cond.pkAttr, pkAttr)
	}
	if cond.skAttr != "" && cond.skAttr != skAttr {
		return nil, fmt.Errorf("testutil: key condition sorts on %s, index sorts on %s", cond.skAttr, skAttr)
	}

	matches := t.matchingEntries(in.IndexName != nil, pkAttr, skAttr, cond)

	forward := in.ScanIndexForward == nil || *in.ScanIndexForward
	sort.Slice(matches, func(i, j int) bool {
		if forward {
			return matches[i].less(matches[j])
		}
		return matches[j].less(matches[i])
	})

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		start, err = resumeIndex(matches, in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
	}
	remaining := matches[start:]

	limit := len(remaining)
	if in.Limit != nil && int(*in.Limit) < limit {
		limit = int(*in.Limit)
	}
	if t.PageSize > 0 && t.PageSize < limit {
		limit = t.PageSize
	}
	page := remaining[:limit]

	out := &dynamodb.QueryOutput{
		Items: make([]map[string]types.AttributeValue, len(page)),
		Count: int32(len(page)),
	}
	for i, entry := range page {
		out.Items[i] = copyItem(entry.item)
	}
	if len(page) > 0 && len(page) < len(remaining) {
		out.LastEvaluatedKey = lastEvaluatedKey(page[len(page)-1], pkAttr, skAttr)
	}

	return out, nil
}

// queryEntry pairs an item with the sort-key value the active index
// orders it by, plus its base identity for deterministic tie-breaks and
// pagination resume.
type queryEntry struct {
	item    map[string]types.AttributeValue
	sortVal string
	key     tableKey
}

func (e queryEntry) less(o queryEntry) bool {
	if e.sortVal != o.sortVal {
		return e.sortVal < o.sortVal
	}
	if e.key.pk != o.key.pk {
		return e.key.pk < o.key.pk
	}
	return e.key.sk < o.key.sk
}

func (t *FakeTable) matchingEntries(isIndex bool, pkAttr, skAttr string, cond keyCondition) []queryEntry {
	var matches []queryEntry
	for key, item := range t.items {
		pkVal, ok := stringAttr(item, pkAttr)
		if !ok || pkVal != cond.pkValue {
			continue
		}
		sortVal, ok := stringAttr(item, skAttr)
		if !ok {
			if isIndex {
				continue
			}
			sortVal = ""
		}
		if cond.skPrefix != "" && !hasPrefix(sortVal, cond.skPrefix) {
			continue
		}

		matches = append(matches, queryEntry{item: item, sortVal: sortVal, key: key})
	}

	return matches
}

// resumeIndex locates the pagination start position after the item the
// previous page ended on. The identity must still exist in the result
// set; the repository never deletes between pages of one query.
func resumeIndex(matches []queryEntry, startKey map[string]types.AttributeValue) (int, error) {
	after, err := keyOf(startKey)
	if err != nil {
		return 0, err
	}

	for i, entry := range matches {
		if entry.key == after {
			return i + 1, nil
		}
	}

	return 0, fmt.Errorf("testutil: pagination key %s/%s not in result set", after.pk, after.sk)
}

func lastEvaluatedKey(last queryEntry, pkAttr, skAttr string) map[string]types.AttributeValue {
	lek := map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: last.key.pk},
		"sk": &types.AttributeValueMemberS{Value: last.key.sk},
	}
	if pkAttr != "pk" {
		lek[pkAttr] = copyAttributeValue(last.item[pkAttr])
		lek[skAttr] = copyAttributeValue(last.item[skAttr])
	}

	return lek
}

// updateSpec carries one update expression with its condition and
// attribute maps, shared by UpdateItem and transaction items.
type updateSpec struct {
	update    string
	condition string
	names     map[string]string
	values    map[string]types.AttributeValue
}

// applyUpdate evaluates the condition, applies the update expression,
// stores the result, and journals the change. Callers hold the lock.
func (t *FakeTable) applyUpdate(keyAttrs map[string]types.AttributeValue, spec updateSpec) (map[string]types.AttributeValue, error) {
	key, err := keyOf(keyAttrs)
	if err != nil {
		return nil, err
	}

	old, exists := t.items[key]
	if spec.condition != "" {
		ok, err := evalCondition(spec.condition, old, spec.names, spec.values)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{
				Message: aws.String("The conditional request failed"),
			}
		}
	}

	base := old
	if !exists {
		base = copyItem(keyAttrs)
	}
	updated, err := applyUpdateExpression(spec.update, base, spec.names, spec.values)
	if err != nil {
		return nil, err
	}

	t.items[key] = updated
	t.journal(key, old, updated)

	return updated, nil
}

// journal appends one change entry. Callers hold the lock. old is nil
// for inserts, new is nil for removes.
func (t *FakeTable) journal(key tableKey, old, updated map[string]types.AttributeValue) {
	entry := streamEntry{
		keys: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: key.pk},
			"sk": &types.AttributeValueMemberS{Value: key.sk},
		},
	}

	switch {
	case old == nil:
		entry.eventName = eventInsert
		entry.newImage = copyItem(updated)
	case updated == nil:
		entry.eventName = eventRemove
		entry.oldImage = copyItem(old)
	default:
		entry.eventName = eventModify
		entry.oldImage = copyItem(old)
		entry.newImage = copyItem(updated)
	}

	t.stream = append(t.stream, entry)
}

func (t *FakeTable) checkTable(name *string) error {
	if aws.ToString(name) != t.name {
		return fmt.Errorf("testutil: request names table %q, fake is %q", aws.ToString(name), t.name)
	}

	return nil
}

// keyOf extracts the composite primary key from an attribute map that
// carries at least pk and sk.
func keyOf(attrs map[string]types.AttributeValue) (tableKey, error) {
	pk, ok := stringAttr(attrs, "pk")
	if !ok {
		return tableKey{}, fmt.Errorf("testutil: key misses string attribute pk")
	}
	sk, ok := stringAttr(attrs, "sk")
	if !ok {
		return tableKey{}, fmt.Errorf("testutil: key misses string attribute sk")
	}

	return tableKey{pk: pk, sk: sk}, nil
}

// indexAttrs maps an index name onto its key attribute pair.
func indexAttrs(indexName *string) (pkAttr, skAttr string, err error) {
	switch aws.ToString(indexName) {
	case "":
		return "pk", "sk", nil
	case "GS1":
		return "gs1pk", "gs1sk", nil
	case "GS2":
		return "gs2pk", "gs2sk", nil
	case "GS3":
		return "gs3pk", "gs3sk", nil
	default:
		return "", "", fmt.Errorf("testutil: unknown index %q", aws.ToString(indexName))
	}
}

func stringAttr(attrs map[string]types.AttributeValue, name string) (string, bool) {
	s, ok := attrs[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}

	return s.Value, true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}

	out := make(map[string]types.AttributeValue, len(item))
	for name, av := range item {
		out[name] = copyAttributeValue(av)
	}

	return out
}

func copyAttributeValue(av types.AttributeValue) types.AttributeValue {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: v.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: v.Value}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: v.Value}
	case *types.AttributeValueMemberNULL:
		return &types.AttributeValueMemberNULL{Value: v.Value}
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: copyItem(v.Value)}
	case *types.AttributeValueMemberL:
		items := make([]types.AttributeValue, len(v.Value))
		for i, entry := range v.Value {
			items[i] = copyAttributeValue(entry)
		}
		return &types.AttributeValueMemberL{Value: items}
	case *types.AttributeValueMemberSS:
		return &types.AttributeValueMemberSS{Value: append([]string(nil), v.Value...)}
	case *types.AttributeValueMemberNS:
		return &types.AttributeValueMemberNS{Value: append([]string(nil), v.Value...)}
	default:
		panic(fmt.Sprintf("testutil: cannot copy attribute value of type %T", av))
	}
}
