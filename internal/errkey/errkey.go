// Package errkey owns the key grammar of the workflow-errors single table.
// It consolidates partition/sort key construction and parsing so the exact
// separator and padding rules live in one place instead of being re-derived
// at every call site.
//
// Three entity kinds share the table:
//   - failed executions:      pk=EXEC#<id>        sk=METADATA
//   - execution error links:  pk=EXEC#<id>        sk=ERROR#<code>
//   - error records:          pk=ERROR#<code>     sk=METADATA
//
// Count-ordered index sort keys embed a zero-padded counter so that
// lexicographic order equals numeric order:
//
//	COUNT#<STATUS>#<0000000042>#EXEC#<id>
//	COUNT#<errorType>#<STATUS>#<0000000042>#ERROR#<code>
//
// This is a leaf package with zero dependencies beyond stdlib.
package errkey

import (
	"fmt"
	"strings"
)

// Attribute and index names as they exist in the table definition.
const (
	AttrPK    = "pk"
	AttrSK    = "sk"
	AttrGS1PK = "gs1pk"
	AttrGS1SK = "gs1sk"
	AttrGS2PK = "gs2pk"
	AttrGS2SK = "gs2sk"
	AttrGS3PK = "gs3pk"
	AttrGS3SK = "gs3sk"

	IndexGS1 = "GS1"
	IndexGS2 = "GS2"
	IndexGS3 = "GS3"
)

// Key prefixes and constant partition values.
const (
	execPrefix  = "EXEC#"
	errorPrefix = "ERROR#"
	linkGS1Pref = "EXECUTION#"

	// ErrorKeyPrefix is the shared prefix of error-record partition keys
	// and link sort keys, exported for begins_with query conditions.
	ErrorKeyPrefix = errorPrefix

	// MetadataSK marks the head row of an execution or error record, as
	// opposed to the ERROR#<code> link rows sharing the same partition.
	MetadataSK = "METADATA"

	// ExecutionCountPK is the GS1 partition holding every execution row,
	// sorted by status and open error count.
	ExecutionCountPK = "METRIC#EXECUTION_COUNT"

	// ErrorRecordPK is the GS2 partition holding every error record row,
	// sorted by status and total count.
	ErrorRecordPK = "TYPE#ERROR"

	// ExecutionBucketPK and ErrorBucketPK are the GS3 partitions bucketing
	// each entity kind by error type.
	ExecutionBucketPK = "ERRORTYPE#EXECUTION"
	ErrorBucketPK     = "ERRORTYPE#ERROR"
)

// countWidth is the zero-padding width for counters embedded in sort keys.
// Ten digits covers the int32 range the counters realistically occupy.
const countWidth = 10

// Kind selects the trailing identity segment of a count sort key.
type Kind string

const (
	KindExecution Kind = "EXEC"
	KindError     Kind = "ERROR"
)

// ExecutionPK builds the partition key of an execution and its links.
func ExecutionPK(executionID string) string {
	return execPrefix + executionID
}

// ErrorPK builds the partition key of an error record.
func ErrorPK(errorCode string) string {
	return errorPrefix + errorCode
}

// LinkSK builds the sort key of an execution error link.
func LinkSK(errorCode string) string {
	return errorPrefix + errorCode
}

// LinkGS1SK builds the GS1 sort key of a link, inverting the relation so
// that all executions holding an error code query from one partition.
func LinkGS1SK(executionID string) string {
	return linkGS1Pref + executionID
}

// PadCount renders a counter zero-padded to the fixed sort-key width.
// Negative counters clamp to zero so transient over-decrements can never
// produce keys that sort outside the numeric range.
func PadCount(n int) string {
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("%0*d", countWidth, n)
}

// CountKey builds a GS1/GS2 sort key ordering entities of one kind by
// status, then count, then identity. Status is uppercased so the key
// grammar stays stable regardless of how callers case their enums.
func CountKey(status string, count int, kind Kind, id string) string {
	return "COUNT#" + strings.ToUpper(status) + "#" + PadCount(count) + "#" + string(kind) + "#" + id
}

// TypedCountKey builds a GS3 sort key with a leading error-type bucket so
// dashboards can narrow to one error family before the status segment.
func TypedCountKey(errorType, status string, count int, kind Kind, id string) string {
	return "COUNT#" + errorType + "#" + strings.ToUpper(status) + "#" + PadCount(count) + "#" + string(kind) + "#" + id
}

// CountKeyStatusPrefix builds the begins_with prefix matching every
// CountKey of one status, used by the dashboards' ranked queries.
func CountKeyStatusPrefix(status string) string {
	return "COUNT#" + strings.ToUpper(status) + "#"
}

// TypedCountKeyStatusPrefix is CountKeyStatusPrefix for GS3 keys.
func TypedCountKeyStatusPrefix(errorType, status string) string {
	return "COUNT#" + errorType + "#" + strings.ToUpper(status) + "#"
}

// ErrorType derives the error-type bucket from an error code: its first
// two characters (codes are classified as <family><subcode>, e.g. 20304
// is family 20). Codes shorter than two characters bucket as themselves.
func ErrorType(errorCode string) string {
	if len(errorCode) < 2 {
		return errorCode
	}
	return errorCode[:2]
}

// ParseExecutionPK extracts the execution ID from an EXEC# partition key.
func ParseExecutionPK(pk string) (string, bool) {
	id, ok := strings.CutPrefix(pk, execPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// ParseErrorKey extracts the error code from an ERROR# partition or link
// sort key (both use the same prefix).
func ParseErrorKey(key string) (string, bool) {
	code, ok := strings.CutPrefix(key, errorPrefix)
	if !ok || code == "" {
		return "", false
	}
	return code, true
}

// IsLinkSK reports whether a sort key names an execution error link rather
// than a METADATA head row.
func IsLinkSK(sk string) bool {
	return strings.HasPrefix(sk, errorPrefix)
}
