// Package workflow defines the ingress contracts of the error-accounting
// core: the per-step event emitted by the county batch workflow, the
// operator resolution events, and the status vocabulary shared by every
// stored entity.
//
// Parsing and validation live here so each handler binary consumes one
// already-checked value instead of re-validating raw EventBridge detail
// payloads at every call site.
package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Status is the lifecycle state shared by error records, execution error
// links, and failed executions. A link leaves failed when an operator
// claims a fix (maybeSolved) or declares it unsolvable
// (maybeUnrecoverable); solved and maybeUnrecoverable are terminal, with
// no automatic transition out.
type Status string

const (
	StatusFailed             Status = "failed"
	StatusMaybeSolved        Status = "maybeSolved"
	StatusMaybeUnrecoverable Status = "maybeUnrecoverable"
	StatusSolved             Status = "solved"
)

// Terminal reports whether no further automatic transition applies.
func (s Status) Terminal() bool {
	return s == StatusSolved || s == StatusMaybeUnrecoverable
}

// Known reports whether s is one of the four defined states.
func (s Status) Known() bool {
	switch s {
	case StatusFailed, StatusMaybeSolved, StatusMaybeUnrecoverable, StatusSolved:
		return true
	}
	return false
}

// EventStatus is the workflow step outcome carried by an ingress event.
type EventStatus string

const (
	EventScheduled  EventStatus = "SCHEDULED"
	EventInProgress EventStatus = "IN_PROGRESS"
	EventSucceeded  EventStatus = "SUCCEEDED"
	EventFailed     EventStatus = "FAILED"
)

// EventBridge detail-types routed to the resolution path. Every other
// detail-type on the bus is parsed as a workflow step event.
const (
	DetailErrorResolved        = "ElephantErrorResolved"
	DetailErrorFailedToResolve = "ElephantErrorFailedToResolve"
)

// IsResolutionDetail reports whether an EventBridge detail-type names one
// of the operator resolution events.
func IsResolutionDetail(detailType string) bool {
	return detailType == DetailErrorResolved || detailType == DetailErrorFailedToResolve
}

// StageError is one error reported by a workflow step. Details is an
// opaque blob produced by the step; the core stores and surfaces it but
// never interprets it.
type StageError struct {
	Code    string          `json:"code" validate:"required"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Source points at the original uploaded object that started the
// execution. The resolver needs it to requeue work on the county DLQ.
type Source struct {
	S3Bucket string `json:"s3Bucket" validate:"required"`
	S3Key    string `json:"s3Key" validate:"required"`
}

// Event is the detail payload of one workflow step event. TaskToken,
// PreparedS3URI, Source, and DedupID are optional; producers only attach
// them on the steps that have them, and absent values must never clobber
// previously stored ones.
type Event struct {
	ExecutionID   string       `json:"executionId" validate:"required"`
	County        string       `json:"county" validate:"required"`
	Status        EventStatus  `json:"status" validate:"required,oneof=SCHEDULED IN_PROGRESS SUCCEEDED FAILED"`
	Phase         string       `json:"phase,omitempty"`
	Step          string       `json:"step,omitempty"`
	TaskToken     string       `json:"taskToken,omitempty"`
	PreparedS3URI string       `json:"preparedS3Uri,omitempty"`
	DedupID       string       `json:"dedupId,omitempty"`
	Source        *Source      `json:"source,omitempty"`
	Errors        []StageError `json:"errors,omitempty" validate:"omitempty,dive"`
}

// HasErrors reports whether the step attached at least one error.
func (e *Event) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrorCodes returns the distinct error codes in the event, in first-seen
// order. SUCCEEDED events may carry warnings, so this is meaningful for
// any status.
func (e *Event) ErrorCodes() []string {
	seen := make(map[string]struct{}, len(e.Errors))
	codes := make([]string, 0, len(e.Errors))
	for _, se := range e.Errors {
		if _, dup := seen[se.Code]; dup {
			continue
		}
		seen[se.Code] = struct{}{}
		codes = append(codes, se.Code)
	}
	return codes
}

// ResolutionEvent is the detail payload of ElephantErrorResolved and
// ElephantErrorFailedToResolve. At least one of the two fields must be
// present; when both are, the execution cascade runs before the code
// cascade.
type ResolutionEvent struct {
	ExecutionID string `json:"executionId,omitempty" validate:"required_without=ErrorCode"`
	ErrorCode   string `json:"errorCode,omitempty" validate:"required_without=ExecutionID"`
}

// MalformedEventError wraps a JSON or validation failure on an ingress
// payload. Handlers skip malformed events with a warning instead of
// returning them to the runtime for redelivery, because redelivering a
// payload that cannot parse can never succeed.
type MalformedEventError struct {
	DetailType string
	Err        error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("workflow: malformed %s event: %v", e.DetailType, e.Err)
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseEvent decodes and validates a workflow step event detail payload.
func ParseEvent(detail json.RawMessage) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(detail, &ev); err != nil {
		return nil, &MalformedEventError{DetailType: "workflow", Err: err}
	}
	if err := validate.Struct(&ev); err != nil {
		return nil, &MalformedEventError{DetailType: "workflow", Err: err}
	}
	return &ev, nil
}

// ParseResolution decodes and validates a resolution event detail payload.
func ParseResolution(detailType string, detail json.RawMessage) (*ResolutionEvent, error) {
	var rev ResolutionEvent
	if err := json.Unmarshal(detail, &rev); err != nil {
		return nil, &MalformedEventError{DetailType: detailType, Err: err}
	}
	if err := validate.Struct(&rev); err != nil {
		return nil, &MalformedEventError{DetailType: detailType, Err: err}
	}
	return &rev, nil
}
