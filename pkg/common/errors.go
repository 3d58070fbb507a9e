package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	// Input errors.
	InvalidConfig       ErrorKind = "InvalidConfig"
	UnsupportedDocument ErrorKind = "UnsupportedDocument"

	// Transient errors. These are retried with backoff before they surface.
	LLMUnavailable   ErrorKind = "LLMUnavailable"
	StoreUnavailable ErrorKind = "StoreUnavailable"
	Timeout          ErrorKind = "Timeout"

	// Cancellation.
	Cancelled ErrorKind = "Cancelled"

	// Data errors. Recorded per item, never abort a batch.
	LLMParseError      ErrorKind = "LLMParseError"
	SchemaViolation    ErrorKind = "SchemaViolation"
	UnresolvedEndpoint ErrorKind = "UnresolvedEndpoint"

	// State errors.
	InvalidTransition ErrorKind = "InvalidTransition"
	DuplicateConflict ErrorKind = "DuplicateConflict"

	// Fatal errors.
	CorruptState     ErrorKind = "CorruptState"
	PermissionDenied ErrorKind = "PermissionDenied"
)

// Pipeline phases used in errors and progress events.
const (
	PhaseCleanup    = "cleanup"
	PhaseLoading    = "loading"
	PhaseChunking   = "chunking"
	PhaseExtraction = "extraction"
	PhaseStaging    = "staging"
	PhaseApproval   = "approval"
	PhasePromotion  = "promotion"
	PhaseQuery      = "query"
)

// Category groups error kinds by how callers react to them.
type Category string

const (
	CategoryInput     Category = "input"
	CategoryTransient Category = "transient"
	CategoryCancelled Category = "cancelled"
	CategoryData      Category = "data"
	CategoryState     Category = "state"
	CategoryFatal     Category = "fatal"
)

// Category returns the category of the kind.
func (k ErrorKind) Category() Category {
	switch k {
	case InvalidConfig, UnsupportedDocument:
		return CategoryInput
	case LLMUnavailable, StoreUnavailable, Timeout:
		return CategoryTransient
	case Cancelled:
		return CategoryCancelled
	case LLMParseError, SchemaViolation, UnresolvedEndpoint:
		return CategoryData
	case InvalidTransition, DuplicateConflict:
		return CategoryState
	default:
		return CategoryFatal
	}
}

// Transient reports whether errors of this kind may succeed on retry.
func (k ErrorKind) Transient() bool { return k.Category() == CategoryTransient }

// Fatal reports whether errors of this kind must abort a run.
func (k ErrorKind) Fatal() bool { return k.Category() == CategoryFatal }

// Sentinel errors, one per kind. errors.Is(err, ErrTimeout) matches every
// *Error of kind Timeout regardless of its detail.
var (
	ErrInvalidConfig       = &Error{Kind: InvalidConfig}
	ErrUnsupportedDocument = &Error{Kind: UnsupportedDocument}
	ErrLLMUnavailable      = &Error{Kind: LLMUnavailable}
	ErrStoreUnavailable    = &Error{Kind: StoreUnavailable}
	ErrTimeout             = &Error{Kind: Timeout}
	ErrCancelled           = &Error{Kind: Cancelled}
	ErrLLMParse            = &Error{Kind: LLMParseError}
	ErrSchemaViolation     = &Error{Kind: SchemaViolation}
	ErrUnresolvedEndpoint  = &Error{Kind: UnresolvedEndpoint}
	ErrInvalidTransition   = &Error{Kind: InvalidTransition}
	ErrDuplicateConflict   = &Error{Kind: DuplicateConflict}
	ErrCorruptState        = &Error{Kind: CorruptState}
	ErrPermissionDenied    = &Error{Kind: PermissionDenied}
)

// Error is the error type shared by all pipeline components. Phase names
// the step that failed (e.g. "chunk", "extract", "stage"); DocumentID and
// StagedID identify the item if known.
type Error struct {
	Kind       ErrorKind
	Phase      string
	DocumentID string
	StagedID   string
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Phase != "" {
		fmt.Fprintf(&b, " [%s]", e.Phase)
	}
	if e.DocumentID != "" {
		fmt.Fprintf(&b, " document=%s", e.DocumentID)
	}
	if e.StagedID != "" {
		fmt.Fprintf(&b, " staged=%s", e.StagedID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same kind. This lets the sentinel
// values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Detail == "" && t.Err == nil
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with a kind. It returns nil for a nil err.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// WithPhase returns a copy of e with Phase set.
func (e *Error) WithPhase(phase string) *Error {
	c := *e
	c.Phase = phase
	return &c
}

// WithDocument returns a copy of e with DocumentID set.
func (e *Error) WithDocument(id string) *Error {
	c := *e
	c.DocumentID = id
	return &c
}

// WithStaged returns a copy of e with StagedID set.
func (e *Error) WithStaged(id string) *Error {
	c := *e
	c.StagedID = id
	return &c
}

// KindOf returns the kind of the first *Error in err's chain. Context
// errors map to Cancelled and Timeout; anything else is CorruptState.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return CorruptState
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// FromContext converts a done context into a Cancelled or Timeout error.
// It returns nil while ctx is still live.
func FromContext(ctx context.Context, phase string) *Error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: Timeout, Phase: phase, Err: err}
	default:
		return &Error{Kind: Cancelled, Phase: phase, Err: err}
	}
}

// AsError returns err as *Error, converting foreign errors with KindOf.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), Err: err}
}

// ErrorInfo is the structured, user-visible form of an error.
type ErrorInfo struct {
	Kind       ErrorKind `json:"kind"`
	Phase      string    `json:"phase,omitempty"`
	DocumentID string    `json:"document_id,omitempty"`
	StagedID   string    `json:"staged_id,omitempty"`
	Detail     string    `json:"detail"`
}

// Describe converts err into an ErrorInfo. Detail carries the message of
// the whole chain below the *Error.
func Describe(err error) ErrorInfo {
	e := AsError(err)
	if e == nil {
		return ErrorInfo{}
	}
	detail := e.Detail
	if e.Err != nil {
		if detail != "" {
			detail += ": "
		}
		detail += e.Err.Error()
	}
	return ErrorInfo{
		Kind:       e.Kind,
		Phase:      e.Phase,
		DocumentID: e.DocumentID,
		StagedID:   e.StagedID,
		Detail:     detail,
	}
}
