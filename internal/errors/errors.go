// Package errors provides the pipeline's closed error taxonomy.
package errors

import "fmt"

// Kind is one of the pipeline's closed set of error categories.
type Kind string

const (
	KindInputInvalid             Kind = "InputInvalid"
	KindInputTooLarge            Kind = "InputTooLarge"
	KindPreprocessingFailed      Kind = "PreprocessingFailed"
	KindTranscriptionRequired    Kind = "TranscriptionRequired"
	KindTranscriptionUnavailable Kind = "TranscriptionUnavailable"
	KindRelevanceUnavailable     Kind = "RelevanceUnavailable"
	KindFrameExtractionFailed    Kind = "FrameExtractionFailed"
	KindOutputFormatInvalid      Kind = "OutputFormatInvalid"
	KindStageTimeout             Kind = "StageTimeout"
	KindCancelled                Kind = "Cancelled"
	KindStaleTimeout             Kind = "StaleTimeout"
	KindInternal                 Kind = "Internal"
)

// surfaces reports whether an error of this kind fails the session
// outright, as opposed to degrading gracefully with a trace note.
var surfaces = map[Kind]bool{
	KindInputInvalid:             true,
	KindInputTooLarge:            true,
	KindPreprocessingFailed:      true,
	KindTranscriptionRequired:    true,
	KindTranscriptionUnavailable: false,
	KindRelevanceUnavailable:     false,
	KindFrameExtractionFailed:    true,
	KindOutputFormatInvalid:      true,
	KindStageTimeout:             true,
	KindCancelled:                true,
	KindStaleTimeout:             true,
	KindInternal:                 true,
}

// Surfaces reports whether an error of this kind must fail the session.
func (k Kind) Surfaces() bool {
	return surfaces[k]
}

// AppError is the pipeline's structured error type.
type AppError struct {
	Kind      Kind
	Message   string
	Stage     string
	SessionID string
	Metadata  map[string]string
	Cause     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Stage != "" {
		s += fmt.Sprintf(" (stage=%s)", e.Stage)
	}
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates a new AppError with the given kind and message.
func New(kind Kind, msg string) *AppError {
	return &AppError{Kind: kind, Message: msg}
}

// Newf creates a new AppError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, kind Kind, msg string) *AppError {
	return &AppError{Kind: kind, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithStage tags the error with the stage it occurred in.
func (e *AppError) WithStage(stage string) *AppError {
	e.Stage = stage
	return e
}

// WithSession tags the error with the session it occurred in.
func (e *AppError) WithSession(sessionID string) *AppError {
	e.SessionID = sessionID
	return e
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// IsKind checks whether an error carries a specific kind.
func IsKind(err error, kind Kind) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from an error, defaulting to Internal for
// errors that did not originate from this package.
func KindOf(err error) Kind {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Kind
	}
	return KindInternal
}

// Record is the user-visible structured failure shape from spec §7.
type Record struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Stage     string `json:"stage"`
	SessionID string `json:"session_id"`
}

// ToRecord converts an AppError into its user-visible Record.
func (e *AppError) ToRecord() Record {
	return Record{Kind: e.Kind, Message: e.Message, Stage: e.Stage, SessionID: e.SessionID}
}
