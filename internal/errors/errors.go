// Package errors provides structured error types for the feature store.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategorySnapshot   ErrorCategory = "SNAPSHOT"
	ErrCategoryCatalog    ErrorCategory = "CATALOG"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidBoundingBox = "INVALID_BOUNDING_BOX"
	CodeInvalidFilter      = "INVALID_FILTER"
	CodeInvalidParameter   = "INVALID_PARAMETER"

	// Query codes
	CodeUnindexedField    = "UNINDEXED_FIELD"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodeNotFound          = "NOT_FOUND"
	CodeCollectionUnknown = "COLLECTION_UNKNOWN"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeDeleteFailed   = "DELETE_FAILED"
	// CodeArtifactMismatch marks an object whose recorded metadata does not
	// describe the snapshot its key or content claims.
	CodeArtifactMismatch = "ARTIFACT_MISMATCH"

	// Snapshot codes
	CodeCorruptRecord = "CORRUPT_RECORD"
	CodeBuildFailed   = "BUILD_FAILED"
	CodeRetired       = "RETIRED"

	// Catalog codes
	CodeWriteConflict   = "WRITE_CONFLICT"
	CodeCatalogFailed   = "CATALOG_FAILED"
	CodeSnapshotUnknown = "SNAPSHOT_UNKNOWN"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinels for errors.Is matching. Is compares category and code only, so any
// error built with the same pair matches regardless of message or cause.
var (
	ErrInvalidBoundingBox = New(ErrCategoryValidation, CodeInvalidBoundingBox, "invalid bounding box")
	ErrInvalidFilter      = New(ErrCategoryValidation, CodeInvalidFilter, "invalid filter")
	ErrInvalidParameter   = New(ErrCategoryValidation, CodeInvalidParameter, "invalid parameter")
	ErrUnindexedField     = New(ErrCategoryQuery, CodeUnindexedField, "unindexed field")
	ErrUnsupportedFormat  = New(ErrCategoryQuery, CodeUnsupportedFormat, "unsupported format")
	ErrNotFound           = New(ErrCategoryQuery, CodeNotFound, "not found")
	ErrCollectionUnknown  = New(ErrCategoryQuery, CodeCollectionUnknown, "unknown collection")
	ErrArtifactNotFound   = New(ErrCategoryStorage, CodeObjectNotFound, "artifact not found")
	ErrArtifactMismatch   = New(ErrCategoryStorage, CodeArtifactMismatch, "artifact metadata mismatch")
	ErrCorruptRecord      = New(ErrCategorySnapshot, CodeCorruptRecord, "corrupt record")
	ErrBuildFailed        = New(ErrCategorySnapshot, CodeBuildFailed, "build failed")
	ErrRetired            = New(ErrCategorySnapshot, CodeRetired, "snapshot retired")
	ErrWriteConflict      = New(ErrCategoryCatalog, CodeWriteConflict, "catalog write conflict")
	ErrSnapshotUnknown    = New(ErrCategoryCatalog, CodeSnapshotUnknown, "unknown snapshot")
)

// FeatureError is the structured error type used throughout the system.
type FeatureError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *FeatureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *FeatureError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *FeatureError) Is(target error) bool {
	var t *FeatureError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new FeatureError.
func New(category ErrorCategory, code, message string) *FeatureError {
	return &FeatureError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Newf creates a new FeatureError with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *FeatureError {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new FeatureError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *FeatureError {
	return &FeatureError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *FeatureError) WithDetails(details map[string]interface{}) *FeatureError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var fe *FeatureError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// IsClientError reports whether err was caused by the request rather than
// by the store: validation failures and the query-level codes.
func IsClientError(err error) bool {
	switch GetCategory(err) {
	case ErrCategoryValidation, ErrCategoryQuery:
		return true
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a FeatureError.
func GetCategory(err error) ErrorCategory {
	var fe *FeatureError
	if errors.As(err, &fe) {
		return fe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a FeatureError.
func GetCode(err error) string {
	var fe *FeatureError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// GetMessage returns the message of the outermost FeatureError, or err.Error().
func GetMessage(err error) string {
	var fe *FeatureError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// isRetryable determines if an error code is retryable. Only transport
// failures qualify; the core never retries on its own.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryCatalog && code == CodeWriteConflict:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewInvalidBoundingBox(message string, cause error) *FeatureError {
	return Wrap(ErrCategoryValidation, CodeInvalidBoundingBox, message, cause)
}

func NewInvalidFilter(message string, cause error) *FeatureError {
	return Wrap(ErrCategoryValidation, CodeInvalidFilter, message, cause)
}

func NewValidationError(code, message string) *FeatureError {
	return New(ErrCategoryValidation, code, message)
}

func NewQueryError(code, message string) *FeatureError {
	return New(ErrCategoryQuery, code, message)
}

func NewNotFound(what string) *FeatureError {
	return New(ErrCategoryQuery, CodeNotFound, what+" not found")
}

func NewCorruptRecord(message string, cause error) *FeatureError {
	return Wrap(ErrCategorySnapshot, CodeCorruptRecord, message, cause)
}

func NewBuildFailed(message string, cause error) *FeatureError {
	return Wrap(ErrCategorySnapshot, CodeBuildFailed, message, cause)
}

func NewStorageError(code, message string, cause error) *FeatureError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewCatalogError(code, message string, cause error) *FeatureError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewInternalError(message string, cause error) *FeatureError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
