package domain

import "fmt"

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError with the same code and message,
// so sentinels still match after WithCause.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// WithCause returns a copy of the error wrapping err.
func (e *DomainError) WithCause(err error) *DomainError {
	return NewDomainErrorWithCause(e.Code, e.Message, err)
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common domain error codes
const (
	ErrCodeValidation                 = "VALIDATION_ERROR"
	ErrCodeNotFound                   = "NOT_FOUND"
	ErrCodeAlreadyExists              = "ALREADY_EXISTS"
	ErrCodeUnauthorized               = "UNAUTHORIZED"
	ErrCodeInternalError              = "INTERNAL_ERROR"
	ErrCodeStorageConflict            = "STORAGE_CONFLICT"
	ErrCodeEmbeddingUnavailable       = "EMBEDDING_UNAVAILABLE"
	ErrCodeEmbeddingDimensionMismatch = "EMBEDDING_DIMENSION_MISMATCH"
	ErrCodeGenerationTimeout          = "GENERATION_TIMEOUT"
	ErrCodeGenerationUnavailable      = "GENERATION_UNAVAILABLE"
)

// Validation errors
var (
	ErrEmptyText        = NewDomainError(ErrCodeValidation, "text must not be empty")
	ErrEmptyQuery       = NewDomainError(ErrCodeValidation, "query must not be empty")
	ErrMissingSource    = NewDomainError(ErrCodeValidation, "source is required")
	ErrEmptySelector    = NewDomainError(ErrCodeValidation, "selector requires ids or source")
	ErrUnknownTenant    = NewDomainError(ErrCodeValidation, "unknown tenant")
	ErrDocumentTooLarge = NewDomainError(ErrCodeValidation, "document exceeds the chunk limit")
)

// Not found errors
var (
	ErrChunkNotFound    = NewDomainError(ErrCodeNotFound, "knowledge chunk not found")
	ErrTenantNotFound   = NewDomainError(ErrCodeNotFound, "tenant not found")
	ErrAPIKeyNotFound   = NewDomainError(ErrCodeNotFound, "api key not found")
	ErrSnapshotDisabled = NewDomainError(ErrCodeNotFound, "snapshot storage is not configured")
)

// Already exists errors
var (
	ErrTenantAlreadyExists = NewDomainError(ErrCodeAlreadyExists, "tenant already exists")
	ErrAPIKeyAlreadyExists = NewDomainError(ErrCodeAlreadyExists, "api key already exists")
)

// Authorization errors
var (
	ErrAPIKeyRevoked = NewDomainError(ErrCodeUnauthorized, "api key has been revoked")
	ErrInvalidAPIKey = NewDomainError(ErrCodeUnauthorized, "invalid api key")
)

// Storage errors
var (
	ErrStorageConflict = NewDomainError(ErrCodeStorageConflict, "concurrent write conflict")
)

// Backend errors
var (
	ErrEmbeddingBackendUnavailable  = NewDomainError(ErrCodeEmbeddingUnavailable, "embedding backend unavailable")
	ErrEmbeddingDimensionMismatch   = NewDomainError(ErrCodeEmbeddingDimensionMismatch, "embedding has unexpected dimension")
	ErrGenerationTimeout            = NewDomainError(ErrCodeGenerationTimeout, "generation timed out")
	ErrGenerationBackendUnavailable = NewDomainError(ErrCodeGenerationUnavailable, "generation backend unavailable")
	ErrCircuitOpen                  = NewDomainError(ErrCodeGenerationUnavailable, "circuit breaker is open")
)
