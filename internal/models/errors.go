package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an identifier or row position is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a row position or identifier is already bound elsewhere,
	// or when re-ingesting an identifier is disallowed.
	ErrConflict = errors.New("conflict")
	// ErrEmptyIdentifier is returned for items without an identifier.
	ErrEmptyIdentifier = errors.New("identifier is empty")
	// ErrInvalidRecord is returned for malformed records.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
	// ErrInvalidThreshold is returned for a similarity threshold outside [0,1].
	ErrInvalidThreshold = errors.New("threshold must be within [0,1]")
	// ErrConsistencyGap marks a row that resolves to no identifier or an identifier with no record.
	ErrConsistencyGap = errors.New("consistency gap")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("component closed")
	// ErrDuplicateInBatch is returned when one batch carries the same identifier twice.
	ErrDuplicateInBatch = errors.New("identifier repeated in batch")
	// ErrNonFiniteVector is returned for vectors holding NaN or an infinity.
	ErrNonFiniteVector = errors.New("vector has a non-finite component")

	// ErrDimensionMismatch matches any *DimensionMismatchError via errors.Is.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrDuplicateRow matches any *DuplicateRowError via errors.Is.
	ErrDuplicateRow = errors.New("duplicate row position")
	// ErrEncoding matches any *EncodingError via errors.Is.
	ErrEncoding = errors.New("encoding failed")
	// ErrStorage matches any *StorageError via errors.Is.
	ErrStorage = errors.New("storage failure")
)

// DimensionMismatchError indicates a vector/query dimensionality mismatch.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Is reports whether target is ErrDimensionMismatch.
func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }

// DuplicateRowError indicates an insert into a row position that is occupied or retired.
type DuplicateRowError struct {
	Row uint64
}

func (e *DuplicateRowError) Error() string {
	return fmt.Sprintf("duplicate row position: %d", e.Row)
}

// Is reports whether target is ErrDuplicateRow.
func (e *DuplicateRowError) Is(target error) bool { return target == ErrDuplicateRow }

// EncodingError wraps a failure of the external encoder.
//
// The original encoder error can be accessed via errors.Unwrap.
type EncodingError struct {
	Modality Modality
	cause    error
}

// NewEncodingError wraps cause as an encoding failure for the given modality.
func NewEncodingError(modality Modality, cause error) *EncodingError {
	return &EncodingError{Modality: modality, cause: cause}
}

func (e *EncodingError) Error() string {
	if e.Modality == ModalityUnknown {
		return fmt.Sprintf("encoding failed: %v", e.cause)
	}
	return fmt.Sprintf("%s encoding failed: %v", e.Modality, e.cause)
}

// Is reports whether target is ErrEncoding.
func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

func (e *EncodingError) Unwrap() error { return e.cause }

// StorageError wraps an I/O failure of a persistence layer.
//
// The original underlying error can be accessed via errors.Unwrap.
type StorageError struct {
	Op    string
	cause error
}

// NewStorageError wraps cause as a storage failure during op.
func NewStorageError(op string, cause error) *StorageError {
	return &StorageError{Op: op, cause: cause}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.cause)
}

// Is reports whether target is ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func (e *StorageError) Unwrap() error { return e.cause }

// ReasonOf returns the short machine-readable reason used in ingestion reports.
func ReasonOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDimensionMismatch):
		return "DimensionMismatch"
	case errors.Is(err, ErrNonFiniteVector):
		return "NonFiniteVector"
	case errors.Is(err, ErrEmptyIdentifier):
		return "EmptyIdentifier"
	case errors.Is(err, ErrInvalidRecord):
		return "InvalidRecord"
	case errors.Is(err, ErrDuplicateInBatch):
		return "DuplicateInBatch"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrDuplicateRow):
		return "DuplicateRowPosition"
	case errors.Is(err, ErrStorage):
		return "StorageFailure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Aborted"
	default:
		return "Error"
	}
}
