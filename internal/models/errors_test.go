package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	var err error = fmt.Errorf("insert: %w", &DimensionMismatchError{Expected: 4, Actual: 3})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Error("wrapped DimensionMismatchError should match ErrDimensionMismatch")
	}
	var dm *DimensionMismatchError
	if !errors.As(err, &dm) || dm.Expected != 4 || dm.Actual != 3 {
		t.Errorf("errors.As: got %+v", dm)
	}

	cause := errors.New("bad png")
	enc := NewEncodingError(ModalityImage, cause)
	if !errors.Is(enc, ErrEncoding) || !errors.Is(enc, cause) {
		t.Error("EncodingError should match ErrEncoding and its cause")
	}

	st := NewStorageError("put", errors.New("disk full"))
	if !errors.Is(st, ErrStorage) {
		t.Error("StorageError should match ErrStorage")
	}
}

func TestReasonOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&DimensionMismatchError{Expected: 4, Actual: 3}, "DimensionMismatch"},
		{ErrEmptyIdentifier, "EmptyIdentifier"},
		{fmt.Errorf("%w: x", ErrInvalidRecord), "InvalidRecord"},
		{ErrConflict, "Conflict"},
		{&DuplicateRowError{Row: 1}, "DuplicateRowPosition"},
		{NewStorageError("put", errors.New("io")), "StorageFailure"},
		{context.Canceled, "Aborted"},
		{errors.New("other"), "Error"},
	}
	for _, tt := range tests {
		if got := ReasonOf(tt.err); got != tt.want {
			t.Errorf("ReasonOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
