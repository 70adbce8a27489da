package models

import (
	"errors"
	"math"
	"testing"
)

func TestSearchQuery_Validate(t *testing.T) {
	neg := -0.5
	ok := 0.3
	tests := []struct {
		name    string
		query   *SearchQuery
		wantK   int
		wantErr bool
	}{
		{"defaults k", &SearchQuery{}, 5, false},
		{"caps k at max", &SearchQuery{K: 200}, 50, false},
		{"negative k", &SearchQuery{K: -1}, 0, true},
		{"threshold in range", &SearchQuery{K: 3, Threshold: &ok}, 3, false},
		{"threshold out of range", &SearchQuery{K: 3, Threshold: &neg}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate(5, 50)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.query.K != tt.wantK {
				t.Errorf("K = %d, want %d", tt.query.K, tt.wantK)
			}
		})
	}
}

func TestSearchQuery_ValidateNegativeK(t *testing.T) {
	q := &SearchQuery{K: -3}
	if err := q.Validate(5, 50); !errors.Is(err, ErrInvalidK) {
		t.Errorf("expected ErrInvalidK, got %v", err)
	}
}

func TestSearchQuery_ValidateNonFinite(t *testing.T) {
	for _, v := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
		q := &SearchQuery{Vector: []float32{1, v}, K: 1}
		err := q.Validate(5, 50)
		if !errors.Is(err, ErrNonFiniteVector) {
			t.Errorf("Validate(%v) err = %v, want ErrNonFiniteVector", q.Vector, err)
		}
		if got := ReasonOf(err); got != "NonFiniteVector" {
			t.Errorf("ReasonOf = %q", got)
		}
	}
	if err := CheckFinite([]float32{0, -1, 3.5}); err != nil {
		t.Errorf("CheckFinite(finite) = %v", err)
	}
}

func TestParseModality(t *testing.T) {
	for _, s := range []string{"", "text", "image"} {
		if _, err := ParseModality(s); err != nil {
			t.Errorf("ParseModality(%q): %v", s, err)
		}
	}
	if _, err := ParseModality("audio"); err == nil {
		t.Error("expected error for audio")
	}
}
