package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := New(CategoryNetwork, "upload failed", cause)
	if got := err.Error(); got != "upload failed: dial tcp: timeout" {
		t.Errorf("Error() = %q", got)
	}

	bare := New(CategoryFormat, "not an image", nil)
	if got := bare.Error(); got != "not an image" {
		t.Errorf("Error() = %q", got)
	}
}

func TestUnwrap(t *testing.T) {
	sentinel := errors.New("bucket missing")
	err := New(CategoryStorage, "upload failed", sentinel)
	if !errors.Is(err, sentinel) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestCategoryOf(t *testing.T) {
	inner := New(CategoryStorage, "persist failed", errors.New("unique violation"))
	wrapped := fmt.Errorf("file a.jpg: %w", inner)

	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"direct", inner, CategoryStorage},
		{"wrapped", wrapped, CategoryStorage},
		{"plain error", errors.New("boom"), ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		if got := CategoryOf(tt.err); got != tt.want {
			t.Errorf("%s: CategoryOf = %q, want %q", tt.name, got, tt.want)
		}
	}
}
