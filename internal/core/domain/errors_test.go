package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want FailureCategory
	}{
		{"unmarked", base, CategoryTransient},
		{"transient", Transient(base), CategoryTransient},
		{"permanent", Permanent(base), CategoryPermanent},
		{"configuration", ConfigurationError(base), CategoryConfiguration},
		{"consistency", ConsistencyError(base), CategoryConsistency},
		{"wrapped permanent", fmt.Errorf("fetch: %w", Permanent(base)), CategoryPermanent},
		{"deadline", context.DeadlineExceeded, CategoryTransient},
		{"cancelled", fmt.Errorf("call: %w", context.Canceled), CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifiedErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := Permanent(base)

	if !errors.Is(err, base) {
		t.Error("expected marked error to unwrap to its cause")
	}
	if err.Error() != "boom" {
		t.Errorf("expected message to be preserved, got %q", err.Error())
	}
	if Permanent(nil) != nil {
		t.Error("expected nil to stay nil")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}
