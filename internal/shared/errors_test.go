package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteConflictError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "busy", err: errors.New("sqlite: step: SQLITE_BUSY"), want: true},
		{name: "locked", err: fmt.Errorf("upsert session: %w", errors.New("database is locked")), want: true},
		{name: "other", err: errors.New("no such table: sessions"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSQLiteConflictError(tt.err); got != tt.want {
				t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("accept mentor for %s: %w", "42", ErrStaleRequest)
	if !errors.Is(err, ErrStaleRequest) {
		t.Fatalf("expected wrapped error to match ErrStaleRequest, got %v", err)
	}
	if errors.Is(err, ErrPermission) {
		t.Fatalf("stale request must not match ErrPermission")
	}
}
