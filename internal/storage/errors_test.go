package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection failure", WrapConnectionError("Ping", fmt.Errorf("refused")), true},
		{"timeout", fmt.Errorf("%w: deadline exceeded", ErrTimeout), true},
		{"query failure", WrapQueryError("SaveInvestigation", "investigations", fmt.Errorf("syntax")), false},
		{"invalid data", fmt.Errorf("%w: bad column", ErrInvalidData), false},
		{"writer closed", ErrWriterClosed, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStorageErrorMessage(t *testing.T) {
	withTable := WrapQueryError("SaveInvestigation", "investigations", errors.New("boom"))
	if got := withTable.Error(); got != "storage.SaveInvestigation(investigations): storage: query failed: boom" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(withTable, ErrQueryFailed) {
		t.Error("wrapped query error does not match ErrQueryFailed")
	}

	withoutTable := WrapConnectionError("Open", errors.New("refused"))
	if got := withoutTable.Error(); got != "storage.Open: storage: connection failed: refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(withoutTable, ErrConnectionFailed) {
		t.Error("wrapped connection error does not match ErrConnectionFailed")
	}
}
