package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRevisionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "revision conflict error",
			err:  ErrOrderRevisionConflict,
			want: true,
		},
		{
			name: "wrapped revision conflict error",
			err:  errors.Join(ErrOrderRevisionConflict, errors.New("additional context")),
			want: true,
		},
		{
			name: "other error",
			err:  ErrOrderNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsRevisionConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsRevisionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "in flight", err: ErrSyncInFlight, want: true},
		{name: "pending changes", err: ErrPendingChanges, want: true},
		{name: "wrapped permission", err: fmt.Errorf("order o-1: %w", ErrActionNotPermitted), want: true},
		{name: "meter readings", err: ErrMeterReadingsReversed, want: true},
		{name: "remote conflict", err: ErrRemoteConflict, want: false},
		{name: "remote unavailable", err: ErrRemoteUnavailable, want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRejection(tt.err); got != tt.want {
				t.Errorf("IsRejection(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
