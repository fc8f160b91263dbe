package pogoerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "bare kind and message",
			err:      New(Timeout, "host did not respond"),
			expected: "Timeout: host did not respond",
		},
		{
			name:     "with jobid",
			err:      New(WorkerLost, "session dropped").WithJob("p0000000001"),
			expected: "WorkerLost: session dropped (job=p0000000001)",
		},
		{
			name:     "with jobid and hostname",
			err:      New(Timeout, "exceeded").WithJob("p0000000001").WithHost("foo1.example.com"),
			expected: "Timeout: exceeded (job=p0000000001 host=foo1.example.com)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("wrapping: %w", New(CASConflict, "stale version"))
	assert.Equal(t, CASConflict, KindOf(wrapped))
	assert.Equal(t, Internal, KindOf(fmt.Errorf("plain error")))
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(CoordinationStoreUnavailable, "dial failed", cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.Equal(t, CoordinationStoreUnavailable, err.Kind)
}
