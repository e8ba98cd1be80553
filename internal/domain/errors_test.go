package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"bare sentinel", ErrAlreadyRecording, "already_recording"},
		{"wrapped", fmt.Errorf("stream camA: %w", ErrStreamNotRecording), "stream_not_recording"},
		{"double wrapped", fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", ErrFileNotFound)), "file_not_found"},
		{"invalid name", fmt.Errorf("start: %w", ErrInvalidName), "invalid_name"},
		{"shutting down", fmt.Errorf("start camA: %w", ErrShuttingDown), "shutting_down"},
		{"unknown", errors.New("boom"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestToMB(t *testing.T) {
	assert.Equal(t, int64(0), ToMB(0))
	assert.Equal(t, int64(0), ToMB(bytesPerMB/2-1))
	assert.Equal(t, int64(1), ToMB(bytesPerMB/2))
	assert.Equal(t, int64(6), ToMB(6*bytesPerMB))
	assert.Equal(t, FromMB(500), int64(500*bytesPerMB))
}
