package reader

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ReadError
		expected string
	}{
		{
			name:     "no chunk",
			err:      ErrReaderClosedError,
			expected: "ReaderClosed: partition reader is closed",
		},
		{
			name:     "chunk with cause",
			err:      ErrFetchChunkError.WithCause(9, 3, errors.New("reset")),
			expected: "FetchChunkError: fetch chunk failed (stream 9, chunk 3): reset",
		},
		{
			name:     "connection without chunk",
			err:      ErrConnectionError.WithCause(0, noChunk, errors.New("refused")),
			expected: "ConnectionError: could not create transport client: refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestReadError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := ErrFetchChunkError.WithCause(1, 2, cause)

	assert.ErrorIs(t, err, ErrFetchChunkError)
	assert.NotErrorIs(t, err, ErrConnectionError)
	assert.ErrorIs(t, err, cause)
	assert.False(t, err.Is(cause))

	// Base errors are left unchanged
	assert.Equal(t, noChunk, ErrFetchChunkError.ChunkIndex)
	assert.Nil(t, ErrFetchChunkError.Err)
}

func TestIsReadError(t *testing.T) {
	wrapped := fmt.Errorf("reading partition: %w", ErrOpenStreamError.WithCause(0, noChunk, context.DeadlineExceeded))

	re, ok := IsReadError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, CodeOpenStream, re.Code)

	re, ok = IsReadError(context.Canceled)
	assert.False(t, ok)
	assert.Nil(t, re)
}
