package reader

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a ReadError
type ErrorCode string

const (
	CodeConnection   ErrorCode = "ConnectionError"
	CodeOpenStream   ErrorCode = "OpenStreamError"
	CodeFetchChunk   ErrorCode = "FetchChunkError"
	CodeReaderClosed ErrorCode = "ReaderClosed"
)

// noChunk marks errors not tied to a chunk index.
const noChunk = -1

// ReadError is returned by NewPartitionReader and PartitionReader.Next.
// Cancellation is never wrapped in a ReadError.
type ReadError struct {
	Code       ErrorCode
	Message    string
	StreamID   int64
	ChunkIndex int
	Err        error
}

// Error implements the error interface
func (e *ReadError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ChunkIndex != noChunk {
		msg += fmt.Sprintf(" (stream %d, chunk %d)", e.StreamID, e.ChunkIndex)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches on the error code, so errors.Is(err, ErrFetchChunkError) holds
// for any fetch failure.
func (e *ReadError) Is(target error) bool {
	t, ok := target.(*ReadError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Predefined errors for errors.Is comparisons
var (
	ErrConnectionError = &ReadError{
		Code:       CodeConnection,
		Message:    "could not create transport client",
		ChunkIndex: noChunk,
	}

	ErrOpenStreamError = &ReadError{
		Code:       CodeOpenStream,
		Message:    "open stream failed",
		ChunkIndex: noChunk,
	}

	ErrFetchChunkError = &ReadError{
		Code:       CodeFetchChunk,
		Message:    "fetch chunk failed",
		ChunkIndex: noChunk,
	}

	ErrReaderClosedError = &ReadError{
		Code:       CodeReaderClosed,
		Message:    "partition reader is closed",
		ChunkIndex: noChunk,
	}
)

// errInjectedFailure is the cause recorded by test failure injection.
var errInjectedFailure = errors.New("test fetch chunk failure")

// WithCause returns a copy of e describing chunkIndex of streamID and wrapping err.
func (e *ReadError) WithCause(streamID int64, chunkIndex int, err error) *ReadError {
	return &ReadError{
		Code:       e.Code,
		Message:    e.Message,
		StreamID:   streamID,
		ChunkIndex: chunkIndex,
		Err:        err,
	}
}

// IsReadError checks if an error is a ReadError and returns it
func IsReadError(err error) (*ReadError, bool) {
	var re *ReadError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
