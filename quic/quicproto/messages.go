package quicproto

import (
	"encoding/json"
	"fmt"
)

// MessageType tags the payload of a TransportMessage.
type MessageType string

const (
	TypeOpenStream    MessageType = "OPEN_STREAM"
	TypeStreamHandler MessageType = "STREAM_HANDLER"
	TypeError         MessageType = "ERROR"
)

// TransportMessage is the envelope carried by RPC requests and responses.
type TransportMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// OpenStream asks a worker to open a stream over the chunks of one partition
// file whose map index lies in [StartIndex, EndIndex).
type OpenStream struct {
	ShuffleKey string `json:"shuffle_key"`
	FileName   string `json:"file_name"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
}

// StreamHandle is the worker's answer to OpenStream.
type StreamHandle struct {
	StreamID  int64 `json:"stream_id"`
	NumChunks int   `json:"num_chunks"`
}

// ChunkFetchRequest names one chunk of an opened stream.
type ChunkFetchRequest struct {
	StreamID   int64 `json:"stream_id"`
	ChunkIndex int   `json:"chunk_index"`
}

// ErrorMessage carries a failure back to the client.
type ErrorMessage struct {
	Error string `json:"error"`
}

// NewMessage marshals payload into a TransportMessage of type t.
func NewMessage(t MessageType, payload any) (TransportMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return TransportMessage{}, err
	}
	return TransportMessage{Type: t, Payload: b}, nil
}

// Encode returns the wire form of m.
func (m TransportMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses the wire form of a TransportMessage.
func DecodeMessage(b []byte) (TransportMessage, error) {
	var m TransportMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return TransportMessage{}, fmt.Errorf("decode transport message: %w", err)
	}
	return m, nil
}

// EncodeOpenStream builds the RPC request bytes for an OpenStream.
func EncodeOpenStream(req OpenStream) ([]byte, error) {
	m, err := NewMessage(TypeOpenStream, req)
	if err != nil {
		return nil, err
	}
	return m.Encode()
}

// DecodeStreamHandle parses an RPC response expected to carry a StreamHandle.
// An ERROR response is returned as an error.
func DecodeStreamHandle(b []byte) (StreamHandle, error) {
	m, err := DecodeMessage(b)
	if err != nil {
		return StreamHandle{}, err
	}

	switch m.Type {
	case TypeStreamHandler:
		var h StreamHandle
		if err := json.Unmarshal(m.Payload, &h); err != nil {
			return StreamHandle{}, fmt.Errorf("decode stream handle: %w", err)
		}
		if h.NumChunks < 0 {
			return StreamHandle{}, fmt.Errorf("stream %d: negative chunk count %d", h.StreamID, h.NumChunks)
		}
		return h, nil
	case TypeError:
		var e ErrorMessage
		_ = json.Unmarshal(m.Payload, &e)
		return StreamHandle{}, fmt.Errorf("open stream rejected: %s", e.Error)
	default:
		return StreamHandle{}, fmt.Errorf("unexpected response type %q", m.Type)
	}
}
