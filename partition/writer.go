package partition

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Writer appends map outputs to a new partition file, splitting each into
// chunks of at most ChunkSize bytes. A Writer is safe for concurrent use but
// map outputs are written one at a time.
type Writer struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	chunkSize uint32
	offset    int64
	sequence  uint64
	index     []ChunkMeta
	committed bool
}

// Create creates the partition file at path, replacing any previous file.
func Create(path string, chunkSize uint32) (*Writer, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}

	if _, err := f.Write(fileHeader(chunkSize)); err != nil {
		f.Close()
		slog.Error("Could not write partition header", "path", path, "error", err)
		return nil, err
	}

	return &Writer{
		f:         f,
		path:      path,
		chunkSize: chunkSize,
		offset:    FileHeaderBytes,
	}, nil
}

// Write appends size bytes read from r as the output of mapIndex. It returns
// the number of payload bytes written.
func (w *Writer) Write(mapIndex int, r io.Reader, size int) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.committed {
		return 0, errors.New("partition writer already committed")
	}

	payload := make([]byte, FragmentHeaderBytes+int(w.chunkSize))
	var fragment uint32

	remaining := size
	for remaining > 0 {
		length := min(remaining, int(w.chunkSize))

		chunk := payload[FragmentHeaderBytes : FragmentHeaderBytes+length]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return n, fmt.Errorf("read map %d output: %w", mapIndex, err)
		}

		h := FragmentHeader{
			MapIndex: uint64(mapIndex),
			Sequence: w.sequence,
			Fragment: fragment,
			Length:   uint32(length),
		}
		if remaining == length {
			h.Flags |= FlagEndOfMap
		}
		h.marshal(payload[:FragmentHeaderBytes])
		h.Checksum = checksum(payload[:FragmentHeaderBytes], chunk)
		h.marshal(payload[:FragmentHeaderBytes])

		if _, err := w.f.Write(payload[:FragmentHeaderBytes+length]); err != nil {
			slog.Error("Partition write failed", "path", w.path, "error", err)
			return n, err
		}

		w.index = append(w.index, ChunkMeta{MapIndex: mapIndex, Offset: w.offset, Length: uint32(length)})
		w.offset += int64(FragmentHeaderBytes + length)
		w.sequence++
		fragment++

		n += length
		remaining -= length
	}

	return n, nil
}

// Commit flushes the file to stable storage and returns its chunk index.
func (w *Writer) Commit() ([]ChunkMeta, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.committed {
		if err := w.f.Sync(); err != nil {
			return nil, err
		}
		w.committed = true
	}

	index := make([]ChunkMeta, len(w.index))
	copy(index, w.index)
	return index, nil
}

func (w *Writer) Close() error {
	return w.f.Close()
}
