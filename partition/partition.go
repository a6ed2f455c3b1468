package partition

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// 256kb default chunk size
const DefaultChunkSize uint32 = 256 * 1024

// Fixed fragment header size: 8+8+4+4+4+4 = 32 bytes
const FragmentHeaderBytes = 32

// File header: magic(4) + version(2) + reserved(4) + chunk size(4)
const FileHeaderBytes = 14

const Version uint16 = 1

var Magic = [4]byte{'S', 'P', 'F', '1'}

type Flags uint32

const (
	FlagNone       Flags = 0
	FlagEndOfMap   Flags = 1 << 0 // last fragment written for this map index
	FlagCompressed Flags = 1 << 1 // reserved, payload is never compressed yet
)

var (
	ErrBadMagic         = errors.New("file not recognized as a partition file")
	ErrChecksumMismatch = errors.New("fragment checksum mismatch")
)

// FragmentHeader precedes every chunk payload on disk.
type FragmentHeader struct {
	MapIndex uint64
	Sequence uint64
	Fragment uint32
	Length   uint32
	Flags    Flags
	Checksum uint32
}

// ChunkMeta locates one chunk inside a partition file. Offset points at the
// fragment header.
type ChunkMeta struct {
	MapIndex int    `json:"map_index"`
	Offset   int64  `json:"offset"`
	Length   uint32 `json:"length"`
}

func (h FragmentHeader) marshal(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], h.MapIndex)
	binary.BigEndian.PutUint64(b[8:16], h.Sequence)
	binary.BigEndian.PutUint32(b[16:20], h.Fragment)
	binary.BigEndian.PutUint32(b[20:24], h.Length)
	binary.BigEndian.PutUint32(b[24:28], uint32(h.Flags))
	binary.BigEndian.PutUint32(b[28:32], h.Checksum)
}

func unmarshalFragmentHeader(b []byte) FragmentHeader {
	return FragmentHeader{
		MapIndex: binary.BigEndian.Uint64(b[0:8]),
		Sequence: binary.BigEndian.Uint64(b[8:16]),
		Fragment: binary.BigEndian.Uint32(b[16:20]),
		Length:   binary.BigEndian.Uint32(b[20:24]),
		Flags:    Flags(binary.BigEndian.Uint32(b[24:28])),
		Checksum: binary.BigEndian.Uint32(b[28:32]),
	}
}

// checksum is CRC32 over the header with the checksum field zeroed, then the payload.
func checksum(header []byte, payload []byte) uint32 {
	var zeroed [FragmentHeaderBytes]byte
	copy(zeroed[:], header)
	zeroed[28], zeroed[29], zeroed[30], zeroed[31] = 0, 0, 0, 0

	sum := crc32.ChecksumIEEE(zeroed[:])
	return crc32.Update(sum, crc32.IEEETable, payload)
}

func fileHeader(chunkSize uint32) []byte {
	header := make([]byte, FileHeaderBytes)
	copy(header[0:4], Magic[:])
	binary.BigEndian.PutUint16(header[4:6], Version)
	binary.BigEndian.PutUint32(header[10:14], chunkSize)
	return header
}

// Path returns where a partition file lives under a worker data dir.
func Path(dataDir, shuffleKey, fileName string) string {
	return filepath.Join(dataDir, shuffleKey, fileName)
}

// File is an open partition file.
type File struct {
	f         *os.File
	ChunkSize uint32
}

// Open opens and validates a partition file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	header := make([]byte, FileHeaderBytes)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return nil, fmt.Errorf("could not read partition header: %w", err)
	}
	if !bytes.Equal(header[:4], Magic[:]) {
		f.Close()
		return nil, ErrBadMagic
	}
	if v := binary.BigEndian.Uint16(header[4:6]); v != Version {
		f.Close()
		return nil, fmt.Errorf("unsupported partition file version %d", v)
	}

	return &File{f: f, ChunkSize: binary.BigEndian.Uint32(header[10:14])}, nil
}

func (pf *File) Close() error {
	return pf.f.Close()
}

// ReadChunk reads and validates the chunk described by meta into dst, which
// must hold at least meta.Length bytes. It returns the payload slice of dst.
func (pf *File) ReadChunk(meta ChunkMeta, dst []byte) ([]byte, error) {
	if uint32(len(dst)) < meta.Length {
		return nil, fmt.Errorf("destination too small: %d < %d", len(dst), meta.Length)
	}

	var hb [FragmentHeaderBytes]byte
	if _, err := pf.f.ReadAt(hb[:], meta.Offset); err != nil {
		return nil, fmt.Errorf("could not read fragment header at %d: %w", meta.Offset, err)
	}
	h := unmarshalFragmentHeader(hb[:])

	if h.Length != meta.Length {
		return nil, fmt.Errorf("fragment length mismatch at %d: index %d, file %d", meta.Offset, meta.Length, h.Length)
	}
	if h.Length > pf.ChunkSize {
		return nil, fmt.Errorf("chunk length %d exceeds max %d", h.Length, pf.ChunkSize)
	}

	payload := dst[:h.Length]
	if n, err := pf.f.ReadAt(payload, meta.Offset+FragmentHeaderBytes); err != nil && !(err == io.EOF && n == len(payload)) {
		return nil, fmt.Errorf("could not read chunk at %d: %w", meta.Offset, err)
	}

	if calculated := checksum(hb[:], payload); calculated != h.Checksum {
		return nil, fmt.Errorf("%w: fragment %d of map %d: expected %d, got %d",
			ErrChecksumMismatch, h.Fragment, h.MapIndex, h.Checksum, calculated)
	}

	return payload, nil
}

// Scan walks every fragment header in the file and rebuilds its chunk index.
// Payloads are not verified.
func (pf *File) Scan() ([]ChunkMeta, error) {
	var (
		index  []ChunkMeta
		hb     [FragmentHeaderBytes]byte
		offset int64 = FileHeaderBytes
	)

	for {
		n, err := pf.f.ReadAt(hb[:], offset)
		if err == io.EOF && n == 0 {
			return index, nil
		}
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, fmt.Errorf("could not read fragment header at %d: %w", offset, err)
		}

		h := unmarshalFragmentHeader(hb[:])
		if h.Length > pf.ChunkSize {
			return nil, fmt.Errorf("chunk length %d exceeds max %d at %d", h.Length, pf.ChunkSize, offset)
		}

		index = append(index, ChunkMeta{MapIndex: int(h.MapIndex), Offset: offset, Length: h.Length})
		offset += FragmentHeaderBytes + int64(h.Length)
	}
}

// SelectRange returns the chunks whose map index is in [start, end), in file order.
func SelectRange(index []ChunkMeta, start, end int) []ChunkMeta {
	selected := make([]ChunkMeta, 0, len(index))
	for _, c := range index {
		if c.MapIndex >= start && c.MapIndex < end {
			selected = append(selected, c)
		}
	}
	return selected
}
