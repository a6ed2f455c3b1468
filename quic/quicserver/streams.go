package quicserver

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mulgadc/shufflefetch/partition"
)

var (
	ErrUnknownStream = errors.New("unknown stream")
	ErrChunkIndex    = errors.New("chunk index out of range")
)

// stream is one opened range of a partition file.
type stream struct {
	id         int64
	shuffleKey string
	fileName   string
	file       *partition.File
	chunks     []partition.ChunkMeta

	mu       sync.Mutex
	served   []bool
	numSent  int
	lastUsed time.Time
	refs     int
	closing  bool
}

// StreamInfo is a snapshot of a registered stream.
type StreamInfo struct {
	ID         int64     `json:"id"`
	ShuffleKey string    `json:"shuffle_key"`
	FileName   string    `json:"file_name"`
	NumChunks  int       `json:"num_chunks"`
	Served     int       `json:"served"`
	LastUsed   time.Time `json:"last_used"`
}

type streamRegistry struct {
	mu      sync.RWMutex
	nextID  atomic.Int64
	streams map[int64]*stream
	onClose func()
}

func newStreamRegistry(onClose func()) *streamRegistry {
	return &streamRegistry{
		streams: make(map[int64]*stream),
		onClose: onClose,
	}
}

// register takes ownership of file.
func (r *streamRegistry) register(shuffleKey, fileName string, file *partition.File, chunks []partition.ChunkMeta) *stream {
	s := &stream{
		id:         r.nextID.Add(1),
		shuffleKey: shuffleKey,
		fileName:   fileName,
		file:       file,
		chunks:     chunks,
		served:     make([]bool, len(chunks)),
		lastUsed:   time.Now(),
	}

	r.mu.Lock()
	r.streams[s.id] = s
	r.mu.Unlock()

	slog.Debug("Registered stream", "streamId", s.id, "shuffleKey", shuffleKey, "fileName", fileName, "numChunks", len(chunks))
	return s
}

// acquire returns the chunk with index idx and pins the stream until the
// returned release func is called.
func (r *streamRegistry) acquire(id int64, idx int) (*stream, partition.ChunkMeta, func(), error) {
	r.mu.RLock()
	s, ok := r.streams[id]
	r.mu.RUnlock()
	if !ok {
		return nil, partition.ChunkMeta{}, nil, ErrUnknownStream
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return nil, partition.ChunkMeta{}, nil, ErrUnknownStream
	}
	if idx < 0 || idx >= len(s.chunks) {
		return nil, partition.ChunkMeta{}, nil, ErrChunkIndex
	}

	s.refs++
	s.lastUsed = time.Now()
	return s, s.chunks[idx], func() { r.release(s) }, nil
}

func (r *streamRegistry) release(s *stream) {
	s.mu.Lock()
	s.refs--
	closeNow := s.closing && s.refs == 0
	s.mu.Unlock()

	if closeNow {
		s.file.Close()
	}
}

// markServed records that chunk idx reached the client. The stream is removed
// once every chunk has been served.
func (r *streamRegistry) markServed(s *stream, idx int) {
	s.mu.Lock()
	if !s.served[idx] {
		s.served[idx] = true
		s.numSent++
	}
	done := s.numSent == len(s.chunks)
	s.mu.Unlock()

	if done {
		r.remove(s.id)
	}
}

func (r *streamRegistry) remove(id int64) bool {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.closing = true
	closeNow := s.refs == 0
	s.mu.Unlock()

	if closeNow {
		s.file.Close()
	}
	if r.onClose != nil {
		r.onClose()
	}
	slog.Debug("Removed stream", "streamId", id)
	return true
}

// expire removes streams unused for longer than idle.
func (r *streamRegistry) expire(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	var stale []int64
	r.mu.RLock()
	for id, s := range r.streams {
		s.mu.Lock()
		if s.refs == 0 && s.lastUsed.Before(cutoff) {
			stale = append(stale, id)
		}
		s.mu.Unlock()
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		if r.remove(id) {
			removed++
		}
	}
	return removed
}

func (r *streamRegistry) closeAll() {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.remove(id)
	}
}

func (r *streamRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

func (r *streamRegistry) snapshot() []StreamInfo {
	r.mu.RLock()
	out := make([]StreamInfo, 0, len(r.streams))
	for _, s := range r.streams {
		s.mu.Lock()
		out = append(out, StreamInfo{
			ID:         s.id,
			ShuffleKey: s.shuffleKey,
			FileName:   s.fileName,
			NumChunks:  len(s.chunks),
			Served:     s.numSent,
			LastUsed:   s.lastUsed,
		})
		s.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
