// Package quicserver is the shuffle worker: it serves the chunks of the
// partition files under its data directory over QUIC.
package quicserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mulgadc/shufflefetch/buffer"
	"github.com/mulgadc/shufflefetch/config"
	"github.com/mulgadc/shufflefetch/metadb"
	"github.com/mulgadc/shufflefetch/metrics"
	"github.com/mulgadc/shufflefetch/partition"
	"github.com/mulgadc/shufflefetch/quic/quicproto"
	"github.com/prometheus/client_golang/prometheus"
	quic "github.com/quic-go/quic-go"
)

const (
	alpn             = "shufflefetch-v1"
	maxKeyLen uint32 = 64 * 1024

	version = "v1"
)

var errBadName = errors.New("invalid shuffle key or file name")

// Server serves partition streams to PartitionReaders.
type Server struct {
	Addr        string
	DataDir     string
	ChunkSize   uint32
	IdleTimeout time.Duration

	id      string
	db      *metadb.MetaDB
	metrics *metrics.Worker
	alloc   *buffer.Allocator
	streams *streamRegistry
	started time.Time

	mu       sync.Mutex
	listener *quic.Listener
	done     chan struct{}
}

// New returns a worker serving cfg.DataDir. A nil m registers worker metrics
// with a private registry.
func New(cfg config.WorkerConfig, db *metadb.MetaDB, m *metrics.Worker) *Server {
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = partition.DefaultChunkSize
	}
	if m == nil {
		m = metrics.NewWorker(prometheus.NewRegistry())
	}

	qs := &Server{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.FetchPort)),
		DataDir:     cfg.DataDir,
		ChunkSize:   chunkSize,
		IdleTimeout: cfg.StreamIdleTimeout,
		id:          uuid.NewString(),
		db:          db,
		metrics:     m,
		alloc:       buffer.NewAllocator(int(chunkSize)),
		started:     time.Now(),
		done:        make(chan struct{}),
	}
	qs.streams = newStreamRegistry(func() { qs.metrics.ActiveStreams.Dec() })
	return qs
}

// ID returns the instance id reported by STATUS.
func (qs *Server) ID() string {
	return qs.id
}

// Listen binds the QUIC listener. ListenAddr is valid afterwards.
func (qs *Server) Listen() error {
	tlsConf, err := makeServerTLSConfig()
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	tlsConf.NextProtos = []string{alpn}

	l, err := quic.ListenAddr(qs.Addr, tlsConf, &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	qs.mu.Lock()
	qs.listener = l
	qs.mu.Unlock()

	slog.Info("QUIC shuffle worker listening", "addr", l.Addr().String(), "alpn", alpn, "id", qs.id)
	return nil
}

// ListenAddr returns the bound address, or nil before Listen.
func (qs *Server) ListenAddr() net.Addr {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.listener == nil {
		return nil
	}
	return qs.listener.Addr()
}

// ListenAndServe binds and serves until ctx is done or Close is called.
func (qs *Server) ListenAndServe(ctx context.Context) error {
	if err := qs.Listen(); err != nil {
		return err
	}
	return qs.Serve(ctx)
}

// Serve accepts connections on the bound listener.
func (qs *Server) Serve(ctx context.Context) error {
	qs.mu.Lock()
	l := qs.listener
	qs.mu.Unlock()
	if l == nil {
		return errors.New("quicserver: Serve called before Listen")
	}

	go qs.expireLoop(ctx)

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			select {
			case <-qs.done:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("accept conn", "error", err)
			continue
		}
		go qs.serveConn(ctx, conn)
	}
}

// Close stops accepting connections and drops every registered stream.
func (qs *Server) Close() error {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	select {
	case <-qs.done:
		return nil
	default:
		close(qs.done)
	}

	qs.streams.closeAll()
	if qs.listener != nil {
		return qs.listener.Close()
	}
	return nil
}

// Streams returns the registered streams ordered by id.
func (qs *Server) Streams() []StreamInfo {
	return qs.streams.snapshot()
}

func (qs *Server) expireLoop(ctx context.Context) {
	if qs.IdleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(max(qs.IdleTimeout/4, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-qs.done:
			return
		case <-ticker.C:
			if n := qs.streams.expire(qs.IdleTimeout); n > 0 {
				slog.Info("Expired idle streams", "count", n)
			}
		}
	}
}

func (qs *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	defer conn.CloseWithError(0, "bye")
	slog.Debug("conn accepted", "remote", conn.RemoteAddr().String())

	for {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			slog.Debug("accept stream", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
		go qs.handleStream(s)
	}
}

func (qs *Server) handleStream(s *quic.Stream) {
	defer s.Close()

	br := bufio.NewReaderSize(s, 16*1024)
	bw := bufio.NewWriterSize(s, 128*1024)
	defer bw.Flush()

	reqHdr, err := quicproto.ReadHeader(br)
	if err != nil {
		return
	}

	requestBytes, err := quicproto.ReadExactBytes(br, reqHdr.KeyLen, maxKeyLen)
	if err != nil {
		qs.writeErr(bw, reqHdr, quicproto.StatusBadRequest, "bad key")
		return
	}
	// The request is complete; free the stream slot without waiting for FIN.
	s.CancelRead(0)

	switch reqHdr.Method {
	case quicproto.MethodSTATUS:
		qs.handleSTATUS(bw, reqHdr)
	case quicproto.MethodRPC:
		qs.handleRPC(bw, reqHdr, requestBytes)
	case quicproto.MethodFETCHCHUNK:
		var req quicproto.ChunkFetchRequest
		if err := json.Unmarshal(requestBytes, &req); err != nil {
			qs.writeErr(bw, reqHdr, quicproto.StatusBadRequest, "bad chunk fetch request")
			return
		}
		qs.handleFetchChunk(bw, reqHdr, req)
	default:
		qs.writeErr(bw, reqHdr, quicproto.StatusBadRequest, "unknown method")
	}
}

func (qs *Server) handleSTATUS(bw *bufio.Writer, req quicproto.Header) {
	resp := map[string]any{
		"ok":         true,
		"id":         qs.id,
		"ts_unix_ms": time.Now().UnixMilli(),
		"node":       hostname(),
		"version":    version,
		"streams":    qs.streams.len(),
		"uptime_s":   int64(time.Since(qs.started).Seconds()),
	}
	b, _ := json.Marshal(resp)
	qs.writeMeta(bw, req, b)
}

func (qs *Server) handleRPC(bw *bufio.Writer, req quicproto.Header, body []byte) {
	msg, err := quicproto.DecodeMessage(body)
	if err != nil {
		qs.writeErr(bw, req, quicproto.StatusBadRequest, "bad rpc message")
		return
	}

	switch msg.Type {
	case quicproto.TypeOpenStream:
		var open quicproto.OpenStream
		if err := json.Unmarshal(msg.Payload, &open); err != nil {
			qs.writeErr(bw, req, quicproto.StatusBadRequest, "bad open stream request")
			return
		}
		qs.handleOpenStream(bw, req, open)
	default:
		qs.writeErr(bw, req, quicproto.StatusBadRequest, fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

func (qs *Server) handleOpenStream(bw *bufio.Writer, req quicproto.Header, open quicproto.OpenStream) {
	handle, err := qs.openStream(open)
	if err != nil {
		status := quicproto.StatusServerError
		switch {
		case errors.Is(err, errBadName):
			status = quicproto.StatusBadRequest
		case errors.Is(err, fs.ErrNotExist):
			status = quicproto.StatusNotFound
		}
		slog.Error("handleOpenStream", "shuffleKey", open.ShuffleKey, "fileName", open.FileName, "error", err)
		qs.writeErr(bw, req, status, err.Error())
		return
	}

	msg, err := quicproto.NewMessage(quicproto.TypeStreamHandler, handle)
	if err != nil {
		qs.writeErr(bw, req, quicproto.StatusServerError, "marshal stream handle failed")
		return
	}
	b, err := msg.Encode()
	if err != nil {
		qs.writeErr(bw, req, quicproto.StatusServerError, "marshal stream handle failed")
		return
	}
	qs.writeMeta(bw, req, b)
}

// openStream resolves the chunk index of the requested file, preferring the
// one stored at commit time, and registers a stream over the selected range.
func (qs *Server) openStream(open quicproto.OpenStream) (quicproto.StreamHandle, error) {
	if !validName(open.ShuffleKey) || !validName(open.FileName) {
		return quicproto.StreamHandle{}, errBadName
	}

	path := partition.Path(qs.DataDir, open.ShuffleKey, open.FileName)
	file, err := partition.Open(path)
	if err != nil {
		return quicproto.StreamHandle{}, err
	}

	index, err := qs.db.GetIndex(open.ShuffleKey, open.FileName)
	if errors.Is(err, metadb.ErrIndexNotFound) {
		slog.Info("No stored index, scanning partition file", "path", path)
		index, err = file.Scan()
		if err == nil {
			if putErr := qs.db.PutIndex(open.ShuffleKey, open.FileName, index); putErr != nil {
				slog.Warn("Could not store scanned index", "path", path, "error", putErr)
			}
		}
	}
	if err != nil {
		file.Close()
		return quicproto.StreamHandle{}, err
	}

	chunks := partition.SelectRange(index, open.StartIndex, open.EndIndex)
	qs.metrics.StreamsOpened.Inc()

	if len(chunks) == 0 {
		file.Close()
		return quicproto.StreamHandle{StreamID: qs.streams.nextID.Add(1)}, nil
	}

	st := qs.streams.register(open.ShuffleKey, open.FileName, file, chunks)
	qs.metrics.ActiveStreams.Inc()
	return quicproto.StreamHandle{StreamID: st.id, NumChunks: len(chunks)}, nil
}

func (qs *Server) handleFetchChunk(bw *bufio.Writer, req quicproto.Header, fetch quicproto.ChunkFetchRequest) {
	st, meta, release, err := qs.streams.acquire(fetch.StreamID, fetch.ChunkIndex)
	if err != nil {
		status := quicproto.StatusBadRequest
		if errors.Is(err, ErrUnknownStream) {
			status = quicproto.StatusNotFound
		}
		qs.writeErr(bw, req, status, err.Error())
		return
	}
	defer release()

	buf := qs.alloc.Get(int(meta.Length))
	defer buf.Release()

	payload, err := st.file.ReadChunk(meta, buf.Bytes())
	if err != nil {
		slog.Error("handleFetchChunk", "streamId", fetch.StreamID, "chunkIndex", fetch.ChunkIndex, "error", err)
		qs.writeErr(bw, req, quicproto.StatusServerError, err.Error())
		return
	}

	rh := quicproto.Header{
		Version: quicproto.Version1,
		Method:  req.Method,
		Status:  quicproto.StatusOK,
		ReqID:   req.ReqID,
		BodyLen: uint64(len(payload)),
	}
	if err := quicproto.WriteHeader(bw, rh); err != nil {
		slog.Error("handleFetchChunk: write header failed", "error", err)
		return
	}
	if _, err := bw.Write(payload); err != nil {
		// Reader side likely closed early.
		slog.Warn("handleFetchChunk: write chunk failed", "streamId", fetch.StreamID, "chunkIndex", fetch.ChunkIndex, "error", err)
		return
	}
	if err := bw.Flush(); err != nil {
		slog.Warn("handleFetchChunk: flush failed", "error", err)
		return
	}

	qs.metrics.BytesServed.Add(float64(len(payload)))
	qs.metrics.ChunksServed.Inc()
	qs.streams.markServed(st, fetch.ChunkIndex)
}

func (qs *Server) writeMeta(bw *bufio.Writer, req quicproto.Header, meta []byte) {
	rh := quicproto.Header{
		Version: quicproto.Version1,
		Method:  req.Method,
		Status:  quicproto.StatusOK,
		ReqID:   req.ReqID,
		MetaLen: uint32(len(meta)),
	}
	_ = quicproto.WriteHeader(bw, rh)
	_, _ = bw.Write(meta)
	_ = bw.Flush()
}

func (qs *Server) writeErr(bw *bufio.Writer, req quicproto.Header, code uint16, msg string) {
	qs.metrics.RequestErrors.WithLabelValues(methodName(req.Method)).Inc()
	meta, _ := json.Marshal(quicproto.ErrorMessage{Error: msg})
	rh := quicproto.Header{
		Version: quicproto.Version1,
		Method:  req.Method,
		Status:  code,
		ReqID:   req.ReqID,
		MetaLen: uint32(len(meta)),
	}
	_ = quicproto.WriteHeader(bw, rh)
	_, _ = bw.Write(meta)
	_ = bw.Flush()
}

func methodName(m uint8) string {
	switch m {
	case quicproto.MethodRPC:
		return "rpc"
	case quicproto.MethodFETCHCHUNK:
		return "fetch_chunk"
	case quicproto.MethodSTATUS:
		return "status"
	}
	return "unknown"
}

// validName accepts a single path element.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

func hostname() string {
	h, _ := os.Hostname()
	return h
}

func makeServerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,

		DNSNames: []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
