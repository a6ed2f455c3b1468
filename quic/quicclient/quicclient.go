package quicclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mulgadc/shufflefetch/buffer"
	"github.com/mulgadc/shufflefetch/quic/quicproto"
	"github.com/mulgadc/shufflefetch/transport"
	"github.com/quic-go/quic-go"
)

const (
	alpn = "shufflefetch-v1"

	maxMetaLen  uint32 = 64 * 1024
	maxChunkLen uint64 = 64 * 1024 * 1024
)

// Client is one QUIC connection to a worker. Every request runs on its own
// QUIC stream, so a Client is safe for concurrent use.
type Client struct {
	conn  *quic.Conn
	reqID uint64
	alloc *buffer.Allocator
}

var _ transport.Client = (*Client)(nil)

func Dial(ctx context.Context, addr string) (*Client, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // demo only. Use mTLS with your CA in prod.
		NextProtos:         []string{alpn},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		HandshakeIdleTimeout: 5 * time.Second,
		KeepAlivePeriod:      15 * time.Second,
		MaxIdleTimeout:       60 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "bye")
}

func (c *Client) alive() bool {
	return c.conn != nil && c.conn.Context().Err() == nil
}

func (c *Client) nextID() uint64 {
	return atomic.AddUint64(&c.reqID, 1)
}

// SendRPCSync sends request as an RPC and returns the response message bytes.
func (c *Client) SendRPCSync(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rh, br, s, err := c.do(ctx, quicproto.MethodRPC, request)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	meta, err := quicproto.ReadExactBytes(br, rh.MetaLen, maxMetaLen)
	if err != nil {
		return nil, fmt.Errorf("read rpc response: %w", err)
	}

	if rh.Status != quicproto.StatusOK {
		return nil, statusError("rpc", rh.Status, meta)
	}
	return meta, nil
}

// FetchChunk requests one chunk on a new goroutine and reports the outcome to
// cb. The buffer handed to OnSuccess is released when OnSuccess returns.
func (c *Client) FetchChunk(streamID int64, chunkIndex int, timeout time.Duration, cb transport.ChunkReceivedCallback) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		buf, err := c.fetchChunk(ctx, streamID, chunkIndex)
		if err != nil {
			cb.OnFailure(chunkIndex, err)
			return
		}

		cb.OnSuccess(chunkIndex, buf)
		buf.Release()
	}()
}

func (c *Client) fetchChunk(ctx context.Context, streamID int64, chunkIndex int) (*buffer.ChunkBuffer, error) {
	req, err := json.Marshal(quicproto.ChunkFetchRequest{StreamID: streamID, ChunkIndex: chunkIndex})
	if err != nil {
		return nil, err
	}

	rh, br, s, err := c.do(ctx, quicproto.MethodFETCHCHUNK, req)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	meta, err := quicproto.ReadExactBytes(br, rh.MetaLen, maxMetaLen)
	if err != nil {
		return nil, err
	}
	if rh.Status != quicproto.StatusOK {
		return nil, statusError("fetch chunk", rh.Status, meta)
	}
	if rh.BodyLen > maxChunkLen {
		s.CancelRead(0)
		return nil, fmt.Errorf("chunk %d of stream %d too large: %d bytes", chunkIndex, streamID, rh.BodyLen)
	}

	var buf *buffer.ChunkBuffer
	if c.alloc != nil {
		buf = c.alloc.Get(int(rh.BodyLen))
	} else {
		buf = buffer.Wrap(make([]byte, rh.BodyLen))
	}

	if _, err := io.ReadFull(br, buf.Bytes()); err != nil {
		buf.Release()
		return nil, fmt.Errorf("read chunk %d of stream %d: %w", chunkIndex, streamID, err)
	}
	return buf, nil
}

// Status returns the worker's status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	rh, br, s, err := c.do(ctx, quicproto.MethodSTATUS, nil)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	meta, err := quicproto.ReadExactBytes(br, rh.MetaLen, maxMetaLen)
	if err != nil {
		return nil, err
	}
	if rh.Status != quicproto.StatusOK {
		return nil, statusError("status", rh.Status, meta)
	}

	var out map[string]any
	if err := json.Unmarshal(meta, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do performs one request on a new stream.
// request: header + key
// response: header + meta + optional body, left unread in the returned reader
func (c *Client) do(ctx context.Context, method uint8, key []byte) (quicproto.Header, *bufio.Reader, *streamCloser, error) {
	if err := ctx.Err(); err != nil {
		return quicproto.Header{}, nil, nil, err
	}
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return quicproto.Header{}, nil, nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		s.CancelRead(0)
		s.CancelWrite(0)
	})

	fail := func(err error) (quicproto.Header, *bufio.Reader, *streamCloser, error) {
		stop()
		s.CancelRead(0)
		_ = s.Close()
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return quicproto.Header{}, nil, nil, err
	}

	bw := bufio.NewWriterSize(s, 4*1024)
	h := quicproto.Header{
		Version: quicproto.Version1,
		Method:  method,
		ReqID:   c.nextID(),
		KeyLen:  uint32(len(key)),
	}

	if err := quicproto.WriteHeader(bw, h); err != nil {
		slog.Error("write header", "error", err)
		return fail(err)
	}
	if _, err := bw.Write(key); err != nil {
		return fail(err)
	}
	// Flush before half-closing, otherwise the worker never sees a full header.
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	// Close the write direction; the response is still readable.
	if err := s.Close(); err != nil {
		return fail(err)
	}

	br := bufio.NewReaderSize(s, 128*1024)
	respHdr, err := quicproto.ReadHeader(br)
	if err != nil {
		return fail(err)
	}
	if respHdr.ReqID != h.ReqID {
		return fail(fmt.Errorf("response id %d does not match request %d", respHdr.ReqID, h.ReqID))
	}

	// The caller reads the rest; cancellation still aborts the read.
	return respHdr, br, &streamCloser{Stream: s, stop: stop}, nil
}

// streamCloser stops watching the request context once the caller is done
// with the response.
type streamCloser struct {
	*quic.Stream
	stop func() bool
}

func (s *streamCloser) Close() error {
	s.stop()
	s.CancelRead(0)
	return s.Stream.Close()
}

func statusError(op string, status uint16, meta []byte) error {
	var e quicproto.ErrorMessage
	if err := json.Unmarshal(meta, &e); err == nil && e.Error != "" {
		return fmt.Errorf("%s: %d %s", op, status, e.Error)
	}
	return fmt.Errorf("%s: %d %s", op, status, string(meta))
}
