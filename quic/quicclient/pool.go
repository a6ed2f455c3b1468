package quicclient

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mulgadc/shufflefetch/buffer"
	"github.com/mulgadc/shufflefetch/transport"
	"github.com/quic-go/quic-go"
)

const (
	defaultMaxIdle         = 2 * time.Minute
	defaultCleanupInterval = 30 * time.Second
)

// Pool keeps one QUIC connection per worker address and hands out the
// matching Client. Readers that share a worker share its connection.
type Pool struct {
	mu       sync.RWMutex
	conns    map[string]*workerConn
	tlsConf  *tls.Config
	quicConf *quic.Config
	alloc    *buffer.Allocator

	maxIdle   time.Duration
	stop      chan struct{}
	closeOnce sync.Once
}

type workerConn struct {
	client   *Client
	lastUsed time.Time
	useCount int64
	mu       sync.Mutex
}

var _ transport.ClientFactory = (*Pool)(nil)

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithAllocator makes fetched chunks come from alloc.
func WithAllocator(alloc *buffer.Allocator) PoolOption {
	return func(p *Pool) { p.alloc = alloc }
}

// WithMaxIdle sets how long an unused connection is kept.
func WithMaxIdle(d time.Duration) PoolOption {
	return func(p *Pool) { p.maxIdle = d }
}

// NewPool creates a new connection pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		conns:   make(map[string]*workerConn),
		tlsConf: &tls.Config{
			InsecureSkipVerify: true, // demo only. Use mTLS with your CA in prod.
			NextProtos:         []string{alpn},
		},
		quicConf: &quic.Config{
			HandshakeIdleTimeout: 5 * time.Second,
			KeepAlivePeriod:      15 * time.Second,
			MaxIdleTimeout:       120 * time.Second, // Longer timeout for pooled connections
		},
		maxIdle: defaultMaxIdle,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.cleanupLoop(defaultCleanupInterval)

	return p
}

// CreateClient returns a pooled client for host:port.
func (p *Pool) CreateClient(ctx context.Context, host string, port int) (transport.Client, error) {
	c, err := p.Get(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a Client for the given address, reusing an existing connection if available.
func (p *Pool) Get(ctx context.Context, addr string) (*Client, error) {
	p.mu.RLock()
	wc, exists := p.conns[addr]
	p.mu.RUnlock()

	if exists {
		wc.mu.Lock()
		// A closed QUIC connection's Context() is canceled
		if wc.client != nil && wc.client.alive() {
			wc.lastUsed = time.Now()
			wc.useCount++
			useCount := wc.useCount
			wc.mu.Unlock()
			slog.Debug("Reusing worker connection", "addr", addr, "useCount", useCount)
			return wc.client, nil
		}
		wc.mu.Unlock()
		slog.Debug("Worker connection closed, redialing", "addr", addr)
	}

	slog.Debug("Dialing worker", "addr", addr)
	return p.createConnection(ctx, addr)
}

// createConnection creates a new pooled connection.
func (p *Pool) createConnection(ctx context.Context, addr string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if wc, exists := p.conns[addr]; exists {
		wc.mu.Lock()
		if wc.client != nil && wc.client.alive() {
			wc.lastUsed = time.Now()
			wc.useCount++
			wc.mu.Unlock()
			return wc.client, nil
		}
		if wc.client != nil {
			wc.client.Close()
		}
		delete(p.conns, addr)
		wc.mu.Unlock()
	}

	conn, err := quic.DialAddr(ctx, addr, p.tlsConf, p.quicConf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	client := &Client{conn: conn, alloc: p.alloc}
	p.conns[addr] = &workerConn{
		client:   client,
		lastUsed: time.Now(),
		useCount: 1,
	}

	return client, nil
}

// Invalidate removes a connection from the pool, typically after an error.
// The next Get for addr dials again.
func (p *Pool) Invalidate(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if wc, exists := p.conns[addr]; exists {
		wc.mu.Lock()
		if wc.client != nil {
			wc.client.Close()
		}
		wc.mu.Unlock()
		delete(p.conns, addr)
	}
}

// Close closes all pooled connections and stops the cleanup loop.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	defer p.mu.Unlock()

	for addr, wc := range p.conns {
		wc.mu.Lock()
		if wc.client != nil {
			wc.client.Close()
		}
		wc.mu.Unlock()
		delete(p.conns, addr)
	}
}

// cleanupLoop periodically removes idle connections.
func (p *Pool) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup removes connections that have been idle for too long or are closed.
func (p *Pool) cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	removed := 0

	for addr, wc := range p.conns {
		wc.mu.Lock()
		isIdle := now.Sub(wc.lastUsed) > p.maxIdle
		isClosed := wc.client == nil || !wc.client.alive()
		if isIdle || isClosed {
			if wc.client != nil {
				wc.client.Close()
			}
			delete(p.conns, addr)
			removed++
		}
		wc.mu.Unlock()
	}

	if removed > 0 {
		slog.Debug("Dropped idle worker connections", "count", removed)
	}
	return removed
}

// Stats returns pool statistics.
func (p *Pool) Stats() map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[string]int64)
	stats["total_connections"] = int64(len(p.conns))

	var totalUseCount int64
	for _, wc := range p.conns {
		wc.mu.Lock()
		totalUseCount += wc.useCount
		wc.mu.Unlock()
	}
	stats["total_use_count"] = totalUseCount

	return stats
}
