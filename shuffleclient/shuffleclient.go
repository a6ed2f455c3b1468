// Package shuffleclient reads whole shuffle partitions. It locates each
// partition's worker, drives a PartitionReader over it and retries failed
// reads from the start.
package shuffleclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/crc64nvme"
	"github.com/mulgadc/shufflefetch/buffer"
	"github.com/mulgadc/shufflefetch/config"
	"github.com/mulgadc/shufflefetch/partition"
	"github.com/mulgadc/shufflefetch/reader"
	"github.com/mulgadc/shufflefetch/transport"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxRetry = 3

// Locator resolves a partition to the worker holding it.
type Locator interface {
	Locate(shuffleKey string, partitionID, epoch int) partition.Location
}

// Result summarises one partition read.
type Result struct {
	Location partition.Location
	Chunks   int
	Bytes    int64
	// Digest is the XOR of the CRC-64/NVME of every chunk, so it does not
	// depend on completion order.
	Digest   uint64
	Attempts int
}

// Client reads partitions with the settings of a [client] config section.
type Client struct {
	conf     config.ClientConfig
	locator  Locator
	factory  transport.ClientFactory
	maxRetry int
	opts     []reader.Option
}

// New returns a Client. maxRetry <= 0 means DefaultMaxRetry.
func New(conf config.ClientConfig, locator Locator, factory transport.ClientFactory, maxRetry int, opts ...reader.Option) *Client {
	if maxRetry <= 0 {
		maxRetry = DefaultMaxRetry
	}
	return &Client{
		conf:     conf,
		locator:  locator,
		factory:  factory,
		maxRetry: maxRetry,
		opts:     opts,
	}
}

// ChunkDigest returns the order independent digest of chunks.
func ChunkDigest(chunks ...[]byte) uint64 {
	var d uint64
	for _, c := range chunks {
		d ^= crc64nvme.Checksum(c)
	}
	return d
}

// ReadPartition reads the chunks of maps [startMapIndex, endMapIndex) of one
// partition. fn, if set, sees every chunk before it is released and must not
// keep it. A read that fails with a ReadError is restarted from scratch up to
// the retry limit; chunks of failed attempts have already been passed to fn.
func (c *Client) ReadPartition(ctx context.Context, shuffleKey string, partitionID, epoch, startMapIndex, endMapIndex int, fn func(*buffer.ChunkBuffer) error) (Result, error) {
	loc := c.locator.Locate(shuffleKey, partitionID, epoch)

	var lastErr error
	for attempt := range c.maxRetry {
		res, err := c.readOnce(ctx, shuffleKey, loc, startMapIndex, endMapIndex, attempt, fn)
		if err == nil {
			res.Attempts = attempt + 1
			return res, nil
		}

		if _, ok := reader.IsReadError(err); !ok {
			return Result{}, err
		}

		slog.Warn("Partition read failed",
			"location", loc.String(),
			"attempt", attempt+1,
			"maxRetry", c.maxRetry,
			"error", err,
		)
		lastErr = err
	}

	return Result{}, fmt.Errorf("read %s after %d attempts: %w", loc, c.maxRetry, lastErr)
}

func (c *Client) readOnce(ctx context.Context, shuffleKey string, loc partition.Location, start, end, attempt int, fn func(*buffer.ChunkBuffer) error) (Result, error) {
	r, err := reader.NewPartitionReader(ctx, c.conf, shuffleKey, loc, c.factory, start, end, attempt, c.maxRetry, c.opts...)
	if err != nil {
		return Result{}, err
	}
	defer r.Close()

	res := Result{Location: loc}
	for {
		buf, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return Result{}, err
		}

		res.Chunks++
		res.Bytes += int64(buf.Len())
		res.Digest ^= crc64nvme.Checksum(buf.Bytes())

		if fn != nil {
			err = fn(buf)
		}
		buf.Release()
		if err != nil {
			return Result{}, err
		}
	}
}

// ReadPartitions reads every partition with at most concurrency reads in
// flight. Results are in the order of partitionIDs. The first error cancels
// the remaining reads.
func (c *Client) ReadPartitions(ctx context.Context, shuffleKey string, partitionIDs []int, epoch, startMapIndex, endMapIndex, concurrency int) ([]Result, error) {
	results := make([]Result, len(partitionIDs))

	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for i, id := range partitionIDs {
		g.Go(func() error {
			res, err := c.ReadPartition(ctx, shuffleKey, id, epoch, startMapIndex, endMapIndex, nil)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
