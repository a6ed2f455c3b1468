package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/mulgadc/shufflefetch/locator"
	"github.com/mulgadc/shufflefetch/partition"
	"github.com/mulgadc/shufflefetch/quic/quicclient"
	"github.com/mulgadc/shufflefetch/shuffleclient"
	"github.com/spf13/cobra"
)

// fixedWorker places every partition on one worker.
type fixedWorker struct {
	host string
	port int
}

func (f fixedWorker) Locate(shuffleKey string, partitionID, epoch int) partition.Location {
	return partition.Location{
		ID:        partitionID,
		Epoch:     epoch,
		Host:      f.host,
		FetchPort: f.port,
		FileName:  partition.FileNameFor(partitionID, epoch),
	}
}

func parseWorker(addr string) (fixedWorker, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fixedWorker{}, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fixedWorker{}, fmt.Errorf("bad port in %q: %w", addr, err)
	}
	return fixedWorker{host: host, port: p}, nil
}

func newReadCommand(opts *globalOptions) *cobra.Command {
	var (
		shuffleKey  string
		worker      string
		partitions  []int
		epoch       int
		start, end  int
		maxRetry    int
		concurrency int
		window      int
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read partitions through partition readers and print their digests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if shuffleKey == "" {
				return errors.New("--shuffle-key is required")
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if window > 0 {
				cfg.Client.FetchMaxReqsInFlight = window
			}

			var loc shuffleclient.Locator
			if worker != "" {
				loc, err = parseWorker(worker)
			} else {
				loc, err = locator.FromConfig(cfg)
			}
			if err != nil {
				return err
			}

			pool := quicclient.NewPool()
			defer pool.Close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			client := shuffleclient.New(cfg.Client, loc, pool, maxRetry)

			began := time.Now()
			results, err := client.ReadPartitions(ctx, shuffleKey, partitions, epoch, start, end, concurrency)
			if err != nil {
				return err
			}
			elapsed := time.Since(began)

			out := cmd.OutOrStdout()
			var total int64
			for _, r := range results {
				total += r.Bytes
				fmt.Fprintf(out, "%-24s chunks=%-6d bytes=%-10d attempts=%d digest=%016x\n",
					r.Location.FileName+"@"+r.Location.HostAndFetchPort(), r.Chunks, r.Bytes, r.Attempts, r.Digest)
			}
			fmt.Fprintf(out, "read %d bytes from %d partitions in %s\n", total, len(results), elapsed.Round(time.Millisecond))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&shuffleKey, "shuffle-key", "", "Shuffle key")
	flags.StringVar(&worker, "worker", "", "Read every partition from host:port instead of the configured ring")
	flags.IntSliceVar(&partitions, "partitions", []int{0}, "Partition ids")
	flags.IntVar(&epoch, "epoch", 0, "Attempt epoch")
	flags.IntVar(&start, "start", 0, "First map index")
	flags.IntVar(&end, "end", math.MaxInt32, "End map index (exclusive)")
	flags.IntVar(&maxRetry, "max-retry", shuffleclient.DefaultMaxRetry, "Read attempts per partition")
	flags.IntVar(&concurrency, "concurrency", 4, "Partitions read at once")
	flags.IntVar(&window, "window", 0, "Max fetch requests in flight (default: client.fetch_max_reqs_in_flight)")
	flags.DurationVar(&timeout, "timeout", 0, "Overall deadline")

	return cmd
}
