package main

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/mulgadc/shufflefetch/quic/quicclient"
	"github.com/spf13/cobra"
)

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var (
		workers []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query worker status over QUIC",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(workers) == 0 {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				for _, w := range cfg.Workers {
					workers = append(workers, net.JoinHostPort(w.Host, strconv.Itoa(w.FetchPort)))
				}
			}

			pool := quicclient.NewPool()
			defer pool.Close()

			report := make(map[string]any, len(workers))
			for _, addr := range workers {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				c, err := pool.Get(ctx, addr)
				if err == nil {
					var status map[string]any
					status, err = c.Status(ctx)
					if err == nil {
						report[addr] = status
					}
				}
				cancel()
				if err != nil {
					report[addr] = map[string]any{"ok": false, "error": err.Error()}
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringSliceVar(&workers, "worker", nil, "Worker host:port, repeatable (default: configured workers)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Per worker timeout")

	return cmd
}
