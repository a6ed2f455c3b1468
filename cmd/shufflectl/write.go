package main

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/mulgadc/shufflefetch/metadb"
	"github.com/mulgadc/shufflefetch/partition"
	"github.com/mulgadc/shufflefetch/shuffleclient"
	"github.com/spf13/cobra"
)

func newWriteCommand(opts *globalOptions) *cobra.Command {
	var (
		shuffleKey  string
		dataDir     string
		metaDir     string
		partitionID int
		epoch       int
		maps        int
		mapSize     int
		chunkSize   uint32
	)

	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write a partition file of random map output into a worker data dir",
		Long: `Write generates random output for each map and stores it as one partition
file. With --meta-dir the chunk index is recorded as well; otherwise the worker
scans the file on first open. The metadata db is locked by a running worker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if dataDir == "" {
				dataDir = cfg.Worker.DataDir
			}
			if chunkSize == 0 {
				chunkSize = cfg.Worker.ChunkSize
			}
			if shuffleKey == "" {
				shuffleKey = uuid.NewString()
			}

			fileName := partition.FileNameFor(partitionID, epoch)
			path := partition.Path(dataDir, shuffleKey, fileName)

			w, err := partition.Create(path, chunkSize)
			if err != nil {
				return err
			}
			defer w.Close()

			var digest uint64
			for m := range maps {
				data := make([]byte, mapSize)
				if _, err := io.ReadFull(rand.Reader, data); err != nil {
					return err
				}
				if _, err := w.Write(m, bytes.NewReader(data), len(data)); err != nil {
					return err
				}
				for off := 0; off < len(data); off += int(chunkSize) {
					digest ^= shuffleclient.ChunkDigest(data[off:min(off+int(chunkSize), len(data))])
				}
			}

			index, err := w.Commit()
			if err != nil {
				return err
			}

			if metaDir != "" {
				db, err := metadb.New(metaDir)
				if err != nil {
					return fmt.Errorf("open metadata db: %w", err)
				}
				defer db.Close()
				if err := db.PutIndex(shuffleKey, fileName, index); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "shuffle key: %s\n", shuffleKey)
			fmt.Fprintf(out, "file:        %s\n", path)
			fmt.Fprintf(out, "chunks:      %d\n", len(index))
			fmt.Fprintf(out, "bytes:       %d\n", maps*mapSize)
			fmt.Fprintf(out, "digest:      %016x\n", digest)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&shuffleKey, "shuffle-key", "", "Shuffle key (default: a new uuid)")
	flags.StringVar(&dataDir, "data-dir", "", "Worker data directory (default: worker.data_dir)")
	flags.StringVar(&metaDir, "meta-dir", "", "Worker metadata directory to record the index in")
	flags.IntVar(&partitionID, "partition", 0, "Partition id")
	flags.IntVar(&epoch, "epoch", 0, "Attempt epoch")
	flags.IntVar(&maps, "maps", 4, "Number of maps")
	flags.IntVar(&mapSize, "map-size", 1<<20, "Output bytes per map")
	flags.Uint32Var(&chunkSize, "chunk-size", 0, "Chunk size (default: worker.chunk_size)")

	return cmd
}
