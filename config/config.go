package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the shared configuration file of workers and clients.
type Config struct {
	Client  ClientConfig `toml:"client"`
	Worker  WorkerConfig `toml:"worker"`
	Workers []WorkerNode `toml:"workers"`
	Ring    RingConfig   `toml:"ring"`
}

// ClientConfig tunes partition readers.
type ClientConfig struct {
	FetchMaxReqsInFlight int           `toml:"fetch_max_reqs_in_flight"`
	FetchTimeout         time.Duration `toml:"-"` // fetch_timeout
	PollInterval         time.Duration `toml:"-"` // poll_interval

	// Failure injection for exercising retry wrappers. Never enable in production.
	TestFetchFailure   bool `toml:"test_fetch_failure"`
	TestFailChunkIndex int  `toml:"test_fail_chunk_index"`
}

// WorkerConfig configures a shuffle worker.
type WorkerConfig struct {
	Host              string        `toml:"host"`
	FetchPort         int           `toml:"fetch_port"`
	AdminPort         int           `toml:"admin_port"`
	DataDir           string        `toml:"data_dir"`
	MetaDir           string        `toml:"meta_dir"`
	ChunkSize         uint32        `toml:"chunk_size"`
	StreamIdleTimeout time.Duration `toml:"-"` // stream_idle_timeout
}

// WorkerNode is one member of the worker cluster.
type WorkerNode struct {
	ID        int    `toml:"id"`
	Host      string `toml:"host"`
	FetchPort int    `toml:"fetch_port"`
}

// RingConfig tunes the consistent hash ring used to place partitions.
type RingConfig struct {
	PartitionCount    int     `toml:"partition_count"`
	ReplicationFactor int     `toml:"replication_factor"`
	Load              float64 `toml:"load"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			FetchMaxReqsInFlight: 3,
			FetchTimeout:         120 * time.Second,
			PollInterval:         500 * time.Millisecond,
			TestFailChunkIndex:   3,
		},
		Worker: WorkerConfig{
			Host:              "0.0.0.0",
			FetchPort:         9097,
			AdminPort:         9098,
			DataDir:           "data",
			MetaDir:           "meta",
			ChunkSize:         256 * 1024,
			StreamIdleTimeout: 5 * time.Minute,
		},
		Ring: RingConfig{
			PartitionCount:    271,
			ReplicationFactor: 20,
			Load:              1.25,
		},
	}
}

// ReadConfig loads filename over the defaults. Relative worker directories are
// resolved against basePath.
func ReadConfig(filename string, basePath string) (*Config, error) {
	cfg := DefaultConfig()

	if !filepath.IsAbs(basePath) {
		dir, err := os.Getwd()
		if err != nil {
			slog.Warn("Error getting working directory", "error", err)
			return nil, err
		}
		basePath = filepath.Join(dir, basePath)
	}

	raw, err := os.ReadFile(filename)
	if err != nil {
		errorMsg := fmt.Sprintf("Error reading %s %s", filename, err)
		slog.Warn(errorMsg)
		return nil, errors.New(errorMsg)
	}

	if err := toml.Unmarshal(raw, cfg); err != nil {
		errorMsg := fmt.Sprintf("Error parsing %s %s", filename, err)
		slog.Warn(errorMsg)
		return nil, errors.New(errorMsg)
	}

	if err := readDurations(raw, cfg); err != nil {
		errorMsg := fmt.Sprintf("Error parsing %s %s", filename, err)
		slog.Warn(errorMsg)
		return nil, errors.New(errorMsg)
	}

	cfg.Worker.DataDir = resolve(basePath, cfg.Worker.DataDir)
	cfg.Worker.MetaDir = resolve(basePath, cfg.Worker.MetaDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// durations holds the duration keys as written, e.g. "120s" or "5m".
type durations struct {
	Client struct {
		FetchTimeout string `toml:"fetch_timeout"`
		PollInterval string `toml:"poll_interval"`
	} `toml:"client"`
	Worker struct {
		StreamIdleTimeout string `toml:"stream_idle_timeout"`
	} `toml:"worker"`
}

func readDurations(raw []byte, cfg *Config) error {
	var d durations
	if err := toml.Unmarshal(raw, &d); err != nil {
		return err
	}

	for _, f := range []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"client.fetch_timeout", d.Client.FetchTimeout, &cfg.Client.FetchTimeout},
		{"client.poll_interval", d.Client.PollInterval, &cfg.Client.PollInterval},
		{"worker.stream_idle_timeout", d.Worker.StreamIdleTimeout, &cfg.Worker.StreamIdleTimeout},
	} {
		if f.value == "" {
			continue
		}
		v, err := time.ParseDuration(f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = v
	}
	return nil
}

// Validate checks values a reader or worker cannot run with.
func (c *Config) Validate() error {
	if c.Client.FetchMaxReqsInFlight < 1 {
		return fmt.Errorf("client.fetch_max_reqs_in_flight must be >= 1, got %d", c.Client.FetchMaxReqsInFlight)
	}
	if c.Client.FetchTimeout <= 0 {
		return errors.New("client.fetch_timeout must be positive")
	}
	if c.Client.PollInterval <= 0 {
		return errors.New("client.poll_interval must be positive")
	}
	if c.Worker.ChunkSize == 0 {
		return errors.New("worker.chunk_size must be positive")
	}
	return nil
}

func resolve(basePath, dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(basePath, dir)
}
