package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mulgadc/shufflefetch/admin"
	"github.com/mulgadc/shufflefetch/config"
	"github.com/mulgadc/shufflefetch/metadb"
	"github.com/mulgadc/shufflefetch/metrics"
	"github.com/mulgadc/shufflefetch/quic/quicserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {

	configPath := flag.String("config", "config/shuffled.toml", "Worker configuration file")
	basePath := flag.String("base-path", "", "Base path for relative data and meta directories")
	debug := flag.Bool("debug", false, "Enable verbose debug logs")
	host := flag.String("host", "", "Fetch listen host (overrides config)")
	port := flag.Int("port", 0, "Fetch listen port (overrides config)")
	adminPort := flag.Int("admin-port", 0, "Admin HTTP port, -1 disables (overrides config)")
	dataDir := flag.String("data-dir", "", "Partition data directory (overrides config)")
	flag.Parse()

	// Env vars overwrite CLI options
	if os.Getenv("CONFIG") != "" {
		*configPath = os.Getenv("CONFIG")
	}

	if os.Getenv("HOST") != "" {
		*host = os.Getenv("HOST")
	}

	if os.Getenv("PORT") != "" {
		*port, _ = strconv.Atoi(os.Getenv("PORT"))
	}

	if os.Getenv("ADMIN_PORT") != "" {
		*adminPort, _ = strconv.Atoi(os.Getenv("ADMIN_PORT"))
	}

	if os.Getenv("DATA_DIR") != "" {
		*dataDir = os.Getenv("DATA_DIR")
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	// Adjust MAXPROCS if running under linux/cgroups quotas.
	undo, err := maxprocs.Set(maxprocs.Logger(log.Printf))
	if err != nil {
		log.Printf("Failed to set GOMAXPROCS: %v", err)
	} else {
		defer undo()
	}

	cfg, err := config.ReadConfig(*configPath, *basePath)
	if err != nil {
		slog.Warn("Error reading config file", "error", err)
		os.Exit(-1)
	}

	if *host != "" {
		cfg.Worker.Host = *host
	}
	if *port != 0 {
		cfg.Worker.FetchPort = *port
	}
	if *adminPort != 0 {
		cfg.Worker.AdminPort = *adminPort
	}
	if *dataDir != "" {
		cfg.Worker.DataDir = *dataDir
	}

	if err := os.MkdirAll(cfg.Worker.DataDir, 0o750); err != nil {
		slog.Error("Could not create data dir", "dir", cfg.Worker.DataDir, "error", err)
		os.Exit(-1)
	}

	db, err := metadb.New(cfg.Worker.MetaDir)
	if err != nil {
		slog.Error("Could not open metadata db", "dir", cfg.Worker.MetaDir, "error", err)
		os.Exit(-1)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := quicserver.New(cfg.Worker, db, metrics.NewWorker(reg))

	var adminSrv *admin.Server
	if cfg.Worker.AdminPort > 0 {
		adminSrv = admin.New(srv, reg, *debug)
		adminSrv.ListenAndServeAsync(net.JoinHostPort(cfg.Worker.Host, strconv.Itoa(cfg.Worker.AdminPort)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("Shuffle worker failed", "error", err)
		os.Exit(-1)
	}

	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Admin server shutdown", "error", err)
		}
	}
	if err := srv.Close(); err != nil {
		slog.Warn("Shuffle worker close", "error", err)
	}
}
