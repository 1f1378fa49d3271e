package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/p2p-filesharing/lanshare/internal/cache"
	"github.com/p2p-filesharing/lanshare/internal/config"
	"github.com/p2p-filesharing/lanshare/internal/download"
	"github.com/p2p-filesharing/lanshare/internal/metrics"
	"github.com/p2p-filesharing/lanshare/internal/peer/wspeer"
	"github.com/p2p-filesharing/lanshare/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to the JSON configuration file")
	sharedDirs := flag.String("share", "", "Comma-separated shared directories (prefix with ro: for read-only)")
	stateDir := flag.String("state", "", "State directory override")
	dev := flag.Bool("dev", false, "Development logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}

	log, err := logger.New(cfg.LogLevel, *dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	c := cache.New(cfg.ChunkSize, cfg.UnfinishedSuffix, log.Named("cache"))
	for _, dir := range strings.Split(*sharedDirs, ",") {
		if dir == "" {
			continue
		}
		readOnly := false
		if strings.HasPrefix(dir, "ro:") {
			readOnly = true
			dir = strings.TrimPrefix(dir, "ro:")
		}
		if _, err := c.AddSharedDirectory(dir, readOnly); err != nil {
			log.Error("cannot share directory", zap.String("path", dir), zap.Error(err))
		}
	}

	peers := wspeer.NewManager(log.Named("peers"))
	manager := download.NewManager(cfg, c, peers, log.Named("download"))
	manager.Start()

	if err := c.LoadHashIndex(cfg.StateDir); err != nil {
		log.Error("hash index load failed", zap.Error(err))
		c.SignalLoaded()
	}

	if cfg.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Info("metrics endpoint listening", zap.String("addr", cfg.MetricsAddress))
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				log.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	log.Info("download engine running",
		zap.Int("downloaders", cfg.NumberOfDownloaders),
		zap.Int64("chunk_size", cfg.ChunkSize),
		zap.String("state_dir", cfg.StateDir))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	if err := manager.Stop(); err != nil {
		log.Error("queue save failed", zap.Error(err))
	}
	if err := c.SaveHashIndex(cfg.StateDir); err != nil {
		log.Error("hash index save failed", zap.Error(err))
	}
}
