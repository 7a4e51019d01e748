package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

var (
	Version   = "0.3.0"
	GitCommit = "dev"
	BuildDate = "unknown"
)

func main() {
	cfg := NewConfig()
	flag.Parse()

	logger := cfg.Logger()

	fields := logrus.Fields{
		"event":       "startup",
		"version":     Version,
		"commit":      GitCommit,
		"build_date":  BuildDate,
		"listen_addr": cfg.ListenAddress,
		"max_tiles":   cfg.MaxTiles,
	}
	if cfg.BroadcastGatewayURL != "" {
		fields["broadcast_gateway"] = cfg.BroadcastGatewayURL
	}
	logger.WithFields(fields).Info("Starting video wall")

	api, err := cfg.WebRTCAPI()
	if err != nil {
		logger.WithError(err).Fatal("Failed to create WebRTC API")
	}

	wall := NewWall(cfg, cfg.AdapterDeps(api, logger), logger)
	details := NewDetailsClient(cfg.DetailsAPIURL, cfg.APIToken, cfg.OrgID, cfg.APITimeout)
	srv := NewServer(cfg, wall, details, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TilesFile != "" {
		entries, err := LoadTiles(cfg.TilesFile)
		if err != nil {
			logger.WithError(err).WithField("path", cfg.TilesFile).Fatal("Failed to load tiles file")
		}
		logger.WithField("tiles", len(entries)).Info("Applying tiles file")
		go ApplyTiles(ctx, wall, details, entries, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
		cancel()
		if err := <-errCh; err != nil {
			logger.WithError(err).Error("Server shutdown error")
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Fatal("Server error")
		}
	}

	logger.Info("Shutdown complete")
}
