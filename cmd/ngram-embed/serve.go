package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/ngram-embed/internal/config"
	"github.com/raaihank/ngram-embed/internal/dataset"
	"github.com/raaihank/ngram-embed/internal/server"
	"github.com/raaihank/ngram-embed/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the featurization HTTP API",
	Long: `Load the encoder once and serve featurization over HTTP.

Endpoints:
  GET  /health         liveness
  GET  /info           model, extractor and runtime statistics
  POST /v1/embed       {"input": "text" | ["tok", ...] | {...}}
  POST /v1/extract     spans only, no forward pass
  POST /v1/jobs        featurize a dataset file on the server host
  GET  /v1/jobs/{id}   job status
  GET  /ws             job progress events (when websocket.enabled)`,
	RunE: runServe,
}

var servePort int

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	log, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("Starting ngram-embed",
		zap.String("version", Version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	featurizer, err := initFeaturizer(cfg, log)
	if err != nil {
		return err
	}
	defer featurizer.Close()

	// The result cache is optional; a dead Redis only costs recomputation
	var (
		resultCache server.ResultCache
		jobCache    dataset.ResultCache
	)
	fc, err := initCache(cfg, log)
	if err != nil {
		log.Warn("Continuing without result cache", zap.Error(err))
	} else if fc != nil {
		defer fc.Close()
		resultCache = fc
		jobCache = fc
	}

	var sink dataset.FeatureSink
	st, err := initStore(cfg, log)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
		sink = st
	}

	var hub *websocket.Hub
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(hubConfig(cfg), log.WithComponent("websocket").Logger)
	}

	srv, err := server.New(cfg, log, featurizer, resultCache, hub)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.EnableJobs(server.JobOptions{
		Cache:    jobCache,
		Sink:     sink,
		TextKey:  cfg.Ngrams.TextKey,
		Defaults: datasetConfig(cfg.Dataset),
		RootDir:  cfg.Dataset.RootDir,
	}); err != nil {
		return fmt.Errorf("failed to enable dataset jobs: %w", err)
	}

	if loader.ConfigFile() != "" {
		loader.Watch(func(next *config.Config) {
			if err := log.SetLevel(next.Logging.Level); err != nil {
				log.Warn("Ignoring logging level from reloaded config", zap.Error(err))
			} else {
				log.Info("Configuration reloaded", zap.String("level", next.Logging.Level))
			}
			if next.Embedding != cfg.Embedding || next.Ngrams != cfg.Ngrams {
				log.Warn("Model and n-gram settings changed; restart to apply them")
			}
		}, func(err error) {
			log.Warn("Configuration reload failed", zap.Error(err))
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start(ctx)
	}()

	// Setup graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return err
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
		cancel()
		srv.WaitJobs()

		log.Info("Server shutdown complete")
	}
	return nil
}
