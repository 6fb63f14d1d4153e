package main

import (
	"fmt"

	"github.com/raaihank/ngram-embed/internal/cache"
	"github.com/raaihank/ngram-embed/internal/config"
	"github.com/raaihank/ngram-embed/internal/dataset"
	"github.com/raaihank/ngram-embed/internal/embeddings"
	"github.com/raaihank/ngram-embed/internal/logger"
	"github.com/raaihank/ngram-embed/internal/store"
	"github.com/raaihank/ngram-embed/internal/websocket"
)

// loadConfig reads the configuration file named by --config
func loadConfig() (*config.Loader, *config.Config, error) {
	loader, cfg, err := config.NewLoader(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return loader, cfg, nil
}

// initLogger builds the process logger from the logging section
func initLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

// initFeaturizer loads the encoder and the n-gram extractor
func initFeaturizer(cfg *config.Config, log *logger.Logger) (*embeddings.Featurizer, error) {
	extract, err := config.NgramsFromConfig(cfg.Ngrams)
	if err != nil {
		return nil, err
	}
	featurizer, err := embeddings.NewFeaturizer(cfg.Embedding, extract, log.WithComponent("embeddings").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create featurizer: %w", err)
	}
	return featurizer, nil
}

// initCache connects to Redis; it returns nil when the cache is disabled
func initCache(cfg *config.Config, log *logger.Logger) (*cache.FeatureCache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	fc, err := cache.NewFeatureCache(cacheConfig(cfg.Cache), log.WithComponent("cache").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}
	return fc, nil
}

func cacheConfig(c config.CacheConfig) *cache.Config {
	return &cache.Config{
		RedisURL:   c.URL,
		Addr:       fmt.Sprintf("%s:%d", c.Host, c.Port),
		Password:   c.Password,
		DB:         c.Database,
		PoolSize:   c.PoolSize,
		DefaultTTL: c.TTL,
		KeyPrefix:  c.Prefix,
	}
}

// initStore opens the feature store; it returns nil when the store is disabled
func initStore(cfg *config.Config, log *logger.Logger) (*store.Store, error) {
	if !cfg.Store.Enabled {
		return nil, nil
	}
	s, err := store.NewStore(storeConfig(cfg.Store), log.WithComponent("store").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open feature store: %w", err)
	}
	return s, nil
}

func storeConfig(c config.StoreConfig) *store.Config {
	return &store.Config{
		Driver:          c.Driver,
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLife,
	}
}

func datasetConfig(c config.DatasetConfig) dataset.Config {
	return dataset.Config{
		Format:         dataset.ParseFileFormat(c.Format, c.Input),
		Output:         c.Output,
		LabelKey:       c.LabelKey,
		Limit:          c.Limit,
		ProgressEvery:  c.ProgressEvery,
		WriteStore:     c.WriteStore,
		StoreBatchSize: c.StoreBatchSize,
	}
}

func hubConfig(cfg *config.Config) *websocket.HubConfig {
	ws := cfg.WebSocket
	return &websocket.HubConfig{
		BroadcastJobs:        true,
		BroadcastConnections: true,
		Username:             ws.BasicAuth.Username,
		Password:             ws.BasicAuth.Password,
		AllowedOrigins:       ws.AllowedOrigins,
		MaxConnections:       ws.MaxConnections,
		ReadBufferSize:       ws.ReadBufferSize,
		WriteBufferSize:      ws.WriteBufferSize,
		PingInterval:         ws.PingInterval,
		PongTimeout:          ws.PongTimeout,
		WriteTimeout:         ws.WriteTimeout,
		MaxMessageSize:       ws.MaxMessageSize,
	}
}
