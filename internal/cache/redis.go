package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/raaihank/ngram-embed/internal/embeddings"
	"go.uber.org/zap"
)

// FeatureCache handles Redis-based caching of featurized examples
type FeatureCache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewFeatureCache creates a new Redis-based feature cache
func NewFeatureCache(config *Config, logger *zap.Logger) (*FeatureCache, error) {
	var opts *redis.Options
	if config.RedisURL != "" {
		// Parse Redis URL
		parsed, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: config.Addr, Password: config.Password, DB: config.DB}
	}

	// Configure connection pool
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)

	cache := &FeatureCache{
		client: client,
		config: config,
		logger: logger,
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cache.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Feature cache initialized successfully",
		zap.String("redis", maskRedisURL(redisTarget(config))),
		zap.Int("pool_size", opts.PoolSize),
		zap.Duration("default_ttl", config.DefaultTTL))

	return cache, nil
}

// Ping tests the Redis connection
func (fc *FeatureCache) Ping(ctx context.Context) error {
	_, err := fc.client.Ping(ctx).Result()
	return err
}

// Key derives the cache key of an example's text under a featurizer fingerprint
func (fc *FeatureCache) Key(fingerprint, text string) string {
	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])
	return fmt.Sprintf("%sfeat:%s:%s", fc.config.KeyPrefix, fingerprint, hash[:16]) // Use first 16 chars
}

// Get returns the cached result for key. A miss is not an error.
func (fc *FeatureCache) Get(ctx context.Context, key string) (*embeddings.Result, bool, error) {
	data, err := fc.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		fc.misses.Add(1)
		fc.logger.Debug("Cache miss", zap.String("key", key))
		return nil, false, nil
	} else if err != nil {
		fc.misses.Add(1)
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	var cached CachedFeature
	if err := json.Unmarshal(data, &cached); err != nil || cached.Result == nil {
		fc.logger.Warn("Dropping corrupted cache entry", zap.String("key", key), zap.Error(err))
		// Delete corrupted cache entry
		fc.client.Del(ctx, key)
		fc.misses.Add(1)
		return nil, false, nil
	}

	fc.hits.Add(1)
	fc.logger.Debug("Cache hit", zap.String("key", key), zap.Int("seq_len", cached.Result.SeqLen))
	return cached.Result, true, nil
}

// Set caches one result with the default TTL
func (fc *FeatureCache) Set(ctx context.Context, key, fingerprint string, result *embeddings.Result) error {
	data, err := fc.encode(fingerprint, result)
	if err != nil {
		return err
	}

	// Store in Redis with TTL
	if err := fc.client.Set(ctx, key, data, fc.config.DefaultTTL).Err(); err != nil {
		fc.logger.Error("Failed to cache result", zap.Error(err))
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}

// SetBatch caches multiple results efficiently using a Redis pipeline
func (fc *FeatureCache) SetBatch(ctx context.Context, keys []string, fingerprint string, results []*embeddings.Result) error {
	if len(keys) != len(results) {
		return fmt.Errorf("keys and results length mismatch")
	}

	if len(results) == 0 {
		return nil
	}

	pipe := fc.client.Pipeline()

	for i, result := range results {
		data, err := fc.encode(fingerprint, result)
		if err != nil {
			fc.logger.Error("Failed to marshal result for batch caching", zap.Error(err))
			continue
		}
		pipe.Set(ctx, keys[i], data, fc.config.DefaultTTL)
	}

	// Execute pipeline
	if _, err := pipe.Exec(ctx); err != nil {
		fc.logger.Error("Batch cache operation failed", zap.Error(err))
		return fmt.Errorf("batch cache operation failed: %w", err)
	}

	fc.logger.Debug("Batch cache operation completed", zap.Int("cached_results", len(results)))
	return nil
}

func (fc *FeatureCache) encode(fingerprint string, result *embeddings.Result) ([]byte, error) {
	data, err := json.Marshal(CachedFeature{
		Fingerprint: fingerprint,
		Result:      result,
		CachedAt:    time.Now(),
		TTL:         int64(fc.config.DefaultTTL.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result for caching: %w", err)
	}
	return data, nil
}

// GetStats returns cache performance statistics
func (fc *FeatureCache) GetStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{
		Hits:   fc.hits.Load(),
		Misses: fc.misses.Load(),
	}

	// Calculate hit rate
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	// Count our keys only; the database may be shared
	iter := fc.client.Scan(ctx, 0, fc.config.KeyPrefix+"feat:*", 0).Iterator()
	for iter.Next(ctx) {
		stats.TotalKeys++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan cache keys: %w", err)
	}

	// Parse memory usage from Redis info
	if info, err := fc.client.Info(ctx, "memory").Result(); err == nil {
		for _, line := range strings.Split(info, "\r\n") {
			if memStr := strings.TrimPrefix(line, "used_memory:"); memStr != line && memStr != "" {
				if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
					stats.MemoryUsage = mem
				}
			}
		}
	}

	return stats, nil
}

// Clear removes all cached features and returns how many keys were deleted
func (fc *FeatureCache) Clear(ctx context.Context) (int, error) {
	pattern := fc.config.KeyPrefix + "feat:*"

	// Use SCAN to find all keys with our prefix
	iter := fc.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan cache keys: %w", err)
	}

	// Delete keys in batches
	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := fc.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			fc.logger.Error("Failed to delete cache keys", zap.Error(err))
			return i, fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	fc.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return len(keys), nil
}

// Close closes the Redis connection
func (fc *FeatureCache) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

func redisTarget(config *Config) string {
	if config.RedisURL != "" {
		return config.RedisURL
	}
	return config.Addr
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
