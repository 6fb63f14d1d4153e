package cache

import (
	"time"

	"github.com/raaihank/ngram-embed/internal/embeddings"
)

// CachedFeature is a featurized example stored in Redis
type CachedFeature struct {
	Fingerprint string             `json:"fingerprint"`
	Result      *embeddings.Result `json:"result"`
	CachedAt    time.Time          `json:"cached_at"`
	TTL         int64              `json:"ttl"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}

// Config contains cache configuration
type Config struct {
	RedisURL     string        `yaml:"redis_url" mapstructure:"redis_url"` // overrides Addr when set
	Addr         string        `yaml:"addr" mapstructure:"addr"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL   time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix    string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}
