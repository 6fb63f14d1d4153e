package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/raaihank/ngram-embed/internal/ngrams"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. NGRAM_EMBED_EMBEDDING_CHECKPOINT
const EnvPrefix = "NGRAM_EMBED"

// Loader reads configuration from a file and the environment
type Loader struct {
	v *viper.Viper
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	_, cfg, err := NewLoader(configPath)
	return cfg, err
}

// NewLoader reads the configuration and keeps the loader for hot reload
func NewLoader(configPath string) (*Loader, *Config, error) {
	v := viper.New()

	// Configure viper
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/ngram-embed/")
	v.AddConfigPath("$HOME/.ngram-embed/")

	// Environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v, "", reflect.TypeOf(Config{}))

	// Use specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read configuration
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, nil, err
	}
	return l, cfg, nil
}

// ConfigFile returns the file in use, empty when running on defaults
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) decode() (*Config, error) {
	// Unmarshal over the defaults
	cfg := GetDefaults()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate validates the loaded configuration
func Validate(config *Config) error {
	if err := config.Embedding.Validate(); err != nil {
		return err
	}

	if config.Ngrams.Decompose && config.Ngrams.Order < 1 {
		return fmt.Errorf("invalid n-gram order: %d (must be at least 1)", config.Ngrams.Order)
	}
	if _, err := ngrams.NewWordTokenizer(config.Ngrams.Tokenizer); err != nil {
		return err
	}
	if config.Ngrams.Parsing != "" && config.Ngrams.Parsing != ngrams.ParsingNounChunks {
		return fmt.Errorf("invalid parsing: %s (must be empty or %s)", config.Ngrams.Parsing, ngrams.ParsingNounChunks)
	}

	if config.Dataset.Format != "" && config.Dataset.Format != "csv" && config.Dataset.Format != "jsonl" && config.Dataset.Format != "parquet" {
		return fmt.Errorf("invalid dataset format: %s (must be csv, jsonl, or parquet)", config.Dataset.Format)
	}

	if config.Store.Enabled && config.Store.Driver != "postgres" && config.Store.Driver != "sqlite3" {
		return fmt.Errorf("invalid store driver: %s (must be postgres or sqlite3)", config.Store.Driver)
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file for changes.
// Invalid edits are reported through onError and otherwise ignored.
func (l *Loader) Watch(callback func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		newConfig, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		callback(newConfig)
	})
	l.v.WatchConfig()
}

// WriteDefault renders the default configuration as YAML
func WriteDefault(path string) error {
	data, err := yaml.Marshal(GetDefaults())
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// NgramsFromConfig builds the extractor configuration
func NgramsFromConfig(c NgramsConfig) (ngrams.Config, error) {
	cfg := ngrams.Config{TextKey: c.TextKey, Decompose: c.Decompose}
	if !c.Decompose {
		return cfg, nil
	}
	tokenizer, err := ngrams.NewWordTokenizer(c.Tokenizer)
	if err != nil {
		return cfg, err
	}
	var chunker ngrams.ChunkParser
	if c.Parsing == ngrams.ParsingNounChunks {
		chunker = ngrams.NewProseChunker()
	}
	gen, err := ngrams.NewGenerator(ngrams.GeneratorConfig{
		Order:          c.Order,
		Tokenizer:      tokenizer,
		Parsing:        c.Parsing,
		ChunkParser:    chunker,
		AllNgrams:      c.AllNgrams,
		PruneStopwords: c.PruneStopwords,
	})
	if err != nil {
		return cfg, err
	}
	cfg.Generator = gen
	return cfg, nil
}

// bindEnvKeys registers every leaf key so AutomaticEnv overrides apply on Unmarshal
func bindEnvKeys(v *viper.Viper, prefix string, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if field.Type.Kind() == reflect.Struct {
			bindEnvKeys(v, key, field.Type)
			continue
		}
		_ = v.BindEnv(key)
	}
}
