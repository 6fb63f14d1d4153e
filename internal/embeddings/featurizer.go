package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/raaihank/ngram-embed/internal/ngrams"
	"go.uber.org/zap"
)

// Featurizer turns examples into embeddings: span extraction followed by
// aggregation over a loaded encoder
type Featurizer struct {
	config      ModelConfig
	extract     ngrams.Config
	loaded      *LoadedEncoder
	aggregator  *Aggregator
	logger      *zap.Logger
	stats       *ModelStats
	fingerprint string
	mu          sync.RWMutex
}

// NewFeaturizer loads the configured checkpoint and builds a featurizer
func NewFeaturizer(config ModelConfig, extract ngrams.Config, logger *zap.Logger) (*Featurizer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	logger.Info("Loading encoder", zap.String("checkpoint", config.Checkpoint), zap.String("device", config.Device))

	loaded, err := LoadEncoder(config.Checkpoint, OptionsFromConfig(config), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoder: %w", err)
	}
	f, err := NewFeaturizerWithEncoder(config, extract, loaded, logger)
	if err != nil {
		_ = loaded.Close()
		return nil, err
	}
	f.stats.ModelLoadTime = time.Since(start)

	logger.Info("Featurizer initialized successfully",
		zap.String("checkpoint", config.Checkpoint),
		zap.String("layer", config.Layer),
		zap.Bool("sum_embeddings", config.SumEmbeddings),
		zap.Duration("load_time", f.stats.ModelLoadTime))
	return f, nil
}

// NewFeaturizerWithEncoder builds a featurizer around an already loaded encoder
func NewFeaturizerWithEncoder(config ModelConfig, extract ngrams.Config, loaded *LoadedEncoder, logger *zap.Logger) (*Featurizer, error) {
	if extract.Decompose && extract.Generator == nil {
		return nil, fmt.Errorf("%w: n-gram decomposition enabled without a generator", ErrConfigError)
	}
	if config.InstructorPrompt == "" {
		config.InstructorPrompt = DefaultInstructorPrompt
	}
	agg, err := NewAggregator(AggregatorConfig{
		Checkpoint:       config.Checkpoint,
		Layer:            config.Layer,
		BatchSize:        config.BatchSize,
		SumEmbeddings:    config.SumEmbeddings,
		InstructorPrompt: config.InstructorPrompt,
	}, loaded, logger)
	if err != nil {
		return nil, err
	}

	return &Featurizer{
		config:      config,
		extract:     extract,
		loaded:      loaded,
		aggregator:  agg,
		logger:      logger,
		fingerprint: fingerprint(config, extract),
		stats: &ModelStats{
			Checkpoint: config.Checkpoint,
			Device:     loaded.Device.Device,
			StartTime:  time.Now(),
		},
	}, nil
}

// Extract returns the spans an example would be embedded from
func (f *Featurizer) Extract(ex ngrams.Example) (ngrams.Spans, error) {
	spans, err := ngrams.Extract(ex, f.extract)
	if err != nil {
		if isInputError(err) {
			return ngrams.Spans{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return ngrams.Spans{}, err
	}
	return spans, nil
}

// EmbedExample extracts the spans of one example and aggregates their embeddings
func (f *Featurizer) EmbedExample(ctx context.Context, ex ngrams.Example) (*Result, error) {
	start := time.Now()

	spans, err := f.Extract(ex)
	if err != nil {
		f.updateStats(0, 0, false, time.Since(start))
		return nil, err
	}

	if f.config.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.ModelTimeout)
		defer cancel()
	}

	result, err := f.aggregator.Embed(ctx, spans)
	if err != nil {
		f.updateStats(0, 0, false, time.Since(start))
		f.logger.Error("Failed to embed example", zap.Error(err), zap.Int("spans", len(spans.Seqs)))
		return nil, err
	}
	if f.config.CleanOutput {
		CleanMatrix(result.Embs)
	}

	f.updateStats(int64(spans.Count), boolToInt(spans.Empty()), true, time.Since(start))
	return result, nil
}

// Fingerprint identifies the settings that determine a result, for cache keys
func (f *Featurizer) Fingerprint() string {
	return f.fingerprint
}

// Checkpoint returns the model checkpoint name
func (f *Featurizer) Checkpoint() string {
	return f.config.Checkpoint
}

// HiddenSize returns the embedding width, 0 when the model does not declare it
func (f *Featurizer) HiddenSize() int {
	return f.loaded.HiddenSize()
}

// GetStats returns featurizer statistics
func (f *Featurizer) GetStats() *ModelStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	// Create a copy to avoid race conditions
	stats := *f.stats
	return &stats
}

// Info returns information about the loaded model
func (f *Featurizer) Info() map[string]interface{} {
	info := map[string]interface{}{
		"checkpoint":     f.config.Checkpoint,
		"family":         f.loaded.Family.String(),
		"device":         f.loaded.Device.Device,
		"device_reason":  f.loaded.Device.Reason,
		"layer":          f.config.Layer,
		"padding":        f.config.Padding,
		"max_length":     f.config.MaxLength,
		"batch_size":     f.config.BatchSize,
		"sum_embeddings": f.config.SumEmbeddings,
		"hidden_size":    f.loaded.HiddenSize(),
		"fingerprint":    f.fingerprint,
		"decompose":      f.extract.Decompose,
	}
	if f.loaded.Tokenizer != nil {
		info["pad_token"] = f.loaded.Tokenizer.PadToken()
	}
	if f.extract.Generator != nil {
		info["ngrams"] = f.extract.Generator.String()
	}
	return info
}

// Close releases the encoder
func (f *Featurizer) Close() error {
	f.logger.Info("Closing featurizer", zap.String("checkpoint", f.config.Checkpoint))
	return f.loaded.Close()
}

// updateStats updates featurizer statistics thread-safely
func (f *Featurizer) updateStats(spans int64, empty int64, success bool, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.TotalExamples++
	f.stats.TotalSpans += spans
	f.stats.EmptyExamples += empty
	f.stats.LastInferenceTime = time.Now()

	if success {
		f.stats.SuccessfulRuns++
	} else {
		f.stats.FailedRuns++
	}

	// Update error rate
	total := f.stats.SuccessfulRuns + f.stats.FailedRuns
	if total > 0 {
		f.stats.ErrorRate = float64(f.stats.FailedRuns) / float64(total)
	}

	// Update average inference time (only for successful runs)
	if success && f.stats.SuccessfulRuns > 0 {
		totalTime := time.Duration(f.stats.SuccessfulRuns-1) * f.stats.AvgInferenceTime
		totalTime += duration
		f.stats.AvgInferenceTime = totalTime / time.Duration(f.stats.SuccessfulRuns)
	}

	if f.stats.SuccessfulRuns > 0 {
		f.stats.AvgSpansPerText = float64(f.stats.TotalSpans) / float64(f.stats.SuccessfulRuns)
	}
}

func fingerprint(config ModelConfig, extract ngrams.Config) string {
	generator := "none"
	if extract.Decompose && extract.Generator != nil {
		generator = extract.Generator.String()
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d|%t|%s|%t|%s|%t",
		config.Checkpoint, config.Layer, config.Padding, config.MaxLength,
		config.SumEmbeddings, config.InstructorPrompt, config.CleanOutput,
		extract.TextKey+"|"+generator, extract.Decompose)))
	return hex.EncodeToString(h[:8])
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
