package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raaihank/ngram-embed/internal/embeddings"
	"github.com/raaihank/ngram-embed/internal/ngrams"
	"github.com/raaihank/ngram-embed/internal/store"
)

// Embedder featurizes one example
type Embedder interface {
	EmbedExample(ctx context.Context, ex ngrams.Example) (*embeddings.Result, error)
	Fingerprint() string
	Checkpoint() string
}

// ResultCache looks up and stores featurized examples
type ResultCache interface {
	Key(fingerprint, text string) string
	Get(ctx context.Context, key string) (*embeddings.Result, bool, error)
	SetBatch(ctx context.Context, keys []string, fingerprint string, results []*embeddings.Result) error
}

// FeatureSink persists featurized examples
type FeatureSink interface {
	BatchInsert(ctx context.Context, records []*store.FeatureRecord) (*store.BatchInsertResult, error)
}

// ProgressReporter receives job progress events
type ProgressReporter interface {
	ReportProgress(event ProgressEvent)
}

// Pipeline featurizes a dataset file row by row
type Pipeline struct {
	embedder Embedder
	cache    ResultCache
	sink     FeatureSink
	reporter ProgressReporter
	textKey  string
	config   *Config
	logger   *zap.Logger
}

// NewPipeline creates a new dataset pipeline. cache, sink and reporter may be nil.
func NewPipeline(
	embedder Embedder,
	cache ResultCache,
	sink FeatureSink,
	reporter ProgressReporter,
	textKey string,
	config *Config,
	logger *zap.Logger,
) *Pipeline {
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = 100
	}
	if config.StoreBatchSize <= 0 {
		config.StoreBatchSize = 100
	}
	return &Pipeline{
		embedder: embedder,
		cache:    cache,
		sink:     sink,
		reporter: reporter,
		textKey:  textKey,
		config:   config,
		logger:   logger,
	}
}

// ProcessFile featurizes every row of a CSV, JSON-lines or Parquet file under a new job ID
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*ProcessingResult, error) {
	return p.ProcessFileAs(ctx, uuid.NewString(), filePath)
}

// ProcessFileAs is ProcessFile with a caller-chosen job ID
func (p *Pipeline) ProcessFileAs(ctx context.Context, jobID, filePath string) (*ProcessingResult, error) {
	format := p.config.Format
	if format == "" {
		format = DetectFileFormat(filePath)
	}

	reader, err := OpenReader(filePath, format)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var writer *FeatureWriter
	if p.config.Output != "" {
		writer, err = CreateFeatureWriter(p.config.Output)
		if err != nil {
			return nil, err
		}
	}

	p.logger.Info("Starting dataset job",
		zap.String("job_id", jobID),
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.String("output", p.config.Output),
		zap.Bool("write_store", p.config.WriteStore && p.sink != nil),
		zap.Bool("cache", p.cache != nil))

	result, runErr := p.Run(ctx, jobID, filePath, reader, writer)
	if writer != nil {
		if err := writer.Close(); err != nil && runErr == nil {
			runErr = err
		}
	}
	return result, runErr
}

// Run drains reader, writing features to writer (may be nil), the sink and the cache
func (p *Pipeline) Run(ctx context.Context, jobID, input string, reader Reader, writer *FeatureWriter) (*ProcessingResult, error) {
	start := time.Now()
	result := &ProcessingResult{JobID: jobID}
	b := &batch{}

	fail := func(err error) (*ProcessingResult, error) {
		result.Duration = time.Since(start)
		p.report(result, input, start, true, err)
		p.logger.Error("Dataset job failed",
			zap.String("job_id", jobID),
			zap.Int64("processed_ok", result.ProcessedOK),
			zap.Error(err))
		return result, err
	}

	for p.config.Limit <= 0 || result.TotalRecords < int64(p.config.Limit) {
		// Check context cancellation
		select {
		case <-ctx.Done():
			if err := p.flush(ctx, b, writer, result); err != nil {
				p.logger.Warn("Failed to flush partial batch", zap.Error(err))
			}
			return fail(ctx.Err())
		default:
		}

		row, err := reader.Next()
		if err == io.EOF {
			break
		}
		result.TotalRecords++
		if err != nil {
			if !errors.Is(err, ErrMalformedRow) {
				return fail(err)
			}
			p.recordFailure(result, row.Index, err)
			continue
		}

		if err := p.processRow(ctx, row, b, result); err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.recordFailure(result, row.Index, err)
			continue
		}

		if b.len() >= p.config.StoreBatchSize {
			if err := p.flush(ctx, b, writer, result); err != nil {
				return fail(err)
			}
		}

		if result.TotalRecords%int64(p.config.ProgressEvery) == 0 {
			p.report(result, input, start, false, nil)
		}
	}

	if err := p.flush(ctx, b, writer, result); err != nil {
		return fail(err)
	}

	result.Duration = time.Since(start)
	p.report(result, input, start, true, nil)

	p.logger.Info("Dataset job completed",
		zap.String("job_id", jobID),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("empty_examples", result.EmptyExamples),
		zap.Int64("cache_hits", result.CacheHits),
		zap.Int64("store_inserted", result.StoreInserted),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("database_time", result.DatabaseTime))

	return result, nil
}

// batch holds featurized rows awaiting a flush
type batch struct {
	rows      []FeatureRow
	records   []*store.FeatureRecord
	cacheKeys []string
	cacheVals []*embeddings.Result
}

func (b *batch) len() int {
	return len(b.rows)
}

func (b *batch) reset() {
	b.rows = b.rows[:0]
	b.records = b.records[:0]
	b.cacheKeys = b.cacheKeys[:0]
	b.cacheVals = b.cacheVals[:0]
}

// processRow featurizes one row, consulting the cache first
func (p *Pipeline) processRow(ctx context.Context, row Row, b *batch, result *ProcessingResult) error {
	fingerprint := p.embedder.Fingerprint()
	text := p.exampleText(row.Fields)
	example := ngrams.RecordExample(row.Fields)

	// rows whose text field does not resolve fail before the cache is consulted
	canonical, err := example.CanonicalText(p.textKey)
	if err != nil {
		return err
	}

	var (
		res      *embeddings.Result
		cacheKey string
		cached   bool
	)
	if p.cache != nil {
		cacheKey = p.cache.Key(fingerprint, canonical)
		cacheStart := time.Now()
		hit, ok, err := p.cache.Get(ctx, cacheKey)
		result.CacheTime += time.Since(cacheStart)
		if err != nil {
			p.logger.Warn("Cache lookup failed", zap.Error(err))
		} else if ok {
			res, cached = hit, true
			result.CacheHits++
		}
	}

	if res == nil {
		embeddingStart := time.Now()
		res, err = p.embedder.EmbedExample(ctx, example)
		result.EmbeddingTime += time.Since(embeddingStart)
		if err != nil {
			return err
		}
	}

	result.ProcessedOK++
	if res.SeqLen == 0 {
		result.EmptyExamples++
	}

	exampleID := uuid.NewString()
	label := p.exampleLabel(row.Fields)
	dims := res.Dims()

	flat := make([]float32, 0, len(res.Embs)*dims)
	for _, emb := range res.Embs {
		flat = append(flat, emb...)
	}

	b.rows = append(b.rows, FeatureRow{
		ExampleID:   exampleID,
		Fingerprint: fingerprint,
		Text:        text,
		Label:       label,
		SeqLen:      int32(res.SeqLen),
		Rows:        int32(len(res.Embs)),
		Dims:        int32(dims),
		Embedding:   flat,
	})

	if p.sink != nil && p.config.WriteStore {
		b.records = append(b.records, &store.FeatureRecord{
			ExampleID:   exampleID,
			TextHash:    store.HashText(canonical),
			Fingerprint: fingerprint,
			Checkpoint:  p.embedder.Checkpoint(),
			Text:        text,
			Label:       label,
			SeqLen:      res.SeqLen,
			Dims:        dims,
			Embedding:   flat,
		})
	}

	if p.cache != nil && !cached {
		b.cacheKeys = append(b.cacheKeys, cacheKey)
		b.cacheVals = append(b.cacheVals, res)
	}
	return nil
}

// flush writes the pending batch to the parquet file, the sink and the cache
func (p *Pipeline) flush(ctx context.Context, b *batch, writer *FeatureWriter, result *ProcessingResult) error {
	if b.len() == 0 {
		return nil
	}
	defer b.reset()

	if writer != nil {
		if err := writer.Write(b.rows); err != nil {
			return err
		}
	}

	if len(b.records) > 0 {
		dbStart := time.Now()
		inserted, err := p.sink.BatchInsert(ctx, b.records)
		if err != nil {
			return fmt.Errorf("database batch insert failed: %w", err)
		}
		result.DatabaseTime += time.Since(dbStart)
		result.StoreInserted += inserted.Inserted
		result.Duplicates += inserted.Duplicates
	}

	if len(b.cacheKeys) > 0 {
		cacheStart := time.Now()
		if err := p.cache.SetBatch(ctx, b.cacheKeys, p.embedder.Fingerprint(), b.cacheVals); err != nil {
			p.logger.Warn("Failed to update cache", zap.Error(err))
		}
		result.CacheTime += time.Since(cacheStart)
	}

	p.logger.Debug("Batch flushed",
		zap.Int("rows", b.len()),
		zap.Int("store_records", len(b.records)),
		zap.Int("cache_entries", len(b.cacheKeys)))
	return nil
}

func (p *Pipeline) recordFailure(result *ProcessingResult, index int64, err error) {
	result.ProcessedFailed++
	if len(result.Errors) < maxRecordedErrors {
		result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", index, err))
	}
	p.logger.Warn("Failed to featurize row",
		zap.Int64("row", index),
		zap.Error(err))
}

// report logs progress and forwards it to the reporter
func (p *Pipeline) report(result *ProcessingResult, input string, start time.Time, done bool, err error) {
	elapsed := time.Since(start)
	var rate float64
	if elapsed > 0 {
		rate = float64(result.TotalRecords) / elapsed.Seconds()
	}

	event := ProgressEvent{
		JobID:     result.JobID,
		Input:     input,
		Processed: result.ProcessedOK,
		Failed:    result.ProcessedFailed,
		CacheHits: result.CacheHits,
		Rate:      rate,
		Elapsed:   elapsed,
		Done:      done,
	}
	if err != nil {
		event.Error = err.Error()
	}

	if !done {
		p.logger.Info("Processing progress",
			zap.String("job_id", result.JobID),
			zap.Int64("processed", result.ProcessedOK),
			zap.Int64("failed", result.ProcessedFailed),
			zap.Float64("rate_per_sec", rate),
			zap.Duration("elapsed", elapsed))
	}

	if p.reporter != nil {
		p.reporter.ReportProgress(event)
	}
}

// exampleText renders the configured text field for hashing, caching and output
func (p *Pipeline) exampleText(fields map[string]any) string {
	v, ok := fields[p.textKey]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, " ")
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, " ")
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

func (p *Pipeline) exampleLabel(fields map[string]any) string {
	if p.config.LabelKey == "" {
		return ""
	}
	v, ok := fields[p.config.LabelKey]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
