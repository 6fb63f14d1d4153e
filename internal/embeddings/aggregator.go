package embeddings

import (
	"context"
	"fmt"

	"github.com/raaihank/ngram-embed/internal/ngrams"
	"go.uber.org/zap"
)

// AggregatorConfig controls pooling and aggregation
type AggregatorConfig struct {
	Checkpoint       string
	Layer            string
	BatchSize        int
	SumEmbeddings    bool
	InstructorPrompt string
}

// Aggregator embeds every span of an example and combines the vectors
type Aggregator struct {
	cfg        AggregatorConfig
	family     Family
	encoder    Encoder
	instructor InstructionEncoder
	tokenizer  *TokenizerConfig
	logger     *zap.Logger
}

// NewAggregator binds an aggregation configuration to a loaded encoder
func NewAggregator(cfg AggregatorConfig, loaded *LoadedEncoder, logger *zap.Logger) (*Aggregator, error) {
	if loaded == nil {
		return nil, ErrModelNotLoaded
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrConfigError, cfg.BatchSize)
	}
	if cfg.Checkpoint == "" {
		cfg.Checkpoint = loaded.Checkpoint
	}
	family, err := ResolveFamily(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	a := &Aggregator{
		cfg:        cfg,
		family:     family,
		encoder:    loaded.Encoder,
		instructor: loaded.Instructor,
		tokenizer:  loaded.Tokenizer,
		logger:     logger,
	}
	switch {
	case family == FamilyInstructor && a.instructor == nil:
		return nil, fmt.Errorf("%w: checkpoint %s needs an instruction encoder", ErrModelNotLoaded, cfg.Checkpoint)
	case family != FamilyInstructor && (a.encoder == nil || a.tokenizer == nil):
		return nil, fmt.Errorf("%w: checkpoint %s needs an encoder and tokenizer", ErrModelNotLoaded, cfg.Checkpoint)
	}
	return a, nil
}

// Embed returns the span embeddings of one example, summed into a single row
// when configured. Examples without real spans yield an all-zero result of the
// same shape with SeqLen 0.
func (a *Aggregator) Embed(ctx context.Context, spans ngrams.Spans) (*Result, error) {
	if len(spans.Seqs) == 0 {
		return nil, fmt.Errorf("%w: span list is empty", ErrInvalidInput)
	}

	var (
		embs [][]float32
		err  error
	)
	if a.family == FamilyInstructor {
		embs, err = a.embedInstructed(ctx, spans.Seqs)
	} else {
		embs, err = a.embedSpans(ctx, spans.Seqs)
	}
	if err != nil {
		return nil, err
	}
	if len(embs) != len(spans.Seqs) {
		return nil, fmt.Errorf("%w: got %d vectors for %d spans", ErrInferenceFailed, len(embs), len(spans.Seqs))
	}

	if a.cfg.SumEmbeddings {
		embs = [][]float32{sumRows(embs)}
	}
	if spans.Count == 0 {
		for _, row := range embs {
			clear(row)
		}
	}

	a.logger.Debug("Example embedded",
		zap.Int("spans", len(spans.Seqs)),
		zap.Int("seq_len", spans.Count),
		zap.Int("rows", len(embs)))

	return &Result{Embs: embs, SeqLen: spans.Count}, nil
}

func (a *Aggregator) embedInstructed(ctx context.Context, seqs []string) ([][]float32, error) {
	pairs := make([]InstructionPair, len(seqs))
	for i, s := range seqs {
		pairs[i] = InstructionPair{Instruction: a.cfg.InstructorPrompt, Text: s}
	}
	return a.instructor.EncodeInstructed(ctx, pairs, a.cfg.BatchSize)
}

// embedSpans tokenizes all spans at once, then runs ordered mini-batches
func (a *Aggregator) embedSpans(ctx context.Context, seqs []string) ([][]float32, error) {
	enc, err := a.tokenizer.EncodeBatch(seqs)
	if err != nil {
		return nil, err
	}

	embs := make([][]float32, 0, len(seqs))
	for start := 0; start < enc.Len(); start += a.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+a.cfg.BatchSize, enc.Len())

		out, err := a.encoder.Forward(ctx, enc.Slice(start, end))
		if err != nil {
			return nil, err
		}
		pooled, err := Pool(out, a.cfg.Layer)
		if err != nil {
			return nil, err
		}
		embs = append(embs, pooled...)
	}
	return embs, nil
}

// sumRows adds rows element-wise
func sumRows(rows [][]float32) []float32 {
	if len(rows) == 0 {
		return nil
	}
	sum := make([]float32, len(rows[0]))
	for _, row := range rows {
		for d, v := range row {
			sum[d] += v
		}
	}
	return sum
}
