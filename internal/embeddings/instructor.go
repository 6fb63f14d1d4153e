package embeddings

import (
	"context"
	"fmt"
)

// InstructorEncoder embeds instruction+text pairs with an instruction-tuned
// encoder. Instruction tokens are masked out of the mean, and vectors are
// L2-normalised. A model exporting sentence_embedding is used as-is.
type InstructorEncoder struct {
	encoder   Encoder
	tokenizer *TokenizerConfig
}

// NewInstructorEncoder wraps an encoder and its tokenizer configuration
func NewInstructorEncoder(enc Encoder, tcfg *TokenizerConfig) *InstructorEncoder {
	return &InstructorEncoder{encoder: enc, tokenizer: tcfg}
}

// HiddenSize implements InstructionEncoder
func (e *InstructorEncoder) HiddenSize() int {
	return e.encoder.HiddenSize()
}

// Close implements InstructionEncoder
func (e *InstructorEncoder) Close() error {
	return e.encoder.Close()
}

// EncodeInstructed implements InstructionEncoder
func (e *InstructorEncoder) EncodeInstructed(ctx context.Context, pairs []InstructionPair, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrConfigError, batchSize)
	}
	enc, err := e.tokenizer.EncodeInstructed(pairs)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, 0, len(pairs))
	for start := 0; start < enc.Len(); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batchSize, enc.Len())
		batch := enc.Slice(start, end)

		out, err := e.encoder.Forward(ctx, batch)
		if err != nil {
			return nil, err
		}

		var pooled [][]float32
		switch {
		case out.SentenceEmbedding != nil:
			pooled, err = rows2D(out.SentenceEmbedding)
		case out.LastHiddenState != nil:
			pooled, err = meanPool(out.LastHiddenState, batch.PoolMask)
			for _, v := range pooled {
				normalizeL2(v)
			}
		default:
			err = &OutputShapeError{Layer: LayerLastHiddenState, Keys: out.Keys()}
		}
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, pooled...)
	}
	return vectors, nil
}
