package embeddings

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Tensor is a dense float32 array copied out of the inference runtime
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Output holds the named outputs of one forward pass. Absent outputs are nil.
type Output struct {
	PoolerOutput      *Tensor   // [batch, hidden]
	LastHiddenState   *Tensor   // [batch, seq, hidden]
	HiddenStates      []*Tensor // each [batch, seq, hidden], embedding layer first
	SentenceEmbedding *Tensor   // [batch, hidden]
}

// Keys lists the outputs that are present, for error reporting
func (o *Output) Keys() []string {
	var keys []string
	if o.PoolerOutput != nil {
		keys = append(keys, LayerPoolerOutput)
	}
	if o.LastHiddenState != nil {
		keys = append(keys, LayerLastHiddenState)
	}
	if len(o.HiddenStates) > 0 {
		keys = append(keys, LayerHiddenStates)
	}
	if o.SentenceEmbedding != nil {
		keys = append(keys, "sentence_embedding")
	}
	return keys
}

// Encoder runs a transformer forward pass for inference only.
// Implementations release runtime-owned output memory before returning.
type Encoder interface {
	Forward(ctx context.Context, batch *Encoding) (*Output, error)
	HiddenSize() int
	Close() error
}

// InstructionPair is one (instruction, text) input of an instruction-tuned encoder
type InstructionPair struct {
	Instruction string
	Text        string
}

// InstructionEncoder embeds instruction+text pairs directly, one vector per pair
type InstructionEncoder interface {
	EncodeInstructed(ctx context.Context, pairs []InstructionPair, batchSize int) ([][]float32, error)
	HiddenSize() int
	Close() error
}

// EncoderOptions locate the model files and choose where inference runs
type EncoderOptions struct {
	ModelPath         string
	VocabPath         string
	MergesPath        string
	SharedLibraryPath string
	Device            string
	Padding           string
	MaxLength         int
}

// OptionsFromConfig extracts loader options from a model configuration
func OptionsFromConfig(cfg ModelConfig) EncoderOptions {
	return EncoderOptions{
		ModelPath:         cfg.ModelPath,
		VocabPath:         cfg.VocabPath,
		MergesPath:        cfg.MergesPath,
		SharedLibraryPath: cfg.SharedLibraryPath,
		Device:            cfg.Device,
		Padding:           cfg.Padding,
		MaxLength:         cfg.MaxLength,
	}
}

// LoadedEncoder is everything the aggregator needs for one checkpoint.
// Exactly one of Encoder and Instructor is set.
type LoadedEncoder struct {
	Checkpoint string
	Family     Family
	Encoder    Encoder
	Instructor InstructionEncoder
	Tokenizer  *TokenizerConfig
	Device     DeviceChoice
}

// HiddenSize returns the embedding width of the loaded model
func (l *LoadedEncoder) HiddenSize() int {
	if l.Instructor != nil {
		return l.Instructor.HiddenSize()
	}
	if l.Encoder != nil {
		return l.Encoder.HiddenSize()
	}
	return 0
}

// Close releases the runtime session
func (l *LoadedEncoder) Close() error {
	if l.Instructor != nil {
		return l.Instructor.Close()
	}
	if l.Encoder != nil {
		return l.Encoder.Close()
	}
	return nil
}

// LoadEncoder resolves the checkpoint's family, loads its tokenizer and
// starts an inference session on the selected device
func LoadEncoder(checkpoint string, opts EncoderOptions, logger *zap.Logger) (*LoadedEncoder, error) {
	family, err := ResolveFamily(checkpoint)
	if err != nil {
		return nil, err
	}
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("%w: model path is required", ErrConfigError)
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: model not found: %s", ErrModelNotLoaded, opts.ModelPath)
	}

	tok, err := LoadTokenizer(ModelConfig{
		Checkpoint: checkpoint,
		ModelPath:  opts.ModelPath,
		VocabPath:  opts.VocabPath,
		MergesPath: opts.MergesPath,
	}, family)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	tcfg, err := ResolveTokenizerConfig(tok, family, opts.Padding, opts.MaxLength)
	if err != nil {
		return nil, err
	}

	device, enc, err := openRuntime(ortEnv, opts.SharedLibraryPath, opts.Device, cudaProbe(opts.SharedLibraryPath),
		func(device DeviceChoice) (Encoder, error) {
			return newRuntimeEncoder(runtimeOptions{
				modelPath:         opts.ModelPath,
				sharedLibraryPath: opts.SharedLibraryPath,
				family:            family,
				device:            device,
			}, logger)
		}, logger)
	if err != nil {
		return nil, err
	}

	loaded := &LoadedEncoder{
		Checkpoint: checkpoint,
		Family:     family,
		Tokenizer:  tcfg,
		Device:     device,
	}
	if family == FamilyInstructor {
		loaded.Instructor = NewInstructorEncoder(enc, tcfg)
	} else {
		loaded.Encoder = enc
	}

	logger.Info("Encoder loaded",
		zap.String("checkpoint", checkpoint),
		zap.String("family", family.String()),
		zap.String("device", device.Device),
		zap.String("pad_token", tcfg.PadToken()),
		zap.Int("vocab_size", tok.VocabSize()),
		zap.Int("hidden_size", enc.HiddenSize()))

	return loaded, nil
}

// runtimeOptions configure a build-specific inference session
type runtimeOptions struct {
	modelPath         string
	sharedLibraryPath string
	family            Family
	device            DeviceChoice
}
