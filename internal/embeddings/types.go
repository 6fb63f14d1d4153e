package embeddings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raaihank/ngram-embed/internal/ngrams"
)

// ModelConfig contains encoder and aggregation configuration
type ModelConfig struct {
	Checkpoint        string        `yaml:"checkpoint" mapstructure:"checkpoint"`                   // "bert-base-uncased"
	ModelPath         string        `yaml:"model_path" mapstructure:"model_path"`                   // "./models/bert-base-uncased/model.onnx"
	VocabPath         string        `yaml:"vocab_path" mapstructure:"vocab_path"`                   // "./models/bert-base-uncased/vocab.txt" or vocab.json
	MergesPath        string        `yaml:"merges_path" mapstructure:"merges_path"`                 // "./models/gpt2/merges.txt"
	SharedLibraryPath string        `yaml:"shared_library_path" mapstructure:"shared_library_path"` // onnxruntime shared library
	Device            string        `yaml:"device" mapstructure:"device"`                           // auto, cpu, or cuda
	Layer             string        `yaml:"layer" mapstructure:"layer"`                             // "last_hidden_state"
	Padding           string        `yaml:"padding" mapstructure:"padding"`                         // max_length or longest
	MaxLength         int           `yaml:"max_length" mapstructure:"max_length"`                   // 512
	BatchSize         int           `yaml:"batch_size" mapstructure:"batch_size"`                   // 8
	SumEmbeddings     bool          `yaml:"sum_embeddings" mapstructure:"sum_embeddings"`           // true
	InstructorPrompt  string        `yaml:"instructor_prompt" mapstructure:"instructor_prompt"`
	CleanOutput       bool          `yaml:"clean_output" mapstructure:"clean_output"`
	ModelTimeout      time.Duration `yaml:"model_timeout" mapstructure:"model_timeout"` // 30s
}

// Pooling layer names
const (
	LayerPoolerOutput        = "pooler_output"
	LayerLastHiddenState     = "last_hidden_state"
	LayerLastHiddenStateMean = "last_hidden_state_mean"
	LayerHiddenStates        = "hidden_states"
)

// Padding strategies
const (
	PaddingMaxLength = "max_length"
	PaddingLongest   = "longest"
)

// DefaultInstructorPrompt is prepended to every span for instruction-tuned checkpoints
const DefaultInstructorPrompt = "Represent the short phrase for sentiment classification: "

// DefaultModelConfig returns the aggregation defaults
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Checkpoint:       "bert-base-uncased",
		Device:           DeviceAuto,
		Layer:            LayerLastHiddenState,
		Padding:          PaddingMaxLength,
		MaxLength:        512,
		BatchSize:        8,
		SumEmbeddings:    true,
		InstructorPrompt: DefaultInstructorPrompt,
		ModelTimeout:     30 * time.Second,
	}
}

// Validate checks the settings that do not depend on model files
func (c ModelConfig) Validate() error {
	if strings.TrimSpace(c.Checkpoint) == "" {
		return fmt.Errorf("%w: checkpoint is required", ErrConfigError)
	}
	if _, err := ResolveFamily(c.Checkpoint); err != nil {
		return err
	}
	if c.Padding != PaddingMaxLength && c.Padding != PaddingLongest {
		return fmt.Errorf("%w: invalid padding: %s (must be max_length or longest)", ErrConfigError, c.Padding)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrConfigError, c.BatchSize)
	}
	if c.MaxLength <= 0 {
		return fmt.Errorf("%w: max length must be positive, got %d", ErrConfigError, c.MaxLength)
	}
	if _, err := ParseDevice(c.Device); err != nil {
		return err
	}
	return nil
}

// Result is the embedding of one example.
// Embs has one row when embeddings are summed, otherwise one row per span.
type Result struct {
	Embs   [][]float32 `json:"embs"`
	SeqLen int         `json:"seq_len"`
}

// Dims returns the embedding width, or 0 for an empty result
func (r *Result) Dims() int {
	if r == nil || len(r.Embs) == 0 {
		return 0
	}
	return len(r.Embs[0])
}

// ModelStats represents featurizer performance statistics
type ModelStats struct {
	TotalExamples     int64         `json:"total_examples"`
	TotalSpans        int64         `json:"total_spans"`
	EmptyExamples     int64         `json:"empty_examples"`
	SuccessfulRuns    int64         `json:"successful_runs"`
	FailedRuns        int64         `json:"failed_runs"`
	AvgInferenceTime  time.Duration `json:"avg_inference_time"`
	AvgSpansPerText   float64       `json:"avg_spans_per_text"`
	ModelLoadTime     time.Duration `json:"model_load_time"`
	LastInferenceTime time.Time     `json:"last_inference_time"`
	ErrorRate         float64       `json:"error_rate"`
	Checkpoint        string        `json:"checkpoint"`
	Device            string        `json:"device"`
	StartTime         time.Time     `json:"start_time"`
}

// EmbeddingErrors define custom error types
type EmbeddingError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *EmbeddingError) Error() string {
	return e.Message
}

// Common error types
var (
	ErrInvalidInput           = &EmbeddingError{Type: "invalid_input", Message: "invalid input", Code: 1001}
	ErrModelNotLoaded         = &EmbeddingError{Type: "model_not_loaded", Message: "model not loaded", Code: 1002}
	ErrInferenceFailed        = &EmbeddingError{Type: "inference_failed", Message: "inference failed", Code: 1003}
	ErrConfigError            = &EmbeddingError{Type: "config_error", Message: "configuration error", Code: 1005}
	ErrTokenizationFailed     = &EmbeddingError{Type: "tokenization_failed", Message: "tokenization failed", Code: 1008}
	ErrUnknownCheckpoint      = &EmbeddingError{Type: "unknown_checkpoint", Message: "unknown checkpoint", Code: 1011}
	ErrUnsupportedOutputShape = &EmbeddingError{Type: "unsupported_output_shape", Message: "unsupported model output", Code: 1012}
)

// ErrInvalidInputKind is returned when the example text is neither a string nor a list of strings
var ErrInvalidInputKind = ngrams.ErrInvalidInputKind

// OutputShapeError reports which outputs a model produced when none of them
// can be pooled into an embedding
type OutputShapeError struct {
	Layer string
	Keys  []string
}

func (e *OutputShapeError) Error() string {
	return fmt.Sprintf("%s: cannot pool layer %q from outputs [%s]",
		ErrUnsupportedOutputShape.Message, e.Layer, strings.Join(e.Keys, ", "))
}

// Is matches ErrUnsupportedOutputShape
func (e *OutputShapeError) Is(target error) bool {
	return target == ErrUnsupportedOutputShape
}

// isInputError reports whether err comes from a malformed example
func isInputError(err error) bool {
	return errors.Is(err, ngrams.ErrInvalidInputKind) || errors.Is(err, ngrams.ErrMissingField)
}
