//go:build onnx
// +build onnx

package embeddings

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var ortEnv = &runtimeEnv{
	init: func(sharedLibraryPath string) error {
		if ort.IsInitialized() {
			return nil
		}
		// Allow user to provide shared library path via config or environment variable.
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		} else if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
			ort.SetSharedLibraryPath(shlib)
		} else if shlib := os.Getenv("ORT_SHLIB"); shlib != "" {
			ort.SetSharedLibraryPath(shlib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("%w: onnx runtime environment init failed: %v", ErrModelNotLoaded, err)
		}
		return nil
	},
	destroy: func() {
		_ = ort.DestroyEnvironment()
	},
}

// cudaProbe asks ONNX Runtime whether the CUDA execution provider can be attached
func cudaProbe(sharedLibraryPath string) CapabilityProbe {
	return func() (bool, string) {
		if err := ortEnv.acquire(sharedLibraryPath); err != nil {
			return false, err.Error()
		}
		defer ortEnv.release()

		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return false, err.Error()
		}
		defer cudaOpts.Destroy()
		sessOpts, err := ort.NewSessionOptions()
		if err != nil {
			return false, err.Error()
		}
		defer sessOpts.Destroy()
		if err := sessOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return false, err.Error()
		}
		return true, ""
	}
}

type outputKind int

const (
	outputPooler outputKind = iota
	outputLastHidden
	outputHiddenState
	outputSentence
)

type outputSlot struct {
	name  string
	kind  outputKind
	layer int
}

// OnnxEncoder implements Encoder using ONNX Runtime (via yalue/onnxruntime_go).
type OnnxEncoder struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	outputs    []outputSlot
	hiddenSize int
	logger     *zap.Logger
	mu         sync.RWMutex
}

// newRuntimeEncoder opens an inference session for the model. Requires build tag 'onnx'.
func newRuntimeEncoder(opts runtimeOptions, logger *zap.Logger) (Encoder, error) {
	if err := ortEnv.acquire(opts.sharedLibraryPath); err != nil {
		return nil, err
	}
	enc, err := openSession(opts, logger)
	if err != nil {
		ortEnv.release()
		return nil, err
	}
	return enc, nil
}

func openSession(opts runtimeOptions, logger *zap.Logger) (*OnnxEncoder, error) {
	// Inspect model IO to determine names
	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(opts.modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to inspect model: %v", ErrModelNotLoaded, err)
	}

	var inputNames []string
	for _, ii := range inputsInfo {
		switch strings.ToLower(ii.Name) {
		case "input_ids", "attention_mask", "token_type_ids", "position_ids":
			inputNames = append(inputNames, ii.Name)
		default:
			return nil, fmt.Errorf("%w: unsupported model input %q", ErrModelNotLoaded, ii.Name)
		}
	}

	var (
		slots      []outputSlot
		hiddenSize int
	)
	for _, oi := range outputsInfo {
		slot, ok := classifyOutput(oi.Name)
		if !ok {
			continue
		}
		slots = append(slots, slot)
		if dims := oi.Dimensions; len(dims) > 0 && dims[len(dims)-1] > 0 && hiddenSize == 0 {
			hiddenSize = int(dims[len(dims)-1])
		}
	}
	if len(slots) == 0 {
		names := make([]string, 0, len(outputsInfo))
		for _, oi := range outputsInfo {
			names = append(names, oi.Name)
		}
		return nil, &OutputShapeError{Keys: names}
	}
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].kind != slots[j].kind {
			return slots[i].kind < slots[j].kind
		}
		return slots[i].layer < slots[j].layer
	})

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: session options: %v", ErrModelNotLoaded, err)
	}
	defer sessOpts.Destroy()
	if opts.device.Device == DeviceCUDA {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("%w: cuda provider options: %v", ErrModelNotLoaded, err)
		}
		defer cudaOpts.Destroy()
		if err := sessOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("%w: cuda provider: %v", ErrModelNotLoaded, err)
		}
	}

	outputNames := make([]string, len(slots))
	for i, s := range slots {
		outputNames[i] = s.name
	}
	sess, err := ort.NewDynamicAdvancedSession(opts.modelPath, inputNames, outputNames, sessOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: session creation failed: %v", ErrModelNotLoaded, err)
	}

	logger.Info("ONNX Runtime encoder ready",
		zap.String("model", opts.modelPath),
		zap.String("family", opts.family.String()),
		zap.Strings("inputs", inputNames),
		zap.Strings("outputs", outputNames))

	return &OnnxEncoder{
		session:    sess,
		inputNames: inputNames,
		outputs:    slots,
		hiddenSize: hiddenSize,
		logger:     logger,
	}, nil
}

// classifyOutput maps exported output names onto the pooling inputs
func classifyOutput(name string) (outputSlot, bool) {
	lower := strings.ToLower(name)
	switch {
	case lower == "pooler_output":
		return outputSlot{name: name, kind: outputPooler}, true
	case lower == "last_hidden_state":
		return outputSlot{name: name, kind: outputLastHidden}, true
	case lower == "sentence_embedding" || lower == "sentence_embeddings":
		return outputSlot{name: name, kind: outputSentence}, true
	case strings.HasPrefix(lower, "hidden_states"):
		suffix := strings.TrimLeft(strings.TrimPrefix(lower, "hidden_states"), "._")
		layer, err := strconv.Atoi(suffix)
		if err != nil {
			return outputSlot{}, false
		}
		return outputSlot{name: name, kind: outputHiddenState, layer: layer}, true
	default:
		return outputSlot{}, false
	}
}

// HiddenSize implements Encoder. It is 0 when the model declares a dynamic width.
func (e *OnnxEncoder) HiddenSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hiddenSize
}

// Close releases session and environment resources.
func (e *OnnxEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
		ortEnv.release()
	}
	return nil
}

// Forward runs inference for one mini-batch. Output tensors are copied into Go
// memory and the runtime-allocated values are destroyed before returning.
func (e *OnnxEncoder) Forward(ctx context.Context, batch *Encoding) (*Output, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return nil, ErrModelNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows := batch.Len()
	if rows == 0 {
		return &Output{}, nil
	}
	shape := ort.NewShape(int64(rows), int64(batch.SeqLen))

	var inputs []ort.Value
	defer func() {
		for _, v := range inputs {
			_ = v.Destroy()
		}
	}()
	for _, rawName := range e.inputNames {
		var data []int64
		switch strings.ToLower(rawName) {
		case "input_ids":
			data = Flatten(batch.InputIDs)
		case "attention_mask":
			data = Flatten(batch.AttentionMask)
		case "token_type_ids":
			data = Flatten(batch.TokenTypeIDs)
		case "position_ids":
			data = positionIDs(rows, batch.SeqLen)
		}
		tensor, err := ort.NewTensor[int64](shape, data)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create %s tensor: %v", ErrInferenceFailed, rawName, err)
		}
		inputs = append(inputs, tensor)
	}

	// Let ORT allocate outputs
	outputs := make([]ort.Value, len(e.outputs))
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("%w: onnx run failed: %v", ErrInferenceFailed, err)
	}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()

	out := &Output{}
	for i, slot := range e.outputs {
		tensor, ok := outputs[i].(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("%w: output %s is not a float32 tensor", ErrInferenceFailed, slot.name)
		}
		copied := &Tensor{
			Shape: append([]int64(nil), tensor.GetShape()...),
			Data:  append([]float32(nil), tensor.GetData()...),
		}
		switch slot.kind {
		case outputPooler:
			out.PoolerOutput = copied
		case outputLastHidden:
			out.LastHiddenState = copied
		case outputSentence:
			out.SentenceEmbedding = copied
		case outputHiddenState:
			out.HiddenStates = append(out.HiddenStates, copied)
		}
	}

	return out, nil
}

func positionIDs(rows, seqLen int) []int64 {
	ids := make([]int64, 0, rows*seqLen)
	for r := 0; r < rows; r++ {
		for s := 0; s < seqLen; s++ {
			ids = append(ids, int64(s))
		}
	}
	return ids
}
