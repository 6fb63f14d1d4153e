//go:build !onnx
// +build !onnx

package embeddings

import (
	"fmt"

	"go.uber.org/zap"
)

var ortEnv = &runtimeEnv{
	init:    func(string) error { return nil },
	destroy: func() {},
}

// Stub implementation used when the 'onnx' build tag is not set.
func newRuntimeEncoder(opts runtimeOptions, logger *zap.Logger) (Encoder, error) {
	logger.Warn("Inference runtime unavailable in this build", zap.String("model", opts.modelPath))
	return nil, fmt.Errorf("%w: built without onnx support (rebuild with -tags onnx)", ErrModelNotLoaded)
}

func cudaProbe(string) CapabilityProbe {
	return func() (bool, string) {
		return false, "built without onnx support"
	}
}
