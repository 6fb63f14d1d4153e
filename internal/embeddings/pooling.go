package embeddings

import (
	"fmt"
	"math"
)

// Pool reduces a forward pass to one vector per row according to layer:
// the pooler output is used as-is, the last hidden state is averaged over the
// sequence axis, and any other layer averages the first entry of the hidden
// states. Averages include padding positions.
func Pool(out *Output, layer string) ([][]float32, error) {
	switch layer {
	case LayerPoolerOutput:
		if out.PoolerOutput == nil {
			return nil, &OutputShapeError{Layer: layer, Keys: out.Keys()}
		}
		return rows2D(out.PoolerOutput)
	case LayerLastHiddenStateMean, LayerLastHiddenState:
		if out.LastHiddenState == nil {
			return nil, &OutputShapeError{Layer: layer, Keys: out.Keys()}
		}
		return meanPool(out.LastHiddenState, nil)
	default:
		if len(out.HiddenStates) == 0 || out.HiddenStates[0] == nil {
			return nil, &OutputShapeError{Layer: layer, Keys: out.Keys()}
		}
		return meanPool(out.HiddenStates[0], nil)
	}
}

// rows2D splits a [batch, hidden] tensor into rows
func rows2D(t *Tensor) ([][]float32, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("%w: expected [batch, hidden], got shape %v", ErrUnsupportedOutputShape, t.Shape)
	}
	batch, dims := int(t.Shape[0]), int(t.Shape[1])
	if len(t.Data) != batch*dims {
		return nil, fmt.Errorf("%w: data length %d does not match shape %v", ErrUnsupportedOutputShape, len(t.Data), t.Shape)
	}
	res := make([][]float32, batch)
	for i := 0; i < batch; i++ {
		res[i] = make([]float32, dims)
		copy(res[i], t.Data[i*dims:(i+1)*dims])
	}
	return res, nil
}

// meanPool averages a [batch, seq, hidden] tensor over seq. With a mask only
// positions where mask is 1 contribute.
func meanPool(t *Tensor, mask [][]int64) ([][]float32, error) {
	if len(t.Shape) != 3 {
		return nil, fmt.Errorf("%w: expected [batch, seq, hidden], got shape %v", ErrUnsupportedOutputShape, t.Shape)
	}
	batch, seq, dims := int(t.Shape[0]), int(t.Shape[1]), int(t.Shape[2])
	if len(t.Data) != batch*seq*dims {
		return nil, fmt.Errorf("%w: data length %d does not match shape %v", ErrUnsupportedOutputShape, len(t.Data), t.Shape)
	}

	res := make([][]float32, batch)
	for b := 0; b < batch; b++ {
		pooled := make([]float32, dims)
		count := 0
		for s := 0; s < seq; s++ {
			if mask != nil && (s >= len(mask[b]) || mask[b][s] == 0) {
				continue
			}
			count++
			offset := (b*seq + s) * dims
			for d := 0; d < dims; d++ {
				pooled[d] += t.Data[offset+d]
			}
		}
		if count > 0 {
			inv := 1.0 / float32(count)
			for d := 0; d < dims; d++ {
				pooled[d] *= inv
			}
		}
		res[b] = pooled
	}
	return res, nil
}

// normalizeL2 scales v to unit length in place
func normalizeL2(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
