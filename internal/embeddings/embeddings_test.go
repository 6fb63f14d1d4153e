package embeddings

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/raaihank/ngram-embed/internal/ngrams"
	"go.uber.org/zap"
)

const testVocab = `[PAD]
[UNK]
[CLS]
[SEP]
the
cat
sat
dummy
un
##aff
##able
good
movie
represent
:
`

// fakeEncoder produces outputs that depend only on each row's token ids:
// hidden value d at a position is id*(d+1)/10
type fakeEncoder struct {
	hidden  int
	pooler  bool
	poison  bool
	batches []int
	closed  bool
}

func (f *fakeEncoder) Forward(ctx context.Context, batch *Encoding) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.batches = append(f.batches, batch.Len())
	rows, seq, h := batch.Len(), batch.SeqLen, f.hidden

	last := &Tensor{Shape: []int64{int64(rows), int64(seq), int64(h)}, Data: make([]float32, rows*seq*h)}
	first := &Tensor{Shape: []int64{int64(rows), int64(seq), int64(h)}, Data: make([]float32, rows*seq*h)}
	for b := 0; b < rows; b++ {
		for s := 0; s < seq; s++ {
			id := float32(batch.InputIDs[b][s])
			for d := 0; d < h; d++ {
				i := (b*seq+s)*h + d
				last.Data[i] = id * float32(d+1) / 10
				first.Data[i] = id
			}
		}
	}
	if f.poison {
		last.Data[0] = float32(math.NaN())
	}

	out := &Output{LastHiddenState: last, HiddenStates: []*Tensor{first, last}}
	if f.pooler {
		pooled := &Tensor{Shape: []int64{int64(rows), int64(h)}, Data: make([]float32, rows*h)}
		for b := 0; b < rows; b++ {
			for d := 0; d < h; d++ {
				pooled.Data[b*h+d] = float32(batch.InputIDs[b][1])
			}
		}
		out.PoolerOutput = pooled
	}
	return out, nil
}

func (f *fakeEncoder) HiddenSize() int { return f.hidden }

func (f *fakeEncoder) Close() error {
	f.closed = true
	return nil
}

func newTestTokenizer(t *testing.T) *WordPieceTokenizer {
	t.Helper()
	tok, err := NewWordPiece(strings.NewReader(testVocab), WordPieceOptions{Lowercase: true})
	if err != nil {
		t.Fatalf("Failed to build tokenizer: %v", err)
	}
	return tok
}

func newTestLoaded(t *testing.T, checkpoint string, padding string, enc *fakeEncoder) *LoadedEncoder {
	t.Helper()
	family, err := ResolveFamily(checkpoint)
	if err != nil {
		t.Fatalf("ResolveFamily failed: %v", err)
	}
	tcfg, err := ResolveTokenizerConfig(newTestTokenizer(t), family, padding, 8)
	if err != nil {
		t.Fatalf("ResolveTokenizerConfig failed: %v", err)
	}
	loaded := &LoadedEncoder{
		Checkpoint: checkpoint,
		Family:     family,
		Tokenizer:  tcfg,
		Device:     DeviceChoice{Device: DeviceCPU, Reason: "test"},
	}
	if family == FamilyInstructor {
		loaded.Instructor = NewInstructorEncoder(enc, tcfg)
	} else {
		loaded.Encoder = enc
	}
	return loaded
}

func newTestAggregator(t *testing.T, cfg AggregatorConfig, padding string, enc *fakeEncoder) *Aggregator {
	t.Helper()
	if cfg.Checkpoint == "" {
		cfg.Checkpoint = "bert-base-uncased"
	}
	agg, err := NewAggregator(cfg, newTestLoaded(t, cfg.Checkpoint, padding, enc), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create aggregator: %v", err)
	}
	return agg
}

func approxEqual(a, b []float32, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > tol {
			return false
		}
	}
	return true
}

// TestResolveFamily tests checkpoint dispatch
func TestResolveFamily(t *testing.T) {
	tests := []struct {
		checkpoint string
		want       Family
	}{
		{"hkunlp/instructor-large", FamilyInstructor},
		{"distilbert-base-uncased", FamilyDistilBERT},
		{"DistilBERT-custom", FamilyDistilBERT},
		{"bert-base-uncased", FamilyBERT},
		{"Bert-Base-Cased", FamilyBERT},
		{"dmis-lab/BioBERT", FamilyBERT},
		{"gpt2", FamilyGPT},
		{"EleutherAI/GPT-neo-125M", FamilyGPT},
	}
	for _, tt := range tests {
		t.Run(tt.checkpoint, func(t *testing.T) {
			got, err := ResolveFamily(tt.checkpoint)
			if err != nil {
				t.Fatalf("ResolveFamily failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}

	t.Run("Unknown", func(t *testing.T) {
		_, err := ResolveFamily("roberta-large")
		if !errors.Is(err, ErrUnknownCheckpoint) {
			t.Errorf("Expected ErrUnknownCheckpoint, got %v", err)
		}
		if _, err := LoadEncoder("t5-small", EncoderOptions{}, zap.NewNop()); !errors.Is(err, ErrUnknownCheckpoint) {
			t.Errorf("LoadEncoder should reject unknown checkpoints, got %v", err)
		}
	})

	t.Run("MissingModel", func(t *testing.T) {
		_, err := LoadEncoder("bert-base-uncased", EncoderOptions{ModelPath: "/nonexistent/model.onnx"}, zap.NewNop())
		if !errors.Is(err, ErrModelNotLoaded) {
			t.Errorf("Expected ErrModelNotLoaded, got %v", err)
		}
	})
}

// TestSelectDevice tests device selection against a capability probe
func TestSelectDevice(t *testing.T) {
	logger := zap.NewNop()
	unavailable := func() (bool, string) { return false, "no driver" }
	available := func() (bool, string) { return true, "" }

	t.Run("AutoFallsBackToCPU", func(t *testing.T) {
		choice, err := SelectDevice(DeviceAuto, unavailable, logger)
		if err != nil {
			t.Fatalf("SelectDevice failed: %v", err)
		}
		if choice.Device != DeviceCPU || !strings.Contains(choice.Reason, "no driver") {
			t.Errorf("Unexpected choice: %+v", choice)
		}
	})

	t.Run("AutoUsesCUDA", func(t *testing.T) {
		choice, _ := SelectDevice("", available, logger)
		if choice.Device != DeviceCUDA {
			t.Errorf("Expected cuda, got %+v", choice)
		}
	})

	t.Run("ExplicitCUDAUnavailable", func(t *testing.T) {
		if _, err := SelectDevice(DeviceCUDA, unavailable, logger); !errors.Is(err, ErrConfigError) {
			t.Errorf("Expected ErrConfigError, got %v", err)
		}
	})

	t.Run("CPUSkipsProbe", func(t *testing.T) {
		probed := false
		choice, _ := SelectDevice("CPU", func() (bool, string) { probed = true; return true, "" }, logger)
		if choice.Device != DeviceCPU || probed {
			t.Errorf("CPU request should not probe, got %+v probed=%t", choice, probed)
		}
	})

	t.Run("InvalidDevice", func(t *testing.T) {
		if _, err := SelectDevice("tpu", nil, logger); err == nil {
			t.Error("Expected error for unknown device")
		}
	})
}

// TestOpenRuntime tests that the environment outlives the device check
func TestOpenRuntime(t *testing.T) {
	logger := zap.NewNop()
	inits, destroys := 0, 0
	env := &runtimeEnv{
		init:    func(string) error { inits++; return nil },
		destroy: func() { destroys++ },
	}
	probe := func() (bool, string) {
		if err := env.acquire(""); err != nil {
			return false, err.Error()
		}
		defer env.release()
		return false, "no driver"
	}

	t.Run("SessionOpensInProbedEnvironment", func(t *testing.T) {
		device, enc, err := openRuntime(env, "", DeviceAuto, probe, func(DeviceChoice) (Encoder, error) {
			if destroys != 0 {
				t.Errorf("Environment destroyed before the session opened")
			}
			if err := env.acquire(""); err != nil {
				return nil, err
			}
			return &fakeEncoder{hidden: 2}, nil
		}, logger)
		if err != nil {
			t.Fatalf("openRuntime failed: %v", err)
		}
		if device.Device != DeviceCPU || enc == nil {
			t.Errorf("Unexpected result: %+v %v", device, enc)
		}
		if inits != 1 || destroys != 0 || env.refs != 1 {
			t.Errorf("Expected one live holder, got inits=%d destroys=%d refs=%d", inits, destroys, env.refs)
		}

		env.release()
		if destroys != 1 || env.refs != 0 {
			t.Errorf("Last release should destroy, got destroys=%d refs=%d", destroys, env.refs)
		}
	})

	t.Run("FailedOpenReleases", func(t *testing.T) {
		inits, destroys = 0, 0
		_, _, err := openRuntime(env, "", DeviceAuto, probe, func(DeviceChoice) (Encoder, error) {
			return nil, ErrModelNotLoaded
		}, logger)
		if !errors.Is(err, ErrModelNotLoaded) {
			t.Errorf("Expected ErrModelNotLoaded, got %v", err)
		}
		if inits != 1 || destroys != 1 || env.refs != 0 {
			t.Errorf("Expected environment torn down, got inits=%d destroys=%d refs=%d", inits, destroys, env.refs)
		}
	})

	t.Run("InitError", func(t *testing.T) {
		failing := &runtimeEnv{init: func(string) error { return ErrModelNotLoaded }, destroy: func() {}}
		if _, _, err := openRuntime(failing, "", DeviceCPU, nil, nil, logger); !errors.Is(err, ErrModelNotLoaded) {
			t.Errorf("Expected ErrModelNotLoaded, got %v", err)
		}
		failing.release()
		if failing.refs != 0 {
			t.Errorf("Release without holders should be a no-op, got refs=%d", failing.refs)
		}
	})
}

// TestTokenizers tests WordPiece, BPE and batch encoding
func TestTokenizers(t *testing.T) {
	t.Run("WordPiece", func(t *testing.T) {
		tok := newTestTokenizer(t)
		ids, err := tok.Encode("The unaffable CAT, sat")
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		// the un ##aff ##able cat [UNK] sat
		want := []int64{4, 8, 9, 10, 5, 1, 6}
		if !reflect.DeepEqual(ids, want) {
			t.Errorf("Expected %v, got %v", want, ids)
		}
	})

	t.Run("StripAccents", func(t *testing.T) {
		if got := stripAccents("café"); got != "cafe" {
			t.Errorf("Expected cafe, got %s", got)
		}
	})

	t.Run("BPE", func(t *testing.T) {
		vocab := `{"h":0,"e":1,"l":2,"o":3,"he":4,"ll":5,"hell":6,"hello":7,"<|endoftext|>":8}`
		merges := "#version: 0.2\nh e\nl l\nhe ll\nhell o\n"
		tok, err := NewBPE(strings.NewReader(vocab), strings.NewReader(merges))
		if err != nil {
			t.Fatalf("NewBPE failed: %v", err)
		}
		ids, err := tok.Encode("hello")
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if !reflect.DeepEqual(ids, []int64{7}) {
			t.Errorf("Expected [7], got %v", ids)
		}

		cfg, err := ResolveTokenizerConfig(tok, FamilyGPT, PaddingLongest, 4)
		if err != nil {
			t.Fatalf("ResolveTokenizerConfig failed: %v", err)
		}
		if cfg.PadToken() != gpt2EndOfText {
			t.Errorf("Pad token should alias end-of-text, got %q", cfg.PadToken())
		}
		if tok.SpecialTokens().Pad != "" {
			t.Error("Resolving the config must not modify the tokenizer")
		}
		enc, _ := cfg.EncodeBatch([]string{"hello", "hell"})
		if enc.SeqLen != 1 || enc.InputIDs[1][0] != 6 {
			t.Errorf("Unexpected encoding: %+v", enc)
		}

		if _, err := ResolveTokenizerConfig(tok, FamilyInstructor, PaddingLongest, 4); !errors.Is(err, ErrConfigError) {
			t.Errorf("Instructor without pad token should fail, got %v", err)
		}
	})

	t.Run("Pretokenize", func(t *testing.T) {
		cases := map[string][]string{
			"hello  world": {"hello", " ", " world"},
			"hello world":  {"hello", " world"},
			"it's 42!  ":   {"it", "'s", " 42", "!", "  "},
			"a\n\nb":       {"a", "\n", "\n", "b"},
			"   leading":   {"  ", " leading"},
			"":             nil,
		}
		for text, want := range cases {
			got, err := pretokenize(text)
			if err != nil {
				t.Fatalf("pretokenize(%q) failed: %v", text, err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("pretokenize(%q): expected %q, got %q", text, want, got)
			}
		}
	})

	t.Run("PaddingAndTruncation", func(t *testing.T) {
		cfg, err := ResolveTokenizerConfig(newTestTokenizer(t), FamilyBERT, PaddingMaxLength, 4)
		if err != nil {
			t.Fatalf("ResolveTokenizerConfig failed: %v", err)
		}
		enc, _ := cfg.EncodeBatch([]string{"the cat sat", "cat"})
		if enc.SeqLen != 4 {
			t.Fatalf("Expected width 4, got %d", enc.SeqLen)
		}
		if !reflect.DeepEqual(enc.InputIDs[0], []int64{2, 4, 5, 3}) {
			t.Errorf("Expected truncated row, got %v", enc.InputIDs[0])
		}
		if !reflect.DeepEqual(enc.InputIDs[1], []int64{2, 5, 3, 0}) {
			t.Errorf("Expected padded row, got %v", enc.InputIDs[1])
		}
		if !reflect.DeepEqual(enc.AttentionMask[1], []int64{1, 1, 1, 0}) {
			t.Errorf("Unexpected mask %v", enc.AttentionMask[1])
		}
		if enc.Tokens() != 7 {
			t.Errorf("Expected 7 real tokens, got %d", enc.Tokens())
		}
	})

	t.Run("InvalidPadding", func(t *testing.T) {
		_, err := ResolveTokenizerConfig(newTestTokenizer(t), FamilyBERT, "do_not_pad", 8)
		if !errors.Is(err, ErrConfigError) {
			t.Errorf("Expected ErrConfigError, got %v", err)
		}
	})
}

// TestPool tests the pooling dispatch
func TestPool(t *testing.T) {
	out := &Output{
		PoolerOutput:    &Tensor{Shape: []int64{1, 2}, Data: []float32{5, 6}},
		LastHiddenState: &Tensor{Shape: []int64{1, 2, 2}, Data: []float32{1, 2, 3, 4}},
		HiddenStates:    []*Tensor{{Shape: []int64{1, 2, 1}, Data: []float32{2, 4}}},
	}

	tests := []struct {
		layer string
		want  []float32
	}{
		{LayerPoolerOutput, []float32{5, 6}},
		{LayerLastHiddenState, []float32{2, 3}},
		{LayerLastHiddenStateMean, []float32{2, 3}},
		{"hidden_states", []float32{3}},
	}
	for _, tt := range tests {
		t.Run(tt.layer, func(t *testing.T) {
			got, err := Pool(out, tt.layer)
			if err != nil {
				t.Fatalf("Pool failed: %v", err)
			}
			if !reflect.DeepEqual(got[0], tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got[0])
			}
		})
	}

	t.Run("Unsupported", func(t *testing.T) {
		_, err := Pool(&Output{LastHiddenState: out.LastHiddenState}, LayerPoolerOutput)
		if !errors.Is(err, ErrUnsupportedOutputShape) {
			t.Fatalf("Expected ErrUnsupportedOutputShape, got %v", err)
		}
		var shapeErr *OutputShapeError
		if !errors.As(err, &shapeErr) || !reflect.DeepEqual(shapeErr.Keys, []string{LayerLastHiddenState}) {
			t.Errorf("Error should list available outputs, got %v", err)
		}

		_, err = Pool(&Output{}, "hidden_states")
		if !errors.Is(err, ErrUnsupportedOutputShape) {
			t.Errorf("Expected ErrUnsupportedOutputShape without hidden states, got %v", err)
		}
	})
}

// TestAggregator tests span aggregation
func TestAggregator(t *testing.T) {
	ctx := context.Background()
	spans := ngrams.Spans{Seqs: []string{"the", "cat", "sat"}, Count: 3}

	t.Run("SumShape", func(t *testing.T) {
		agg := newTestAggregator(t, AggregatorConfig{Layer: LayerLastHiddenState, BatchSize: 2, SumEmbeddings: true}, PaddingMaxLength, &fakeEncoder{hidden: 4})
		res, err := agg.Embed(ctx, spans)
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		if len(res.Embs) != 1 || res.Dims() != 4 || res.SeqLen != 3 {
			t.Errorf("Expected (1, 4) with SeqLen 3, got %d rows, %d dims, %d", len(res.Embs), res.Dims(), res.SeqLen)
		}
	})

	t.Run("NoSumShape", func(t *testing.T) {
		enc := &fakeEncoder{hidden: 4}
		agg := newTestAggregator(t, AggregatorConfig{Layer: LayerLastHiddenState, BatchSize: 2}, PaddingMaxLength, enc)
		res, _ := agg.Embed(ctx, spans)
		if len(res.Embs) != 3 {
			t.Errorf("Expected one row per span, got %d", len(res.Embs))
		}
		if !reflect.DeepEqual(enc.batches, []int{2, 1}) {
			t.Errorf("Expected ordered mini-batches [2 1], got %v", enc.batches)
		}
	})

	t.Run("ZeroSpans", func(t *testing.T) {
		agg := newTestAggregator(t, AggregatorConfig{Layer: LayerLastHiddenState, BatchSize: 8, SumEmbeddings: true}, PaddingMaxLength, &fakeEncoder{hidden: 4})
		res, err := agg.Embed(ctx, ngrams.Spans{Seqs: []string{ngrams.Placeholder}, Count: 0})
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		if res.SeqLen != 0 || len(res.Embs) != 1 || res.Dims() != 4 {
			t.Fatalf("Unexpected zero-span result: %+v", res)
		}
		for _, v := range res.Embs[0] {
			if v != 0 {
				t.Errorf("Zero-span embedding should be all zeros, got %v", res.Embs[0])
				break
			}
		}
	})

	t.Run("SingleSpanSumIsNoOp", func(t *testing.T) {
		single := ngrams.Spans{Seqs: []string{"cat"}, Count: 1}
		summed, _ := newTestAggregator(t, AggregatorConfig{Layer: LayerLastHiddenState, BatchSize: 8, SumEmbeddings: true}, PaddingMaxLength, &fakeEncoder{hidden: 4}).Embed(ctx, single)
		plain, _ := newTestAggregator(t, AggregatorConfig{Layer: LayerLastHiddenState, BatchSize: 8}, PaddingMaxLength, &fakeEncoder{hidden: 4}).Embed(ctx, single)
		if !reflect.DeepEqual(summed.Embs, plain.Embs) {
			t.Errorf("Summing one span should not change it: %v vs %v", summed.Embs, plain.Embs)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		agg := newTestAggregator(t, AggregatorConfig{Layer: LayerLastHiddenState, BatchSize: 2, SumEmbeddings: true}, PaddingMaxLength, &fakeEncoder{hidden: 4})
		first, _ := agg.Embed(ctx, spans)
		second, _ := agg.Embed(ctx, spans)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("Repeated calls differ: %v vs %v", first.Embs, second.Embs)
		}
	})

	t.Run("BatchSizeInvariant", func(t *testing.T) {
		for _, padding := range []string{PaddingMaxLength, PaddingLongest} {
			one, _ := newTestAggregator(t, AggregatorConfig{Layer: LayerLastHiddenState, BatchSize: 1}, padding, &fakeEncoder{hidden: 4}).Embed(ctx, spans)
			all, _ := newTestAggregator(t, AggregatorConfig{Layer: LayerLastHiddenState, BatchSize: 8}, padding, &fakeEncoder{hidden: 4}).Embed(ctx, spans)
			if !reflect.DeepEqual(one.Embs, all.Embs) {
				t.Errorf("Batch size changed results with %s padding", padding)
			}
		}
	})

	t.Run("SumOrderInvariant", func(t *testing.T) {
		reversed := ngrams.Spans{Seqs: []string{"sat", "cat", "the"}, Count: 3}
		cfg := AggregatorConfig{Layer: LayerLastHiddenState, BatchSize: 2, SumEmbeddings: true}
		a, _ := newTestAggregator(t, cfg, PaddingMaxLength, &fakeEncoder{hidden: 4}).Embed(ctx, spans)
		b, _ := newTestAggregator(t, cfg, PaddingMaxLength, &fakeEncoder{hidden: 4}).Embed(ctx, reversed)
		if !approxEqual(a.Embs[0], b.Embs[0], 1e-5) {
			t.Errorf("Span order changed the sum: %v vs %v", a.Embs[0], b.Embs[0])
		}
	})

	t.Run("PoolerOutput", func(t *testing.T) {
		agg := newTestAggregator(t, AggregatorConfig{Layer: LayerPoolerOutput, BatchSize: 8}, PaddingMaxLength, &fakeEncoder{hidden: 2, pooler: true})
		res, err := agg.Embed(ctx, spans)
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		// pooler echoes the first token after [CLS]
		if !reflect.DeepEqual(res.Embs[1], []float32{5, 5}) {
			t.Errorf("Expected pooler row [5 5], got %v", res.Embs[1])
		}
	})

	t.Run("UnsupportedLayer", func(t *testing.T) {
		agg := newTestAggregator(t, AggregatorConfig{Layer: LayerPoolerOutput, BatchSize: 8}, PaddingMaxLength, &fakeEncoder{hidden: 2})
		_, err := agg.Embed(ctx, spans)
		if !errors.Is(err, ErrUnsupportedOutputShape) {
			t.Errorf("Expected ErrUnsupportedOutputShape, got %v", err)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		agg := newTestAggregator(t, AggregatorConfig{Layer: LayerLastHiddenState, BatchSize: 1}, PaddingMaxLength, &fakeEncoder{hidden: 2})
		if _, err := agg.Embed(cancelled, spans); !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		loaded := newTestLoaded(t, "bert-base-uncased", PaddingMaxLength, &fakeEncoder{hidden: 2})
		if _, err := NewAggregator(AggregatorConfig{BatchSize: 0}, loaded, zap.NewNop()); !errors.Is(err, ErrConfigError) {
			t.Errorf("Expected ErrConfigError for zero batch size, got %v", err)
		}
		if _, err := NewAggregator(AggregatorConfig{Checkpoint: "hkunlp/instructor-base", BatchSize: 1}, loaded, zap.NewNop()); !errors.Is(err, ErrModelNotLoaded) {
			t.Errorf("Instructor checkpoint without instruction encoder should fail, got %v", err)
		}
	})
}

// TestInstructor tests instruction-aware encoding
func TestInstructor(t *testing.T) {
	ctx := context.Background()
	spans := ngrams.Spans{Seqs: []string{"cat"}, Count: 1}

	embed := func(prompt string) []float32 {
		agg := newTestAggregator(t, AggregatorConfig{
			Checkpoint:       "hkunlp/instructor-base",
			BatchSize:        4,
			InstructorPrompt: prompt,
		}, PaddingMaxLength, &fakeEncoder{hidden: 4})
		res, err := agg.Embed(ctx, spans)
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		return res.Embs[0]
	}

	t.Run("Normalized", func(t *testing.T) {
		v := embed("represent :")
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		if math.Abs(norm-1) > 1e-5 {
			t.Errorf("Expected unit norm, got %f", math.Sqrt(norm))
		}
		if math.Abs(float64(v[1]/v[0])-2) > 1e-5 {
			t.Errorf("Unexpected direction %v", v)
		}
	})

	t.Run("InstructionMasked", func(t *testing.T) {
		a := embed("represent :")
		b := embed("good movie")
		if !approxEqual(a, b, 1e-6) {
			t.Errorf("Instruction tokens leaked into pooling: %v vs %v", a, b)
		}
	})
}

// TestCleanArray tests numeric cleanup
func TestCleanArray(t *testing.T) {
	inf := float32(math.Inf(1))
	in := []float32{inf, -inf, float32(math.NaN()), 3.5}
	out := CleanArray(in)
	if !reflect.DeepEqual(out, []float32{0, 0, 0, 3.5}) {
		t.Errorf("Expected [0 0 0 3.5], got %v", out)
	}
	if &out[0] != &in[0] {
		t.Error("CleanArray should work in place")
	}

	m := CleanMatrix([][]float32{{inf}, {1}})
	if m[0][0] != 0 || m[1][0] != 1 {
		t.Errorf("Unexpected matrix %v", m)
	}
}

// TestFeaturizer tests the end-to-end example path
func TestFeaturizer(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	generator, err := ngrams.NewGenerator(ngrams.GeneratorConfig{Order: 1})
	if err != nil {
		t.Fatalf("Failed to create generator: %v", err)
	}
	extract := ngrams.Config{Decompose: true, Generator: generator}

	newFeaturizer := func(t *testing.T, cfg ModelConfig, enc *fakeEncoder) *Featurizer {
		t.Helper()
		f, err := NewFeaturizerWithEncoder(cfg, extract, newTestLoaded(t, cfg.Checkpoint, cfg.Padding, enc), logger)
		if err != nil {
			t.Fatalf("Failed to create featurizer: %v", err)
		}
		return f
	}

	t.Run("EmbedExample", func(t *testing.T) {
		f := newFeaturizer(t, DefaultModelConfig(), &fakeEncoder{hidden: 4})
		res, err := f.EmbedExample(ctx, ngrams.TextExample("the cat sat"))
		if err != nil {
			t.Fatalf("EmbedExample failed: %v", err)
		}
		if res.SeqLen != 3 || len(res.Embs) != 1 {
			t.Errorf("Expected SeqLen 3 and one row, got %d and %d", res.SeqLen, len(res.Embs))
		}

		spans, _ := f.Extract(ngrams.TextExample("the cat sat"))
		if !reflect.DeepEqual(spans.Seqs, []string{"the", "cat", "sat"}) {
			t.Errorf("Unexpected spans %v", spans.Seqs)
		}

		stats := f.GetStats()
		if stats.SuccessfulRuns != 1 || stats.TotalSpans != 3 {
			t.Errorf("Unexpected stats %+v", stats)
		}
	})

	t.Run("EmptyExample", func(t *testing.T) {
		f := newFeaturizer(t, DefaultModelConfig(), &fakeEncoder{hidden: 4})
		res, err := f.EmbedExample(ctx, ngrams.TextExample(""))
		if err != nil {
			t.Fatalf("EmbedExample failed: %v", err)
		}
		if res.SeqLen != 0 || f.GetStats().EmptyExamples != 1 {
			t.Errorf("Expected an empty example, got SeqLen %d", res.SeqLen)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		f := newFeaturizer(t, DefaultModelConfig(), &fakeEncoder{hidden: 4})
		_, err := f.EmbedExample(ctx, ngrams.NewExample(42))
		if !errors.Is(err, ErrInvalidInput) || !errors.Is(err, ErrInvalidInputKind) {
			t.Errorf("Expected invalid input error, got %v", err)
		}
		if f.GetStats().FailedRuns != 1 {
			t.Error("Failed run not counted")
		}
	})

	t.Run("CleanOutput", func(t *testing.T) {
		cfg := DefaultModelConfig()
		cfg.CleanOutput = true
		f := newFeaturizer(t, cfg, &fakeEncoder{hidden: 4, poison: true})
		res, err := f.EmbedExample(ctx, ngrams.TextExample("the cat"))
		if err != nil {
			t.Fatalf("EmbedExample failed: %v", err)
		}
		if res.Embs[0][0] != 0 {
			t.Errorf("Expected NaN replaced by 0, got %v", res.Embs[0][0])
		}
	})

	t.Run("Fingerprint", func(t *testing.T) {
		a := newFeaturizer(t, DefaultModelConfig(), &fakeEncoder{hidden: 4})
		b := newFeaturizer(t, DefaultModelConfig(), &fakeEncoder{hidden: 4})
		cfg := DefaultModelConfig()
		cfg.Layer = LayerPoolerOutput
		c := newFeaturizer(t, cfg, &fakeEncoder{hidden: 4})
		if a.Fingerprint() != b.Fingerprint() {
			t.Error("Equal settings should give equal fingerprints")
		}
		if a.Fingerprint() == c.Fingerprint() {
			t.Error("Different layers should give different fingerprints")
		}
	})

	t.Run("Close", func(t *testing.T) {
		enc := &fakeEncoder{hidden: 4}
		f := newFeaturizer(t, DefaultModelConfig(), enc)
		if err := f.Close(); err != nil || !enc.closed {
			t.Errorf("Close should release the encoder, err=%v", err)
		}
	})

	t.Run("ConfigValidation", func(t *testing.T) {
		cfg := DefaultModelConfig()
		cfg.Padding = "none"
		if err := cfg.Validate(); !errors.Is(err, ErrConfigError) {
			t.Errorf("Expected ErrConfigError, got %v", err)
		}
		cfg = DefaultModelConfig()
		cfg.Checkpoint = "xlnet-base"
		if err := cfg.Validate(); !errors.Is(err, ErrUnknownCheckpoint) {
			t.Errorf("Expected ErrUnknownCheckpoint, got %v", err)
		}
	})
}
