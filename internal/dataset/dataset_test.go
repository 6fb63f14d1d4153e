package dataset

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/ngram-embed/internal/cache"
	"github.com/raaihank/ngram-embed/internal/embeddings"
	"github.com/raaihank/ngram-embed/internal/ngrams"
	"github.com/raaihank/ngram-embed/internal/store"
)

// wordEmbedder embeds an example as [span count, 1]
type wordEmbedder struct {
	extract ngrams.Config
	calls   int
}

func newWordEmbedder(t *testing.T) *wordEmbedder {
	t.Helper()
	gen, err := ngrams.NewGenerator(ngrams.GeneratorConfig{Order: 1})
	require.NoError(t, err)
	return &wordEmbedder{extract: ngrams.Config{TextKey: "sentence", Decompose: true, Generator: gen}}
}

func (e *wordEmbedder) EmbedExample(ctx context.Context, ex ngrams.Example) (*embeddings.Result, error) {
	e.calls++
	spans, err := ngrams.Extract(ex, e.extract)
	if err != nil {
		return nil, err
	}
	return &embeddings.Result{Embs: [][]float32{{float32(spans.Count), 1}}, SeqLen: spans.Count}, nil
}

func (e *wordEmbedder) Fingerprint() string { return "fp-test" }
func (e *wordEmbedder) Checkpoint() string  { return "bert-base-uncased" }

type recordingReporter struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *recordingReporter) ReportProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingReporter) last() ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const csvInput = `sentence,label
the cat sat,1
good movie,0
,0
`

func TestDetectFileFormat(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		expected FileFormat
	}{
		{"data.csv", "", FormatCSV},
		{"data.parquet", "", FormatParquet},
		{"data.JSONL", "", FormatJSONL},
		{"data.json", "", FormatJSONL},
		{"data.txt", "", FormatCSV},
		{"data.txt", "parquet", FormatParquet},
		{"data.csv", "ndjson", FormatJSONL},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.format, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseFileFormat(tt.format, tt.name))
		})
	}
}

func TestReaders(t *testing.T) {
	t.Run("CSV", func(t *testing.T) {
		path := writeFile(t, "in.csv", "sentence,label\na b,1\nbroken\nc,0\n")
		r, err := OpenReader(path, FormatCSV)
		require.NoError(t, err)
		defer r.Close()

		row, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"sentence": "a b", "label": "1"}, row.Fields)

		_, err = r.Next()
		assert.ErrorIs(t, err, ErrMalformedRow)

		row, err = r.Next()
		require.NoError(t, err)
		assert.Equal(t, int64(2), row.Index)
		assert.Equal(t, "c", row.Fields["sentence"])
	})

	t.Run("JSONL", func(t *testing.T) {
		path := writeFile(t, "in.jsonl", `{"sentence": ["pre", "tokenized"], "label": 1}`+"\n\n{oops\n"+`{"sentence": "x"}`+"\n")
		r, err := OpenReader(path, FormatJSONL)
		require.NoError(t, err)
		defer r.Close()

		row, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, []any{"pre", "tokenized"}, row.Fields["sentence"])

		_, err = r.Next()
		assert.ErrorIs(t, err, ErrMalformedRow)

		row, err = r.Next()
		require.NoError(t, err)
		assert.Equal(t, "x", row.Fields["sentence"])
	})

	t.Run("Parquet", func(t *testing.T) {
		type input struct {
			Sentence string `parquet:"sentence"`
			Label    int64  `parquet:"label"`
		}
		path := filepath.Join(t.TempDir(), "in.parquet")
		require.NoError(t, parquet.WriteFile(path, []input{{"the cat sat", 1}, {"good movie", 0}}))

		r, err := OpenReader(path, FormatParquet)
		require.NoError(t, err)
		defer r.Close()

		row, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, "the cat sat", row.Fields["sentence"])
		assert.Equal(t, int64(1), row.Fields["label"])

		row, err = r.Next()
		require.NoError(t, err)
		assert.Equal(t, "good movie", row.Fields["sentence"])

		_, err = r.Next()
		assert.Error(t, err)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := OpenReader(filepath.Join(t.TempDir(), "nope.csv"), FormatCSV)
		assert.Error(t, err)
	})
}

func TestPipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("WritesParquetFeatures", func(t *testing.T) {
		input := writeFile(t, "in.csv", csvInput)
		output := filepath.Join(t.TempDir(), "out", "features.parquet")
		reporter := &recordingReporter{}

		p := NewPipeline(newWordEmbedder(t), nil, nil, reporter, "sentence",
			&Config{Output: output, LabelKey: "label", ProgressEvery: 1}, zap.NewNop())
		result, err := p.ProcessFile(ctx, input)
		require.NoError(t, err)

		assert.Equal(t, int64(3), result.TotalRecords)
		assert.Equal(t, int64(3), result.ProcessedOK)
		assert.Equal(t, int64(1), result.EmptyExamples)
		assert.NotEmpty(t, result.JobID)

		rows, err := ReadFeatureFile(output)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, "the cat sat", rows[0].Text)
		assert.Equal(t, "1", rows[0].Label)
		assert.Equal(t, int32(3), rows[0].SeqLen)
		assert.Equal(t, []float32{3, 1}, rows[0].Embedding)
		assert.Equal(t, int32(1), rows[0].Rows)
		assert.Equal(t, int32(2), rows[0].Dims)
		assert.Equal(t, int32(0), rows[2].SeqLen)

		last := reporter.last()
		assert.True(t, last.Done)
		assert.Equal(t, int64(3), last.Processed)
		assert.Empty(t, last.Error)
	})

	t.Run("SkipsBadRows", func(t *testing.T) {
		input := writeFile(t, "in.jsonl", `{"sentence": "a b"}`+"\n{bad json\n"+`{"other": "x"}`+"\n"+`{"sentence": ["c"]}`+"\n")
		p := NewPipeline(newWordEmbedder(t), nil, nil, nil, "sentence", &Config{}, zap.NewNop())

		result, err := p.ProcessFile(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, int64(4), result.TotalRecords)
		assert.Equal(t, int64(2), result.ProcessedOK)
		assert.Equal(t, int64(2), result.ProcessedFailed)
		assert.Len(t, result.Errors, 2)
	})

	t.Run("Limit", func(t *testing.T) {
		input := writeFile(t, "in.csv", csvInput)
		p := NewPipeline(newWordEmbedder(t), nil, nil, nil, "sentence", &Config{Limit: 2}, zap.NewNop())

		result, err := p.ProcessFile(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.TotalRecords)
	})

	t.Run("CacheSkipsEmbedding", func(t *testing.T) {
		mr := miniredis.RunT(t)
		fc, err := cache.NewFeatureCache(&cache.Config{Addr: mr.Addr(), DefaultTTL: time.Hour, KeyPrefix: "test:"}, zap.NewNop())
		require.NoError(t, err)
		defer fc.Close()

		input := writeFile(t, "in.csv", csvInput)
		embedder := newWordEmbedder(t)
		p := NewPipeline(embedder, fc, nil, nil, "sentence", &Config{}, zap.NewNop())

		first, err := p.ProcessFile(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, int64(0), first.CacheHits)
		assert.Equal(t, 3, embedder.calls)

		second, err := p.ProcessFile(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, int64(3), second.CacheHits)
		assert.Equal(t, 3, embedder.calls)
		assert.Equal(t, int64(1), second.EmptyExamples)
	})

	t.Run("CacheKeysKeepInputKind", func(t *testing.T) {
		mr := miniredis.RunT(t)
		fc, err := cache.NewFeatureCache(&cache.Config{Addr: mr.Addr(), DefaultTTL: time.Hour, KeyPrefix: "test:"}, zap.NewNop())
		require.NoError(t, err)
		defer fc.Close()

		// each pair renders to the same display text but must not share a result
		input := writeFile(t, "in.jsonl", `{"sentence": ["a b"]}`+"\n"+
			`{"sentence": "a b"}`+"\n"+
			`{"sentence": "1 2"}`+"\n"+
			`{"sentence": [1, 2]}`+"\n"+
			`{"sentence": ""}`+"\n"+
			`{"other": "x"}`+"\n")
		embedder := newWordEmbedder(t)
		p := NewPipeline(embedder, fc, nil, nil, "sentence", &Config{StoreBatchSize: 1}, zap.NewNop())

		result, err := p.ProcessFile(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, int64(0), result.CacheHits)
		assert.Equal(t, int64(4), result.ProcessedOK)
		assert.Equal(t, int64(2), result.ProcessedFailed)
		assert.Equal(t, 4, embedder.calls)
		require.Len(t, result.Errors, 2)
		assert.Contains(t, result.Errors[0], ngrams.ErrInvalidInputKind.Error())
		assert.Contains(t, result.Errors[1], ngrams.ErrMissingField.Error())

		// a rerun hits the cache for the good rows and still rejects the bad ones
		result, err = p.ProcessFile(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, int64(4), result.CacheHits)
		assert.Equal(t, int64(2), result.ProcessedFailed)
		assert.Equal(t, 4, embedder.calls)
	})

	t.Run("WritesStore", func(t *testing.T) {
		s, err := store.NewStore(&store.Config{Driver: store.DriverSQLite, DSN: ":memory:"}, zap.NewNop())
		require.NoError(t, err)
		defer s.Close()

		input := writeFile(t, "in.csv", csvInput)
		p := NewPipeline(newWordEmbedder(t), nil, s, nil, "sentence",
			&Config{WriteStore: true, StoreBatchSize: 2, LabelKey: "label"}, zap.NewNop())

		result, err := p.ProcessFile(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, int64(3), result.StoreInserted)

		result, err = p.ProcessFile(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, int64(0), result.StoreInserted)
		assert.Equal(t, int64(3), result.Duplicates)

		key, err := ngrams.TextExample("good movie").CanonicalText("")
		require.NoError(t, err)
		got, ok, err := s.Get(ctx, "fp-test", key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "0", got.Label)
		assert.Equal(t, 2, got.SeqLen)
		assert.Equal(t, []float32{2, 1}, got.Embedding)
	})

	t.Run("Cancelled", func(t *testing.T) {
		input := writeFile(t, "in.csv", csvInput)
		reporter := &recordingReporter{}
		p := NewPipeline(newWordEmbedder(t), nil, nil, reporter, "sentence", &Config{}, zap.NewNop())

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := p.ProcessFile(cctx, input)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotEmpty(t, reporter.last().Error)
	})
}
