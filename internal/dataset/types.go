package dataset

import (
	"path/filepath"
	"strings"
	"time"
)

// Row is a single decoded dataset record
type Row struct {
	Index  int64
	Fields map[string]any
}

// FeatureRow is one featurized example in the parquet output.
// Embedding holds Rows vectors of Dims values, row-major.
type FeatureRow struct {
	ExampleID   string    `parquet:"example_id"`
	Fingerprint string    `parquet:"fingerprint"`
	Text        string    `parquet:"text"`
	Label       string    `parquet:"label"`
	SeqLen      int32     `parquet:"seq_len"`
	Rows        int32     `parquet:"rows"`
	Dims        int32     `parquet:"dims"`
	Embedding   []float32 `parquet:"embedding"`
}

// ProcessingResult represents the result of processing a dataset
type ProcessingResult struct {
	JobID           string        `json:"job_id"`
	TotalRecords    int64         `json:"total_records"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	EmptyExamples   int64         `json:"empty_examples"`
	CacheHits       int64         `json:"cache_hits"`
	StoreInserted   int64         `json:"store_inserted"`
	Duplicates      int64         `json:"duplicates"`
	Duration        time.Duration `json:"duration"`
	EmbeddingTime   time.Duration `json:"embedding_time"`
	DatabaseTime    time.Duration `json:"database_time"`
	CacheTime       time.Duration `json:"cache_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains dataset pipeline configuration
type Config struct {
	Format         FileFormat
	Output         string // parquet feature file, empty to skip
	LabelKey       string
	Limit          int // 0 = all rows
	ProgressEvery  int
	WriteStore     bool
	StoreBatchSize int
}

// ProgressEvent reports a running job's counters
type ProgressEvent struct {
	JobID     string        `json:"job_id"`
	Input     string        `json:"input"`
	Processed int64         `json:"processed"`
	Failed    int64         `json:"failed"`
	CacheHits int64         `json:"cache_hits"`
	Rate      float64       `json:"rate"` // records per second
	Elapsed   time.Duration `json:"elapsed"`
	Done      bool          `json:"done"`
	Error     string        `json:"error,omitempty"`
}

// maxRecordedErrors caps ProcessingResult.Errors
const maxRecordedErrors = 100

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSONL
	default:
		return FormatCSV // Default to CSV
	}
}

// ParseFileFormat maps a configured format name, falling back to the file extension
func ParseFileFormat(name, filename string) FileFormat {
	switch strings.ToLower(name) {
	case "csv":
		return FormatCSV
	case "parquet":
		return FormatParquet
	case "json", "jsonl", "ndjson":
		return FormatJSONL
	default:
		return DetectFileFormat(filename)
	}
}
