package store

import (
	"time"
)

// FeatureRecord is one featurized example persisted for model fitting
type FeatureRecord struct {
	ID            int64     `db:"id" json:"id"`
	ExampleID     string    `db:"example_id" json:"example_id"`
	TextHash      string    `db:"text_hash" json:"text_hash"`
	Fingerprint   string    `db:"fingerprint" json:"fingerprint"`
	Checkpoint    string    `db:"checkpoint" json:"checkpoint"`
	Text          string    `db:"text" json:"text"`
	Label         string    `db:"label" json:"label"`
	SeqLen        int       `db:"seq_len" json:"seq_len"`
	Dims          int       `db:"dims" json:"dims"`
	EmbeddingText string    `db:"embedding" json:"-"`
	Embedding     []float32 `db:"-" json:"embedding"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// ListOptions contains options for listing stored features
type ListOptions struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	Label       string `json:"label,omitempty"`
	Limit       int    `json:"limit"`
	Offset      int    `json:"offset"`
}

// FeatureStats represents database statistics
type FeatureStats struct {
	TotalFeatures int64   `db:"total" json:"total_features"`
	Fingerprints  int64   `db:"fingerprints" json:"fingerprints"`
	EmptyExamples int64   `db:"empty" json:"empty_examples"`
	AvgSeqLen     float64 `db:"avg_seq_len" json:"avg_seq_len"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted   int64         `json:"inserted"`
	Duplicates int64         `json:"duplicates"`
	Duration   time.Duration `json:"duration"`
}
