package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/segmentio/parquet-go"
)

// FeatureWriter appends feature rows to a parquet file
type FeatureWriter struct {
	file   *os.File
	writer *parquet.GenericWriter[FeatureRow]
	rows   int64
}

// CreateFeatureWriter creates (or truncates) a parquet feature file
func CreateFeatureWriter(path string) (*FeatureWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file: %w", err)
	}
	return &FeatureWriter{
		file:   file,
		writer: parquet.NewGenericWriter[FeatureRow](file),
	}, nil
}

// Write buffers rows; they are flushed on Close
func (w *FeatureWriter) Write(rows []FeatureRow) error {
	if len(rows) == 0 {
		return nil
	}
	n, err := w.writer.Write(rows)
	w.rows += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write feature rows: %w", err)
	}
	return nil
}

// Rows returns the number of rows written so far
func (w *FeatureWriter) Rows() int64 {
	return w.rows
}

// Close flushes the parquet footer and closes the file
func (w *FeatureWriter) Close() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return w.file.Close()
}

// ReadFeatureFile loads every row of a parquet feature file
func ReadFeatureFile(path string) ([]FeatureRow, error) {
	rows, err := parquet.ReadFile[FeatureRow](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature file: %w", err)
	}
	return rows, nil
}
