package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Store persists featurized examples in PostgreSQL or SQLite
type Store struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

// Config contains database configuration
type Config struct {
	Driver          string        `yaml:"driver" mapstructure:"driver"`
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// NewStore connects to the database and ensures the feature table exists
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	if config.Driver != DriverPostgres && config.Driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported driver: %s (must be postgres or sqlite3)", config.Driver)
	}

	db, err := sqlx.Connect(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	maxOpen, maxIdle := config.MaxOpenConns, config.MaxIdleConns
	if config.Driver == DriverSQLite && strings.Contains(config.DSN, ":memory:") {
		// every connection to :memory: is a separate database
		maxOpen, maxIdle = 1, 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &Store{
		db:     db,
		driver: config.Driver,
		logger: logger,
	}

	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Feature store initialized successfully",
		zap.String("driver", config.Driver),
		zap.String("dsn", maskDatabaseURL(config.DSN)),
		zap.Int("max_open_conns", maxOpen))

	return store, nil
}

// initialize checks the connection and creates the schema
func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Test connection
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return s.EnsureSchema(ctx)
}

// EnsureSchema creates the feature table and its indexes if missing
func (s *Store) EnsureSchema(ctx context.Context) error {
	idColumn := "BIGSERIAL PRIMARY KEY"
	if s.driver == DriverSQLite {
		idColumn = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS ngram_features (
			id %s,
			example_id TEXT NOT NULL,
			text_hash TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			checkpoint TEXT NOT NULL,
			text TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			seq_len INTEGER NOT NULL,
			dims INTEGER NOT NULL,
			embedding TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (fingerprint, text_hash)
		)`, idColumn),
		`CREATE INDEX IF NOT EXISTS idx_ngram_features_label ON ngram_features (fingerprint, label)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	s.logger.Debug("Feature schema ready", zap.String("driver", s.driver))
	return nil
}

// BatchInsert adds multiple feature records efficiently.
// Records already stored under the same fingerprint and text are skipped.
func (s *Store) BatchInsert(ctx context.Context, records []*FeatureRecord) (*BatchInsertResult, error) {
	if len(records) == 0 {
		return &BatchInsertResult{}, nil
	}

	start := time.Now()
	result := &BatchInsertResult{}

	// Prepare batch insert
	const columns = 10
	valueStrings := make([]string, 0, len(records))
	valueArgs := make([]interface{}, 0, len(records)*columns)
	now := time.Now().UTC()

	for _, record := range records {
		if record.TextHash == "" {
			record.TextHash = HashText(record.Text)
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		record.Dims = len(record.Embedding)
		valueStrings = append(valueStrings, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		valueArgs = append(valueArgs,
			record.ExampleID,
			record.TextHash,
			record.Fingerprint,
			record.Checkpoint,
			record.Text,
			record.Label,
			record.SeqLen,
			record.Dims,
			formatEmbedding(record.Embedding),
			record.CreatedAt,
		)
	}

	query := s.db.Rebind(fmt.Sprintf(`
		INSERT INTO ngram_features (example_id, text_hash, fingerprint, checkpoint, text, label, seq_len, dims, embedding, created_at)
		VALUES %s
		ON CONFLICT (fingerprint, text_hash) DO NOTHING`,
		strings.Join(valueStrings, ",")))

	res, err := s.db.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		s.logger.Error("Batch insert failed", zap.Error(err))
		return result, fmt.Errorf("batch insert failed: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Could not get rows affected", zap.Error(err))
		inserted = int64(len(records)) // Assume all inserted
	}

	result.Inserted = inserted
	result.Duplicates = int64(len(records)) - inserted
	result.Duration = time.Since(start)

	s.logger.Debug("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates_skipped", result.Duplicates),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// Get returns the record stored under fingerprint for key, the text the
// record's hash was computed from (the canonical example text for pipeline rows)
func (s *Store) Get(ctx context.Context, fingerprint, key string) (*FeatureRecord, bool, error) {
	var records []*FeatureRecord
	query := s.db.Rebind(`SELECT * FROM ngram_features WHERE fingerprint = ? AND text_hash = ? LIMIT 1`)
	if err := s.db.SelectContext(ctx, &records, query, fingerprint, HashText(key)); err != nil {
		return nil, false, fmt.Errorf("failed to get feature: %w", err)
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	if err := decodeRecord(records[0]); err != nil {
		return nil, false, err
	}
	return records[0], true, nil
}

// List returns stored features in insertion order
func (s *Store) List(ctx context.Context, options *ListOptions) ([]*FeatureRecord, error) {
	if options == nil {
		options = &ListOptions{Limit: 100}
	}

	// Build query with optional filters
	var (
		clauses []string
		args    []interface{}
	)
	if options.Fingerprint != "" {
		clauses = append(clauses, "fingerprint = ?")
		args = append(args, options.Fingerprint)
	}
	if options.Label != "" {
		clauses = append(clauses, "label = ?")
		args = append(args, options.Label)
	}
	whereClause := ""
	if len(clauses) > 0 {
		whereClause = "WHERE " + strings.Join(clauses, " AND ")
	}

	limit := options.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, options.Offset)

	query := s.db.Rebind(fmt.Sprintf(`
		SELECT * FROM ngram_features
		%s
		ORDER BY id
		LIMIT ? OFFSET ?`, whereClause))

	var records []*FeatureRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		s.logger.Error("Feature listing failed", zap.Error(err))
		return nil, fmt.Errorf("feature listing failed: %w", err)
	}
	for _, record := range records {
		if err := decodeRecord(record); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// GetStats returns database statistics
func (s *Store) GetStats(ctx context.Context) (*FeatureStats, error) {
	stats := &FeatureStats{}

	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(DISTINCT fingerprint) AS fingerprints,
			COUNT(CASE WHEN seq_len = 0 THEN 1 END) AS empty,
			COALESCE(AVG(seq_len), 0) AS avg_seq_len
		FROM ngram_features`

	if err := s.db.GetContext(ctx, stats, query); err != nil {
		return nil, fmt.Errorf("failed to get feature stats: %w", err)
	}
	return stats, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Helper functions

// HashText returns the hex SHA-256 of text
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func decodeRecord(record *FeatureRecord) error {
	embedding, err := parseEmbedding(record.EmbeddingText)
	if err != nil {
		return err
	}
	record.Embedding = embedding
	return nil
}

// formatEmbedding converts a float32 slice to the bracketed vector text format
func formatEmbedding(embedding []float32) string {
	if len(embedding) == 0 {
		return "[]"
	}

	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// parseEmbedding converts the vector text format back to a float32 slice
func parseEmbedding(embeddingStr string) ([]float32, error) {
	// Remove brackets and split by comma
	embeddingStr = strings.Trim(embeddingStr, "[]")
	if embeddingStr == "" {
		return []float32{}, nil
	}

	parts := strings.Split(embeddingStr, ",")
	embedding := make([]float32, len(parts))

	for i, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedding value: %w", err)
		}
		embedding[i] = float32(val)
	}

	return embedding, nil
}

// maskDatabaseURL masks sensitive information in database URL for logging
func maskDatabaseURL(url string) string {
	// Simple masking - replace password with ***
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
