/**
 * PostgreSQL Client for the Captcha Worker
 *
 * Persists the recognition history: every solved or failed captcha job with
 * its OCR text, extracted expression, trace and outcome.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a recognition id has no stored row.
var ErrNotFound = errors.New("recognition not found")

// Recognition status values
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Schema creates the history table. Applied by Migrate on startup.
const Schema = `
CREATE SCHEMA IF NOT EXISTS captcha;
CREATE TABLE IF NOT EXISTS captcha.recognitions (
	id                 TEXT PRIMARY KEY,
	image_hash         TEXT,
	status             TEXT NOT NULL,
	raw_text           TEXT,
	cleaned_text       TEXT,
	expression         TEXT,
	strategy           TEXT,
	result             BIGINT,
	steps              TEXT[],
	ocr_engine         TEXT,
	confidence         NUMERIC(5,4),
	processing_time_ms BIGINT,
	error_code         TEXT,
	error_message      TEXT,
	metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS recognitions_image_hash_idx ON captcha.recognitions (image_hash);
`

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// Recognition is one row of recognition history
type Recognition struct {
	ID               string
	ImageHash        string
	Status           string
	RawText          string
	CleanedText      string
	Expression       string
	Strategy         string
	Result           *int64
	Steps            []string
	OCREngine        string
	Confidence       float64
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// sanitizeConfidence rounds confidence to 4 decimal places and clamps to [0, 1]
// so it fits NUMERIC(5,4).
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// sanitizeText drops NUL bytes, which PostgreSQL TEXT rejects. OCR engines
// occasionally emit them for unreadable glyphs.
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// NewPostgresClientFromDB wraps an existing handle.
func NewPostgresClientFromDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{db: db}
}

// Migrate applies Schema.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// UpsertRecognition inserts or updates a recognition row by id
func (p *PostgresClient) UpsertRecognition(ctx context.Context, rec *Recognition) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("recognition ID is required")
	}
	if rec.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var result sql.NullInt64
	if rec.Result != nil {
		result = sql.NullInt64{Int64: *rec.Result, Valid: true}
	}

	// Later writes win, but an empty field never erases a value already stored
	// (a failed retry must not wipe the OCR text of an earlier attempt).
	query := `
		INSERT INTO captcha.recognitions (
			id, image_hash, status, raw_text, cleaned_text, expression, strategy,
			result, steps, ocr_engine, confidence, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''),
			$8, $9, NULLIF($10, ''), NULLIF($11::NUMERIC(5,4), 0), NULLIF($12, 0),
			NULLIF($13, ''), NULLIF($14, ''), COALESCE($15::jsonb, '{}'::jsonb), NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			image_hash = COALESCE(EXCLUDED.image_hash, captcha.recognitions.image_hash),
			status = EXCLUDED.status,
			raw_text = COALESCE(EXCLUDED.raw_text, captcha.recognitions.raw_text),
			cleaned_text = COALESCE(EXCLUDED.cleaned_text, captcha.recognitions.cleaned_text),
			expression = COALESCE(EXCLUDED.expression, captcha.recognitions.expression),
			strategy = COALESCE(EXCLUDED.strategy, captcha.recognitions.strategy),
			result = EXCLUDED.result,
			steps = EXCLUDED.steps,
			ocr_engine = COALESCE(EXCLUDED.ocr_engine, captcha.recognitions.ocr_engine),
			confidence = COALESCE(EXCLUDED.confidence, captcha.recognitions.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, captcha.recognitions.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = captcha.recognitions.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING created_at
	`

	var createdAt time.Time
	err = p.db.QueryRowContext(
		ctx,
		query,
		rec.ID,                               // $1
		rec.ImageHash,                        // $2
		rec.Status,                           // $3
		sanitizeText(rec.RawText),            // $4
		sanitizeText(rec.CleanedText),        // $5
		rec.Expression,                       // $6
		rec.Strategy,                         // $7
		result,                               // $8
		pq.Array(rec.Steps),                  // $9
		rec.OCREngine,                        // $10
		sanitizeConfidence(rec.Confidence),   // $11
		rec.ProcessingTimeMs,                 // $12
		rec.ErrorCode,                        // $13
		sanitizeText(rec.ErrorMessage),       // $14
		metadataJSON,                         // $15
	).Scan(&createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert recognition (id=%s, status=%s): %w", rec.ID, rec.Status, err)
	}

	rec.CreatedAt = createdAt
	return nil
}

// GetRecognition retrieves a recognition by ID
func (p *PostgresClient) GetRecognition(ctx context.Context, id string) (*Recognition, error) {
	if id == "" {
		return nil, fmt.Errorf("recognition ID is required")
	}

	query := `
		SELECT
			id, image_hash, status, raw_text, cleaned_text, expression, strategy,
			result, steps, ocr_engine, confidence, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		FROM captcha.recognitions
		WHERE id = $1
	`

	var (
		rec                                   Recognition
		imageHash, rawText, cleanedText       sql.NullString
		expression, strategy, ocrEngine       sql.NullString
		errorCode, errorMessage               sql.NullString
		result, processingTimeMs              sql.NullInt64
		confidence                            sql.NullFloat64
		steps                                 pq.StringArray
		metadataJSON                          []byte
	)

	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &imageHash, &rec.Status, &rawText, &cleanedText, &expression, &strategy,
		&result, &steps, &ocrEngine, &confidence, &processingTimeMs,
		&errorCode, &errorMessage, &metadataJSON, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recognition: %w", err)
	}

	rec.ImageHash = imageHash.String
	rec.RawText = rawText.String
	rec.CleanedText = cleanedText.String
	rec.Expression = expression.String
	rec.Strategy = strategy.String
	rec.OCREngine = ocrEngine.String
	rec.ErrorCode = errorCode.String
	rec.ErrorMessage = errorMessage.String
	rec.Confidence = confidence.Float64
	rec.ProcessingTimeMs = processingTimeMs.Int64
	rec.Steps = []string(steps)
	if result.Valid {
		v := result.Int64
		rec.Result = &v
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &rec, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
