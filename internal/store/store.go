package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/faceverify/internal/types"
)

// ErrNotFound is returned when a verification id is not in the ledger.
var ErrNotFound = errors.New("verification not found")

// Store is the PostgreSQL ledger of finished verifications. It holds a
// single connection and is not safe for concurrent use.
type Store struct {
	conn *pgx.Conn
}

// Record is one ledger row, without the full report body.
type Record struct {
	ID              string
	VerifiedAt      time.Time
	Status          types.Status
	Distance        float64
	Threshold       float64
	Confidence      float64
	ReferenceImage  string
	QueryImage      string
	OutputDirectory string
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the ledger table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS verifications (
			id TEXT PRIMARY KEY,
			verified_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			face_distance DOUBLE PRECISION NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			reference_image TEXT NOT NULL,
			query_image TEXT NOT NULL,
			output_directory TEXT NOT NULL,
			report JSONB NOT NULL,
			recorded_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS verifications_verified_at_idx ON verifications (verified_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveVerification records r. Saving the same verification twice overwrites
// the earlier row.
func (s *Store) SaveVerification(ctx context.Context, r *types.VerificationReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	_, err = s.conn.Exec(ctx, `
		INSERT INTO verifications (id, verified_at, status, face_distance, threshold, confidence,
			reference_image, query_image, output_directory, report)
		VALUES ($1, $2::timestamptz, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			verified_at = EXCLUDED.verified_at,
			status = EXCLUDED.status,
			face_distance = EXCLUDED.face_distance,
			threshold = EXCLUDED.threshold,
			confidence = EXCLUDED.confidence,
			reference_image = EXCLUDED.reference_image,
			query_image = EXCLUDED.query_image,
			output_directory = EXCLUDED.output_directory,
			report = EXCLUDED.report,
			recorded_at = NOW()
	`, r.VerificationID, r.Timestamp, string(r.Result.Status), r.Result.FaceDistance, r.Result.Threshold,
		r.Result.Confidence, r.ReferenceImage.Filename, r.QueryImage.Filename, r.OutputDirectory, string(body))
	return err
}

// ListVerifications returns the newest verifications first. A limit of zero
// or less returns every row.
func (s *Store) ListVerifications(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT id, verified_at, status, face_distance, threshold, confidence,
			reference_image, query_image, output_directory
		FROM verifications
		ORDER BY verified_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.ID, &rec.VerifiedAt, &status, &rec.Distance, &rec.Threshold, &rec.Confidence,
			&rec.ReferenceImage, &rec.QueryImage, &rec.OutputDirectory); err != nil {
			return nil, err
		}
		rec.Status = types.Status(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetVerification returns the full stored report for id.
func (s *Store) GetVerification(ctx context.Context, id string) (*types.VerificationReport, error) {
	var body []byte
	err := s.conn.QueryRow(ctx, "SELECT report::text FROM verifications WHERE id = $1", id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var r types.VerificationReport
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("stored report %s is corrupt: %w", id, err)
	}
	return &r, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `DROP TABLE IF EXISTS verifications CASCADE;`)
	return err
}
