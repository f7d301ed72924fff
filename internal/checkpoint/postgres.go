package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const schema = `
	CREATE TABLE IF NOT EXISTS checkpoints (
		version    BIGINT PRIMARY KEY,
		step       BIGINT NOT NULL,
		loss       DOUBLE PRECISION NOT NULL,
		parameters JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`

// PostgresLedger implements Ledger backed by PostgreSQL
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// OpenPostgresLedger connects to dsn and ensures the schema exists.
func OpenPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	p := NewPostgresLedger(db)
	if err := p.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// EnsureSchema creates the checkpoints table if needed.
func (p *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return nil
}

func (p *PostgresLedger) Save(ctx context.Context, record Record) error {
	params, err := json.Marshal(record.Parameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	query := `
		INSERT INTO checkpoints (version, step, loss, parameters, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = p.db.ExecContext(ctx, query,
		int64(record.Version), record.Step, record.Loss, params, record.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (p *PostgresLedger) Latest(ctx context.Context) (Record, error) {
	query := `
		SELECT version, step, loss, parameters, created_at
		FROM checkpoints ORDER BY version DESC LIMIT 1`

	var record Record
	var version int64
	var params []byte

	err := p.db.QueryRowContext(ctx, query).Scan(
		&version, &record.Step, &record.Loss, &params, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}

	record.Version = uint64(version)
	if err := json.Unmarshal(params, &record.Parameters); err != nil {
		return Record{}, fmt.Errorf("failed to decode parameters: %w", err)
	}
	return record, nil
}

// Close closes the database handle.
func (p *PostgresLedger) Close() error {
	return p.db.Close()
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
