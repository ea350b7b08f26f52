package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned by GetExecution for unknown IDs.
var ErrNotFound = errors.New("execution not found")

const maxStoredText = 65535

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	code_hash       TEXT NOT NULL,
	code_size       INTEGER NOT NULL DEFAULT 0,
	success         BOOLEAN NOT NULL,
	exit_code       INTEGER NOT NULL DEFAULT 0,
	output          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	truncated       BOOLEAN NOT NULL DEFAULT FALSE,
	duration_ms     BIGINT NOT NULL DEFAULT 0,
	deno_version    TEXT NOT NULL DEFAULT '',
	security_events INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	request_ip      TEXT NOT NULL DEFAULT '',
	api_key_hash    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS executions_created_at_idx ON executions (created_at DESC);

CREATE TABLE IF NOT EXISTS security_events (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	type         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	detail       TEXT NOT NULL,
	line         INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL
);`

// PoolOptions tunes the connection pool. Zero values keep pgx defaults.
type PoolOptions struct {
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
}

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool and ensures the schema exists.
func New(ctx context.Context, dsn string, opts PoolOptions) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if opts.MaxConns > 0 {
		config.MaxConns = int32(opts.MaxConns) // #nosec G115 -- bounded by config
	}
	if opts.MinConns > 0 {
		config.MinConns = int32(opts.MinConns) // #nosec G115 -- bounded by config
	}
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution record into the audit log.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, kind, code_hash, code_size, success, exit_code,
			output, error, truncated, duration_ms, deno_version, security_events,
			status, request_ip, api_key_hash, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.Kind, exec.CodeHash, exec.CodeSize, exec.Success, exec.ExitCode,
		truncateForDB(exec.Output, maxStoredText),
		truncateForDB(exec.Error, maxStoredText),
		exec.Truncated, exec.DurationMS, exec.DenoVersion, exec.SecurityEvents,
		exec.Status, exec.RequestIP, exec.APIKeyHash,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// LogSecurityEvent inserts a security event record.
func (db *DB) LogSecurityEvent(ctx context.Context, event *SecurityEventRecord) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO security_events (id, execution_id, type, severity, detail, line, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := db.pool.Exec(ctx, query,
		event.ID, event.ExecutionID, event.Type, event.Severity,
		truncateForDB(event.Detail, maxStoredText), event.Line, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, kind, code_hash, code_size, success, exit_code, output, error,
			truncated, duration_ms, deno_version, security_events, status,
			request_ip, api_key_hash, created_at, completed_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.Kind, &exec.CodeHash, &exec.CodeSize, &exec.Success, &exec.ExitCode,
		&exec.Output, &exec.Error,
		&exec.Truncated, &exec.DurationMS, &exec.DenoVersion, &exec.SecurityEvents, &exec.Status,
		&exec.RequestIP, &exec.APIKeyHash,
		&exec.CreatedAt, &exec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters, newest first.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, kind, code_hash, code_size, success, exit_code, truncated,
			duration_ms, deno_version, security_events, status, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR kind = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := db.pool.Query(ctx, query,
		filter.Kind, filter.Status, filter.Since, filter.EffectiveLimit(), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.Kind, &exec.CodeHash, &exec.CodeSize, &exec.Success, &exec.ExitCode,
			&exec.Truncated, &exec.DurationMS, &exec.DenoVersion, &exec.SecurityEvents,
			&exec.Status, &exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

// truncateForDB makes s storable in a TEXT column: invalid UTF-8 becomes
// U+FFFD, NUL bytes are dropped, and the result is cut to at most maxLen
// bytes without splitting a UTF-8 sequence.
func truncateForDB(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
