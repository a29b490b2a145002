package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// Execer is the subset of *pgxpool.Pool the sink writes with.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS rabbit_messages (
	id          UUID PRIMARY KEY,
	description TEXT NOT NULL,
	created_at  TIMESTAMP WITH TIME ZONE NOT NULL
)`

const insertRecord = `INSERT INTO rabbit_messages (id, description, created_at) VALUES ($1, $2, $3)`

// PostgresSink writes audit records into the rabbit_messages table.
type PostgresSink struct {
	db     Execer
	logger *slog.Logger
	now    func() time.Time
}

var _ cbus.AuditSink = (*PostgresSink)(nil)

// NewPostgresSink creates a sink over db, usually a *pgxpool.Pool.
func NewPostgresSink(db Execer, logger *slog.Logger) *PostgresSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresSink{db: db, logger: logger, now: time.Now}
}

// EnsureSchema creates the audit table when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating audit table: %w", err)
	}

	return nil
}

// InsertRawMessage stores body as a new audit record.
func (s *PostgresSink) InsertRawMessage(ctx context.Context, body string) error {
	rec := newRecord(body, s.now)

	if _, err := s.db.Exec(ctx, insertRecord, rec.ID.String(), rec.Description, rec.CreatedAt); err != nil {
		s.logger.ErrorContext(ctx, "failed to insert audit record",
			slog.String("record_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("insert audit record: %w", err)
	}

	return nil
}

// ConnectPostgres opens a pool and pings it.
func ConnectPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return pool, nil
}
