package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/model"
)

// PostgresStore implements DurableStore for PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// PostgresOptions configures the PostgreSQL connection pool
type PostgresOptions struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int
	MinConns int
}

// NewPostgresStore creates a PostgreSQL durable store
func NewPostgresStore(opts PostgresOptions, logger *zap.Logger) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		opts.Host, opts.Port, opts.Database, opts.User, opts.Password, opts.MaxConns, opts.MinConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// ApplyBatch executes a batch of upserts and deletes in one transaction.
// The upsert is keyed by notification ID so retrying a requeued batch is
// safe.
func (s *PostgresStore) ApplyBatch(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	upsert := `
		INSERT INTO notifications (id, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
		SET payload = EXCLUDED.payload, updated_at = NOW()
	`
	del := `DELETE FROM notifications WHERE id = $1`

	for _, op := range ops {
		switch op.Kind {
		case WriteOpUpsert:
			if _, err := tx.Exec(ctx, upsert, op.RecordID, op.Payload); err != nil {
				return fmt.Errorf("failed to upsert notification %s: %w", op.RecordID, err)
			}
		case WriteOpDelete:
			if _, err := tx.Exec(ctx, del, op.RecordID); err != nil {
				return fmt.Errorf("failed to delete notification %s: %w", op.RecordID, err)
			}
		default:
			return fmt.Errorf("unknown write op kind %q", op.Kind)
		}
	}

	return tx.Commit(ctx)
}

// AppendEvent inserts one row into the append-only events table
func (s *PostgresStore) AppendEvent(ctx context.Context, event *model.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	query := `
		INSERT INTO events (type, data, metadata, timestamp, version)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.pool.Exec(ctx, query, event.Type, data, metadata, event.Timestamp, event.Version)
	return err
}

// InsertDeadLetters persists entries that exhausted their retries
func (s *PostgresStore) InsertDeadLetters(ctx context.Context, letters []model.DeadLetter) error {
	if len(letters) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO dead_letters (record_id, payload, reason, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, letter := range letters {
		if _, err := tx.Exec(ctx, query,
			letter.RecordID,
			letter.Payload,
			letter.Reason,
			letter.Attempts,
			letter.FailedAt,
		); err != nil {
			return fmt.Errorf("failed to insert dead letter %s: %w", letter.RecordID, err)
		}
	}

	return tx.Commit(ctx)
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}
