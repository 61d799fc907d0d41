// Package broadcast contains Crier's durable message log, cross-worker fanout
// bus, and connection recovery primitives.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageLog backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - All appends take a log-wide transactional advisory lock to guarantee:
//   - Gapless, strictly increasing sequence allocation under concurrency,
//     across all worker processes sharing the database.
//   - No sequence waste for duplicate tokens.
//
// - The unique constraint on client_msg_id backstops the duplicate check.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// appendLockKey serializes appends across all workers. A single key is
// correct here: the log is one global relation, not partitioned.
const appendLockKey = "crier.log.append"

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "crier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("broadcast: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("broadcast: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageLog.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "crier",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("broadcast: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema, tables, and indexes if absent.
// Safe to call from every worker at startup; DDL is idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("broadcast: nil store")
	}

	schemaIdent := pgx.Identifier{s.schema}.Sanitize()
	messages := pgIdent(s.schema, "messages")
	cursor := pgIdent(s.schema, "log_cursor")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schemaIdent,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
		     seq            BIGINT PRIMARY KEY,
		     server_msg_id  TEXT NOT NULL,
		     client_msg_id  TEXT NOT NULL,
		     display_name   TEXT NOT NULL,
		     text           TEXT NOT NULL,
		     server_ts      TIMESTAMPTZ NOT NULL,
		     CONSTRAINT messages_client_msg_id_key UNIQUE (client_msg_id)
		 )`,
		`CREATE TABLE IF NOT EXISTS ` + cursor + ` (
		     id         SMALLINT PRIMARY KEY CHECK (id = 0),
		     next_seq   BIGINT NOT NULL,
		     updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		 )`,
		`INSERT INTO ` + cursor + ` (id, next_seq) VALUES (0, 1)
		 ON CONFLICT (id) DO NOTHING`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Append appends a message with idempotency and gapless sequence allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if s == nil || s.pool == nil {
		return AppendResult{}, errors.New("broadcast: nil store")
	}
	if in.ClientMsgID == "" || in.Text == "" {
		return AppendResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	name := in.DisplayName
	if name == "" {
		name = AnonymousName
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursor := pgIdent(s.schema, "log_cursor")
	messages := pgIdent(s.schema, "messages")

	// Serialize all appends to guarantee:
	// - No seq waste for duplicates
	// - Strict gapless ordering without races, across worker processes
	//
	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, appendLockKey); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := readMessageByClientMsgID(ctx, tx, messages, in.ClientMsgID)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursor+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE id = 0
		RETURNING (next_seq - 1)`,
	).Scan(&seq); err != nil {
		return AppendResult{}, fmt.Errorf("allocate seq: %w", err)
	}

	serverMsgID := NewServerMsgID(now)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     seq, server_msg_id, client_msg_id, display_name, text, server_ts
		   ) VALUES ($1, $2, $3, $4, $5, $6)`,
		seq, serverMsgID, in.ClientMsgID, name, in.Text, now,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	out := Message{
		Seq:         seq,
		ServerMsgID: serverMsgID,
		ClientMsgID: in.ClientMsgID,
		DisplayName: name,
		Text:        in.Text,
		ServerTS:    now,
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: out, Duplicated: false}, nil
}

// ReadAfter returns committed messages with seq > afterSeq, ordered by seq ASC.
func (s *PostgresStore) ReadAfter(ctx context.Context, afterSeq int64, limit int) (ReadAfterResult, error) {
	if s == nil || s.pool == nil {
		return ReadAfterResult{}, errors.New("broadcast: nil store")
	}
	if err := ctx.Err(); err != nil {
		return ReadAfterResult{}, err
	}

	limit = clampReadLimit(limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT seq, server_msg_id, client_msg_id, display_name, text, server_ts
		   FROM `+messages+`
		  WHERE seq > $1
		  ORDER BY seq ASC
		  LIMIT $2`,
		afterSeq, fetch,
	)
	if err != nil {
		return ReadAfterResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.Seq,
			&m.ServerMsgID,
			&m.ClientMsgID,
			&m.DisplayName,
			&m.Text,
			&m.ServerTS,
		); err != nil {
			return ReadAfterResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ReadAfterResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return ReadAfterResult{Messages: msgs, HasMore: hasMore}, nil
}

func readMessageByClientMsgID(ctx context.Context, tx pgx.Tx, messagesTable, clientMsgID string) (Message, error) {
	var m Message
	err := tx.QueryRow(ctx,
		`SELECT seq, server_msg_id, client_msg_id, display_name, text, server_ts
		   FROM `+messagesTable+`
		  WHERE client_msg_id = $1`,
		clientMsgID,
	).Scan(&m.Seq, &m.ServerMsgID, &m.ClientMsgID, &m.DisplayName, &m.Text, &m.ServerTS)
	return m, err
}

func clampReadLimit(limit int) int {
	if limit <= 0 {
		return defaultReadLimit
	}
	if limit > maxReadLimit {
		return maxReadLimit
	}
	return limit
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
