package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists chat sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'text',
			language TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ,
			duration_s BIGINT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions (user_id, started_at);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (session_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, cs ChatSession) (ChatSession, error) {
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	if cs.StartedAt.IsZero() {
		cs.StartedAt = time.Now().UTC()
	}
	if cs.Mode == "" {
		cs.Mode = ModeText
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, user_id, mode, language, started_at) VALUES ($1, $2, $3, $4, $5)`,
		cs.ID, cs.UserID, cs.Mode, cs.Language, cs.StartedAt,
	)
	if err != nil {
		return ChatSession{}, fmt.Errorf("create session: %w", err)
	}
	return cs, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, userID, sessionID string) (ChatSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, mode, language, started_at, ended_at, duration_s
		 FROM chat_sessions WHERE id=$1 AND user_id=$2`,
		sessionID, userID,
	)
	return scanPostgresSession(row)
}

func (s *PostgresStore) EndSession(ctx context.Context, userID, sessionID string, at time.Time) (ChatSession, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE chat_sessions
		 SET ended_at = COALESCE(ended_at, $3),
		     duration_s = COALESCE(duration_s, GREATEST(0, EXTRACT(EPOCH FROM ($3 - started_at))::BIGINT))
		 WHERE id=$1 AND user_id=$2
		 RETURNING id, user_id, mode, language, started_at, ended_at, duration_s`,
		sessionID, userID, at.UTC(),
	)
	return scanPostgresSession(row)
}

func scanPostgresSession(row pgx.Row) (ChatSession, error) {
	var cs ChatSession
	if err := row.Scan(&cs.ID, &cs.UserID, &cs.Mode, &cs.Language, &cs.StartedAt, &cs.EndedAt, &cs.DurationS); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChatSession{}, ErrNotFound
		}
		return ChatSession{}, fmt.Errorf("scan session: %w", err)
	}
	return cs, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.SessionID, m.Role, m.Content, m.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	items, err := s.queryMessages(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM chat_messages WHERE session_id=$1 ORDER BY seq DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM chat_messages WHERE session_id=$1 ORDER BY seq ASC`,
		sessionID,
	)
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
