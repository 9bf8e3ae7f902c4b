package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists chat sessions in a local SQLite file. Timestamps are
// stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'text',
			language TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			duration_s INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (session_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, cs ChatSession) (ChatSession, error) {
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	if cs.StartedAt.IsZero() {
		cs.StartedAt = time.Now().UTC()
	}
	if cs.Mode == "" {
		cs.Mode = ModeText
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, user_id, mode, language, started_at) VALUES (?, ?, ?, ?, ?)`,
		cs.ID, cs.UserID, cs.Mode, cs.Language, cs.StartedAt.UnixNano(),
	)
	if err != nil {
		return ChatSession{}, fmt.Errorf("create session: %w", err)
	}
	return cs, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, mode, language, started_at, ended_at, duration_s
		 FROM chat_sessions WHERE id=? AND user_id=?`,
		sessionID, userID,
	)
	return scanSQLiteSession(row)
}

func (s *SQLiteStore) EndSession(ctx context.Context, userID, sessionID string, at time.Time) (ChatSession, error) {
	cs, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return ChatSession{}, err
	}
	if cs.Ended() {
		return cs, nil
	}
	ended := at.UTC()
	dur := durationSeconds(cs.StartedAt, ended)
	_, err = s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET ended_at=?, duration_s=? WHERE id=? AND user_id=? AND ended_at IS NULL`,
		ended.UnixNano(), dur, sessionID, userID,
	)
	if err != nil {
		return ChatSession{}, fmt.Errorf("end session: %w", err)
	}
	return s.GetSession(ctx, userID, sessionID)
}

func scanSQLiteSession(row *sql.Row) (ChatSession, error) {
	var (
		cs       ChatSession
		started  int64
		ended    sql.NullInt64
		duration sql.NullInt64
	)
	if err := row.Scan(&cs.ID, &cs.UserID, &cs.Mode, &cs.Language, &started, &ended, &duration); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatSession{}, ErrNotFound
		}
		return ChatSession{}, fmt.Errorf("scan session: %w", err)
	}
	cs.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		t := time.Unix(0, ended.Int64).UTC()
		cs.EndedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		cs.DurationS = &d
	}
	return cs, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	items, err := s.queryMessages(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM chat_messages WHERE session_id=? ORDER BY seq DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM chat_messages WHERE session_id=? ORDER BY seq ASC`,
		sessionID,
	)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var (
			m       Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
