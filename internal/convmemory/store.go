// Package convmemory is the Conversation Memory collaborator (§4.9, §6):
// load(session), append(role, text), context_payload(session). It is
// grounded on the teacher's store/postgres.PostgresCheckpointStore — the
// same DBPool seam (so tests substitute pgxmock for a live database),
// the same fmt.Sprintf-templated DDL/DML style — generalized from
// opaque checkpoint blobs to conversation turns and structured memory.
package convmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBPool is the minimal surface Store needs from a connection pool;
// tests substitute github.com/pashagolub/pgxmock for a live database.
type DBPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Message is one ConversationHistory entry.
type Message struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// StructuredMemory is the running summary §4.9 calls out: user goals,
// key facts, unresolved questions.
type StructuredMemory struct {
	Goals      []string `json:"goals"`
	Facts      []string `json:"facts"`
	Unresolved []string `json:"unresolved"`
}

// Session is everything persisted per-session: history plus the
// structured memory summary.
type Session struct {
	SessionID        string
	History          []Message
	StructuredMemory StructuredMemory
	Summary          string
}

// Store persists Sessions in Postgres. Writes are serialized per
// session (§3.4 "ConversationHistory ... writes are serialized per
// Session") via a per-session mutex, not a database-level lock, since
// the whole process is the only writer for this deployment shape.
type Store struct {
	pool           DBPool
	sessionsTable  string
	messagesTable  string

	mu       sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// Options configures table names; defaults match the teacher's
// "checkpoints"-style single default.
type Options struct {
	SessionsTable string
	MessagesTable string
}

// NewStore creates a Store with an existing pool (production: a real
// pgxpool.Pool; tests: a pgxmock pool).
func NewStore(pool DBPool, opts Options) *Store {
	sessions := opts.SessionsTable
	if sessions == "" {
		sessions = "conversation_sessions"
	}
	messages := opts.MessagesTable
	if messages == "" {
		messages = "conversation_messages"
	}
	return &Store{pool: pool, sessionsTable: sessions, messagesTable: messages, sessionLocks: make(map[string]*sync.Mutex)}
}

// Connect dials a real Postgres pool from a DSN; mirrors the teacher's
// NewPostgresCheckpointStore constructor shape.
func Connect(ctx context.Context, dsn string, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("convmemory: connect: %w", err)
	}
	return NewStore(pool, opts), nil
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.sessionLocks[sessionID] = l
	}
	return l
}

// InitSchema creates the sessions and messages tables if absent.
func (s *Store) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			session_id TEXT PRIMARY KEY,
			structured_memory JSONB NOT NULL DEFAULT '{}',
			summary TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_session_id ON %s (session_id, created_at);
	`, s.sessionsTable, s.messagesTable, s.messagesTable, s.messagesTable)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("convmemory: init schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Load implements §6's load(session): full history plus structured
// memory, or a zero-value Session for a session seen for the first
// time.
func (s *Store) Load(ctx context.Context, sessionID string) (*Session, error) {
	sess := &Session{SessionID: sessionID}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT structured_memory, summary FROM %s WHERE session_id = $1`, s.sessionsTable), sessionID)
	var raw []byte
	if err := row.Scan(&raw, &sess.Summary); err != nil {
		if err != pgx.ErrNoRows {
			return nil, fmt.Errorf("convmemory: load session: %w", err)
		}
	} else if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sess.StructuredMemory); err != nil {
			return nil, fmt.Errorf("convmemory: unmarshal structured memory: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT role, content, created_at FROM %s WHERE session_id = $1 ORDER BY created_at ASC, id ASC`, s.messagesTable), sessionID)
	if err != nil {
		return nil, fmt.Errorf("convmemory: load history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("convmemory: scan message: %w", err)
		}
		sess.History = append(sess.History, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convmemory: history rows: %w", err)
	}
	return sess, nil
}

// Append implements §6's append(session, role, text): one
// ConversationHistory entry. Concurrent Appends for the same session
// are serialized via the per-session lock (§3.4).
func (s *Store) Append(ctx context.Context, sessionID, role, content string, at time.Time) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (session_id, role, content, created_at) VALUES ($1, $2, $3, $4)`, s.messagesTable),
		sessionID, role, content, at)
	if err != nil {
		return fmt.Errorf("convmemory: append: %w", err)
	}
	return nil
}

// UpdateStructuredMemory upserts the session's summary and structured
// memory fields.
func (s *Store) UpdateStructuredMemory(ctx context.Context, sessionID string, mem StructuredMemory, summary string, at time.Time) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	raw, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("convmemory: marshal structured memory: %w", err)
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (session_id, structured_memory, summary, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			structured_memory = EXCLUDED.structured_memory,
			summary = EXCLUDED.summary,
			updated_at = EXCLUDED.updated_at
	`, s.sessionsTable), sessionID, raw, summary, at)
	if err != nil {
		return fmt.Errorf("convmemory: update structured memory: %w", err)
	}
	return nil
}

// ContextPayload implements §6's context_payload(session): a compact
// text blob combining the running summary and the most recent turns,
// suitable for feeding back into Triage/contextual responses.
func (s *Store) ContextPayload(ctx context.Context, sessionID string, maxRecentMessages int) (string, error) {
	sess, err := s.Load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Summary == "" && len(sess.History) == 0 {
		return "", nil
	}

	var payload string
	if sess.Summary != "" {
		payload += "Summary so far: " + sess.Summary + "\n\n"
	}

	recent := sess.History
	if maxRecentMessages > 0 && len(recent) > maxRecentMessages {
		recent = recent[len(recent)-maxRecentMessages:]
	}
	for _, m := range recent {
		payload += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}
	return payload, nil
}
