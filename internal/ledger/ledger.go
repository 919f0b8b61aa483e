// Package ledger provides a SQLite-backed session ledger for the chat
// service. Each session is a single row holding parallel JSON arrays of
// queries, answers, turn ids, feedback values, and per-turn source
// references. Turn appends are the only mutation besides feedback; no turn
// is ever removed or reordered.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// SourceRef is one source reference attached to a turn: the composite
// display id, a text preview, an optional relevance score, and the chunk
// metadata it was retrieved with.
type SourceRef struct {
	// ID is the composite display id
	// (session:{sid}:file:{file}_chunkidx:{i}_pointid:{pid}).
	ID string `json:"id"`
	// Snippet is the chunk text the answer was grounded on.
	Snippet string `json:"text_snippet,omitempty"`
	// Score is the relevance score: the rerank score when reranking
	// succeeded, else the store's similarity score, else absent.
	Score *float64 `json:"score,omitempty"`
	// Metadata carries the chunk metadata the reference was built from.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Turn is the unit appended to a session: one query/answer exchange.
type Turn struct {
	// TurnID uniquely identifies the turn and is the feedback join key.
	TurnID string
	// Query is the user's question.
	Query string
	// Answer is the generated (or fallback) answer.
	Answer string
	// Sources are the source references considered for the answer.
	Sources []SourceRef
	// ConversationID is recorded on the session if it has none yet.
	ConversationID string
}

// Session is the stored per-session turn log. The five parallel slices have
// equal length after every successful append.
type Session struct {
	// SessionID is the caller-supplied unique session identity.
	SessionID string
	// UserID is the optional owning user.
	UserID string
	// ConversationID is the optional external conversation identity.
	ConversationID string
	// Queries holds the query of each turn in order.
	Queries []string
	// Responses holds the answer of each turn in order.
	Responses []string
	// TurnIDs holds the turn id of each turn in order.
	TurnIDs []string
	// Feedback holds the rating of each turn (0/1) or nil when unrated.
	Feedback []*int
	// Sources holds the source references of each turn in order.
	Sources [][]SourceRef
	// CreatedAt is when the session row was created.
	CreatedAt time.Time
	// LastUpdatedAt is when the session row was last mutated.
	LastUpdatedAt time.Time
}

// SessionLedger persists and mutates per-session turn logs. Implementations
// must be safe for concurrent use; each operation is a single transaction.
type SessionLedger interface {
	// GetOrCreate returns the session for sessionID, creating it with empty
	// sequences if it does not exist. Idempotent under concurrent first use.
	GetOrCreate(ctx context.Context, sessionID, userID, conversationID string) (*Session, error)
	// AppendTurn appends one turn to the session's parallel sequences in a
	// read-modify-write transaction, repairing mismatched lengths first.
	AppendTurn(ctx context.Context, sessionID string, turn Turn) error
	// SetFeedback overwrites the feedback slot of the turn identified by
	// turnID. Returns false (not an error) when the session or turn id is
	// unknown; nothing is mutated in that case.
	SetFeedback(ctx context.Context, sessionID, turnID string, rating int) (bool, error)
	// Get returns the session and whether it exists.
	Get(ctx context.Context, sessionID string) (*Session, bool, error)
	// Close releases any resources held by the ledger.
	Close() error
}

// SQLiteLedger is a SessionLedger backed by a local SQLite database.
type SQLiteLedger struct {
	// db is the underlying database connection pool.
	db *sql.DB
	// log receives repair warnings.
	log *slog.Logger
}

// DefaultDBPath returns the default path for the session ledger database.
// It resolves to ~/.arag/sessions.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("ledger: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".arag")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("ledger: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "sessions.db"), nil
}

// Open opens (or creates) a SQLiteLedger at the given path and runs the
// schema migration. Use ":memory:" for an in-memory database in tests.
func Open(path string, log *slog.Logger) (*SQLiteLedger, error) {
	if log == nil {
		log = slog.Default()
	}
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db, log: log}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// migrate creates the schema if it does not already exist.
func (l *SQLiteLedger) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT    NOT NULL UNIQUE,
    user_id         TEXT    NOT NULL DEFAULT '',
    conversation_id TEXT    NOT NULL DEFAULT '',
    queries         TEXT    NOT NULL DEFAULT '[]',
    responses       TEXT    NOT NULL DEFAULT '[]',
    turn_ids        TEXT    NOT NULL DEFAULT '[]',
    feedback_values TEXT    NOT NULL DEFAULT '[]',
    sources_data    TEXT    NOT NULL DEFAULT '[]',
    created_at      INTEGER NOT NULL,  -- Unix timestamp (seconds)
    last_updated_at INTEGER NOT NULL
);
`
	if _, err := l.db.Exec(ddl); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// GetOrCreate returns the session for sessionID, inserting an empty one
// first if needed. The insert uses ON CONFLICT DO NOTHING so a racing
// concurrent create degrades to fetching the winner's row.
func (l *SQLiteLedger) GetOrCreate(ctx context.Context, sessionID, userID, conversationID string) (*Session, error) {
	now := time.Now().Unix()
	const ins = `
INSERT INTO chat_sessions (session_id, user_id, conversation_id, created_at, last_updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO NOTHING`
	if _, err := l.db.ExecContext(ctx, ins, sessionID, userID, conversationID, now, now); err != nil {
		return nil, fmt.Errorf("ledger: create session: %w", err)
	}

	sess, ok, err := l.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("ledger: session %q missing after create", sessionID)
	}
	return sess, nil
}

// Get returns the session and whether it exists.
func (l *SQLiteLedger) Get(ctx context.Context, sessionID string) (*Session, bool, error) {
	const q = `
SELECT session_id, user_id, conversation_id, queries, responses, turn_ids,
       feedback_values, sources_data, created_at, last_updated_at
FROM   chat_sessions WHERE session_id = ?`
	sess, err := scanSession(l.db.QueryRowContext(ctx, q, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// AppendTurn appends one turn inside a transaction. If the stored parallel
// sequences have drifted to unequal lengths, the shorter ones are padded
// with neutral values first and the repair is logged.
func (l *SQLiteLedger) AppendTurn(ctx context.Context, sessionID string, turn Turn) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	const q = `
SELECT session_id, user_id, conversation_id, queries, responses, turn_ids,
       feedback_values, sources_data, created_at, last_updated_at
FROM   chat_sessions WHERE session_id = ?`
	sess, err := scanSession(tx.QueryRowContext(ctx, q, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("ledger: append to unknown session %q", sessionID)
	}
	if err != nil {
		return err
	}

	l.repair(sess)

	sess.Queries = append(sess.Queries, turn.Query)
	sess.Responses = append(sess.Responses, turn.Answer)
	sess.TurnIDs = append(sess.TurnIDs, turn.TurnID)
	sess.Feedback = append(sess.Feedback, nil)
	sess.Sources = append(sess.Sources, turn.Sources)
	if sess.ConversationID == "" && turn.ConversationID != "" {
		sess.ConversationID = turn.ConversationID
	}

	if err := l.writeSession(ctx, tx, sess); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit append: %w", err)
	}
	return nil
}

// SetFeedback overwrites the feedback slot at the positional index of turnID
// within the session's turn-id sequence. Returns false when the session or
// the turn id does not exist; no mutation occurs in that case.
func (l *SQLiteLedger) SetFeedback(ctx context.Context, sessionID, turnID string, rating int) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("ledger: begin feedback: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	const q = `
SELECT session_id, user_id, conversation_id, queries, responses, turn_ids,
       feedback_values, sources_data, created_at, last_updated_at
FROM   chat_sessions WHERE session_id = ?`
	sess, err := scanSession(tx.QueryRowContext(ctx, q, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	idx := -1
	for i, id := range sess.TurnIDs {
		if id == turnID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}

	// The feedback slice may be shorter than the turn-id slice when a prior
	// write was interrupted; pad before indexing.
	l.repair(sess)

	r := rating
	sess.Feedback[idx] = &r

	if err := l.writeSession(ctx, tx, sess); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("ledger: commit feedback: %w", err)
	}
	return true, nil
}

// DB exposes the underlying handle for readiness probes.
func (l *SQLiteLedger) DB() *sql.DB { return l.db }

// Close releases the database connection pool.
func (l *SQLiteLedger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("ledger: close: %w", err)
	}
	return nil
}

// repair pads any short parallel sequence with neutral values so all five
// have equal length. Logged when anything was actually padded.
func (l *SQLiteLedger) repair(sess *Session) {
	n := max(len(sess.Queries), len(sess.Responses), len(sess.TurnIDs), len(sess.Feedback), len(sess.Sources))
	repaired := false
	for len(sess.Queries) < n {
		sess.Queries = append(sess.Queries, "")
		repaired = true
	}
	for len(sess.Responses) < n {
		sess.Responses = append(sess.Responses, "")
		repaired = true
	}
	for len(sess.TurnIDs) < n {
		sess.TurnIDs = append(sess.TurnIDs, "")
		repaired = true
	}
	for len(sess.Feedback) < n {
		sess.Feedback = append(sess.Feedback, nil)
		repaired = true
	}
	for len(sess.Sources) < n {
		sess.Sources = append(sess.Sources, nil)
		repaired = true
	}
	if repaired {
		l.log.Warn("ledger: repaired mismatched turn sequences by padding",
			slog.String("session_id", sess.SessionID),
			slog.Int("length", n),
		)
	}
}

// writeSession persists the session's mutable columns within tx.
func (l *SQLiteLedger) writeSession(ctx context.Context, tx *sql.Tx, sess *Session) error {
	queries, err := json.Marshal(sess.Queries)
	if err != nil {
		return fmt.Errorf("ledger: marshal queries: %w", err)
	}
	responses, err := json.Marshal(sess.Responses)
	if err != nil {
		return fmt.Errorf("ledger: marshal responses: %w", err)
	}
	turnIDs, err := json.Marshal(sess.TurnIDs)
	if err != nil {
		return fmt.Errorf("ledger: marshal turn ids: %w", err)
	}
	feedback, err := json.Marshal(sess.Feedback)
	if err != nil {
		return fmt.Errorf("ledger: marshal feedback: %w", err)
	}
	sources, err := json.Marshal(sess.Sources)
	if err != nil {
		return fmt.Errorf("ledger: marshal sources: %w", err)
	}

	const q = `
UPDATE chat_sessions
SET    conversation_id = ?, queries = ?, responses = ?, turn_ids = ?,
       feedback_values = ?, sources_data = ?, last_updated_at = ?
WHERE  session_id = ?`
	if _, err := tx.ExecContext(ctx, q,
		sess.ConversationID, string(queries), string(responses), string(turnIDs),
		string(feedback), string(sources), time.Now().Unix(), sess.SessionID,
	); err != nil {
		return fmt.Errorf("ledger: write session: %w", err)
	}
	return nil
}

// rowScanner abstracts *sql.Row so scanSession works for both pool and
// transaction reads.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession decodes one chat_sessions row into a Session.
func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                                           Session
		queries, responses, turnIDs, feedback, sources string
		createdAt, updatedAt                           int64
	)
	if err := row.Scan(&sess.SessionID, &sess.UserID, &sess.ConversationID,
		&queries, &responses, &turnIDs, &feedback, &sources,
		&createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger: scan session: %w", err)
	}

	if err := json.Unmarshal([]byte(queries), &sess.Queries); err != nil {
		return nil, fmt.Errorf("ledger: decode queries: %w", err)
	}
	if err := json.Unmarshal([]byte(responses), &sess.Responses); err != nil {
		return nil, fmt.Errorf("ledger: decode responses: %w", err)
	}
	if err := json.Unmarshal([]byte(turnIDs), &sess.TurnIDs); err != nil {
		return nil, fmt.Errorf("ledger: decode turn ids: %w", err)
	}
	if err := json.Unmarshal([]byte(feedback), &sess.Feedback); err != nil {
		return nil, fmt.Errorf("ledger: decode feedback: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &sess.Sources); err != nil {
		return nil, fmt.Errorf("ledger: decode sources: %w", err)
	}

	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastUpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}
