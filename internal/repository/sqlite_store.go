package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"advora-intake/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversation_state (
	contact_id TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	received   TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	contact_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	body       TEXT NOT NULL,
	at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS history_contact_at ON history (contact_id, at);
CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	contact_id  TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	storage_ref TEXT NOT NULL,
	mime_type   TEXT NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_contact ON documents (contact_id, received_at);
`

// SQLiteStore keeps conversation state in a local SQLite file. It backs the
// standalone server and local development.
type SQLiteStore struct {
	db     *sql.DB
	limits Limits
	now    func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, limits Limits) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	// ensure parent directory exists to avoid SQLITE_CANTOPEN errors
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("repository: create sqlite dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, limits: limits.withDefaults(), now: time.Now}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

// Load returns the stored state, or a fresh one for an unknown contact.
func (s *SQLiteStore) Load(ctx context.Context, contactID string) (domain.ConversationState, error) {
	state := domain.NewConversationState(contactID)

	var stage, received string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT stage, received, updated_at FROM conversation_state WHERE contact_id = ?`, contactID,
	).Scan(&stage, &received, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return domain.ConversationState{}, fmt.Errorf("repository: Load state: %w", err)
	default:
		var kinds []domain.DocumentKind
		if err := json.Unmarshal([]byte(received), &kinds); err != nil {
			return domain.ConversationState{}, fmt.Errorf("repository: Load decode checklist: %w", err)
		}
		for _, k := range kinds {
			state.Checklist.Received[k] = true
		}
		state.Stage = domain.Stage(stage)
		state.UpdatedAt = time.Unix(0, updated).UTC()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, body, at FROM history WHERE contact_id = ? ORDER BY at DESC, id DESC LIMIT ?`,
		contactID, s.limits.MaxHistory)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: Load history: %w", err)
	}
	defer rows.Close()

	var history []domain.Turn
	for rows.Next() {
		var role, body string
		var at int64
		if err := rows.Scan(&role, &body, &at); err != nil {
			return domain.ConversationState{}, fmt.Errorf("repository: Load scan turn: %w", err)
		}
		history = append(history, domain.Turn{Role: domain.Role(role), Text: body, At: time.Unix(0, at).UTC()})
	}
	if err := rows.Err(); err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: Load history: %w", err)
	}
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	state.History = history
	return state, nil
}

// Save replaces the contact's state and history in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, state domain.ConversationState) (err error) {
	if strings.TrimSpace(state.ContactID) == "" {
		return errors.New("repository: Save: contact id is required")
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	received, err := json.Marshal(sortedKinds(state.Checklist))
	if err != nil {
		return fmt.Errorf("repository: Save encode checklist: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: Save begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_state (contact_id, stage, received, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (contact_id) DO UPDATE SET stage = excluded.stage, received = excluded.received, updated_at = excluded.updated_at`,
		state.ContactID, string(state.Stage), string(received), state.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("repository: Save state: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM history WHERE contact_id = ?`, state.ContactID); err != nil {
		return fmt.Errorf("repository: Save clear history: %w", err)
	}
	for _, turn := range state.History {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO history (contact_id, role, body, at) VALUES (?, ?, ?, ?)`,
			state.ContactID, string(turn.Role), turn.Text, turn.At.UnixNano(),
		); err != nil {
			return fmt.Errorf("repository: Save turn: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("repository: Save commit: %w", err)
	}
	return nil
}

// Prune deletes history entries strictly older than cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, contactID string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM history WHERE contact_id = ? AND at < ?`, contactID, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("repository: Prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repository: Prune rows affected: %w", err)
	}
	return int(n), nil
}

// AppendDocument adds a record to the contact's document log. Writing the
// same record twice is not an error.
func (s *SQLiteStore) AppendDocument(ctx context.Context, rec domain.DocumentRecord) error {
	if rec.ID == "" || rec.ContactID == "" {
		return errors.New("repository: AppendDocument: record id and contact id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, contact_id, message_id, kind, storage_ref, mime_type, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.ContactID, rec.MessageID, string(rec.Kind), rec.StorageRef, rec.MimeType, rec.ReceivedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("repository: AppendDocument: %w", err)
	}
	return nil
}

// Documents lists a contact's document log, oldest first.
func (s *SQLiteStore) Documents(ctx context.Context, contactID string) ([]domain.DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, kind, storage_ref, mime_type, received_at
		FROM documents WHERE contact_id = ? ORDER BY received_at, id`, contactID)
	if err != nil {
		return nil, fmt.Errorf("repository: Documents: %w", err)
	}
	defer rows.Close()

	var recs []domain.DocumentRecord
	for rows.Next() {
		var rec domain.DocumentRecord
		var kind string
		var at int64
		if err := rows.Scan(&rec.ID, &rec.MessageID, &kind, &rec.StorageRef, &rec.MimeType, &at); err != nil {
			return nil, fmt.Errorf("repository: Documents scan: %w", err)
		}
		rec.ContactID = contactID
		rec.Kind = domain.DocumentKind(kind)
		rec.ReceivedAt = time.Unix(0, at).UTC()
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: Documents: %w", err)
	}
	return recs, nil
}
