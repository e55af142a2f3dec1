// Package localstore is the client's durable message store, a single SQLite
// file that survives restarts.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/natemellendorf/relaychat/internal/model"
)

var (
	// ErrExists is returned by Save for an id that is already stored.
	ErrExists = errors.New("message already stored")

	// ErrNotFound is returned by Get and MarkSynced for an unknown id.
	ErrNotFound = errors.New("message not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	payload      TEXT NOT NULL,
	direction    TEXT NOT NULL,
	synced       INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	received_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_unsynced ON messages(synced, created_at, id);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id, created_at);
`

const columns = `id, sender_id, recipient_id, payload, direction, synced, status, created_at, expires_at, received_at`

// Store is a SQLite backed local message store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create data directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// SQLite doesn't support multiple writers; one connection also keeps
	// a :memory: database alive for the life of the Store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "failed to enable WAL mode")
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to migrate schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts msg. It returns ErrExists if the id is already stored.
func (s *Store) Save(ctx context.Context, msg *model.LocalMessage) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return errors.Wrapf(err, "failed to encode payload of %s", msg.ID)
	}

	var receivedAt interface{}
	if msg.ReceivedAt != nil {
		receivedAt = msg.ReceivedAt.UnixNano()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.SenderID, msg.RecipientID, string(payload), string(msg.Direction),
		boolToInt(msg.Synced), string(msg.Status), msg.CreatedAt.UnixNano(), msg.ExpiresAt.UnixNano(), receivedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to save message %s", msg.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to save message %s", msg.ID)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

// Has reports whether id is stored.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to look up message %s", id)
	}
	return true, nil
}

// Get returns the stored message with id.
func (s *Store) Get(ctx context.Context, id string) (*model.LocalMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read message %s", id)
	}
	return msg, nil
}

// MarkSynced records that the relay confirmed receipt of an outbound message.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET synced = 1, status = ? WHERE id = ?`, string(model.LocalSent), id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark %s synced", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to mark %s synced", id)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnsynced returns outbound messages the relay has not confirmed, oldest first.
func (s *Store) ListUnsynced(ctx context.Context) ([]*model.LocalMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM messages WHERE synced = 0 AND direction = ? ORDER BY created_at, id`,
		string(model.Outbound))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unsynced messages")
	}
	return scanAll(rows)
}

// ListConversation returns up to limit of the most recent messages exchanged
// with peer, oldest first. A non-positive limit returns everything.
func (s *Store) ListConversation(ctx context.Context, peer string, limit int) ([]*model.LocalMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM (
			SELECT `+columns+` FROM messages
			WHERE sender_id = ? OR recipient_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at, id`,
		peer, peer, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list conversation with %s", peer)
	}
	return scanAll(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*model.LocalMessage, error) {
	var (
		msg                  model.LocalMessage
		payload              string
		direction, status    string
		synced               int
		createdAt, expiresAt int64
		receivedAt           sql.NullInt64
	)
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.RecipientID, &payload, &direction,
		&synced, &status, &createdAt, &expiresAt, &receivedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &msg.Payload); err != nil {
		return nil, errors.Wrapf(err, "failed to decode payload of %s", msg.ID)
	}
	msg.Direction = model.Direction(direction)
	msg.Status = model.LocalStatus(status)
	msg.Synced = synced != 0
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	msg.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if receivedAt.Valid {
		t := time.Unix(0, receivedAt.Int64).UTC()
		msg.ReceivedAt = &t
	}
	return &msg, nil
}

func scanAll(rows *sql.Rows) ([]*model.LocalMessage, error) {
	defer rows.Close()
	var out []*model.LocalMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
