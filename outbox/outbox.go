// Package outbox persists messages that have not been acknowledged yet, so a
// failed or interrupted send survives a restart of the client.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/karthikraju391/go-nats-chat-sync/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	local_created   INTEGER NOT NULL,
	payload         BLOB NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS outbox_conversation ON outbox (conversation_id, local_created);
`

type Outbox struct {
	db *sql.DB
}

func Open(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create outbox schema: %w", err)
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// Save inserts or replaces the stored copy of msg.
func (o *Outbox) Save(ctx context.Context, msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO outbox (id, conversation_id, local_created, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, msg.ID, msg.ConversationID, msg.LocalCreatedAt.UnixNano(), payload, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

func (o *Outbox) Delete(ctx context.Context, id string) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// Load returns the stored messages of a conversation, oldest first. Rows
// that no longer decode are skipped.
func (o *Outbox) Load(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT payload FROM outbox
		WHERE conversation_id = ?
		ORDER BY local_created ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
