// Package deadletter records change messages that can never be applied.
package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/queue"
)

// Schema is the ledger table. message_id is unique so that a redelivered
// poison message is recorded once.
const Schema = `CREATE TABLE IF NOT EXISTS dead_letters (
    id          BIGSERIAL PRIMARY KEY,
    message_id  TEXT NOT NULL UNIQUE,
    source      TEXT NOT NULL,
    entity_type TEXT NOT NULL DEFAULT '',
    body        BYTEA NOT NULL,
    reason      TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Entry is one recorded message.
type Entry struct {
	ID         int64     `json:"id"`
	MessageID  string    `json:"message_id"`
	Source     string    `json:"source"`
	EntityType string    `json:"entity_type"`
	Body       []byte    `json:"body"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// Ledger persists dead letters in PostgreSQL.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{
		db:     db,
		logger: slog.Default().With("component", "dead-letter-ledger"),
	}
}

// EnsureSchema creates the ledger table if it is missing.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("creating dead_letters table: %w", err)
	}
	return nil
}

func (l *Ledger) DeadLetter(ctx context.Context, msg queue.Message, entityType string, reason error) error {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO dead_letters (message_id, source, entity_type, body, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (message_id) DO NOTHING`,
		msg.ID, msg.Source, entityType, msg.Body, reason.Error(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording dead letter %s: %w", msg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		l.logger.Debug("dead letter already recorded", "message_id", msg.ID)
		return nil
	}
	l.logger.Warn("message dead-lettered",
		"message_id", msg.ID,
		"source", msg.Source,
		"entity_type", entityType,
		"reason", reason,
	)
	return nil
}

// List returns the newest limit entries, newest first.
func (l *Ledger) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, message_id, source, entity_type, body, reason, created_at
		 FROM dead_letters ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Source, &e.EntityType, &e.Body, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LogSink only logs. It stands in for the ledger when no database is
// configured.
type LogSink struct{}

func (LogSink) DeadLetter(ctx context.Context, msg queue.Message, entityType string, reason error) error {
	slog.Default().Error("message dead-lettered without ledger",
		"component", "dead-letter-ledger",
		"message_id", msg.ID,
		"source", msg.Source,
		"entity_type", entityType,
		"reason", reason,
		"body", string(msg.Body),
	)
	return nil
}
