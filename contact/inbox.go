package contact

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// Message is a contact form kept in the inbox.
type Message struct {
	ID         string    `json:"id"`
	Form       Form      `json:"form"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// InboxSubmitter stores forms in a SQLite database,
// so that no message is lost when mail is not configured or down.
type InboxSubmitter struct {
	db *sql.DB
}

func NewInboxSubmitter(filename string) (*InboxSubmitter, error) {
	if filename == "" {
		filename = "file::memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			subject TEXT NOT NULL,
			message TEXT NOT NULL,
			received_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating inbox table: %w", err)
	}
	return &InboxSubmitter{db: db}, nil
}

func (i *InboxSubmitter) Submit(ctx context.Context, f Form) error {
	_, err := i.db.ExecContext(ctx,
		"INSERT INTO messages (id, name, email, subject, message, received_at) VALUES (?, ?, ?, ?, ?, ?)",
		uuid.NewString(), f.Name, f.Email, f.Subject, f.Message, time.Now().UnixMilli())
	return err
}

// Messages returns the stored messages, oldest first.
func (i *InboxSubmitter) Messages(ctx context.Context) ([]Message, error) {
	rows, err := i.db.QueryContext(ctx,
		"SELECT id, name, email, subject, message, received_at FROM messages ORDER BY received_at, rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var m Message
		var receivedAt int64
		if err := rows.Scan(&m.ID, &m.Form.Name, &m.Form.Email, &m.Form.Subject, &m.Form.Message, &receivedAt); err != nil {
			return nil, err
		}
		m.ReceivedAt = time.UnixMilli(receivedAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (i *InboxSubmitter) Close() error {
	return i.db.Close()
}
