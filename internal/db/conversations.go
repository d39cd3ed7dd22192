package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	LastResponseID *string   `json:"lastResponseId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type CreateConversationInput struct {
	Title string `json:"title"`
}

// CreateConversation creates a new conversation
func (db *DB) CreateConversation(input CreateConversationInput) (*Conversation, error) {
	id := NewID()
	now := time.Now()

	_, err := db.conn.Exec(`
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, id, input.Title, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	return db.GetConversation(id)
}

// GetConversation retrieves a conversation by ID
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.conn.QueryRow(`
		SELECT id, title, last_response_id, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id)

	c, err := scanConversation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListConversations retrieves all conversations, most recently active first
func (db *DB) ListConversations() ([]*Conversation, error) {
	rows, err := db.conn.Query(`
		SELECT id, title, last_response_id, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]*Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}

	return conversations, rows.Err()
}

// UpdateConversationTitle renames a conversation
func (db *DB) UpdateConversationTitle(id string, title string) error {
	result, err := db.conn.Exec(`
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	return requireRow(result)
}

// UpdateConversationResponseID records the backend response id that threads
// the next turn onto this conversation. A nil id clears the thread.
func (db *DB) UpdateConversationResponseID(id string, responseID *string) error {
	result, err := db.conn.Exec(`
		UPDATE conversations SET last_response_id = ?, updated_at = ? WHERE id = ?
	`, NullString(responseID), time.Now(), id)
	if err != nil {
		return fmt.Errorf("update conversation response id: %w", err)
	}
	return requireRow(result)
}

// DeleteConversation removes a conversation and, via cascade, its messages
func (db *DB) DeleteConversation(id string) error {
	result, err := db.conn.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConversation(scan scanFunc) (*Conversation, error) {
	var c Conversation
	var lastResponseID sql.NullString
	err := scan(
		&c.ID,
		&c.Title,
		&lastResponseID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.LastResponseID = StringPtr(lastResponseID)
	return &c, nil
}
