package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message stores a single finalized transcript entry for a conversation.
// The payload is kept as opaque JSON so the schema never chases the wire
// format of the chat backend.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Seq            int64     `json:"seq"`
	Kind           string    `json:"kind"`
	PayloadJSON    string    `json:"payloadJson"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CreateMessageInput contains fields for inserting a transcript entry.
type CreateMessageInput struct {
	ConversationID string
	Seq            int64
	Kind           string
	PayloadJSON    string
}

// CreateMessage inserts a transcript row.
func (db *DB) CreateMessage(input CreateMessageInput) (*Message, error) {
	id := NewID()
	now := time.Now()

	_, err := db.conn.Exec(`
		INSERT INTO messages (id, conversation_id, seq, kind, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, input.ConversationID, input.Seq, input.Kind, input.PayloadJSON, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return &Message{
		ID:             id,
		ConversationID: input.ConversationID,
		Seq:            input.Seq,
		Kind:           input.Kind,
		PayloadJSON:    input.PayloadJSON,
		CreatedAt:      now,
	}, nil
}

// ListMessagesByConversation returns all transcript entries for a conversation
// ordered by sequence.
func (db *DB) ListMessagesByConversation(conversationID string) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, conversation_id, seq, kind, payload_json, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC, created_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]*Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// GetLastMessageSeq returns the latest sequence number for a conversation.
func (db *DB) GetLastMessageSeq(conversationID string) (int64, error) {
	row := db.conn.QueryRow(`
		SELECT COALESCE(MAX(seq), 0)
		FROM messages
		WHERE conversation_id = ?
	`, conversationID)

	var seq sql.NullInt64
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("get last message seq: %w", err)
	}
	if seq.Valid {
		return seq.Int64, nil
	}
	return 0, nil
}

func scanMessage(scan scanFunc) (*Message, error) {
	var msg Message
	err := scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Seq,
		&msg.Kind,
		&msg.PayloadJSON,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}
