package store

import (
	"fmt"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on guid).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (guid, chat_guid, sender, sender_name, text,
			is_reaction, is_group_event, from_me, hidden, origin, date_created, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			sender_name = excluded.sender_name,
			text = excluded.text,
			date_created = excluded.date_created`,
		m.GUID, m.ChatGUID, m.Sender, m.SenderName, m.Text,
		m.IsReaction, m.IsGroupEvent, m.FromMe, m.Hidden, m.Origin, m.DateCreated, now)
	return err
}

// UpsertMessages upserts a batch of messages in a single transaction.
func (db *DB) UpsertMessages(msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (guid, chat_guid, sender, sender_name, text,
				is_reaction, is_group_event, from_me, hidden, origin, date_created, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(guid) DO UPDATE SET
				sender_name = excluded.sender_name,
				text = excluded.text,
				date_created = excluded.date_created`,
			m.GUID, m.ChatGUID, m.Sender, m.SenderName, m.Text,
			m.IsReaction, m.IsGroupEvent, m.FromMe, m.Hidden, m.Origin, m.DateCreated, now); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.GUID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns messages for a chat using keyset pagination by timestamp.
func (db *DB) ListMessages(chatGUID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, guid, chat_guid, sender, sender_name, text,
			is_reaction, is_group_event, from_me, hidden, origin, date_created
		FROM messages
		WHERE chat_guid = ? AND date_created < ?
		ORDER BY date_created DESC
		LIMIT ?`, chatGUID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GUID, &m.ChatGUID, &m.Sender, &m.SenderName, &m.Text,
			&m.IsReaction, &m.IsGroupEvent, &m.FromMe, &m.Hidden, &m.Origin, &m.DateCreated); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetLatestMessages returns, for each requested chat, the message with the
// maximum date_created. Chats with no messages are absent from the result.
func (db *DB) GetLatestMessages(chatGUIDs []string) (map[string]*Message, error) {
	latest := make(map[string]*Message, len(chatGUIDs))
	for _, guid := range chatGUIDs {
		msgs, err := db.ListMessages(guid, 0, 1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			m := msgs[0]
			latest[guid] = &m
		}
	}
	return latest, nil
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
