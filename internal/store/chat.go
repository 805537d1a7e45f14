package store

import (
	"database/sql"
	"fmt"
	"time"
)

const chatColumns = `guid, display_name, title, unread, pinned, pin_index,
	mute_type, mute_args, archived, deleted, origin, custom_avatar_path,
	read_receipts, typing_indicators, latest_guid, latest_text, latest_at`

// GetAllChats returns every chat record with its participant addresses.
func (db *DB) GetAllChats() ([]Chat, error) {
	rows, err := db.Query(`SELECT ` + chatColumns + ` FROM chats`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	index := make(map[string]int)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		index[c.GUID] = len(chats)
		chats = append(chats, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hrows, err := db.Query(`SELECT chat_guid, address FROM handles`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = hrows.Close() }()
	for hrows.Next() {
		var guid, addr string
		if err := hrows.Scan(&guid, &addr); err != nil {
			return nil, err
		}
		if i, ok := index[guid]; ok {
			chats[i].Participants = append(chats[i].Participants, addr)
		}
	}
	return chats, hrows.Err()
}

// GetChat returns a single chat by GUID, or nil if absent.
func (db *DB) GetChat(guid string) (*Chat, error) {
	row := db.QueryRow(`SELECT `+chatColumns+` FROM chats WHERE guid = ?`, guid)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT address FROM handles WHERE chat_guid = ?`, guid)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		c.Participants = append(c.Participants, addr)
	}
	return c, rows.Err()
}

// PutMany upserts a batch of chat records (and their participant sets) in a
// single transaction. One chat is one upsert; partial field interleaving
// between writers cannot occur.
func (db *DB) PutMany(chats []*Chat) error {
	if len(chats) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range chats {
		if _, err := tx.Exec(`
			INSERT INTO chats (guid, display_name, title, unread, pinned, pin_index,
				mute_type, mute_args, archived, deleted, origin, custom_avatar_path,
				read_receipts, typing_indicators, latest_guid, latest_text, latest_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(guid) DO UPDATE SET
				display_name = excluded.display_name,
				title = excluded.title,
				unread = excluded.unread,
				pinned = excluded.pinned,
				pin_index = excluded.pin_index,
				mute_type = excluded.mute_type,
				mute_args = excluded.mute_args,
				archived = excluded.archived,
				deleted = excluded.deleted,
				custom_avatar_path = excluded.custom_avatar_path,
				read_receipts = excluded.read_receipts,
				typing_indicators = excluded.typing_indicators,
				latest_guid = excluded.latest_guid,
				latest_text = excluded.latest_text,
				latest_at = excluded.latest_at,
				updated_at = excluded.updated_at`,
			c.GUID, c.DisplayName, c.Title, c.Unread, c.Pinned, c.PinIndex,
			c.MuteType, c.MuteArgs, c.Archived, c.Deleted, c.Origin, c.CustomAvatarPath,
			c.ReadReceipts, c.TypingIndicators, c.LatestGUID, c.LatestText, c.LatestAt, now); err != nil {
			return fmt.Errorf("upsert chat %q: %w", c.GUID, err)
		}

		if len(c.Participants) > 0 {
			if _, err := tx.Exec(`DELETE FROM handles WHERE chat_guid = ?`, c.GUID); err != nil {
				return fmt.Errorf("clear handles %q: %w", c.GUID, err)
			}
			for _, addr := range c.Participants {
				if _, err := tx.Exec(`INSERT OR IGNORE INTO handles (chat_guid, address) VALUES (?, ?)`,
					c.GUID, addr); err != nil {
					return fmt.Errorf("insert handle %q: %w", addr, err)
				}
			}
		}
	}
	return tx.Commit()
}

// SoftDelete flags a chat deleted and hides its message content. The rows
// themselves are retained so the chat can be restored.
func (db *DB) SoftDelete(guid string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE chats SET deleted = 1, updated_at = ? WHERE guid = ?`, now, guid); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE messages SET hidden = 1 WHERE chat_guid = ?`, guid); err != nil {
		return err
	}
	return tx.Commit()
}

// UnDelete restores a soft-deleted chat and unhides its messages.
func (db *DB) UnDelete(guid string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE chats SET deleted = 0, updated_at = ? WHERE guid = ?`, now, guid); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE messages SET hidden = 0 WHERE chat_guid = ?`, guid); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteChat removes a chat and everything attached to it.
func (db *DB) DeleteChat(guid string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE chat_guid = ?`,
		`DELETE FROM handles WHERE chat_guid = ?`,
		`DELETE FROM chats WHERE guid = ?`,
	} {
		if _, err := tx.Exec(q, guid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteRemoteOrigin removes every chat and message that originated from the
// bridge server, leaving SMS-origin records untouched. Used by clean sync
// and disconnect; safe to re-run.
func (db *DB) DeleteRemoteOrigin() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE origin = 'remote'`,
		`DELETE FROM handles WHERE chat_guid IN (SELECT guid FROM chats WHERE origin = 'remote')`,
		`DELETE FROM chats WHERE origin = 'remote'`,
		`DELETE FROM sync_state WHERE key LIKE 'remote.%'`,
	} {
		if _, err := tx.Exec(q); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*Chat, error) {
	var c Chat
	var title, muteType, muteArgs, avatar, latestGUID, latestText sql.NullString
	var pinIndex sql.NullInt64
	var readReceipts, typing sql.NullBool
	err := row.Scan(&c.GUID, &c.DisplayName, &title, &c.Unread, &c.Pinned, &pinIndex,
		&muteType, &muteArgs, &c.Archived, &c.Deleted, &c.Origin, &avatar,
		&readReceipts, &typing, &latestGUID, &latestText, &c.LatestAt)
	if err != nil {
		return nil, err
	}
	if title.Valid {
		c.Title = &title.String
	}
	if pinIndex.Valid {
		v := int(pinIndex.Int64)
		c.PinIndex = &v
	}
	if muteType.Valid {
		c.MuteType = &muteType.String
	}
	if muteArgs.Valid {
		c.MuteArgs = &muteArgs.String
	}
	if avatar.Valid {
		c.CustomAvatarPath = &avatar.String
	}
	if readReceipts.Valid {
		c.ReadReceipts = &readReceipts.Bool
	}
	if typing.Valid {
		c.TypingIndicators = &typing.Bool
	}
	if latestGUID.Valid {
		c.LatestGUID = &latestGUID.String
	}
	if latestText.Valid {
		c.LatestText = &latestText.String
	}
	return &c, nil
}
