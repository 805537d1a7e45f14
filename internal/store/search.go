package store

import (
	"database/sql"
	"strings"
)

const searchColumns = `m.id, m.guid, m.chat_guid, m.sender, m.sender_name, m.text,
	       m.is_reaction, m.is_group_event, m.from_me, m.hidden, m.origin, m.date_created`

// initSearchIndex builds the FTS5 index over message bodies. The fts5 module
// is optional in mattn/go-sqlite3 (build with -tags sqlite_fts5 to get it),
// so a build without it is tolerated: the index is skipped and SearchMessages
// degrades to a substring scan.
func (db *DB) initSearchIndex() error {
	var n int
	err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'messages_fts'`).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		db.fts = true
		return nil
	}

	_, err = db.Exec(`CREATE VIRTUAL TABLE messages_fts USING fts5(
		text,
		content='messages',
		content_rowid='id'
	)`)
	if err != nil {
		if strings.Contains(err.Error(), "no such module: fts5") {
			return nil
		}
		return err
	}

	stmts := []string{
		`CREATE TRIGGER messages_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, text) VALUES (new.id, new.text);
		END`,
		`CREATE TRIGGER messages_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', old.id, old.text);
		END`,
		`CREATE TRIGGER messages_au AFTER UPDATE OF text ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', old.id, old.text);
			INSERT INTO messages_fts(rowid, text) VALUES (new.id, new.text);
		END`,
		// Backfill rows written before the index existed.
		`INSERT INTO messages_fts(messages_fts) VALUES ('rebuild')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	db.fts = true
	return nil
}

// SearchMessages finds messages whose body matches query. Hidden messages
// (soft-deleted chats) are excluded. With fts5 available this is ranked
// full-text search with snippets; without it, a case-insensitive substring
// scan ordered by recency.
func (db *DB) SearchMessages(query string, chatGUID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	if db.fts {
		return db.searchIndexed(query, chatGUID, limit)
	}
	return db.searchScan(query, chatGUID, limit)
}

func (db *DB) searchIndexed(query string, chatGUID string, limit int) ([]SearchResult, error) {
	q := `
		SELECT ` + searchColumns + `,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ? AND m.hidden = 0`

	args := []any{query}
	if chatGUID != "" {
		q += " AND m.chat_guid = ?"
		args = append(args, chatGUID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSearchResults(rows)
}

func (db *DB) searchScan(query string, chatGUID string, limit int) ([]SearchResult, error) {
	// No snippet function without the index; the full text stands in.
	q := `
		SELECT ` + searchColumns + `, m.text
		FROM messages m
		WHERE instr(lower(m.text), lower(?)) > 0 AND m.hidden = 0`

	args := []any{query}
	if chatGUID != "" {
		q += " AND m.chat_guid = ?"
		args = append(args, chatGUID)
	}
	q += " ORDER BY m.date_created DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSearchResults(rows)
}

func scanSearchResults(rows *sql.Rows) ([]SearchResult, error) {
	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.GUID, &r.Message.ChatGUID,
			&r.Message.Sender, &r.Message.SenderName, &r.Message.Text,
			&r.Message.IsReaction, &r.Message.IsGroupEvent, &r.Message.FromMe,
			&r.Message.Hidden, &r.Message.Origin, &r.Message.DateCreated, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
