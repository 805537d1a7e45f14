package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// UpsertContact inserts or updates a contact.
func (db *DB) UpsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (address, name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			updated_at = excluded.updated_at`,
		c.Address, c.Name, now)
	return err
}

// BulkUpsertContacts inserts or updates multiple contacts in a single transaction.
func (db *DB) BulkUpsertContacts(contacts []Contact) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if _, err := tx.Exec(`
			INSERT INTO contacts (address, name, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
				updated_at = excluded.updated_at`,
			c.Address, c.Name, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.Address, err)
		}
	}
	return tx.Commit()
}

// GetContact returns a contact by address, or nil if unknown.
func (db *DB) GetContact(address string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT address, name FROM contacts WHERE address = ?`, address).
		Scan(&c.Address, &c.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ContactNames resolves a set of addresses to display names. Addresses with
// no contact map to themselves.
func (db *DB) ContactNames(addresses []string) (map[string]string, error) {
	names := make(map[string]string, len(addresses))
	if len(addresses) == 0 {
		return names, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(addresses)), ",")
	args := make([]any, len(addresses))
	for i, a := range addresses {
		names[a] = a
		args[i] = a
	}
	rows, err := db.Query(`SELECT address, name FROM contacts WHERE address IN (`+placeholders+`) AND name != ''`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var addr, name string
		if err := rows.Scan(&addr, &name); err != nil {
			return nil, err
		}
		names[addr] = name
	}
	return names, rows.Err()
}
