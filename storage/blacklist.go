package storage

import (
	"fmt"
	"time"
)

// SaveBlacklist replaces the persisted blacklist with the given snapshot.
// Called at shutdown so policy blocks survive restarts.
func (s *Store) SaveBlacklist(entries map[string]time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin blacklist save: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM blacklist_entries`); err != nil {
		return fmt.Errorf("clear blacklist: %w", err)
	}

	for address, until := range entries {
		if _, err := tx.Exec(
			`INSERT INTO blacklist_entries (address, unblock_at) VALUES (?, ?)`,
			address, until.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert blacklist entry %q: %w", address, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit blacklist save: %w", err)
	}
	return nil
}

// LoadBlacklist returns the unexpired persisted entries and deletes the
// expired ones.
func (s *Store) LoadBlacklist() (map[string]time.Time, error) {
	now := time.Now()

	if _, err := s.db.Exec(`DELETE FROM blacklist_entries WHERE unblock_at < ?`, now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("prune blacklist: %w", err)
	}

	rows, err := s.db.Query(`SELECT address, unblock_at FROM blacklist_entries`)
	if err != nil {
		return nil, fmt.Errorf("query blacklist: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var address string
		var unblockAt int64
		if err := rows.Scan(&address, &unblockAt); err != nil {
			return nil, fmt.Errorf("scan blacklist entry: %w", err)
		}
		out[address] = time.UnixMilli(unblockAt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blacklist: %w", err)
	}
	return out, nil
}
