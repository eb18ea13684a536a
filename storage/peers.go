package storage

import (
	"fmt"
	"time"

	"booksync/models"
)

// UpsertPeer records a discovered peer, refreshing last-seen on
// re-advertisement.
func (s *Store) UpsertPeer(peer models.PeerRecord) error {
	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO peers (name, address, port, public_key, protocol_version, first_seen_timestamp, last_seen_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   address = excluded.address,
		   port = excluded.port,
		   public_key = excluded.public_key,
		   protocol_version = excluded.protocol_version,
		   last_seen_timestamp = excluded.last_seen_timestamp`,
		peer.Name, peer.Address, peer.Port, peer.PublicKey, peer.ProtocolVersion, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.Name, err)
	}
	return nil
}

// GetPeers returns all recorded peers ordered by most recently seen.
func (s *Store) GetPeers() ([]models.PeerRecord, error) {
	rows, err := s.db.Query(
		`SELECT name, address, port, public_key, protocol_version, last_seen_timestamp
		 FROM peers
		 ORDER BY last_seen_timestamp DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var out []models.PeerRecord
	for rows.Next() {
		var peer models.PeerRecord
		var lastSeen int64
		if err := rows.Scan(&peer.Name, &peer.Address, &peer.Port, &peer.PublicKey, &peer.ProtocolVersion, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		peer.LastSeen = time.UnixMilli(lastSeen)
		out = append(out, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers: %w", err)
	}
	return out, nil
}

// DeletePeer removes a peer by name.
func (s *Store) DeletePeer(name string) error {
	if _, err := s.db.Exec(`DELETE FROM peers WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete peer %q: %w", name, err)
	}
	return nil
}
