package storage

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

// SecurityEvent is one logged guard rejection or protocol violation.
type SecurityEvent struct {
	ID          int64
	EventType   string
	PeerAddress string
	Details     string
	Timestamp   int64
}

// SetSecurityEventRetention configures the automatic pruning horizon.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// RecordSecurityEvent inserts an event and applies retention pruning. It
// satisfies the network guard's recorder interface; failures are logged,
// never propagated into the connection path.
func (s *Store) RecordSecurityEvent(eventType, peerAddress, details string) {
	if strings.TrimSpace(eventType) == "" {
		return
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (event_type, peer_address, details, timestamp)
		 VALUES (?, ?, ?, ?)`,
		eventType, peerAddress, details, nowUnixMilli(),
	)
	if err != nil {
		log.Printf("storage: insert security event %q: %v", eventType, err)
		return
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.PruneSecurityEvents(cutoff); err != nil {
			log.Printf("storage: prune security events: %v", err)
		}
	}
}

// GetSecurityEvents returns recent events, newest first.
func (s *Store) GetSecurityEvents(limit int) ([]SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.Query(
		`SELECT id, event_type, COALESCE(peer_address, ''), details, timestamp
		 FROM security_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	return scanSecurityEvents(rows)
}

// PruneSecurityEvents deletes events older than the cutoff timestamp and
// returns the number removed.
func (s *Store) PruneSecurityEvents(cutoff int64) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete security events: %w", err)
	}
	return result.RowsAffected()
}

func scanSecurityEvents(rows *sql.Rows) ([]SecurityEvent, error) {
	var out []SecurityEvent
	for rows.Next() {
		var event SecurityEvent
		if err := rows.Scan(&event.ID, &event.EventType, &event.PeerAddress, &event.Details, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return out, nil
}
