package models

import "time"

// ConnectionStatus is the user-visible state of one peer link.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusDiscovered   ConnectionStatus = "discovered"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// ServiceDiscoveredEvent is emitted when a peer appears or its advertised
// metadata changes.
type ServiceDiscoveredEvent struct {
	Name       string
	Address    string
	Port       int
	Properties map[string]string
}

// ConnectionStatusEvent reports a status transition for one peer link.
type ConnectionStatusEvent struct {
	Status       ConnectionStatus
	PeerInfo     *PeerRecord
	ErrorMessage string
	Timestamp    time.Time
}
