package models

import "time"

// PeerRecord describes a remote instance discovered on the local network.
type PeerRecord struct {
	Name            string    `json:"name"`
	Address         string    `json:"address"`
	Port            int       `json:"port"`
	PublicKey       string    `json:"public_key"`
	ProtocolVersion int       `json:"protocol_version"`
	LastSeen        time.Time `json:"last_seen"`
}
