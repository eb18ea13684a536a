package network

import (
	"sync/atomic"
	"time"
)

// ConnState is the per-connection bookkeeping record. It is owned by the
// goroutine driving the connection's message loop; only the fields accessed
// by the stale-connection sweep (last activity) are synchronized.
type ConnState struct {
	RemoteAddr    string
	EstablishedAt time.Time

	lastActivity atomic.Int64

	// Bound from the first decrypted payload of the session.
	sessionToken string

	// Rate-limit window, message-loop owned.
	messageCount    int
	rateWindowStart time.Time

	// Rolling window of accepted message sizes, message-loop owned.
	recentSizes []int

	lastMessageID uint64
}

// NewConnState records a freshly accepted or dialed connection.
func NewConnState(remoteAddr string) *ConnState {
	state := &ConnState{
		RemoteAddr:    remoteAddr,
		EstablishedAt: time.Now(),
	}
	state.Touch()
	return state
}

// Touch updates the last-activity timestamp.
func (s *ConnState) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent message on this
// connection. Safe to call from the stale sweep.
func (s *ConnState) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// SessionToken returns the token bound to this session, if any.
func (s *ConnState) SessionToken() string {
	return s.sessionToken
}

// ObserveMessageID tracks the advisory per-sender counter and reports
// whether it regressed. Regression is logged by the caller, never rejected.
func (s *ConnState) ObserveMessageID(id uint64) bool {
	regressed := id < s.lastMessageID
	s.lastMessageID = id
	return !regressed
}
