package network

import (
	"log"
	"sync"
	"time"
)

// GuardConfig holds the admission-control policy knobs. The zero value gets
// the defaults from withDefaults; every limit is a policy default, not a
// fixed constant.
type GuardConfig struct {
	MaxConnections    int
	RateLimit         int
	MaxMessageSize    int
	AttemptWindow     time.Duration
	AttemptThreshold  int
	BlacklistDuration time.Duration
	SizeAnomalyFactor float64
}

const (
	DefaultMaxConnections    = 10
	DefaultRateLimit         = 100
	DefaultMaxMessageSize    = 1024 * 1024
	DefaultAttemptWindow     = time.Minute
	DefaultAttemptThreshold  = 5
	DefaultBlacklistDuration = 30 * time.Minute
	DefaultSizeAnomalyFactor = 3.0

	sizeWindowLength = 10
)

func (c GuardConfig) withDefaults() GuardConfig {
	out := c
	if out.MaxConnections <= 0 {
		out.MaxConnections = DefaultMaxConnections
	}
	if out.RateLimit <= 0 {
		out.RateLimit = DefaultRateLimit
	}
	if out.MaxMessageSize <= 0 {
		out.MaxMessageSize = DefaultMaxMessageSize
	}
	if out.AttemptWindow <= 0 {
		out.AttemptWindow = DefaultAttemptWindow
	}
	if out.AttemptThreshold <= 0 {
		out.AttemptThreshold = DefaultAttemptThreshold
	}
	if out.BlacklistDuration <= 0 {
		out.BlacklistDuration = DefaultBlacklistDuration
	}
	if out.SizeAnomalyFactor <= 0 {
		out.SizeAnomalyFactor = DefaultSizeAnomalyFactor
	}
	return out
}

// EventRecorder receives guard rejections and protocol violations for
// persistence. Implementations must be safe for concurrent use.
type EventRecorder interface {
	RecordSecurityEvent(eventType, peerAddress, details string)
}

type attemptWindow struct {
	count        int
	firstAttempt time.Time
}

// Guard is the admission-control layer for one server instance: blacklist,
// connection-attempt throttling, capacity, and per-message rate and size
// checks. The address-keyed maps are shared between the accept path and the
// security sweep, so all access goes through the mutex.
type Guard struct {
	cfg      GuardConfig
	recorder EventRecorder

	mu        sync.Mutex
	blacklist map[string]time.Time
	attempts  map[string]*attemptWindow
}

// NewGuard creates a guard. recorder may be nil.
func NewGuard(cfg GuardConfig, recorder EventRecorder) *Guard {
	return &Guard{
		cfg:       cfg.withDefaults(),
		recorder:  recorder,
		blacklist: make(map[string]time.Time),
		attempts:  make(map[string]*attemptWindow),
	}
}

// Config returns the effective guard configuration.
func (g *Guard) Config() GuardConfig {
	return g.cfg
}

// IsBlacklisted reports whether address has an unexpired blacklist entry,
// lazily evicting expired ones.
func (g *Guard) IsBlacklisted(address string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	until, ok := g.blacklist[address]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(g.blacklist, address)
		return false
	}
	return true
}

// Blacklist adds an address until the given time. Used both by the attempt
// check and to restore persisted entries at startup.
func (g *Guard) Blacklist(address string, until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blacklist[address] = until
}

// BlacklistSnapshot returns a copy of the unexpired blacklist entries.
func (g *Guard) BlacklistSnapshot() map[string]time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	out := make(map[string]time.Time, len(g.blacklist))
	for address, until := range g.blacklist {
		if until.After(now) {
			out[address] = until
		}
	}
	return out
}

// CheckConnectionAttempts counts an attempt against the sliding window.
// Exceeding the threshold within the window blacklists the address and
// returns false. The first attempt of a new window resets the counter.
func (g *Guard) CheckConnectionAttempts(address string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	window, ok := g.attempts[address]
	if !ok || now.Sub(window.firstAttempt) >= g.cfg.AttemptWindow {
		g.attempts[address] = &attemptWindow{count: 1, firstAttempt: now}
		return true
	}

	window.count++
	if window.count > g.cfg.AttemptThreshold {
		until := now.Add(g.cfg.BlacklistDuration)
		g.blacklist[address] = until
		log.Printf("guard: blacklisted %s until %s after %d connection attempts", address, until.Format(time.RFC3339), window.count)
		g.record("address_blacklisted", address, "connection attempt threshold exceeded")
		return false
	}
	return true
}

// CheckCapacity reports whether another connection fits under the cap.
func (g *Guard) CheckCapacity(currentConnections int) bool {
	return currentConnections < g.cfg.MaxConnections
}

// CheckRateLimit counts one message against the connection's per-minute
// budget. Exceeding it signals the caller to close with the rate-limit code.
func (g *Guard) CheckRateLimit(state *ConnState) bool {
	now := time.Now()
	if state.rateWindowStart.IsZero() || now.Sub(state.rateWindowStart) > time.Minute {
		state.rateWindowStart = now
		state.messageCount = 1
		return true
	}

	if state.messageCount >= g.cfg.RateLimit {
		g.record("rate_limit_exceeded", state.RemoteAddr, "per-connection message budget exhausted")
		return false
	}
	state.messageCount++
	return true
}

// CheckMessageSize rejects a message above the absolute cap, or one larger
// than SizeAnomalyFactor times the rolling average of the connection's last
// ten accepted message sizes. Accepted sizes enter the window, evicting the
// oldest entry past ten samples.
func (g *Guard) CheckMessageSize(state *ConnState, size int) bool {
	if size > g.cfg.MaxMessageSize {
		g.record("message_too_large", state.RemoteAddr, "message above absolute size cap")
		return false
	}

	if len(state.recentSizes) > 0 {
		total := 0
		for _, s := range state.recentSizes {
			total += s
		}
		average := float64(total) / float64(len(state.recentSizes))
		if float64(size) > average*g.cfg.SizeAnomalyFactor {
			g.record("message_size_anomaly", state.RemoteAddr, "message size above rolling-average threshold")
			return false
		}
	}

	state.recentSizes = append(state.recentSizes, size)
	if len(state.recentSizes) > sizeWindowLength {
		state.recentSizes = state.recentSizes[1:]
	}
	return true
}

// SweepAttempts drops attempt windows whose first attempt is older than
// maxIdle, and prunes expired blacklist entries.
func (g *Guard) SweepAttempts(maxIdle time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for address, window := range g.attempts {
		if now.Sub(window.firstAttempt) > maxIdle {
			delete(g.attempts, address)
		}
	}
	for address, until := range g.blacklist {
		if now.After(until) {
			delete(g.blacklist, address)
		}
	}
}

func (g *Guard) record(eventType, address, details string) {
	if g.recorder == nil {
		return
	}
	g.recorder.RecordSecurityEvent(eventType, address, details)
}
