package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"booksync/crypto"
	"booksync/models"
)

const (
	// DefaultStaleCheckInterval is the stale-connection sweep cadence.
	DefaultStaleCheckInterval = time.Minute
	// DefaultStaleThreshold closes connections idle longer than this.
	DefaultStaleThreshold = 5 * time.Minute
	// DefaultSecuritySweepInterval is the guard-data sweep cadence.
	DefaultSecuritySweepInterval = 5 * time.Minute
	// DefaultAttemptRetention drops attempt tracking idle longer than this.
	DefaultAttemptRetention = time.Hour
)

// BookmarksFunc receives a decoded bookmark batch from a peer.
type BookmarksFunc func(peerAddress string, records []models.BookmarkRecord)

// StatusFunc receives connection-status transitions.
type StatusFunc func(event models.ConnectionStatusEvent)

// ServerConfig controls the inbound peer server.
type ServerConfig struct {
	BindAddress string
	Port        int
	Keyring     *crypto.Keyring
	Guard       GuardConfig

	HandshakeTimeout      time.Duration
	MessageTimeout        time.Duration
	StaleCheckInterval    time.Duration
	StaleThreshold        time.Duration
	SecuritySweepInterval time.Duration
	AttemptRetention      time.Duration

	Recorder    EventRecorder
	OnBookmarks BookmarksFunc
	OnStatus    StatusFunc
}

func (c ServerConfig) withDefaults() ServerConfig {
	out := c
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.MessageTimeout <= 0 {
		out.MessageTimeout = DefaultMessageTimeout
	}
	if out.StaleCheckInterval <= 0 {
		out.StaleCheckInterval = DefaultStaleCheckInterval
	}
	if out.StaleThreshold <= 0 {
		out.StaleThreshold = DefaultStaleThreshold
	}
	if out.SecuritySweepInterval <= 0 {
		out.SecuritySweepInterval = DefaultSecuritySweepInterval
	}
	if out.AttemptRetention <= 0 {
		out.AttemptRetention = DefaultAttemptRetention
	}
	return out
}

type serverConn struct {
	channel *SecureChannel
	state   *ConnState
}

// Server accepts inbound peer connections, applies the admission gates in
// fixed order (blacklist, attempt rate, capacity, then per-message rate and
// size), and drives one secure channel and message loop per peer.
type Server struct {
	cfg   ServerConfig
	guard *Guard

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	conns   map[string]*serverConn
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. Call Start to bind the listening socket.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Keyring == nil {
		return nil, errors.New("network: keyring is required")
	}

	opts := cfg.withDefaults()
	return &Server{
		cfg:   opts,
		guard: NewGuard(opts.Guard, opts.Recorder),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*serverConn),
	}, nil
}

// Guard exposes the guard instance, e.g. to restore persisted blacklist
// entries before Start.
func (s *Server) Guard() *Guard {
	return s.guard
}

// Start binds the listening socket and launches the accept path and the
// background sweeps. A bind failure is a startup failure; the server never
// runs half-initialized.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("network: server already running")
	}

	address := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("bind %q: %w", address, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{Handler: s}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(3)
	go s.serveLoop()
	go s.staleSweepLoop()
	go s.securitySweepLoop()

	log.Printf("server: listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound listening port, or 0 before Start.
func (s *Server) Port() int {
	addr, ok := s.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// ConnectionCount returns the number of live peer connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop cancels the background sweeps, waits for them, then force-closes all
// live connections and releases the listening socket. Calling Stop on a
// stopped server is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	httpServer := s.httpServer
	conns := make([]*serverConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	cancel()
	for _, conn := range conns {
		conn.channel.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
	}
	_ = httpServer.Close()
	s.wg.Wait()
	log.Printf("server: stopped")
}

func (s *Server) serveLoop() {
	defer s.wg.Done()
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server: serve: %v", err)
	}
}

// ServeHTTP upgrades an inbound request and runs the admission gates.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	address := remoteHost(r.RemoteAddr)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: upgrade from %s failed: %v", address, err)
		return
	}

	channel := NewSecureChannel(ws, s.cfg.Keyring)

	if s.guard.IsBlacklisted(address) {
		log.Printf("server: rejected blacklisted address %s", address)
		channel.CloseWithCode(CloseBlacklisted, "Connection rejected")
		return
	}
	if !s.guard.CheckConnectionAttempts(address) {
		log.Printf("server: rejected %s: too many connection attempts", address)
		channel.CloseWithCode(CloseTooManyAttempts, "Too many connection attempts")
		return
	}
	if !s.guard.CheckCapacity(s.ConnectionCount()) {
		log.Printf("server: rejected %s: at capacity", address)
		channel.CloseWithCode(CloseAtCapacity, "Server at capacity")
		return
	}

	if err := channel.Handshake(false, s.cfg.HandshakeTimeout); err != nil {
		log.Printf("server: handshake with %s failed: %v", address, err)
		if errors.Is(err, ErrHandshakeTimeout) {
			channel.CloseWithCode(CloseHandshakeTimeout, "Key exchange timeout")
		} else {
			channel.CloseWithCode(CloseProcessingError, "Key exchange failed")
		}
		return
	}

	state := NewConnState(address)
	conn := &serverConn{channel: channel, state: state}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		channel.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
		return
	}
	if previous, ok := s.conns[address]; ok {
		previous.channel.Close()
	}
	s.conns[address] = conn
	s.mu.Unlock()

	log.Printf("server: new connection from %s", address)
	s.emitStatus(models.StatusConnected, address, channel.PeerPublicKey(), "")

	s.wg.Add(1)
	go s.connLoop(conn)
}

func (s *Server) connLoop(conn *serverConn) {
	defer s.wg.Done()
	defer s.dropConn(conn)

	channel, state := conn.channel, conn.state
	for {
		frame, err := channel.ReadFrame()
		if err != nil {
			return
		}

		if !s.guard.CheckRateLimit(state) {
			log.Printf("server: rate limit exceeded for %s", state.RemoteAddr)
			channel.CloseWithCode(CloseRateLimited, "Rate limit exceeded")
			return
		}
		if !s.guard.CheckMessageSize(state, len(frame)) {
			log.Printf("server: suspicious message size from %s: %d bytes", state.RemoteAddr, len(frame))
			channel.CloseWithCode(CloseMessageTooLarge, "Message size limit exceeded")
			return
		}

		payload, perr := channel.Open(frame, state.sessionToken)
		if perr != nil {
			log.Printf("server: %s from %s", perr.Reason, state.RemoteAddr)
			s.recordViolation(state.RemoteAddr, perr)
			channel.CloseWithCode(CloseMalformed, "Invalid message format")
			return
		}

		if state.sessionToken == "" {
			state.sessionToken = payload.SessionToken
		}
		state.Touch()
		if !state.ObserveMessageID(payload.MessageID) {
			log.Printf("server: message_id regressed for %s", state.RemoteAddr)
		}

		if err := s.dispatch(conn, payload); err != nil {
			log.Printf("server: error handling %q from %s: %v", payload.Type, state.RemoteAddr, err)
			channel.CloseWithCode(CloseProcessingError, "Failed to process message")
			return
		}
	}
}

func (s *Server) dispatch(conn *serverConn, payload Payload) error {
	switch payload.Type {
	case TypePing:
		return s.reply(conn, Payload{Type: TypePong})
	case TypeBookmarks:
		if s.cfg.OnBookmarks != nil {
			s.cfg.OnBookmarks(conn.state.RemoteAddr, payload.Bookmarks)
		}
		return s.reply(conn, Payload{Type: TypeAck, Status: "received"})
	case TypePong, TypeAck:
		return nil
	default:
		// Well-formed but unrecognized: reply with an error, keep the
		// connection open.
		return s.reply(conn, Payload{
			Type:    TypeError,
			Message: fmt.Sprintf("Unknown message type: %s", payload.Type),
		})
	}
}

func (s *Server) reply(conn *serverConn, payload Payload) error {
	payload.MessageID = conn.channel.NextMessageID()
	payload.Timestamp = wireTimestamp()
	payload.SessionToken = conn.state.sessionToken
	return conn.channel.Send(payload, s.cfg.MessageTimeout)
}

func (s *Server) dropConn(conn *serverConn) {
	conn.channel.Close()

	s.mu.Lock()
	if current, ok := s.conns[conn.state.RemoteAddr]; ok && current == conn {
		delete(s.conns, conn.state.RemoteAddr)
	}
	s.mu.Unlock()

	log.Printf("server: connection from %s closed", conn.state.RemoteAddr)
	s.emitStatus(models.StatusDisconnected, conn.state.RemoteAddr, conn.channel.PeerPublicKey(), "")
}

func (s *Server) staleSweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.closeStaleConns()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) closeStaleConns() {
	s.mu.Lock()
	stale := make([]*serverConn, 0)
	for _, conn := range s.conns {
		if time.Since(conn.state.LastActivity()) > s.cfg.StaleThreshold {
			stale = append(stale, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range stale {
		log.Printf("server: closing stale connection from %s", conn.state.RemoteAddr)
		conn.channel.CloseWithCode(websocket.CloseGoingAway, "stale connection")
	}
}

func (s *Server) securitySweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SecuritySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.guard.SweepAttempts(s.cfg.AttemptRetention)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) emitStatus(status models.ConnectionStatus, address, publicKey, message string) {
	if s.cfg.OnStatus == nil {
		return
	}
	s.cfg.OnStatus(models.ConnectionStatusEvent{
		Status: status,
		PeerInfo: &models.PeerRecord{
			Address:         address,
			PublicKey:       publicKey,
			ProtocolVersion: ProtocolVersion,
			LastSeen:        time.Now(),
		},
		ErrorMessage: message,
		Timestamp:    time.Now(),
	})
}

func (s *Server) recordViolation(address string, perr *PayloadError) {
	if s.cfg.Recorder == nil {
		return
	}
	s.cfg.Recorder.RecordSecurityEvent("protocol_violation", address, perr.Reason.String())
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
