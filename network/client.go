package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"booksync/crypto"
	"booksync/models"
)

const (
	// DefaultPingInterval is the liveness probe cadence.
	DefaultPingInterval = 30 * time.Second
	// DefaultDrainInterval is the queued-message delivery tick.
	DefaultDrainInterval = time.Second
	// DefaultReconnectBaseDelay seeds the exponential backoff.
	DefaultReconnectBaseDelay = 5 * time.Second
	// DefaultMaxReconnectAttempts caps reconnection before the client goes
	// terminal.
	DefaultMaxReconnectAttempts = 5
	// defaultClientHandshakeTimeout bounds the wait for the server's key.
	defaultClientHandshakeTimeout = 5 * time.Second
)

// ErrClientClosed indicates Disconnect has been called.
var ErrClientClosed = errors.New("network: client closed")

// ClientConfig controls the outbound peer client.
type ClientConfig struct {
	Keyring *crypto.Keyring

	ConnectionTimeout    time.Duration
	HandshakeTimeout     time.Duration
	MessageTimeout       time.Duration
	PingInterval         time.Duration
	DrainInterval        time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	OnBookmarks func(records []models.BookmarkRecord)
	OnAck       func(status string)
	OnStatus    StatusFunc
}

func (c ClientConfig) withDefaults() ClientConfig {
	out := c
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultClientHandshakeTimeout
	}
	if out.MessageTimeout <= 0 {
		out.MessageTimeout = DefaultMessageTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	if out.DrainInterval <= 0 {
		out.DrainInterval = DefaultDrainInterval
	}
	if out.ReconnectBaseDelay <= 0 {
		out.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if out.MaxReconnectAttempts <= 0 {
		out.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	return out
}

type clientSession struct {
	channel *SecureChannel
	token   string

	ctx    context.Context
	cancel context.CancelFunc

	lostOnce sync.Once
}

// Client dials one peer, drives its secure channel, and keeps a send queue
// that survives disconnects. Delivery is best effort, at least once:
// duplicates are possible and the collaborator must tolerate them.
type Client struct {
	cfg ClientConfig

	mu       sync.Mutex
	session  *clientSession
	queue    [][]models.BookmarkRecord
	host     string
	port     int
	terminal bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates an idle client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Keyring == nil {
		return nil, errors.New("network: keyring is required")
	}
	return &Client{
		cfg:    cfg.withDefaults(),
		closed: make(chan struct{}),
	}, nil
}

// Connect dials the peer, performs the handshake, and starts the ping and
// queue-drain tasks. A successful connect clears the terminal state.
func (c *Client) Connect(host string, port int) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return errors.New("network: already connected to a peer")
	}
	c.mu.Unlock()

	endpoint := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, port)}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectionTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectionTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: dial %s", ErrConnectionTimeout, endpoint.Host)
		}
		return fmt.Errorf("dial %s: %w", endpoint.Host, err)
	}

	channel := NewSecureChannel(conn, c.cfg.Keyring)
	if err := channel.Handshake(true, c.cfg.HandshakeTimeout); err != nil {
		return fmt.Errorf("handshake with %s: %w", endpoint.Host, err)
	}

	token, err := crypto.NewSessionToken()
	if err != nil {
		channel.Close()
		return err
	}

	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	session := &clientSession{
		channel: channel,
		token:   token,
		ctx:     sessionCtx,
		cancel:  sessionCancel,
	}

	c.mu.Lock()
	// Disconnect may have run while the dial and handshake were in flight;
	// installing the session now would spawn loops on a closed client. The
	// loop goroutines are counted inside the critical section so Disconnect
	// either sees the session or waits for them.
	select {
	case <-c.closed:
		c.mu.Unlock()
		sessionCancel()
		channel.Close()
		return ErrClientClosed
	default:
	}
	c.session = session
	c.host = host
	c.port = port
	c.terminal = false
	c.wg.Add(3)
	c.mu.Unlock()

	go c.readLoop(session)
	go c.pingLoop(session)
	go c.drainLoop(session)

	log.Printf("client: connected to %s", endpoint.Host)
	c.emitStatus(models.StatusConnected, host, port, channel.PeerPublicKey(), "")
	return nil
}

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Terminal reports whether reconnection attempts are exhausted.
func (c *Client) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// QueueLength returns the number of pending bookmark batches.
func (c *Client) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// SendBookmarks delivers a batch immediately when connected. When not
// connected the batch is queued for later delivery and the call fails with
// ErrNotConnected.
func (c *Client) SendBookmarks(records []models.BookmarkRecord) error {
	c.mu.Lock()
	session := c.session
	if session == nil {
		c.queue = append(c.queue, records)
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	if err := c.send(session, Payload{Type: TypeBookmarks, Bookmarks: records}); err != nil {
		c.mu.Lock()
		c.queue = append(c.queue, records)
		c.mu.Unlock()
		c.connectionLost(session, err)
		return err
	}
	return nil
}

func (c *Client) send(session *clientSession, payload Payload) error {
	payload.MessageID = session.channel.NextMessageID()
	payload.Timestamp = wireTimestamp()
	payload.SessionToken = session.token
	return session.channel.Send(payload, c.cfg.MessageTimeout)
}

func (c *Client) readLoop(session *clientSession) {
	defer c.wg.Done()

	for {
		frame, err := session.channel.ReadFrame()
		if err != nil {
			c.connectionLost(session, err)
			return
		}

		payload, perr := session.channel.Open(frame, session.token)
		if perr != nil {
			log.Printf("client: %s from peer", perr.Reason)
			session.channel.CloseWithCode(CloseMalformed, "Invalid message format")
			c.connectionLost(session, perr)
			return
		}

		switch payload.Type {
		case TypePong:
			// Liveness confirmed by arrival.
		case TypeAck:
			if c.cfg.OnAck != nil {
				c.cfg.OnAck(payload.Status)
			}
		case TypeBookmarks:
			if c.cfg.OnBookmarks != nil {
				c.cfg.OnBookmarks(payload.Bookmarks)
			}
			if err := c.send(session, Payload{Type: TypeAck, Status: "received"}); err != nil {
				c.connectionLost(session, err)
				return
			}
		case TypeError:
			log.Printf("client: peer reported error: %s", payload.Message)
		default:
			log.Printf("client: ignoring message type %q", payload.Type)
		}
	}
}

func (c *Client) pingLoop(session *clientSession) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.send(session, Payload{Type: TypePing}); err != nil {
				c.connectionLost(session, err)
				return
			}
		case <-session.ctx.Done():
			return
		}
	}
}

func (c *Client) drainLoop(session *clientSession) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if len(c.queue) == 0 || c.session != session {
				c.mu.Unlock()
				continue
			}
			records := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if err := c.send(session, Payload{Type: TypeBookmarks, Bookmarks: records}); err != nil {
				// Retain the batch; it is retried after reconnection.
				c.mu.Lock()
				c.queue = append(c.queue, records)
				c.mu.Unlock()
				c.connectionLost(session, err)
				return
			}
		case <-session.ctx.Done():
			return
		}
	}
}

// connectionLost tears down the session once and starts the backoff
// reconnection unless the client was closed deliberately.
func (c *Client) connectionLost(session *clientSession, cause error) {
	session.lostOnce.Do(func() {
		session.cancel()
		session.channel.Close()

		c.mu.Lock()
		if c.session == session {
			c.session = nil
		}
		host, port := c.host, c.port
		c.mu.Unlock()

		select {
		case <-c.closed:
			return
		default:
		}

		log.Printf("client: connection to %s:%d lost: %v", host, port, cause)
		c.emitStatus(models.StatusError, host, port, "", "Connection lost")

		c.wg.Add(1)
		go c.reconnectLoop(host, port)
	})
}

func (c *Client) reconnectLoop(host string, port int) {
	defer c.wg.Done()

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := ReconnectDelay(c.cfg.ReconnectBaseDelay, attempt)
		log.Printf("client: reconnect attempt %d/%d to %s:%d in %s", attempt, c.cfg.MaxReconnectAttempts, host, port, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.closed:
			timer.Stop()
			return
		}

		err := c.Connect(host, port)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClientClosed) {
			return
		}
		log.Printf("client: reconnect attempt %d failed: %v", attempt, err)
	}

	// Attempts exhausted: terminal disconnected state, no further retries.
	c.mu.Lock()
	c.terminal = true
	c.mu.Unlock()
	log.Printf("client: max reconnection attempts reached for %s:%d", host, port)
	c.emitStatus(models.StatusDisconnected, host, port, "", "Max reconnection attempts reached")
}

// Disconnect closes the channel, clears the session token and the queue,
// and stops any reconnection. Safe to call multiple times; the client
// cannot be reused afterwards.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		session := c.session
		c.session = nil
		c.queue = nil
		host, port := c.host, c.port
		c.mu.Unlock()

		if session != nil {
			session.cancel()
			session.channel.Close()
		}
		c.wg.Wait()

		log.Printf("client: disconnected")
		c.emitStatus(models.StatusDisconnected, host, port, "", "")
	})
}

// ReconnectDelay returns baseDelay * 2^(attempt-1).
func ReconnectDelay(baseDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return baseDelay << uint(attempt-1)
}

func (c *Client) emitStatus(status models.ConnectionStatus, host string, port int, publicKey, message string) {
	if c.cfg.OnStatus == nil {
		return
	}
	c.cfg.OnStatus(models.ConnectionStatusEvent{
		Status: status,
		PeerInfo: &models.PeerRecord{
			Address:         host,
			Port:            port,
			PublicKey:       publicKey,
			ProtocolVersion: ProtocolVersion,
			LastSeen:        time.Now(),
		},
		ErrorMessage: message,
		Timestamp:    time.Now(),
	})
}
