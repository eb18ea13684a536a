package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"booksync/crypto"
)

// ChannelState is the lifecycle state of one SecureChannel.
type ChannelState string

const (
	ChannelUnestablished ChannelState = "unestablished"
	ChannelKeyExchanging ChannelState = "key_exchanging"
	ChannelEstablished   ChannelState = "established"
	ChannelClosed        ChannelState = "closed"
)

// SecureChannel wraps one websocket connection with the encryption and
// signing primitives for a single peer link. The handshake exchanges public
// keys in plaintext text frames, then all traffic is sealed envelopes.
type SecureChannel struct {
	conn    *websocket.Conn
	keyring *crypto.Keyring

	stateMu sync.RWMutex
	state   ChannelState

	sharedBox     *crypto.SharedBox
	peerPublicKey string

	writeMu sync.Mutex

	seqMu         sync.Mutex
	nextMessageID uint64
}

// NewSecureChannel prepares a channel over an accepted or dialed websocket
// connection. The channel is unusable until Handshake succeeds.
func NewSecureChannel(conn *websocket.Conn, keyring *crypto.Keyring) *SecureChannel {
	return &SecureChannel{
		conn:    conn,
		keyring: keyring,
		state:   ChannelUnestablished,
	}
}

// State returns the current channel state.
func (c *SecureChannel) State() ChannelState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *SecureChannel) setState(state ChannelState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

// PeerPublicKey returns the base64 public key received during the handshake.
func (c *SecureChannel) PeerPublicKey() string {
	return c.peerPublicKey
}

// Handshake performs the plaintext key exchange within timeout. The
// initiator sends its key first and waits for the reply; the responder waits
// first. Any failure leaves the channel closed with the transport torn down.
func (c *SecureChannel) Handshake(initiator bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	c.setState(ChannelKeyExchanging)

	err := func() error {
		deadline := time.Now().Add(timeout)
		if initiator {
			if err := c.writeText(deadline, []byte(c.keyring.PublicKeyBase64())); err != nil {
				return fmt.Errorf("send public key: %w", err)
			}
			return c.readPeerKey(deadline)
		}

		if err := c.readPeerKey(deadline); err != nil {
			return err
		}
		if err := c.writeText(deadline, []byte(c.keyring.PublicKeyBase64())); err != nil {
			return fmt.Errorf("send public key: %w", err)
		}
		return nil
	}()
	if err != nil {
		c.Close()
		if isTimeout(err) {
			return ErrHandshakeTimeout
		}
		return err
	}

	c.setState(ChannelEstablished)
	return nil
}

func (c *SecureChannel) readPeerKey(deadline time.Time) error {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	defer func() {
		_ = c.conn.SetReadDeadline(time.Time{})
	}()

	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read peer public key: %w", err)
	}

	peerKey, err := crypto.ParsePublicKey(string(frame))
	if err != nil {
		return fmt.Errorf("parse peer public key: %w", err)
	}

	c.peerPublicKey = string(frame)
	c.sharedBox = c.keyring.SharedBox(peerKey)
	return nil
}

func (c *SecureChannel) writeText(deadline time.Time, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer func() {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// NextMessageID returns the monotonic per-sender message counter value.
func (c *SecureChannel) NextMessageID() uint64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.nextMessageID++
	return c.nextMessageID
}

// Send seals a payload and writes it as one frame within timeout.
func (c *SecureChannel) Send(payload Payload, timeout time.Duration) error {
	if c.State() != ChannelEstablished {
		return ErrNotConnected
	}
	if timeout <= 0 {
		timeout = DefaultMessageTimeout
	}

	frame, err := SealEnvelope(c.sharedBox, payload)
	if err != nil {
		return err
	}
	if err := c.writeText(time.Now().Add(timeout), frame); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// ReadFrame blocks until the next raw inbound frame arrives.
func (c *SecureChannel) ReadFrame() ([]byte, error) {
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// Open decrypts and verifies a raw frame. See OpenEnvelope for the
// expectedToken contract.
func (c *SecureChannel) Open(frame []byte, expectedToken string) (Payload, *PayloadError) {
	if c.sharedBox == nil {
		return Payload{}, &PayloadError{Reason: ReasonBadCiphertext, Err: ErrNotConnected}
	}
	return OpenEnvelope(c.sharedBox, frame, expectedToken)
}

// CloseWithCode sends a close frame carrying an application close code, then
// tears the transport down.
func (c *SecureChannel) CloseWithCode(code int, reason string) {
	c.writeMu.Lock()
	message := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.Close()
}

// Close tears down the transport. Safe to call multiple times.
func (c *SecureChannel) Close() {
	c.setState(ChannelClosed)
	_ = c.conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
