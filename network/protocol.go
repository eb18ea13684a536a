package network

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"booksync/crypto"
	"booksync/models"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// DefaultHandshakeTimeout bounds the plaintext key exchange.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultConnectionTimeout bounds the outbound dial.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultMessageTimeout bounds a single message write.
	DefaultMessageTimeout = 30 * time.Second
)

const (
	TypePing      = "ping"
	TypePong      = "pong"
	TypeBookmarks = "bookmarks"
	TypeAck       = "ack"
	TypeError     = "error"
)

// Application close codes carried in websocket close frames. Each guard or
// protocol failure closes with a distinct code so the peer can tell policy
// rejection apart from transport failure.
const (
	CloseBlacklisted      = 4001
	CloseTooManyAttempts  = 4002
	CloseAtCapacity       = 4003
	CloseHandshakeTimeout = 4004
	CloseRateLimited      = 4005
	CloseMessageTooLarge  = 4006
	CloseMalformed        = 4007
	CloseProcessingError  = 4008
)

var (
	// ErrHandshakeTimeout indicates the peer key exchange did not complete in time.
	ErrHandshakeTimeout = errors.New("network: handshake timeout")
	// ErrConnectionTimeout indicates the outbound dial exceeded its deadline.
	ErrConnectionTimeout = errors.New("network: connection timeout")
	// ErrNotConnected indicates no established peer link.
	ErrNotConnected = errors.New("network: not connected to peer")
	// ErrChannelClosed indicates the secure channel has been torn down.
	ErrChannelClosed = errors.New("network: channel closed")
)

// Envelope is the steady-state wire frame: an encrypted payload blob plus a
// session-token HMAC over the decrypted payload bytes.
type Envelope struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

// Payload is the decrypted message body. MessageID increases monotonically
// per sender within a session; it is advisory metadata, not an ordering
// guarantee.
type Payload struct {
	Type         string                  `json:"type"`
	MessageID    uint64                  `json:"message_id"`
	Timestamp    string                  `json:"timestamp"`
	SessionToken string                  `json:"session_token"`
	Bookmarks    []models.BookmarkRecord `json:"data,omitempty"`
	Status       string                  `json:"status,omitempty"`
	Message      string                  `json:"message,omitempty"`
}

// PayloadReason classifies why an inbound envelope could not be accepted.
// Dispatch branches on the reason: every reason here closes the connection,
// while a well-formed payload with an unknown type gets an error reply and
// the connection stays open.
type PayloadReason int

const (
	ReasonBadEnvelope PayloadReason = iota + 1
	ReasonBadCiphertext
	ReasonBadPayload
	ReasonSignatureMismatch
	ReasonTokenMismatch
)

func (r PayloadReason) String() string {
	switch r {
	case ReasonBadEnvelope:
		return "bad envelope"
	case ReasonBadCiphertext:
		return "bad ciphertext"
	case ReasonBadPayload:
		return "bad payload"
	case ReasonSignatureMismatch:
		return "signature mismatch"
	case ReasonTokenMismatch:
		return "session token mismatch"
	default:
		return "unknown"
	}
}

// PayloadError is the typed result of a failed envelope open.
type PayloadError struct {
	Reason PayloadReason
	Err    error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("network: %s", e.Reason)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// SealEnvelope serializes, signs, and encrypts a payload for the wire.
func SealEnvelope(sharedBox *crypto.SharedBox, payload Payload) ([]byte, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	ciphertext, err := sharedBox.Encrypt(plain)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}

	frame, err := json.Marshal(Envelope{
		Data:      base64.StdEncoding.EncodeToString(ciphertext),
		Signature: crypto.SignPayload(plain, payload.SessionToken),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return frame, nil
}

// OpenEnvelope decrypts and verifies an inbound frame.
//
// When expectedToken is empty the signature is verified against the token
// carried inside the payload itself; the caller binds that token to the
// session. Otherwise the signature must verify against expectedToken and the
// payload token must match it.
func OpenEnvelope(sharedBox *crypto.SharedBox, frame []byte, expectedToken string) (Payload, *PayloadError) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Payload{}, &PayloadError{Reason: ReasonBadEnvelope, Err: err}
	}
	if envelope.Data == "" || envelope.Signature == "" {
		return Payload{}, &PayloadError{Reason: ReasonBadEnvelope, Err: errors.New("missing data or signature")}
	}

	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		return Payload{}, &PayloadError{Reason: ReasonBadEnvelope, Err: err}
	}

	plain, err := sharedBox.Decrypt(ciphertext)
	if err != nil {
		return Payload{}, &PayloadError{Reason: ReasonBadCiphertext, Err: err}
	}

	var payload Payload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return Payload{}, &PayloadError{Reason: ReasonBadPayload, Err: err}
	}
	if payload.Type == "" || payload.SessionToken == "" {
		return Payload{}, &PayloadError{Reason: ReasonBadPayload, Err: errors.New("missing type or session token")}
	}

	token := expectedToken
	if token == "" {
		token = payload.SessionToken
	}
	if !crypto.VerifyPayload(plain, envelope.Signature, token) {
		return Payload{}, &PayloadError{Reason: ReasonSignatureMismatch}
	}
	if expectedToken != "" && payload.SessionToken != expectedToken {
		return Payload{}, &PayloadError{Reason: ReasonTokenMismatch}
	}

	return payload, nil
}

func wireTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
