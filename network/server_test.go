package network

import (
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"booksync/crypto"
	"booksync/models"
)

const testWait = 5 * time.Second

func startTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()

	if cfg.Keyring == nil {
		keyring, err := crypto.GenerateKeyring()
		if err != nil {
			t.Fatalf("generate keyring: %v", err)
		}
		cfg.Keyring = keyring
	}
	cfg.BindAddress = "127.0.0.1"

	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(server.Stop)
	return server
}

// dialRaw opens a websocket to the server and completes the key exchange,
// returning the shared box and a fresh session token for sealing frames.
func dialRaw(t *testing.T, port int) (*websocket.Conn, *crypto.SharedBox, string) {
	t.Helper()

	keyring, err := crypto.GenerateKeyring()
	if err != nil {
		t.Fatalf("generate keyring: %v", err)
	}

	endpoint := url.URL{Scheme: "ws", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	conn, _, err := websocket.DefaultDialer.Dial(endpoint.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(keyring.PublicKeyBase64())); err != nil {
		t.Fatalf("send public key: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(testWait))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read server public key: %v", err)
	}
	peerKey, err := crypto.ParsePublicKey(string(frame))
	if err != nil {
		t.Fatalf("parse server public key: %v", err)
	}

	token, err := crypto.NewSessionToken()
	if err != nil {
		t.Fatalf("new session token: %v", err)
	}
	return conn, keyring.SharedBox(peerKey), token
}

func sealFrame(t *testing.T, sharedBox *crypto.SharedBox, payload Payload) []byte {
	t.Helper()
	frame, err := SealEnvelope(sharedBox, payload)
	if err != nil {
		t.Fatalf("seal envelope: %v", err)
	}
	return frame
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testWait))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("read gave %v, want close frame with code %d", err, code)
	}
	if closeErr.Code != code {
		t.Fatalf("close code = %d, want %d", closeErr.Code, code)
	}
}

func TestServerClientEndToEnd(t *testing.T) {
	type batch struct {
		peer    string
		records []models.BookmarkRecord
	}
	received := make(chan batch, 1)

	server := startTestServer(t, ServerConfig{
		OnBookmarks: func(peerAddress string, records []models.BookmarkRecord) {
			received <- batch{peerAddress, records}
		},
	})

	acked := make(chan string, 1)
	client := testClient(t, ClientConfig{
		OnAck: func(status string) { acked <- status },
	})

	if err := client.Connect("127.0.0.1", server.Port()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !client.Connected() {
		t.Fatal("client not connected after Connect")
	}

	sent := []models.BookmarkRecord{
		{ID: "b1", Title: "Example", URL: "https://example.com", CreatedAt: "2026-08-20T10:00:00Z"},
		{ID: "b2", Title: "Docs", URL: "https://example.org/docs", ParentID: "b1"},
		{ID: "b3", Title: "News", URL: "https://example.net", Description: "daily"},
	}
	if err := client.SendBookmarks(sent); err != nil {
		t.Fatalf("send bookmarks: %v", err)
	}

	select {
	case got := <-received:
		if got.peer != "127.0.0.1" {
			t.Errorf("peer address = %q, want 127.0.0.1", got.peer)
		}
		if len(got.records) != len(sent) {
			t.Fatalf("received %d records, want %d", len(got.records), len(sent))
		}
		for i := range sent {
			if got.records[i] != sent[i] {
				t.Errorf("record %d = %+v, want %+v", i, got.records[i], sent[i])
			}
		}
	case <-time.After(testWait):
		t.Fatal("timed out waiting for bookmark delivery")
	}

	select {
	case status := <-acked:
		if status != "received" {
			t.Errorf("ack status = %q, want %q", status, "received")
		}
	case <-time.After(testWait):
		t.Fatal("timed out waiting for ack")
	}

	if server.ConnectionCount() != 1 {
		t.Errorf("connection count = %d, want 1", server.ConnectionCount())
	}
}

func TestServerPingPong(t *testing.T) {
	server := startTestServer(t, ServerConfig{})
	conn, sharedBox, token := dialRaw(t, server.Port())

	frame := sealFrame(t, sharedBox, Payload{
		Type:         TypePing,
		MessageID:    1,
		Timestamp:    wireTimestamp(),
		SessionToken: token,
	})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(testWait))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	payload, perr := OpenEnvelope(sharedBox, reply, token)
	if perr != nil {
		t.Fatalf("open reply: %v", perr)
	}
	if payload.Type != TypePong {
		t.Errorf("reply type = %q, want %q", payload.Type, TypePong)
	}
	if payload.SessionToken != token {
		t.Errorf("reply carries token %q, want the bound token", payload.SessionToken)
	}
}

func TestServerUnknownTypeKeepsConnectionOpen(t *testing.T) {
	server := startTestServer(t, ServerConfig{})
	conn, sharedBox, token := dialRaw(t, server.Port())

	frame := sealFrame(t, sharedBox, Payload{
		Type:         "gossip",
		MessageID:    1,
		Timestamp:    wireTimestamp(),
		SessionToken: token,
	})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("send unknown type: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(testWait))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	payload, perr := OpenEnvelope(sharedBox, reply, token)
	if perr != nil {
		t.Fatalf("open reply: %v", perr)
	}
	if payload.Type != TypeError {
		t.Fatalf("reply type = %q, want %q", payload.Type, TypeError)
	}

	// The connection survived; a ping still round-trips.
	ping := sealFrame(t, sharedBox, Payload{
		Type:         TypePing,
		MessageID:    2,
		Timestamp:    wireTimestamp(),
		SessionToken: token,
	})
	if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(testWait))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("connection closed after unknown type: %v", err)
	}
}

func TestServerClosesOnCorruptedSignature(t *testing.T) {
	received := make(chan struct{}, 1)
	recorder := &memoryRecorder{}

	server := startTestServer(t, ServerConfig{
		Recorder: recorder,
		OnBookmarks: func(string, []models.BookmarkRecord) {
			received <- struct{}{}
		},
	})
	conn, sharedBox, token := dialRaw(t, server.Port())

	// Bind the session token with a valid ping first.
	frame := sealFrame(t, sharedBox, Payload{
		Type:         TypePing,
		MessageID:    1,
		Timestamp:    wireTimestamp(),
		SessionToken: token,
	})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(testWait))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read pong: %v", err)
	}

	// A bookmarks frame signed with a different token must not reach the
	// callback and must close the connection.
	forged := sealFrame(t, sharedBox, Payload{
		Type:         TypeBookmarks,
		MessageID:    2,
		Timestamp:    wireTimestamp(),
		SessionToken: "f00df00df00df00df00df00df00df00d",
		Bookmarks:    []models.BookmarkRecord{{ID: "evil"}},
	})
	if err := conn.WriteMessage(websocket.TextMessage, forged); err != nil {
		t.Fatalf("send forged frame: %v", err)
	}

	expectClose(t, conn, CloseMalformed)

	select {
	case <-received:
		t.Fatal("forged frame reached the bookmarks callback")
	default:
	}

	deadline := time.Now().Add(testWait)
	for len(recorder.byType("protocol_violation")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no protocol_violation event recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerRejectsBlacklistedAddress(t *testing.T) {
	server := startTestServer(t, ServerConfig{})
	server.Guard().Blacklist("127.0.0.1", time.Now().Add(time.Hour))

	endpoint := url.URL{Scheme: "ws", Host: fmt.Sprintf("127.0.0.1:%d", server.Port())}
	conn, _, err := websocket.DefaultDialer.Dial(endpoint.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	expectClose(t, conn, CloseBlacklisted)
}

func TestServerAtCapacity(t *testing.T) {
	server := startTestServer(t, ServerConfig{
		// AttemptThreshold is raised so repeated loopback dials in this test
		// exercise the capacity gate, not the attempt gate.
		Guard: GuardConfig{MaxConnections: 1, AttemptThreshold: 100},
	})

	first, sharedBox, token := dialRaw(t, server.Port())
	frame := sealFrame(t, sharedBox, Payload{
		Type:         TypePing,
		MessageID:    1,
		Timestamp:    wireTimestamp(),
		SessionToken: token,
	})
	if err := first.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	first.SetReadDeadline(time.Now().Add(testWait))
	if _, _, err := first.ReadMessage(); err != nil {
		t.Fatalf("read pong: %v", err)
	}

	endpoint := url.URL{Scheme: "ws", Host: fmt.Sprintf("127.0.0.1:%d", server.Port())}
	second, _, err := websocket.DefaultDialer.Dial(endpoint.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	expectClose(t, second, CloseAtCapacity)
}

func TestServerStartStopIdempotent(t *testing.T) {
	keyring, err := crypto.GenerateKeyring()
	if err != nil {
		t.Fatalf("generate keyring: %v", err)
	}
	server, err := NewServer(ServerConfig{BindAddress: "127.0.0.1", Keyring: keyring})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := server.Start(); err == nil {
		t.Error("second Start succeeded, want error")
	}
	if server.Port() == 0 {
		t.Error("Port() = 0 after Start")
	}

	server.Stop()
	server.Stop()
}

func TestNewServerRequiresKeyring(t *testing.T) {
	if _, err := NewServer(ServerConfig{}); err == nil {
		t.Fatal("server created without a keyring")
	}
}
