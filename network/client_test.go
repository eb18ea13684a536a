package network

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"booksync/crypto"
	"booksync/models"
)

func testClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()

	if cfg.Keyring == nil {
		keyring, err := crypto.GenerateKeyring()
		if err != nil {
			t.Fatalf("generate keyring: %v", err)
		}
		cfg.Keyring = keyring
	}

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Disconnect)
	return client
}

func TestNewClientRequiresKeyring(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatal("client created without a keyring")
	}
}

func TestReconnectDelay(t *testing.T) {
	base := 5 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{0, 5 * time.Second},
	}

	for _, tc := range cases {
		if got := ReconnectDelay(base, tc.attempt); got != tc.want {
			t.Errorf("ReconnectDelay(%v, %d) = %v, want %v", base, tc.attempt, got, tc.want)
		}
	}
}

func TestSendBookmarksQueuesWhenDisconnected(t *testing.T) {
	client := testClient(t, ClientConfig{})

	records := []models.BookmarkRecord{{ID: "b1", Title: "Example", URL: "https://example.com"}}
	err := client.SendBookmarks(records)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendBookmarks = %v, want ErrNotConnected", err)
	}
	if client.QueueLength() != 1 {
		t.Fatalf("queue length = %d, want 1", client.QueueLength())
	}

	// Batches queue in order.
	client.SendBookmarks([]models.BookmarkRecord{{ID: "b2"}})
	if client.QueueLength() != 2 {
		t.Fatalf("queue length = %d, want 2", client.QueueLength())
	}
}

func TestClientStartsIdle(t *testing.T) {
	client := testClient(t, ClientConfig{})

	if client.Connected() {
		t.Error("new client reports connected")
	}
	if client.Terminal() {
		t.Error("new client reports terminal")
	}
	if client.QueueLength() != 0 {
		t.Errorf("new client queue length = %d, want 0", client.QueueLength())
	}
}

func TestDisconnectClearsQueueAndClosesClient(t *testing.T) {
	client := testClient(t, ClientConfig{})
	client.SendBookmarks([]models.BookmarkRecord{{ID: "b1"}})

	client.Disconnect()

	if client.QueueLength() != 0 {
		t.Errorf("queue length after disconnect = %d, want 0", client.QueueLength())
	}
	if err := client.Connect("127.0.0.1", 1); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Connect after Disconnect = %v, want ErrClientClosed", err)
	}
	// Idempotent.
	client.Disconnect()
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	statuses := make(chan models.ConnectionStatusEvent, 16)
	client := testClient(t, ClientConfig{
		ConnectionTimeout:    time.Second,
		ReconnectBaseDelay:   time.Millisecond,
		MaxReconnectAttempts: 3,
		OnStatus:             func(event models.ConnectionStatusEvent) { statuses <- event },
	})

	// Every attempt dials a closed port and fails immediately.
	client.wg.Add(1)
	client.reconnectLoop("127.0.0.1", 1)

	if !client.Terminal() {
		t.Fatal("client not terminal after exhausting reconnect attempts")
	}

	var last models.ConnectionStatusEvent
	for {
		select {
		case event := <-statuses:
			last = event
			continue
		default:
		}
		break
	}
	if last.Status != models.StatusDisconnected {
		t.Errorf("final status = %q, want disconnected", last.Status)
	}
	if last.ErrorMessage != "Max reconnection attempts reached" {
		t.Errorf("final message = %q", last.ErrorMessage)
	}
}

func TestDisconnectDuringHandshake(t *testing.T) {
	responder := testKeyring(t)
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		// Hold the handshake reply until the client has been closed.
		<-release
		conn.WriteMessage(websocket.TextMessage, []byte(responder.PublicKeyBase64()))
		conn.ReadMessage()
	}))
	defer server.Close()

	hostPort := strings.TrimPrefix(server.URL, "http://")
	host, portText, err := net.SplitHostPort(hostPort)
	if err != nil {
		t.Fatalf("split server address: %v", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}

	client := testClient(t, ClientConfig{HandshakeTimeout: 5 * time.Second})

	done := make(chan error, 1)
	go func() { done <- client.Connect(host, port) }()

	// Let the dial complete and the handshake block on the peer's reply,
	// then close the client underneath it.
	time.Sleep(100 * time.Millisecond)
	client.Disconnect()
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrClientClosed) {
			t.Fatalf("Connect after mid-handshake Disconnect = %v, want ErrClientClosed", err)
		}
	case <-time.After(testWait):
		t.Fatal("Connect did not return after Disconnect")
	}

	if client.Connected() {
		t.Fatal("client reports connected after Disconnect")
	}
}

func TestConnectRefusedPeer(t *testing.T) {
	client := testClient(t, ClientConfig{ConnectionTimeout: time.Second})

	// Port 1 is almost certainly closed; the dial must fail, not hang.
	err := client.Connect("127.0.0.1", 1)
	if err == nil {
		t.Fatal("connect to closed port succeeded")
	}
	if client.Connected() {
		t.Error("client reports connected after failed dial")
	}
}
