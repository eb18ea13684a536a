package syncer

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"booksync/discovery"
	"booksync/models"
	"booksync/network"
)

type fakeSender struct {
	records []models.BookmarkRecord
	err     error
}

func (s *fakeSender) SendBookmarks(records []models.BookmarkRecord) error {
	s.records = records
	return s.err
}

func staticProvider(records []models.BookmarkRecord) BookmarkProvider {
	return func() ([]models.BookmarkRecord, error) { return records, nil }
}

func TestShareSendsProviderRecords(t *testing.T) {
	records := []models.BookmarkRecord{
		{ID: "b1", Title: "Example", URL: "https://example.com"},
		{ID: "b2", Title: "Docs", URL: "https://example.org"},
	}
	coordinator := New(staticProvider(records), nil)
	sender := &fakeSender{}

	if err := coordinator.Share(sender); err != nil {
		t.Fatalf("share: %v", err)
	}
	if len(sender.records) != 2 {
		t.Fatalf("sent %d records, want 2", len(sender.records))
	}
	if got := coordinator.StatusMessage(); got != "Sync initiated" {
		t.Errorf("status message = %q, want %q", got, "Sync initiated")
	}
}

func TestShareQueuedWhenNotConnected(t *testing.T) {
	coordinator := New(staticProvider(nil), nil)
	sender := &fakeSender{err: network.ErrNotConnected}

	err := coordinator.Share(sender)
	if !errors.Is(err, network.ErrNotConnected) {
		t.Fatalf("share = %v, want ErrNotConnected", err)
	}
	if got := coordinator.StatusMessage(); got != "Sync queued" {
		t.Errorf("status message = %q, want %q", got, "Sync queued")
	}
}

func TestShareSendFailure(t *testing.T) {
	coordinator := New(staticProvider(nil), nil)
	sender := &fakeSender{err: errors.New("write: broken pipe")}

	if err := coordinator.Share(sender); err == nil {
		t.Fatal("share succeeded despite send failure")
	}
	if got := coordinator.StatusMessage(); got != "Failed to share bookmarks" {
		t.Errorf("status message = %q", got)
	}
}

func TestShareProviderFailure(t *testing.T) {
	coordinator := New(func() ([]models.BookmarkRecord, error) {
		return nil, errors.New("store locked")
	}, nil)

	if err := coordinator.Share(&fakeSender{}); err == nil {
		t.Fatal("share succeeded despite provider failure")
	}
	if got := coordinator.StatusMessage(); got != "Failed to share bookmarks" {
		t.Errorf("status message = %q", got)
	}
}

func TestShareWithoutProvider(t *testing.T) {
	coordinator := New(nil, nil)
	if err := coordinator.Share(&fakeSender{}); err == nil {
		t.Fatal("share succeeded without a provider")
	}
}

func TestHandleBookmarksMerges(t *testing.T) {
	var merged []models.BookmarkRecord
	coordinator := New(nil, func(records []models.BookmarkRecord) error {
		merged = records
		return nil
	})

	records := []models.BookmarkRecord{{ID: "b1"}, {ID: "b2"}, {ID: "b3"}}
	coordinator.HandleBookmarks("192.168.1.20", records)

	if len(merged) != 3 {
		t.Fatalf("merged %d records, want 3", len(merged))
	}
}

func TestHandleBookmarksWithoutMerger(t *testing.T) {
	coordinator := New(nil, nil)
	// Must not panic.
	coordinator.HandleBookmarks("192.168.1.20", []models.BookmarkRecord{{ID: "b1"}})
}

func statusEvent(address string, status models.ConnectionStatus, message string) models.ConnectionStatusEvent {
	return models.ConnectionStatusEvent{
		Status:       status,
		PeerInfo:     &models.PeerRecord{Address: address},
		ErrorMessage: message,
		Timestamp:    time.Now(),
	}
}

func TestHandleStatusTracksPerPeer(t *testing.T) {
	coordinator := New(nil, nil)

	coordinator.HandleStatus(statusEvent("10.0.0.1", models.StatusConnected, ""))
	coordinator.HandleStatus(statusEvent("10.0.0.2", models.StatusError, "Connection lost"))

	if got := coordinator.Status("10.0.0.1"); got != models.StatusConnected {
		t.Errorf("status of 10.0.0.1 = %q, want connected", got)
	}
	if got := coordinator.Status("10.0.0.2"); got != models.StatusError {
		t.Errorf("status of 10.0.0.2 = %q, want error", got)
	}
	if got := coordinator.Status("10.0.0.3"); got != models.StatusDisconnected {
		t.Errorf("status of unknown peer = %q, want disconnected", got)
	}
	if got := coordinator.StatusMessage(); got != "Connection lost" {
		t.Errorf("status message = %q, want the error message", got)
	}
}

func TestHandleStatusIgnoresNilPeer(t *testing.T) {
	coordinator := New(nil, nil)
	coordinator.HandleStatus(models.ConnectionStatusEvent{Status: models.StatusConnected})

	if got := coordinator.StatusMessage(); got != "Not connected" {
		t.Errorf("status message = %q, want unchanged default", got)
	}
}

func TestStatusHistoryBounded(t *testing.T) {
	coordinator := New(nil, nil)

	for i := 0; i < statusHistoryLimit+10; i++ {
		coordinator.HandleStatus(statusEvent("10.0.0.1", models.StatusConnected, fmt.Sprintf("n%d", i)))
	}

	history := coordinator.History("10.0.0.1")
	if len(history) != statusHistoryLimit {
		t.Fatalf("history length = %d, want %d", len(history), statusHistoryLimit)
	}
	// Oldest entries were evicted.
	if history[0].ErrorMessage != "n10" {
		t.Errorf("oldest retained entry = %q, want n10", history[0].ErrorMessage)
	}
	if history[len(history)-1].ErrorMessage != fmt.Sprintf("n%d", statusHistoryLimit+9) {
		t.Errorf("newest entry = %q", history[len(history)-1].ErrorMessage)
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	coordinator := New(nil, nil)
	coordinator.HandleStatus(statusEvent("10.0.0.1", models.StatusConnected, ""))

	history := coordinator.History("10.0.0.1")
	history[0].ErrorMessage = "mutated"

	if coordinator.History("10.0.0.1")[0].ErrorMessage == "mutated" {
		t.Fatal("History exposed internal state")
	}
}

func TestHandleDiscovery(t *testing.T) {
	coordinator := New(nil, nil)

	peer := models.PeerRecord{Name: "Desk", Address: "192.168.1.20", Port: 8765}
	coordinator.HandleDiscovery(discovery.Event{Type: discovery.EventPeerDiscovered, Peer: peer})

	if got := coordinator.Status("192.168.1.20"); got != models.StatusDiscovered {
		t.Errorf("status = %q, want discovered", got)
	}
	if got := coordinator.StatusMessage(); got != "Discovered Desk at 192.168.1.20" {
		t.Errorf("status message = %q", got)
	}

	coordinator.HandleDiscovery(discovery.Event{Type: discovery.EventPeerRemoved, Peer: peer})
	if got := coordinator.Status("192.168.1.20"); got != models.StatusDisconnected {
		t.Errorf("status after removal = %q, want disconnected", got)
	}
}

func TestOnServiceDiscoveredCallback(t *testing.T) {
	coordinator := New(nil, nil)

	var got models.ServiceDiscoveredEvent
	calls := 0
	coordinator.OnServiceDiscovered(func(event models.ServiceDiscoveredEvent) {
		got = event
		calls++
	})

	peer := models.PeerRecord{Name: "Desk", Address: "192.168.1.20", Port: 8765, PublicKey: "k1", ProtocolVersion: 1}
	coordinator.HandleDiscovery(discovery.Event{Type: discovery.EventPeerDiscovered, Peer: peer})
	coordinator.HandleDiscovery(discovery.Event{Type: discovery.EventPeerRemoved, Peer: peer})

	if calls != 1 {
		t.Fatalf("callback called %d times, want 1 (removals excluded)", calls)
	}
	if got.Name != "Desk" || got.Address != "192.168.1.20" || got.Port != 8765 {
		t.Errorf("event = %+v", got)
	}
	if got.Properties["public_key"] != "k1" {
		t.Errorf("public_key property = %q", got.Properties["public_key"])
	}
	if got.Properties["version"] != "1" {
		t.Errorf("version property = %q", got.Properties["version"])
	}
}
