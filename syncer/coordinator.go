// Package syncer bridges collaborator bookmark data and the peer network:
// it feeds local bookmarks into outbound sync, hands received batches to the
// collaborator, and tracks per-peer connection status for the UI.
package syncer

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"booksync/discovery"
	"booksync/models"
	"booksync/network"
)

// statusHistoryLimit bounds the retained transitions per peer address.
const statusHistoryLimit = 50

// BookmarkProvider enumerates the collaborator's current bookmarks.
type BookmarkProvider func() ([]models.BookmarkRecord, error)

// BookmarkMerger imports a received bookmark batch. Merge policy is the
// collaborator's concern; batches may arrive more than once.
type BookmarkMerger func(records []models.BookmarkRecord) error

// Sender delivers a bookmark batch to the connected peer.
type Sender interface {
	SendBookmarks(records []models.BookmarkRecord) error
}

// Coordinator is the glue between the bookmark store and the peer link.
// Each peer link is synchronized independently: success with one peer and
// failure with another are reported per address, never as one outcome.
type Coordinator struct {
	provider BookmarkProvider
	merger   BookmarkMerger

	mu          sync.Mutex
	statuses    map[string]models.ConnectionStatus
	history     map[string][]models.ConnectionStatusEvent
	discovered  func(models.ServiceDiscoveredEvent)
	lastMessage string
}

// New creates a coordinator. provider and merger may be nil when the
// corresponding direction is unused.
func New(provider BookmarkProvider, merger BookmarkMerger) *Coordinator {
	return &Coordinator{
		provider:    provider,
		merger:      merger,
		statuses:    make(map[string]models.ConnectionStatus),
		history:     make(map[string][]models.ConnectionStatusEvent),
		lastMessage: "Not connected",
	}
}

// Share enumerates local bookmarks and sends them through the sender.
func (c *Coordinator) Share(sender Sender) error {
	if c.provider == nil {
		return errors.New("syncer: no bookmark provider configured")
	}

	records, err := c.provider()
	if err != nil {
		c.setMessage("Failed to share bookmarks")
		return fmt.Errorf("enumerate bookmarks: %w", err)
	}

	if err := sender.SendBookmarks(records); err != nil {
		if errors.Is(err, network.ErrNotConnected) {
			// Queued for delivery once the link comes up.
			c.setMessage("Sync queued")
			return err
		}
		c.setMessage("Failed to share bookmarks")
		return err
	}

	c.setMessage("Sync initiated")
	return nil
}

// HandleBookmarks receives a decoded batch from a peer and hands it to the
// collaborator. Wire it to both the server's and the client's bookmark
// callbacks.
func (c *Coordinator) HandleBookmarks(peerAddress string, records []models.BookmarkRecord) {
	if c.merger == nil {
		return
	}
	if err := c.merger(records); err != nil {
		log.Printf("syncer: merge of %d records from %s failed: %v", len(records), peerAddress, err)
		return
	}
	log.Printf("syncer: merged %d records from %s", len(records), peerAddress)
}

// HandleStatus records a connection-status transition for a peer.
func (c *Coordinator) HandleStatus(event models.ConnectionStatusEvent) {
	if event.PeerInfo == nil {
		return
	}
	address := event.PeerInfo.Address

	c.mu.Lock()
	defer c.mu.Unlock()

	c.statuses[address] = event.Status

	entries := append(c.history[address], event)
	if len(entries) > statusHistoryLimit {
		entries = entries[len(entries)-statusHistoryLimit:]
	}
	c.history[address] = entries

	switch event.Status {
	case models.StatusConnected:
		c.lastMessage = fmt.Sprintf("Connected to %s", address)
	case models.StatusError:
		if event.ErrorMessage != "" {
			c.lastMessage = event.ErrorMessage
		} else {
			c.lastMessage = "Connection failed"
		}
	case models.StatusDisconnected:
		c.lastMessage = "Not connected"
	}
}

// OnServiceDiscovered registers the callback invoked for each newly seen or
// changed peer. The callback runs on the discovery goroutines and must not
// block.
func (c *Coordinator) OnServiceDiscovered(fn func(models.ServiceDiscoveredEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovered = fn
}

// HandleDiscovery maps discovery events onto peer status. Wire it to the
// browser with Subscribe.
func (c *Coordinator) HandleDiscovery(event discovery.Event) {
	status := models.StatusDiscovered
	if event.Type == discovery.EventPeerRemoved {
		status = models.StatusDisconnected
	}

	peer := event.Peer
	c.HandleStatus(models.ConnectionStatusEvent{
		Status:    status,
		PeerInfo:  &peer,
		Timestamp: time.Now(),
	})

	if event.Type == discovery.EventPeerDiscovered {
		c.setMessage(fmt.Sprintf("Discovered %s at %s", peer.Name, peer.Address))

		c.mu.Lock()
		discovered := c.discovered
		c.mu.Unlock()
		if discovered != nil {
			discovered(models.ServiceDiscoveredEvent{
				Name:    peer.Name,
				Address: peer.Address,
				Port:    peer.Port,
				Properties: map[string]string{
					"public_key": peer.PublicKey,
					"version":    strconv.Itoa(peer.ProtocolVersion),
				},
			})
		}
	}
}

// Status returns the last known status for a peer address.
func (c *Coordinator) Status(peerAddress string) models.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status, ok := c.statuses[peerAddress]; ok {
		return status
	}
	return models.StatusDisconnected
}

// History returns a copy of the retained transitions for a peer address,
// oldest first.
func (c *Coordinator) History(peerAddress string) []models.ConnectionStatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ConnectionStatusEvent(nil), c.history[peerAddress]...)
}

// StatusMessage returns the latest user-visible status line.
func (c *Coordinator) StatusMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessage
}

func (c *Coordinator) setMessage(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMessage = message
}
