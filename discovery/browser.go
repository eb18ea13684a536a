package discovery

import (
	"context"
	"errors"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"booksync/models"
)

const (
	// EventPeerDiscovered is emitted when a peer appears or its advertised
	// metadata changes.
	EventPeerDiscovered EventType = "peer_discovered"
	// EventPeerRemoved is emitted when a peer is evicted as stale.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer-table updates.
type EventType string

// Event carries a discovery update. Peer is a copy; handlers never see live
// table references.
type Event struct {
	Type EventType
	Peer models.PeerRecord
}

// Handler receives discovery events. Handlers run on the browser's
// goroutines and must not block.
type Handler func(Event)

// Browser watches the network for advertised instances and maintains a
// time-bounded peer table. Entries refresh on re-advertisement and are
// evicted by the staleness sweep when a peer disappears silently.
type Browser struct {
	cfg    Config
	browse browseFunc

	mu    sync.RWMutex
	peers map[string]models.PeerRecord

	handlerMu     sync.Mutex
	handlers      map[int]Handler
	nextHandlerID int

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBrowser creates a browser with config defaults applied.
func NewBrowser(config Config) (*Browser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.InstanceID) == "" {
		return nil, errors.New("instance ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Browser{
		cfg:      cfg,
		browse:   browse,
		peers:    make(map[string]models.PeerRecord),
		handlers: make(map[int]Handler),
	}, nil
}

// Start launches the scan and staleness-sweep loops.
func (b *Browser) Start() {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.wg.Add(2)
		go b.scanLoop()
		go b.sweepLoop()
	})
}

// Stop cancels the loops and awaits their termination.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

// Subscribe registers a handler and returns its deregistration handle.
// Multiple handlers may be registered.
func (b *Browser) Subscribe(handler Handler) (unsubscribe func()) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()

	id := b.nextHandlerID
	b.nextHandlerID++
	b.handlers[id] = handler

	return func() {
		b.handlerMu.Lock()
		defer b.handlerMu.Unlock()
		delete(b.handlers, id)
	}
}

// Peers returns a snapshot of the current peer table sorted by name.
func (b *Browser) Peers() []models.PeerRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]models.PeerRecord, 0, len(b.peers))
	for _, peer := range b.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Sweep evicts peers whose last-seen timestamp exceeds the staleness
// threshold. Called periodically by the sweep loop; exported so callers can
// force an eviction pass.
func (b *Browser) Sweep() {
	threshold := b.cfg.StaleThreshold
	now := time.Now()

	b.mu.Lock()
	var removed []models.PeerRecord
	for name, peer := range b.peers {
		if now.Sub(peer.LastSeen) > threshold {
			delete(b.peers, name)
			removed = append(removed, peer)
		}
	}
	b.mu.Unlock()

	for _, peer := range removed {
		log.Printf("discovery: removing stale peer %s", peer.Name)
		b.emit(Event{Type: EventPeerRemoved, Peer: peer})
	}
}

func (b *Browser) scanLoop() {
	defer b.wg.Done()

	// Prime the peer table immediately.
	b.runScan()

	ticker := time.NewTicker(b.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.runScan()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Browser) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Sweep()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Browser) runScan() {
	scanCtx, cancel := context.WithTimeout(b.ctx, b.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				if peer, ok := parseEntry(entry, b.cfg.InstanceID); ok {
					b.upsert(peer)
				}
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		log.Printf("discovery: browse failed: %v", err)
		return
	}

	<-scanCtx.Done()
	<-collectorDone
}

func (b *Browser) upsert(peer models.PeerRecord) {
	peer.LastSeen = time.Now()

	b.mu.Lock()
	previous, exists := b.peers[peer.Name]
	b.peers[peer.Name] = peer
	b.mu.Unlock()

	if !exists || !peersEqual(previous, peer) {
		b.emit(Event{Type: EventPeerDiscovered, Peer: peer})
	}
}

func (b *Browser) emit(event Event) {
	b.handlerMu.Lock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.handlerMu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfInstanceID string) (models.PeerRecord, bool) {
	txt := txtToMap(entry.Text)

	instanceID := txt["instance_id"]
	if instanceID == "" || instanceID == selfInstanceID {
		return models.PeerRecord{}, false
	}

	address := ""
	if len(entry.AddrIPv4) > 0 && entry.AddrIPv4[0] != nil {
		address = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 && entry.AddrIPv6[0] != nil {
		address = entry.AddrIPv6[0].String()
	}
	if address == "" {
		return models.PeerRecord{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = instanceID
	}

	return models.PeerRecord{
		Name:            name,
		Address:         address,
		Port:            entry.Port,
		PublicKey:       txt["public_key"],
		ProtocolVersion: version,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func peersEqual(a, b models.PeerRecord) bool {
	return a.Name == b.Name &&
		a.Address == b.Address &&
		a.Port == b.Port &&
		a.PublicKey == b.PublicKey &&
		a.ProtocolVersion == b.ProtocolVersion
}
