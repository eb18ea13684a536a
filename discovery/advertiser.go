package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service type without domain suffix.
	DefaultService = "_bookmarksync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanInterval is the background browse cadence.
	DefaultScanInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 3 * time.Second
	// DefaultSweepInterval is the staleness sweep cadence.
	DefaultSweepInterval = time.Minute
	// DefaultStaleThreshold evicts peers not seen within this window.
	DefaultStaleThreshold = 5 * time.Minute
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls both the advertiser and the browser.
type Config struct {
	Service string
	Domain  string

	InstanceID   string
	InstanceName string
	Port         int
	PublicKey    string
	Version      int

	ScanInterval   time.Duration
	ScanTimeout    time.Duration
	SweepInterval  time.Duration
	StaleThreshold time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = 1
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.StaleThreshold <= 0 {
		out.StaleThreshold = DefaultStaleThreshold
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.InstanceID) == "" {
		return errors.New("instance ID is required")
	}
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("listening port must be > 0")
	}
	if strings.TrimSpace(c.PublicKey) == "" {
		return errors.New("public key is required")
	}
	return nil
}

// Advertiser publishes this instance's presence (address, port, public key)
// on the local network.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the service record. A registration failure is a
// startup failure for the caller.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"instance_id=" + cfg.InstanceID,
		"version=" + strconv.Itoa(cfg.Version),
		"public_key=" + cfg.PublicKey,
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	log.Printf("discovery: advertising %s on port %d", cfg.InstanceName, cfg.Port)
	return &Advertiser{server: server}, nil
}

// Stop unregisters the service record.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
