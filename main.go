package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"booksync/config"
	"booksync/crypto"
	"booksync/discovery"
	"booksync/models"
	"booksync/network"
	"booksync/storage"
	"booksync/syncer"
)

func main() {
	connectTo := flag.String("connect", "", "peer address (host:port) to dial at startup")
	flag.Parse()

	settings, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	keyring, err := crypto.GenerateKeyring()
	if err != nil {
		log.Fatalf("startup failed while generating identity keys: %v", err)
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()

	fmt.Printf("Instance ID:    %s\n", settings.InstanceID)
	fmt.Printf("Instance Name:  %s\n", settings.InstanceName)
	fmt.Printf("Listening Port: %d\n", settings.ListeningPort)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Database File:  %s\n", dbPath)

	// The bookmark store is an external collaborator: this binary hands
	// received batches to it and asks it for the local set. Until one is
	// wired in, received records are only logged.
	coordinator := syncer.New(
		func() ([]models.BookmarkRecord, error) { return nil, nil },
		func(records []models.BookmarkRecord) error {
			log.Printf("received %d bookmark records", len(records))
			return nil
		},
	)

	server, err := network.NewServer(network.ServerConfig{
		Port:             settings.ListeningPort,
		Keyring:          keyring,
		Guard:            settings.GuardConfig(),
		HandshakeTimeout: settings.ConnectionTimeout(),
		MessageTimeout:   settings.MessageTimeout(),
		Recorder:         store,
		OnBookmarks:      coordinator.HandleBookmarks,
		OnStatus:         coordinator.HandleStatus,
	})
	if err != nil {
		log.Fatalf("startup failed while creating server: %v", err)
	}

	if persisted, err := store.LoadBlacklist(); err != nil {
		log.Printf("blacklist restore failed: %v", err)
	} else {
		for address, until := range persisted {
			server.Guard().Blacklist(address, until)
		}
	}

	if err := server.Start(); err != nil {
		log.Fatalf("startup failed while binding server: %v", err)
	}

	advertiser, err := discovery.StartAdvertiser(discovery.Config{
		InstanceID:   settings.InstanceID,
		InstanceName: settings.InstanceName,
		Port:         server.Port(),
		PublicKey:    keyring.PublicKeyBase64(),
		Version:      network.ProtocolVersion,
	})
	if err != nil {
		server.Stop()
		log.Fatalf("startup failed while registering discovery: %v", err)
	}

	browser, err := discovery.NewBrowser(discovery.Config{
		InstanceID: settings.InstanceID,
	})
	if err != nil {
		advertiser.Stop()
		server.Stop()
		log.Fatalf("startup failed while creating browser: %v", err)
	}

	coordinator.OnServiceDiscovered(func(event models.ServiceDiscoveredEvent) {
		log.Printf("discovered peer %s at %s:%d", event.Name, event.Address, event.Port)
	})

	unsubscribeStatus := browser.Subscribe(coordinator.HandleDiscovery)
	unsubscribePersist := browser.Subscribe(func(event discovery.Event) {
		if event.Type != discovery.EventPeerDiscovered {
			return
		}
		if err := store.UpsertPeer(event.Peer); err != nil {
			log.Printf("peer bookkeeping failed: %v", err)
		}
	})
	browser.Start()

	client, err := network.NewClient(network.ClientConfig{
		Keyring:              keyring,
		ConnectionTimeout:    settings.ConnectionTimeout(),
		MessageTimeout:       settings.MessageTimeout(),
		ReconnectBaseDelay:   settings.ReconnectBaseDelay(),
		MaxReconnectAttempts: settings.MaxReconnectAttempts,
		OnBookmarks: func(records []models.BookmarkRecord) {
			coordinator.HandleBookmarks("peer", records)
		},
		OnStatus: coordinator.HandleStatus,
	})
	if err != nil {
		log.Fatalf("startup failed while creating client: %v", err)
	}

	if *connectTo != "" {
		host, port, err := splitPeerAddress(*connectTo)
		if err != nil {
			log.Printf("invalid -connect address: %v", err)
		} else if err := client.Connect(host, port); err != nil {
			log.Printf("connect to %s failed: %v", *connectTo, err)
		} else if err := coordinator.Share(client); err != nil {
			log.Printf("share failed: %v", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down")

	client.Disconnect()
	browser.Stop()
	unsubscribeStatus()
	unsubscribePersist()
	advertiser.Stop()
	server.Stop()

	if err := store.SaveBlacklist(server.Guard().BlacklistSnapshot()); err != nil {
		log.Printf("blacklist persist failed: %v", err)
	}
}

func splitPeerAddress(address string) (string, int, error) {
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
