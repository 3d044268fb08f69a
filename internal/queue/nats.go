package queue

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultNATSPort is the default TCP port for the embedded NATS server.
	DefaultNATSPort = 4222

	// DefaultNATSMaxMem is the default JetStream memory limit (256 MiB).
	DefaultNATSMaxMem = 256 << 20

	// DefaultNATSMaxStore is the default JetStream file storage limit (1 GiB).
	DefaultNATSMaxStore = 1 << 30
)

// EmbeddedServer wraps an embedded NATS server with JetStream and provides
// lifecycle management (start, stop, health check). In the default
// single-binary deployment the orchestrator runs one of these; external
// workers connect over TCP.
type EmbeddedServer struct {
	server   *server.Server
	conn     *nats.Conn // in-process connection for the orchestrator's own use
	storeDir string
	port     int
}

// EmbeddedConfig holds configuration for the embedded NATS server.
type EmbeddedConfig struct {
	Port     int    // TCP port for external connections (default: 4222; -1 picks a free port)
	StoreDir string // JetStream file storage directory
	Token    string // auth token for client connections
}

// StartEmbedded creates and starts an embedded NATS server with JetStream
// storage under the data directory.
func StartEmbedded(cfg EmbeddedConfig) (*EmbeddedServer, error) {
	if err := os.MkdirAll(cfg.StoreDir, 0700); err != nil {
		return nil, fmt.Errorf("create NATS store dir: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultNATSPort
	}

	opts := &server.Options{
		ServerName:         "tahrird",
		Host:               "0.0.0.0",
		Port:               cfg.Port,
		JetStream:          true,
		JetStreamMaxMemory: DefaultNATSMaxMem,
		JetStreamMaxStore:  DefaultNATSMaxStore,
		StoreDir:           cfg.StoreDir,
		NoLog:              true,
		NoSigs:             true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to become ready within 10 seconds")
	}

	connectOpts := []nats.Option{nats.Name("tahrird-internal")}
	if cfg.Token != "" {
		connectOpts = append(connectOpts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(ns.ClientURL(), connectOpts...)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("in-process NATS connection: %w", err)
	}

	port := cfg.Port
	if a, ok := ns.Addr().(*net.TCPAddr); ok {
		port = a.Port
	}

	return &EmbeddedServer{
		server:   ns,
		conn:     nc,
		storeDir: cfg.StoreDir,
		port:     port,
	}, nil
}

// Port returns the TCP port the server is listening on.
func (e *EmbeddedServer) Port() int {
	return e.port
}

// Conn returns the in-process NATS connection.
func (e *EmbeddedServer) Conn() *nats.Conn {
	return e.conn
}

// ClientURL returns the URL external workers connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.server.ClientURL()
}

// Shutdown gracefully stops the server. Drains the in-process connection
// first, then shuts down the server and waits for completion.
func (e *EmbeddedServer) Shutdown() {
	if e.conn != nil {
		e.conn.Drain()
		e.conn.Close()
	}
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
}

// DefaultStoreDir places JetStream storage under the data directory.
func DefaultStoreDir(dataDir string) string {
	return filepath.Join(dataDir, "nats")
}
