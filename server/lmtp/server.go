// Package lmtp accepts mail from the local MTA and spools it for processing.
//
// The listener does no routing of its own. Every accepted message lands in
// the inbound spool under its envelope recipient, and the queue worker hands
// it to the processor from there. Delivery is acknowledged as soon as the
// message is safely on disk.
package lmtp

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/emersion/go-smtp"
	"github.com/pkgwatch/herald/config"
	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
)

// Spool is where accepted messages go. Implemented by mailqueue.DiskQueue.
type Spool interface {
	Enqueue(sender, recipient string, messageBytes []byte) error
}

// WorkerNotifier wakes the spool worker right after a delivery instead of
// leaving the message to the worker's next scan.
type WorkerNotifier interface {
	NotifyQueued()
}

// Backend is the LMTP listener. It implements smtp.Backend.
type Backend struct {
	addr            string
	hostname        string
	appCtx          context.Context
	spool           Spool
	worker          WorkerNotifier
	server          *smtp.Server
	maxMessageSize  int64
	maxConnections  int
	trustedNetworks []*net.IPNet

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

// New creates the LMTP listener. The worker notifier may be nil, queued
// messages are then picked up on the worker's next scan.
func New(appCtx context.Context, tracker *config.TrackerConfig, cfg *config.LMTPServerConfig, spool Spool, worker WorkerNotifier, debug bool) (*Backend, error) {
	maxSize, err := cfg.GetMaxMessageSize()
	if err != nil {
		return nil, fmt.Errorf("invalid lmtp.max_message_size: %w", err)
	}
	trusted, err := parseTrustedNetworks(cfg.GetTrustedNetworks())
	if err != nil {
		return nil, fmt.Errorf("invalid lmtp.trusted_networks: %w", err)
	}

	b := &Backend{
		addr:            cfg.GetAddr(),
		hostname:        tracker.FQDN,
		appCtx:          appCtx,
		spool:           spool,
		worker:          worker,
		maxMessageSize:  maxSize,
		maxConnections:  cfg.GetMaxConnections(),
		trustedNetworks: trusted,
	}

	s := smtp.NewServer(b)
	s.Addr = b.addr
	s.Domain = b.hostname
	s.LMTP = true
	s.Network = "tcp"
	if debug {
		s.Debug = os.Stdout
	}
	b.server = s

	return b, nil
}

// NewSession accepts a connection from the MTA. LMTP carries no
// authentication, so only trusted networks may deliver.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	ip := remoteIP(c.Conn().RemoteAddr())
	if ip == nil {
		logger.Warn("LMTP: Connection rejected, unparseable remote address", "remote", c.Conn().RemoteAddr())
		return nil, fmt.Errorf("could not parse remote address")
	}
	if !b.isTrusted(ip) {
		logger.Warn("LMTP: Connection rejected, not from a trusted network", "ip", ip)
		return nil, fmt.Errorf("deliveries only accepted from trusted networks")
	}

	b.totalConnections.Add(1)
	active := b.activeConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("lmtp").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("lmtp").Inc()

	s := newSession(b)
	logger.Debug("LMTP: New session", "session", s.id, "remote", ip, "active", active)
	return s, nil
}

// Start runs the listener until the server is closed. Startup and serve
// errors are reported on errChan.
func (b *Backend) Start(errChan chan<- error) {
	listener, err := net.Listen("tcp", b.addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to create LMTP listener: %w", err)
		return
	}
	defer listener.Close()

	limited := &limitListener{Listener: listener, slots: make(chan struct{}, b.maxConnections)}

	logger.Info("LMTP: Server listening", "addr", b.addr, "domain", b.hostname, "max_connections", b.maxConnections)

	if err := b.server.Serve(limited); err != nil {
		if b.appCtx.Err() != nil {
			logger.Info("LMTP: Server stopped")
			return
		}
		errChan <- fmt.Errorf("LMTP server error: %w", err)
		return
	}
	logger.Info("LMTP: Server stopped")
}

// Close shuts the listener down and hangs up open sessions.
func (b *Backend) Close() error {
	if b.server != nil {
		return b.server.Close()
	}
	return nil
}

// GetTotalConnections returns the cumulative number of connections accepted.
func (b *Backend) GetTotalConnections() int64 {
	return b.totalConnections.Load()
}

// GetActiveConnections returns the number of currently open connections.
func (b *Backend) GetActiveConnections() int64 {
	return b.activeConnections.Load()
}

func (b *Backend) isTrusted(ip net.IP) bool {
	for _, network := range b.trustedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func parseTrustedNetworks(blocks []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(blocks))
	for _, block := range blocks {
		_, network, err := net.ParseCIDR(block)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR block %q: %w", block, err)
		}
		nets = append(nets, network)
	}
	return nets, nil
}

// limitListener caps concurrent sessions. A slot is taken before accepting,
// so a full server stops accepting and lets the MTA queue instead.
type limitListener struct {
	net.Listener
	slots chan struct{}
}

func (l *limitListener) Accept() (net.Conn, error) {
	l.slots <- struct{}{}
	conn, err := l.Listener.Accept()
	if err != nil {
		<-l.slots
		return nil, err
	}
	return &limitConn{Conn: conn, release: func() { <-l.slots }}, nil
}

type limitConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *limitConn) Close() error {
	c.once.Do(c.release)
	return c.Conn.Close()
}
