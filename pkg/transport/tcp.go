package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPort is the TCP and UDP port devices listen on.
const DefaultPort = 11095

// DefaultDialTimeout bounds a single TCP connect attempt.
const DefaultDialTimeout = 10 * time.Second

// ErrListenerRunning is returned by Start on a running listener.
var ErrListenerRunning = errors.New("listener already running")

// DialTCP opens a TCP connection to addr. A zero port selects DefaultPort.
// For link-local destinations without a zone, iface supplies it.
func DialTCP(ctx context.Context, addr netip.AddrPort, iface string) (net.Conn, error) {
	target := WithZone(addr, iface)
	if target.Port() == 0 {
		target = netip.AddrPortFrom(target.Addr(), DefaultPort)
	}

	d := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

// WithZone adds iface as the zone of a link-local IPv6 address that has
// none.
func WithZone(addr netip.AddrPort, iface string) netip.AddrPort {
	ip := addr.Addr()
	if iface == "" || !ip.Is6() || ip.Zone() != "" || !ip.IsLinkLocalUnicast() {
		return addr
	}
	return netip.AddrPortFrom(ip.WithZone(iface), addr.Port())
}

// ListenerConfig configures a TCP Listener.
type ListenerConfig struct {
	// Address to listen on (e.g. ":11095" or "[::1]:0").
	Address string

	// OnAccept is called on a new goroutine for each accepted connection,
	// so it may stop the listener. The callee owns the connection.
	OnAccept func(conn net.Conn)

	// OnError is called when accepting fails while the listener runs.
	OnError func(err error)
}

// Listener accepts inbound TCP connections.
type Listener struct {
	config   ListenerConfig
	listener net.Listener

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewListener creates a new TCP listener.
func NewListener(config ListenerConfig) *Listener {
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	return &Listener{config: config}
}

// Start binds the listen address and starts the accept loop.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return ErrListenerRunning
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", l.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	l.listener = listener
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Stop closes the listening socket and waits for the accept loop. Accepted
// connections are not affected.
func (l *Listener) Stop() error {
	if !l.running.Swap(false) {
		return nil
	}
	err := l.listener.Close()
	l.wg.Wait()
	return err
}

// Addr returns the listen address, or nil when not started.
func (l *Listener) Addr() net.Addr {
	if l.listener != nil {
		return l.listener.Addr()
	}
	return nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for l.running.Load() {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.running.Load() && l.config.OnError != nil {
				l.config.OnError(fmt.Errorf("accept error: %w", err))
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		if l.config.OnAccept != nil {
			go l.config.OnAccept(conn)
		} else {
			conn.Close()
		}
	}
}
