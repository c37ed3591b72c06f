package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/mash-protocol/devmgr-go/pkg/ble"
	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/log"
	"github.com/mash-protocol/devmgr-go/pkg/transport"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// Exchange layer errors.
var (
	ErrLayerClosed     = errors.New("message layer closed")
	ErrExchangeClosed  = errors.New("exchange closed")
	ErrNotConnected    = errors.New("connection not established")
	ErrConnectionInUse = errors.New("connection already connecting or connected")
	ErrHandlerExists   = errors.New("unsolicited handler already registered")
	ErrInvalidKey      = errors.New("invalid session key")
	ErrUnknownKey      = errors.New("unknown session key")
	ErrDecrypt         = errors.New("message authentication failed")
)

// Config configures a Layer.
type Config struct {
	// NodeID is the local node id carried in message headers.
	NodeID uint64

	// UDPPort is the local UDP port. Zero binds an ephemeral port, which
	// is what a device manager wants; devices use transport.DefaultPort.
	UDPPort int

	// PeerPort is the port of peers reached without an explicit port.
	// Zero selects transport.DefaultPort.
	PeerPort int

	// Interface restricts multicast to one interface (optional).
	Interface string

	// JoinMulticast joins the all-nodes group (devices).
	JoinMulticast bool

	// ListenAddress is the TCP address bound by StartListening.
	// Empty selects ":<transport.DefaultPort>".
	ListenAddress string

	// Role is recorded in protocol log events.
	Role log.Role

	// ProtocolLogger receives frame and message events (optional).
	ProtocolLogger log.Logger

	// Logger for operational logging. Nil disables it.
	Logger *slog.Logger
}

type handlerKey struct {
	profile wire.ProfileID
	msgType wire.MessageType
}

// exchangeKey identifies an exchange as seen on the wire. peer is only
// set for exchanges a UDP peer initiated.
type exchangeKey struct {
	conn  *conn
	peer  netip.AddrPort
	id    uint16
	local bool
}

// Layer is the message layer: it owns the UDP endpoint, the stream
// connections, the open exchanges, the session keys and the single
// listener slot.
type Layer struct {
	config Config
	logger *slog.Logger
	keys   *keyTable

	nextMessageID atomic.Uint32

	mu             sync.Mutex
	closed         bool
	udp            *transport.UDPEndpoint
	conns          map[*conn]struct{}
	exchanges      map[exchangeKey]*exchange
	handlers       map[handlerKey]devmgr.UnsolicitedHandler
	nextExchangeID uint16
	listener       *transport.Listener
	onAccept       func(devmgr.Connection)
}

// New creates a message layer and binds its UDP endpoint.
func New(config Config) (*Layer, error) {
	if config.PeerPort == 0 {
		config.PeerPort = transport.DefaultPort
	}
	if config.ListenAddress == "" {
		config.ListenAddress = fmt.Sprintf(":%d", transport.DefaultPort)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	l := &Layer{
		config:         config,
		logger:         logger,
		keys:           newKeyTable(),
		conns:          make(map[*conn]struct{}),
		exchanges:      make(map[exchangeKey]*exchange),
		handlers:       make(map[handlerKey]devmgr.UnsolicitedHandler),
		nextExchangeID: uint16(rand.UintN(1 << 16)),
	}
	l.nextMessageID.Store(rand.Uint32())

	udp, err := l.listenUDP()
	if err != nil {
		return nil, err
	}
	l.udp = udp
	return l, nil
}

// NodeID returns the local node id.
func (l *Layer) NodeID() uint64 {
	return l.config.NodeID
}

// UDPPort returns the bound UDP port.
func (l *Layer) UDPPort() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.udp == nil {
		return 0
	}
	return l.udp.LocalPort()
}

// ListenAddr returns the bound TCP listen address while listening.
func (l *Layer) ListenAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Close closes every connection, the listener and the UDP endpoint.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]*conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	listener, udp := l.listener, l.udp
	l.listener, l.onAccept, l.udp = nil, nil, nil
	l.exchanges = make(map[exchangeKey]*exchange)
	l.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	if listener != nil {
		err = multierr.Append(err, listener.Stop())
	}
	if udp != nil {
		err = multierr.Append(err, udp.Close())
	}
	return err
}

// NewConnection returns an unconnected TCP connection.
func (l *Layer) NewConnection() (devmgr.Connection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLayerClosed
	}
	c := newConn(l)
	l.conns[c] = struct{}{}
	return c, nil
}

// NewBLEConnection returns a connection over a platform BLE endpoint.
func (l *Layer) NewBLEConnection(ep *ble.Endpoint) (devmgr.Connection, error) {
	if ep == nil {
		return nil, fmt.Errorf("%w: nil BLE endpoint", ErrNotConnected)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLayerClosed
	}
	c := newConn(l)
	c.ble = ep
	l.conns[c] = struct{}{}
	return c, nil
}

// NewExchange opens an exchange as initiator.
func (l *Layer) NewExchange(target devmgr.ExchangeTarget) (devmgr.Exchange, error) {
	var c *conn
	if target.Conn != nil {
		var ok bool
		c, ok = target.Conn.(*conn)
		if !ok || c.layer != l {
			return nil, fmt.Errorf("%w: foreign connection", ErrNotConnected)
		}
		if !c.isOpen() {
			return nil, ErrNotConnected
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLayerClosed
	}

	// Skip ids still in use by a long-lived exchange on the same path.
	var key exchangeKey
	for {
		l.nextExchangeID++
		key = exchangeKey{conn: c, id: l.nextExchangeID, local: true}
		if _, busy := l.exchanges[key]; !busy {
			break
		}
	}

	ex := &exchange{
		layer:     l,
		key:       key,
		conn:      c,
		initiator: true,
		keyID:     target.KeyID,
		enc:       target.Encryption,
		peerNode:  target.NodeID,
		target:    target,
	}
	l.exchanges[key] = ex
	return ex, nil
}

// RegisterUnsolicitedHandler routes peer-initiated exchanges that start
// with the given message to handler.
func (l *Layer) RegisterUnsolicitedHandler(profile wire.ProfileID, msgType wire.MessageType, handler devmgr.UnsolicitedHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := handlerKey{profile, msgType}
	if _, exists := l.handlers[k]; exists {
		return fmt.Errorf("%w: %s/%d", ErrHandlerExists, profile, msgType)
	}
	l.handlers[k] = handler
	return nil
}

// UnregisterUnsolicitedHandler removes a handler. Removing an absent
// handler is a no-op.
func (l *Layer) UnregisterUnsolicitedHandler(profile wire.ProfileID, msgType wire.MessageType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, handlerKey{profile, msgType})
}

// RefreshEndpoints rebinds the UDP endpoint.
func (l *Layer) RefreshEndpoints() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLayerClosed
	}
	old := l.udp
	l.udp = nil
	l.mu.Unlock()

	var err error
	if old != nil {
		err = old.Close()
	}
	udp, lerr := l.listenUDP()
	if lerr != nil {
		return multierr.Append(err, lerr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return multierr.Append(err, udp.Close())
	}
	l.udp = udp
	l.logger.Debug("UDP endpoint refreshed", "port", udp.LocalPort())
	return err
}

// StartListening binds the TCP listener and occupies the listener slot.
func (l *Layer) StartListening(onAccept func(devmgr.Connection)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLayerClosed
	}
	if l.onAccept != nil {
		return devmgr.ErrListenerBusy
	}

	listener := transport.NewListener(transport.ListenerConfig{
		Address:  l.config.ListenAddress,
		OnAccept: l.accept,
		OnError: func(err error) {
			l.logger.Warn("accept failed", "error", err)
		},
	})
	if err := listener.Start(context.Background()); err != nil {
		return err
	}
	l.listener = listener
	l.onAccept = onAccept
	l.logger.Debug("listening", "address", listener.Addr())
	return nil
}

// StopListening releases the listener slot.
func (l *Layer) StopListening() error {
	l.mu.Lock()
	listener := l.listener
	l.listener, l.onAccept = nil, nil
	l.mu.Unlock()

	if listener == nil {
		return nil
	}
	return listener.Stop()
}

// AddSessionKey installs the key of a session negotiated on conn.
func (l *Layer) AddSessionKey(conn devmgr.Connection, keyID uint16, enc wire.EncryptionType, key []byte) error {
	return l.keys.add(conn, keyID, enc, key)
}

// RemoveSessionKey drops a session key.
func (l *Layer) RemoveSessionKey(conn devmgr.Connection, keyID uint16) {
	l.keys.remove(conn, keyID)
}

func (l *Layer) accept(nc net.Conn) {
	l.mu.Lock()
	onAccept := l.onAccept
	if l.closed || onAccept == nil {
		l.mu.Unlock()
		nc.Close()
		return
	}
	c := newConn(l)
	l.conns[c] = struct{}{}
	l.mu.Unlock()

	if ap, err := netip.ParseAddrPort(nc.RemoteAddr().String()); err == nil {
		c.peerAddr = ap.Addr().Unmap()
	}
	c.attach(nc, nc.RemoteAddr().String())
	l.logger.Debug("connection accepted", "remote", nc.RemoteAddr())
	onAccept(c)
}

func (l *Layer) listenUDP() (*transport.UDPEndpoint, error) {
	return transport.ListenUDP(transport.UDPConfig{
		Port:      l.config.UDPPort,
		PeerPort:  l.config.PeerPort,
		Interface: l.config.Interface,
		JoinGroup: l.config.JoinMulticast,
		Logger:    l.config.ProtocolLogger,
	}, l.receiveDatagram)
}

func (l *Layer) messageID() uint32 {
	return l.nextMessageID.Add(1)
}

// removeConn forgets a connection and its exchanges. It returns the
// exchanges that were open on it.
func (l *Layer) removeConn(c *conn) []*exchange {
	l.keys.removeConn(c)

	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.conns, c)
	var open []*exchange
	for k, ex := range l.exchanges {
		if k.conn == c {
			open = append(open, ex)
			delete(l.exchanges, k)
		}
	}
	return open
}

func (l *Layer) removeExchange(ex *exchange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exchanges[ex.key] == ex {
		delete(l.exchanges, ex.key)
	}
}

func (l *Layer) sendDatagram(data []byte, ex *exchange) error {
	l.mu.Lock()
	udp := l.udp
	l.mu.Unlock()
	if udp == nil {
		return ErrLayerClosed
	}

	switch {
	case ex.peerAddr.IsValid():
		return udp.SendTo(data, ex.peerAddr, "")
	case ex.target.Addr.IsValid():
		return udp.SendTo(data, netip.AddrPortFrom(ex.target.Addr, ex.target.Port), ex.target.Interface)
	default:
		return udp.SendMulticast(data, ex.target.LinkLocalOnly)
	}
}

func (l *Layer) receiveDatagram(d transport.Datagram) {
	l.receive(nil, d.Data, d.From)
}

// receive decodes one envelope and routes it to its exchange or to an
// unsolicited handler. Undecodable and unroutable messages are dropped.
func (l *Layer) receive(c *conn, data []byte, from netip.AddrPort) {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		l.logger.Debug("dropping undecodable message", "from", from, "error", err)
		return
	}

	if !env.Flags.Has(wire.FlagSourceNodeID) && c != nil {
		env.SourceNodeID = c.PeerNodeID()
	}

	if env.EncryptionType != wire.EncryptionNone {
		aead, ok := l.keys.get(c, env.KeyID)
		if !ok || c == nil {
			l.logger.Debug("dropping message for unknown key", "key_id", env.KeyID)
			return
		}
		if err := open(aead, env); err != nil {
			l.logger.Debug("dropping message", "error", err)
			return
		}
	}

	body, err := wire.DecodeBody(env.Body)
	if err != nil {
		l.logger.Debug("dropping message with invalid body", "error", err)
		return
	}

	msg := &devmgr.Message{
		Profile:    body.Profile,
		Type:       body.Type,
		Payload:    body.Payload,
		SourceNode: env.SourceNodeID,
		SourceAddr: from,
		KeyID:      env.KeyID,
		Encryption: env.EncryptionType,
	}

	initiatedByPeer := env.Flags.Has(wire.FlagInitiator)
	key := exchangeKey{conn: c, id: env.ExchangeID, local: !initiatedByPeer}
	if initiatedByPeer && c == nil {
		key.peer = from
	}

	l.mu.Lock()
	ex, found := l.exchanges[key]
	var handler devmgr.UnsolicitedHandler
	if !found && initiatedByPeer {
		handler = l.handlers[handlerKey{body.Profile, body.Type}]
		if handler != nil {
			ex = &exchange{
				layer:    l,
				key:      key,
				conn:     c,
				keyID:    env.KeyID,
				enc:      env.EncryptionType,
				peerNode: env.SourceNodeID,
			}
			if c == nil {
				ex.peerAddr = from
			}
			l.exchanges[key] = ex
		}
	}
	l.mu.Unlock()

	if ex == nil {
		l.logger.Debug("dropping unroutable message", "profile", body.Profile, "type", body.Type, "exchange", env.ExchangeID)
		return
	}

	ex.logMessage(env, body, log.DirectionIn)

	if handler != nil {
		handler(ex, msg)
		return
	}
	ex.deliver(msg)
}
