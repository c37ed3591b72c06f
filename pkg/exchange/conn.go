package exchange

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/mash-protocol/devmgr-go/pkg/ble"
	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/transport"
)

type connState uint8

const (
	connIdle connState = iota
	connConnecting
	connOpen
	connClosed
)

// conn is a stream connection over TCP or a BLE endpoint.
type conn struct {
	layer *Layer
	ble   *ble.Endpoint

	mu             sync.Mutex
	state          connState
	handlers       devmgr.ConnectionHandlers
	stream         *transport.StreamConn
	nc             net.Conn
	cancel         context.CancelFunc
	peerNode       uint64
	peerAddr       netip.Addr
	sourceRequired bool
}

func newConn(l *Layer) *conn {
	return &conn{layer: l}
}

// Connect dials the peer in the background. For BLE connections the peer
// address is ignored and the endpoint is subscribed instead.
func (c *conn) Connect(peer devmgr.PeerAddress, mode devmgr.AuthMode) error {
	c.mu.Lock()
	if c.state != connIdle {
		c.mu.Unlock()
		return ErrConnectionInUse
	}
	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultDialTimeout)
	c.state = connConnecting
	c.cancel = cancel
	if peer.Port == 0 {
		peer.Port = uint16(c.layer.config.PeerPort)
	}
	c.peerNode = peer.NodeID
	c.peerAddr = peer.Addr
	c.mu.Unlock()

	c.layer.logger.Debug("connecting",
		"node", peer.NodeID,
		"addr", peer.Addr,
		"auth", mode)

	go func() {
		defer cancel()

		var (
			rwc    io.ReadWriteCloser
			remote string
			err    error
		)
		if c.ble != nil {
			err = c.ble.Open()
			rwc, remote = c.ble, "ble"
		} else {
			var nc net.Conn
			nc, err = transport.DialTCP(ctx, netip.AddrPortFrom(peer.Addr, peer.Port), peer.Interface)
			if err == nil {
				c.mu.Lock()
				c.nc = nc
				c.mu.Unlock()
				rwc, remote = nc, nc.RemoteAddr().String()
			}
		}

		c.mu.Lock()
		if c.state != connConnecting {
			// Closed while dialing.
			c.mu.Unlock()
			if err == nil {
				rwc.Close()
			}
			return
		}
		h := c.handlers
		if err != nil {
			c.state = connClosed
			c.mu.Unlock()
			c.layer.removeConn(c)
			if h.OnConnectComplete != nil {
				h.OnConnectComplete(c, err)
			}
			return
		}
		c.mu.Unlock()

		c.attach(rwc, remote)
		if h.OnConnectComplete != nil {
			h.OnConnectComplete(c, nil)
		}
	}()
	return nil
}

// attach starts framing over an established stream.
func (c *conn) attach(rwc io.ReadWriteCloser, remote string) {
	stream := transport.NewStreamConn(rwc, transport.StreamConfig{
		RemoteAddr: remote,
		Logger:     c.layer.config.ProtocolLogger,
	})

	c.mu.Lock()
	if nc, ok := rwc.(net.Conn); ok {
		c.nc = nc
	}
	c.stream = stream
	c.state = connOpen
	c.mu.Unlock()

	stream.Start(func(frame []byte) {
		c.layer.receive(c, frame, netip.AddrPortFrom(c.PeerAddr(), 0))
	}, c.streamClosed)
}

func (c *conn) streamClosed(err error) {
	c.mu.Lock()
	if c.state == connClosed {
		c.mu.Unlock()
		return
	}
	c.state = connClosed
	h := c.handlers
	c.mu.Unlock()

	c.layer.logger.Debug("connection closed by peer", "node", c.PeerNodeID(), "error", err)
	for _, ex := range c.layer.removeConn(c) {
		ex.connClosed(err)
	}
	if h.OnClosed != nil {
		h.OnClosed(c, err)
	}
}

func (c *conn) SetHandlers(h devmgr.ConnectionHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *conn) PeerNodeID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerNode
}

func (c *conn) SetPeerNodeID(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerNode = id
}

func (c *conn) PeerAddr() netip.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddr
}

func (c *conn) SetSourceNodeIDRequired(required bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sourceRequired = required
}

func (c *conn) sourceNodeIDRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sourceRequired
}

func (c *conn) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == connOpen
}

// Close closes the connection. Open exchanges are discarded silently.
func (c *conn) Close() error {
	return c.close(false)
}

// Abort resets a TCP connection instead of closing it gracefully.
func (c *conn) Abort() {
	c.close(true)
}

func (c *conn) close(abort bool) error {
	c.mu.Lock()
	if c.state == connClosed {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = connClosed
	stream, nc, cancel := c.stream, c.nc, c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if abort {
		if tcp, ok := nc.(*net.TCPConn); ok {
			tcp.SetLinger(0)
		}
	}

	var err error
	switch {
	case stream != nil:
		err = stream.Close()
	case prev == connIdle && c.ble != nil:
		err = c.ble.Close()
	}
	c.layer.removeConn(c)
	return err
}

func (c *conn) send(data []byte) error {
	c.mu.Lock()
	stream, state := c.stream, c.state
	c.mu.Unlock()

	if state != connOpen || stream == nil {
		return ErrNotConnected
	}
	return stream.Send(data)
}
