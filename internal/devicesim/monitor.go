package devicesim

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// monitor sends keep-alives to one manager. Each keep-alive is an Echo
// request the manager must answer within timeout.
type monitor struct {
	interval time.Duration
	timeout  time.Duration

	timer *clock.Timer
	ex    devmgr.Exchange
	gen   uint64
}

func (p *peer) stopMonitor() {
	m := p.monitor
	if m == nil {
		return
	}
	p.monitor = nil
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.ex != nil {
		m.ex.Abort()
	}
}

func (d *Device) enableMonitor(r *request) response {
	req, err := wire.DecodePayload[wire.ConnectionMonitorRequest](r.msg.Payload)
	if err != nil || req.IntervalMs == 0 || req.TimeoutMs == 0 {
		return badRequest()
	}
	p := d.peerFor(r.ex.Connection())
	p.stopMonitor()
	p.monitor = &monitor{
		interval: time.Duration(req.IntervalMs) * time.Millisecond,
		timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
	}
	d.scheduleKeepAlive(p)
	d.logger.Debug("connection monitor enabled", "addr", p.conn.PeerAddr(), "interval", p.monitor.interval, "timeout", p.monitor.timeout)
	return success()
}

func (d *Device) disableMonitor(r *request) response {
	if p, ok := d.conns[r.ex.Connection()]; ok {
		p.stopMonitor()
	}
	return success()
}

// peerFor returns the peer for conn, creating it for connections whose
// accept callback has not run yet. Called with d.mu held.
func (d *Device) peerFor(conn devmgr.Connection) *peer {
	p, ok := d.conns[conn]
	if !ok {
		p = &peer{conn: conn}
		d.conns[conn] = p
	}
	return p
}

func (d *Device) scheduleKeepAlive(p *peer) {
	m := p.monitor
	gen := m.gen
	m.timer = d.clock.AfterFunc(m.interval, func() { d.sendKeepAlive(p, m, gen) })
}

func (d *Device) sendKeepAlive(p *peer, m *monitor, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.monitor != m || m.gen != gen || d.layer == nil {
		return
	}

	ex, err := d.layer.NewExchange(devmgr.ExchangeTarget{
		Conn:       p.conn,
		NodeID:     p.conn.PeerNodeID(),
		KeyID:      p.keyID,
		Encryption: p.enc,
	})
	if err == nil {
		ex.SetHandlers(devmgr.ExchangeHandlers{
			OnMessage: func(ex devmgr.Exchange, msg *devmgr.Message) { d.onKeepAliveResponse(p, m, gen, ex, msg) },
		})
		err = ex.SendMessage(wire.ProfileEcho, wire.MsgEchoRequest, nil, devmgr.SendOptions{ExpectResponse: true})
		if err != nil {
			ex.Abort()
		}
	}
	if err != nil {
		d.logger.Debug("keep-alive not sent", "addr", p.conn.PeerAddr(), "error", err)
		d.closePeer(p)
		return
	}

	m.ex = ex
	m.timer = d.clock.AfterFunc(m.timeout, func() { d.onKeepAliveTimeout(p, m, gen) })
}

func (d *Device) onKeepAliveResponse(p *peer, m *monitor, gen uint64, ex devmgr.Exchange, msg *devmgr.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ex.Close()
	if p.monitor != m || m.gen != gen || m.ex != ex {
		return
	}
	if msg.Profile != wire.ProfileEcho || msg.Type != wire.MsgEchoResponse {
		d.logger.Debug("unexpected keep-alive response", "profile", msg.Profile, "type", msg.Type)
	}
	m.timer.Stop()
	m.ex = nil
	d.scheduleKeepAlive(p)
}

func (d *Device) onKeepAliveTimeout(p *peer, m *monitor, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.monitor != m || m.gen != gen {
		return
	}
	d.logger.Warn("manager missed keep-alive", "addr", p.conn.PeerAddr())
	d.closePeer(p)
}

// closePeer aborts a connection. A local abort is not reported through
// OnClosed, so the peer is dropped here. Called with d.mu held.
func (d *Device) closePeer(p *peer) {
	d.dropConnection(p.conn)
	p.conn.Abort()
}
