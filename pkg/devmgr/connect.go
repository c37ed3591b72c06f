package devmgr

import (
	"fmt"
	"net/netip"

	"github.com/mash-protocol/devmgr-go/pkg/ble"
	"github.com/mash-protocol/devmgr-go/pkg/discovery"
	"github.com/mash-protocol/devmgr-go/pkg/secret"
)

// ConnectDevice locates the device with the given id and opens a session
// with it. With a valid addr the Identify request goes to that address,
// otherwise to the multicast group. The zone of a link-local addr selects
// the interface.
//
// Unless the call is rejected, ConnectDevice moves the material in cred
// into the manager and leaves the caller's credential empty.
func (m *Manager) ConnectDevice(deviceID uint64, addr netip.Addr, cred *secret.Credential, cb Callbacks[NoResult]) error {
	m.lock()
	defer m.unlock()

	if err := m.checkIdle(); err != nil {
		return err
	}
	if deviceID == AnyNodeID {
		return fmt.Errorf("%w: device id required", ErrInvalidArgument)
	}
	m.setTarget(deviceID, addr, cred)
	m.criteria = discovery.ForDevice(deviceID)
	return m.beginConnect(bind(OpConnectDevice, cb))
}

// RendezvousDevice connects to the first device whose Identify response
// matches criteria. Identify requests go to the rendezvous address, or to
// the multicast group if none is set.
func (m *Manager) RendezvousDevice(criteria discovery.Criteria, cred *secret.Credential, cb Callbacks[NoResult]) error {
	m.lock()
	defer m.unlock()

	if err := m.checkIdle(); err != nil {
		return err
	}
	m.setTarget(AnyNodeID, m.rendezvousAddr, cred)
	m.criteria = criteria
	return m.beginConnect(bind(OpRendezvousDevice, cb))
}

// ReconnectDevice connects again to the last device with the credential
// it was connected with.
func (m *Manager) ReconnectDevice(cb Callbacks[NoResult]) error {
	m.lock()
	defer m.unlock()

	if err := m.checkIdle(); err != nil {
		return err
	}
	if !m.canReconnect() {
		return fmt.Errorf("%w: no previous device", ErrIncorrectState)
	}
	m.criteria = discovery.ForDevice(m.deviceID)
	return m.beginConnect(bind(OpReconnectDevice, cb))
}

// PassiveRendezvousDevice waits for a device to connect and opens a
// session with it. It occupies the message layer's listener slot until a
// device connects.
func (m *Manager) PassiveRendezvousDevice(cred *secret.Credential, cb Callbacks[NoResult]) error {
	m.lock()
	defer m.unlock()

	if err := m.checkIdle(); err != nil {
		return err
	}
	if err := m.layer.StartListening(m.onAccept); err != nil {
		return err
	}
	m.listening = true
	m.setTarget(AnyNodeID, netip.Addr{}, cred)
	m.criteria = discovery.AnyDevice()
	m.beginOp(bind(OpPassiveRendezvousDevice, cb))
	m.arm(&m.connectTimer, m.connectTimeout, m.onConnectTimeout)
	m.setConnState(ConnWaitPeerConnect)
	return nil
}

// ConnectBLE opens a session over an established BLE link. The platform
// owns the link; ep adapts it to a stream.
func (m *Manager) ConnectBLE(ep *ble.Endpoint, cred *secret.Credential, cb Callbacks[NoResult]) error {
	if ep == nil {
		return fmt.Errorf("%w: nil BLE endpoint", ErrInvalidArgument)
	}

	m.lock()
	defer m.unlock()

	if err := m.checkIdle(); err != nil {
		return err
	}
	conn, err := m.layer.NewBLEConnection(ep)
	if err != nil {
		return err
	}
	m.setTarget(AnyNodeID, netip.Addr{}, cred)
	m.criteria = discovery.AnyDevice()
	m.beginOp(bind(OpConnectBLE, cb))
	m.arm(&m.connectTimer, m.connectTimeout, m.onConnectTimeout)
	if err := m.openTransport(conn); err != nil {
		m.teardown(false)
		m.rollbackOp(err)
		return err
	}
	return nil
}

// checkIdle rejects a connect while an operation is outstanding or a
// connection exists.
func (m *Manager) checkIdle() error {
	if m.opState != OpIdle {
		return fmt.Errorf("%w: %s in progress", ErrIncorrectState, m.opState)
	}
	if m.connState != ConnNotConnected {
		return fmt.Errorf("%w: connection is %s", ErrIncorrectState, m.connState)
	}
	return nil
}

// setTarget records the device to connect to. A non-nil cred is moved into
// the manager.
func (m *Manager) setTarget(deviceID uint64, addr netip.Addr, cred *secret.Credential) {
	m.deviceID = deviceID
	m.iface = addr.Zone()
	m.deviceAddr = addr.WithZone("")
	m.lastAuth = AuthNone
	m.credential.Clear()
	if cred != nil {
		m.credential = cred.Take()
	} else {
		m.credential = secret.None()
	}
}

// canReconnect reports whether the last device is known and can be
// authenticated the way it was before. A device last reached over PASE or
// CASE is never reconnected without a session.
func (m *Manager) canReconnect() bool {
	if m.deviceID == AnyNodeID || !m.deviceAddr.IsValid() {
		return false
	}
	return m.lastAuth == AuthNone || m.authMode() == m.lastAuth
}

// beginConnect starts the IP connect sequence for op.
func (m *Manager) beginConnect(op *operation) error {
	m.beginOp(op)
	if err := m.startConnect(); err != nil {
		m.teardown(false)
		m.rollbackOp(err)
		return err
	}
	return nil
}

// startConnect arms the connect timer and starts identifying the device.
func (m *Manager) startConnect() error {
	m.arm(&m.connectTimer, m.connectTimeout, m.onConnectTimeout)
	m.setConnState(ConnIdentifyPeer)
	return m.sendIdentify()
}

// startTransport opens a connection to the identified device.
func (m *Manager) startTransport() {
	conn, err := m.layer.NewConnection()
	if err != nil {
		m.connectFailed(err)
		return
	}
	if err := m.openTransport(conn); err != nil {
		m.connectFailed(err)
	}
}

func (m *Manager) openTransport(conn Connection) error {
	m.conn = conn
	conn.SetHandlers(ConnectionHandlers{
		OnConnectComplete: m.onConnectComplete,
		OnClosed:          m.onConnectionClosed,
	})
	m.setConnState(ConnConnectingTransport)
	return conn.Connect(PeerAddress{
		NodeID:    m.deviceID,
		Addr:      m.deviceAddr,
		Interface: m.iface,
	}, m.authMode())
}

func (m *Manager) onAccept(conn Connection) {
	m.lock()
	defer m.unlock()

	if m.connState != ConnWaitPeerConnect || m.conn != nil {
		conn.Abort()
		return
	}
	m.listening = false
	if err := m.layer.StopListening(); err != nil {
		m.logger.Debug("stop listening", "error", err)
	}

	m.conn = conn
	conn.SetHandlers(ConnectionHandlers{OnClosed: m.onConnectionClosed})
	if id := conn.PeerNodeID(); id != 0 {
		m.deviceID = id
	}
	m.deviceAddr = conn.PeerAddr()
	m.logger.Debug("device connected", "addr", m.deviceAddr)
	m.startSession()
}

func (m *Manager) onConnectComplete(conn Connection, err error) {
	m.lock()
	defer m.unlock()

	if conn != m.conn || m.connState != ConnConnectingTransport {
		if conn != m.conn {
			conn.Abort()
		}
		return
	}
	if err != nil {
		m.connectFailed(err)
		return
	}
	m.startSession()
}

func (m *Manager) onConnectionClosed(conn Connection, err error) {
	m.lock()
	defer m.unlock()

	if conn != m.conn {
		return
	}
	m.connectionLost(err)
}

// onConnectTimeout fails the connect sequence with the error for the step
// it was stuck in.
func (m *Manager) onConnectTimeout() {
	var err error
	switch m.connState {
	case ConnIdentifyPeer, ConnIdentifyRemotePeer, ConnWaitPeerConnect:
		err = ErrDeviceLocateTimeout
	case ConnConnectingTransport:
		err = ErrDeviceConnectTimeout
	case ConnNegotiatingSession, ConnReenablingMonitor:
		err = ErrDeviceAuthTimeout
	default:
		return
	}
	m.logger.Debug("connect timed out", "state", m.connState)
	m.connectFailed(err)
}

// connectFailed ends a failed connect sequence. A joiner relayed by an
// assisting device falls back to the assisting device instead.
func (m *Manager) connectFailed(err error) {
	if m.rpr != nil && m.rpr.joining(m.opState) {
		m.rendezvousFallback(err)
		return
	}
	m.teardown(false)
	m.failOp(err)
}

// connected finishes the connect sequence.
func (m *Manager) connected() {
	if err := m.registerEcho(); err != nil {
		if m.needsEcho() {
			m.connectFailed(err)
			return
		}
		m.logger.Debug("keep-alive handler not registered", "error", err)
	}
	m.connectTimer.stop()
	m.setConnState(ConnConnected)
	m.armMonitor()

	switch {
	case m.req != nil && m.reqEx == nil:
		if err := m.sendRequest(); err != nil {
			m.teardown(false)
			m.failOp(err)
		}
	case m.opState == OpRestoreAssistingDevice:
		m.sendRendezvousRequest()
	case isConnectOp(m.opState):
		m.finishOp(NoResult{})
	}
}

func isConnectOp(s OpState) bool {
	switch s {
	case OpConnectDevice, OpRendezvousDevice, OpPassiveRendezvousDevice, OpReconnectDevice,
		OpConnectBLE, OpIdentifyRemoteDevice, OpRemotePassiveRendezvousAuthenticate:
		return true
	}
	return false
}
