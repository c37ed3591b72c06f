package devmgr

import (
	"fmt"
	"math"
	"time"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// monitorSettings is the keep-alive schedule agreed with the device. The
// zero value means disabled.
type monitorSettings struct {
	interval time.Duration
	timeout  time.Duration
}

func (s monitorSettings) enabled() bool {
	return s.interval > 0 && s.timeout > 0
}

// window is how long the connection may stay silent.
func (s monitorSettings) window() time.Duration {
	return s.interval + s.timeout
}

func (s monitorSettings) request() ([]byte, error) {
	return wire.Marshal(&wire.ConnectionMonitorRequest{
		IntervalMs: uint32(s.interval / time.Millisecond),
		TimeoutMs:  uint32(s.timeout / time.Millisecond),
	})
}

// EnableConnectionMonitor asks the device to send a keep-alive every
// interval. The connection is torn down when no keep-alive arrives within
// interval plus timeout. The monitor is re-enabled after every reconnect
// until it is disabled.
func (m *Manager) EnableConnectionMonitor(interval, timeout time.Duration, cb Callbacks[NoResult]) error {
	settings := monitorSettings{interval: interval, timeout: timeout}
	if !settings.enabled() || interval/time.Millisecond > math.MaxUint32 || timeout/time.Millisecond > math.MaxUint32 {
		return fmt.Errorf("%w: monitor interval %v timeout %v", ErrInvalidArgument, interval, timeout)
	}
	payload, err := settings.request()
	if err != nil {
		return err
	}

	m.lock()
	defer m.unlock()
	if m.connState == ConnConnected {
		if err := m.registerEcho(); err != nil {
			return err
		}
	}
	return m.startRequest(bind(OpEnableConnectionMonitor, cb), &pendingRequest{
		profile: wire.ProfileDeviceControl,
		msgType: wire.MsgEnableConnectionMonitor,
		payload: payload,
		onResponse: m.expectSuccess(func() {
			m.monitor = settings
			m.armMonitor()
		}),
	})
}

// DisableConnectionMonitor stops the device keep-alives.
func (m *Manager) DisableConnectionMonitor(cb Callbacks[NoResult]) error {
	m.lock()
	defer m.unlock()
	return m.startRequest(bind(OpDisableConnectionMonitor, cb), &pendingRequest{
		profile: wire.ProfileDeviceControl,
		msgType: wire.MsgDisableConnectionMonitor,
		onResponse: m.expectSuccess(func() {
			m.monitor = monitorSettings{}
			m.monitorTimer.stop()
		}),
	})
}

// reenableMonitor restores the monitor on a new session before the
// connection is reported up.
func (m *Manager) reenableMonitor() {
	m.setConnState(ConnReenablingMonitor)

	payload, err := m.monitor.request()
	if err != nil {
		m.connectFailed(err)
		return
	}
	ex, err := m.newSessionExchange()
	if err != nil {
		m.connectFailed(err)
		return
	}
	ex.SetHandlers(ExchangeHandlers{OnMessage: m.onMonitorEnabled})
	if err := ex.SendMessage(wire.ProfileDeviceControl, wire.MsgEnableConnectionMonitor, payload, SendOptions{ExpectResponse: true}); err != nil {
		ex.Abort()
		m.connectFailed(err)
		return
	}
	m.monitorEx = ex
}

func (m *Manager) onMonitorEnabled(ex Exchange, msg *Message) {
	m.lock()
	defer m.unlock()

	if ex != m.monitorEx || m.connState != ConnReenablingMonitor {
		return
	}
	m.monitorEx = nil
	ex.Close()

	status, err := responseStatus(msg)
	if err == nil {
		err = statusError(status)
	}
	if err != nil {
		m.connectFailed(err)
		return
	}
	m.connected()
}

func (m *Manager) armMonitor() {
	if !m.monitor.enabled() || m.connState != ConnConnected {
		return
	}
	m.arm(&m.monitorTimer, m.monitor.window(), m.onMonitorTimeout)
}

func (m *Manager) onMonitorTimeout() {
	m.logger.Debug("connection monitor timed out", "window", m.monitor.window(), "op", m.opState)
	if m.opState != OpIdle {
		m.teardown(false)
		m.failOp(ErrConnectionMonitorTimeout)
		return
	}
	m.teardown(false)
	m.notifyClosed(ErrConnectionMonitorTimeout)
}

// registerEcho claims the layer's keep-alive handler. It fails when
// another manager on the same layer holds it.
func (m *Manager) registerEcho() error {
	if m.echoRegistered {
		return nil
	}
	if err := m.layer.RegisterUnsolicitedHandler(wire.ProfileEcho, wire.MsgEchoRequest, m.onEchoRequest); err != nil {
		return fmt.Errorf("keep-alive handler: %w", err)
	}
	m.echoRegistered = true
	return nil
}

// needsEcho reports whether the connection cannot be used without
// answering keep-alives.
func (m *Manager) needsEcho() bool {
	return m.monitor.enabled() || m.opState == OpEnableConnectionMonitor
}

func (m *Manager) unregisterEcho() {
	if !m.echoRegistered {
		return
	}
	m.echoRegistered = false
	m.layer.UnregisterUnsolicitedHandler(wire.ProfileEcho, wire.MsgEchoRequest)
}

// onEchoRequest answers a keep-alive from the device and restarts the
// monitor window.
func (m *Manager) onEchoRequest(ex Exchange, msg *Message) {
	m.lock()
	defer m.unlock()

	if m.conn == nil || ex.Connection() != m.conn {
		ex.Abort()
		return
	}
	if err := ex.SendMessage(wire.ProfileEcho, wire.MsgEchoResponse, msg.Payload, SendOptions{}); err != nil {
		m.logger.Debug("keep-alive response failed", "error", err)
	}
	m.armMonitor()
}
