package devmgr

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/mash-protocol/devmgr-go/pkg/connection"
	"github.com/mash-protocol/devmgr-go/pkg/discovery"
	"github.com/mash-protocol/devmgr-go/pkg/log"
	"github.com/mash-protocol/devmgr-go/pkg/secret"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// Callbacks receive the outcome of one operation. Exactly one of them is
// called, after the operation has been cleared and without the manager's
// lock held, so either may start the next operation.
type Callbacks[T any] struct {
	OnComplete func(T)
	OnError    func(error)
}

// NoResult is the result of operations that only report completion.
type NoResult = struct{}

// operation is the outstanding operation with its callbacks bound to the
// result type.
type operation struct {
	kind     OpState
	complete func(result any)
	fail     func(err error)
}

func bind[T any](kind OpState, cb Callbacks[T]) *operation {
	return &operation{
		kind: kind,
		complete: func(result any) {
			if cb.OnComplete != nil {
				r, _ := result.(T)
				cb.OnComplete(r)
			}
		},
		fail: func(err error) {
			if cb.OnError != nil {
				cb.OnError(err)
			}
		},
	}
}

// Manager pairs with one device at a time and runs operations on it.
//
// Every method is safe for concurrent use. Collaborator callbacks and
// timers are serialized with the public methods by a single mutex.
// Operation callbacks run after the mutex is released.
type Manager struct {
	config   Config
	layer    MessageLayer
	security SecurityManager
	clock    clock.Clock
	metrics  Metrics
	protoLog log.Logger
	logger   *slog.Logger

	mu     sync.Mutex
	queued []func()

	connState ConnectionState
	opState   OpState
	op        *operation

	// Target identity. It survives teardown so the device can be
	// reconnected. lastAuth is the mode of the last session opened with it.
	deviceID   uint64
	deviceAddr netip.Addr
	iface      string
	credential *secret.Credential
	criteria   discovery.Criteria
	lastAuth   AuthMode

	conn       Connection
	listening  bool
	identifyEx Exchange
	keyID      uint16
	encryption wire.EncryptionType
	busyRetry  *connection.Backoff

	req   *pendingRequest
	reqEx Exchange

	monitor        monitorSettings
	monitorEx      Exchange
	echoRegistered bool

	enum *enumeration
	rpr  *rendezvous

	autoReconnect       bool
	rendezvousAddr      netip.Addr
	rendezvousLinkLocal bool
	connectTimeout      time.Duration
	onClosed            func(err error)

	connectTimer    timer
	identifyTimer   timer
	sessionTimer    timer
	responseTimer   timer
	monitorTimer    timer
	rendezvousTimer timer
}

// New creates a Manager.
func New(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	m := &Manager{
		config:              config,
		layer:               config.Layer,
		security:            config.Security,
		clock:               config.Clock,
		metrics:             config.Metrics,
		protoLog:            config.ProtocolLogger,
		logger:              config.Logger,
		deviceID:            AnyNodeID,
		credential:          secret.None(),
		autoReconnect:       config.AutoReconnect,
		rendezvousLinkLocal: config.RendezvousLinkLocal,
		connectTimeout:      config.ConnectTimeout,
	}
	if config.SessionBusyRetries > 0 {
		m.busyRetry = connection.NewConstantBackoff(config.SessionBusyBackoff, config.SessionBusyRetries)
	}
	return m, nil
}

// lock and unlock bracket every entry into the manager. unlock delivers
// the callbacks queued while the lock was held.
func (m *Manager) lock() {
	m.mu.Lock()
}

func (m *Manager) unlock() {
	queued := m.queued
	m.queued = nil
	m.mu.Unlock()

	for _, fn := range queued {
		fn()
	}
}

// post queues fn to run after the lock is released.
func (m *Manager) post(fn func()) {
	m.queued = append(m.queued, fn)
}

// timer is a one-shot timer whose fire is ignored once it has been
// stopped or re-armed.
type timer struct {
	t   *clock.Timer
	gen uint64
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
}

func (t *timer) active() bool {
	return t.t != nil
}

// arm starts t. fire runs with the lock held.
func (m *Manager) arm(t *timer, d time.Duration, fire func()) {
	t.stop()
	gen := t.gen
	t.t = m.clock.AfterFunc(d, func() {
		m.lock()
		defer m.unlock()
		if t.gen != gen {
			return
		}
		t.t = nil
		t.gen++
		fire()
	})
}

// ConnectionState returns the connection state.
func (m *Manager) ConnectionState() ConnectionState {
	m.lock()
	defer m.unlock()
	return m.connState
}

// OpState returns the outstanding operation.
func (m *Manager) OpState() OpState {
	m.lock()
	defer m.unlock()
	return m.opState
}

// IsConnected reports whether a session with the device is established.
func (m *Manager) IsConnected() bool {
	m.lock()
	defer m.unlock()
	return m.connState == ConnConnected
}

// DeviceID returns the id of the current or last device.
func (m *Manager) DeviceID() (uint64, bool) {
	m.lock()
	defer m.unlock()
	return m.deviceID, m.deviceID != AnyNodeID
}

// DeviceAddress returns the address of the current or last device.
func (m *Manager) DeviceAddress() (netip.Addr, bool) {
	m.lock()
	defer m.unlock()
	if !m.deviceAddr.IsValid() {
		return netip.Addr{}, false
	}
	if m.iface != "" && m.deviceAddr.Is6() {
		return m.deviceAddr.WithZone(m.iface), true
	}
	return m.deviceAddr, true
}

// SetAutoReconnect controls whether requests issued while disconnected
// reconnect to the last device first.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.lock()
	defer m.unlock()
	m.autoReconnect = enabled
}

// SetRendezvousAddress sets where RendezvousDevice sends Identify
// requests. The zero Addr selects multicast.
func (m *Manager) SetRendezvousAddress(addr netip.Addr) {
	m.lock()
	defer m.unlock()
	m.rendezvousAddr = addr
}

// SetRendezvousLinkLocal restricts multicast Identify requests to
// link-local source addresses.
func (m *Manager) SetRendezvousLinkLocal(enabled bool) {
	m.lock()
	defer m.unlock()
	m.rendezvousLinkLocal = enabled
}

// SetConnectTimeout sets the bound for subsequent connect sequences.
func (m *Manager) SetConnectTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: connect timeout %v", ErrInvalidArgument, d)
	}
	m.lock()
	defer m.unlock()
	m.connectTimeout = d
	return nil
}

// SetConnectionClosedHandler sets the handler told when an idle connection
// ends without a local Close.
func (m *Manager) SetConnectionClosedHandler(fn func(err error)) {
	m.lock()
	defer m.unlock()
	m.onClosed = fn
}

// Close cancels the outstanding operation, releases the connection and
// wipes all credential material. The device is forgotten, so a later
// ReconnectDevice needs a new ConnectDevice first. An outstanding
// operation fails with ErrCancelled. Close on an idle, disconnected
// manager calls nothing.
func (m *Manager) Close(graceful bool) error {
	m.lock()
	defer m.unlock()

	if m.opState == OpIdle && m.connState == ConnNotConnected && !m.listening {
		m.forgetTarget()
		return nil
	}

	m.logger.Debug("closing", "state", m.connState, "op", m.opState, "graceful", graceful)
	err := m.teardown(graceful)
	if m.op != nil {
		m.failOp(ErrCancelled)
	}
	m.forgetTarget()
	return err
}

func (m *Manager) forgetTarget() {
	m.credential.Clear()
	m.deviceID = AnyNodeID
	m.deviceAddr, m.iface = netip.Addr{}, ""
	m.lastAuth = AuthNone
}

func (m *Manager) beginOp(op *operation) {
	m.op = op
	m.setOpState(op.kind)
	m.metrics.OperationStarted(op.kind)
}

func (m *Manager) endOp(err error) *operation {
	op := m.op
	m.op = nil
	m.setOpState(OpIdle)
	if op != nil {
		m.metrics.OperationFinished(op.kind, err)
	}
	return op
}

// finishOp clears the operation and queues its completion callback.
func (m *Manager) finishOp(result any) {
	if op := m.endOp(nil); op != nil {
		m.post(func() { op.complete(result) })
	}
}

// failOp clears the operation and queues its error callback.
func (m *Manager) failOp(err error) {
	m.logError(err)
	if op := m.endOp(err); op != nil {
		m.post(func() { op.fail(err) })
	}
}

// rollbackOp abandons an operation that failed before any I/O. The error
// is returned to the caller, so no callback runs.
func (m *Manager) rollbackOp(err error) {
	m.endOp(err)
}

func (m *Manager) setOpState(s OpState) {
	if m.opState == s {
		return
	}
	old := m.opState
	m.opState = s
	m.logStateChange(log.StateEntityOperation, old.String(), s.String(), "")
}

func (m *Manager) setConnState(s ConnectionState) {
	if m.connState == s {
		return
	}
	old := m.connState
	m.connState = s
	m.metrics.ConnectionStateChanged(old, s)
	m.logger.Debug("connection state", "from", old, "to", s, "op", m.opState)
	m.logStateChange(log.StateEntityConnection, old.String(), s.String(), "")
}

// resetConnection releases the connection and all per-connection state.
// The target identity and a rendezvous in progress are kept.
func (m *Manager) resetConnection(graceful bool) error {
	m.connectTimer.stop()
	m.identifyTimer.stop()
	m.sessionTimer.stop()
	m.responseTimer.stop()
	m.monitorTimer.stop()

	for _, ex := range []*Exchange{&m.identifyEx, &m.reqEx, &m.monitorEx} {
		if *ex != nil {
			(*ex).Abort()
			*ex = nil
		}
	}
	m.req = nil
	if m.rpr != nil && m.rpr.ex != nil {
		m.rpr.ex.Abort()
		m.rpr.ex = nil
	}
	m.unregisterEcho()

	var err error
	if conn := m.conn; conn != nil {
		m.conn = nil
		m.security.Cancel(conn)
		conn.SetHandlers(ConnectionHandlers{})
		if graceful {
			err = multierr.Append(err, conn.Close())
		} else {
			conn.Abort()
		}
	}
	if m.listening {
		m.listening = false
		err = multierr.Append(err, m.layer.StopListening())
	}

	m.keyID, m.encryption = wire.KeyIDNone, wire.EncryptionNone
	if m.busyRetry != nil {
		m.busyRetry.Reset()
	}
	m.setConnState(ConnNotConnected)
	return err
}

// teardown resets the connection and ends any rendezvous or enumeration.
func (m *Manager) teardown(graceful bool) error {
	err := m.resetConnection(graceful)
	m.endRendezvous()
	m.endEnumeration()
	if err != nil {
		m.logger.Debug("teardown", "error", err)
	}
	return err
}

// connectionLost handles the peer or the network ending the connection.
func (m *Manager) connectionLost(cause error) {
	m.logger.Debug("connection closed", "state", m.connState, "op", m.opState, "error", cause)
	switch {
	case m.connState.transient():
		m.connectFailed(ErrConnectionClosedUnexpectedly)
	case m.opState != OpIdle:
		m.teardown(false)
		m.failOp(ErrConnectionClosedUnexpectedly)
	default:
		m.teardown(false)
		m.notifyClosed(cause)
	}
}

func (m *Manager) notifyClosed(err error) {
	if fn := m.onClosed; fn != nil {
		m.post(func() { fn(err) })
	}
}

func (m *Manager) logStateChange(entity log.StateEntity, from, to, reason string) {
	m.protoLog.Log(log.Event{
		Timestamp:   m.clock.Now(),
		Layer:       log.LayerManager,
		Category:    log.CategoryState,
		LocalRole:   log.RoleManager,
		RemoteAddr:  m.remoteAddr(),
		DeviceID:    m.deviceHex(),
		Operation:   m.opState.String(),
		StateChange: &log.StateChangeEvent{Entity: entity, OldState: from, NewState: to, Reason: reason},
	})
}

func (m *Manager) logError(err error) {
	data := &log.ErrorEventData{Layer: log.LayerManager, Message: err.Error(), Context: m.opState.String()}
	var se *StatusError
	if errors.As(err, &se) {
		code := int(se.Code)
		data.Code = &code
	}
	m.protoLog.Log(log.Event{
		Timestamp:  m.clock.Now(),
		Layer:      log.LayerManager,
		Category:   log.CategoryError,
		LocalRole:  log.RoleManager,
		RemoteAddr: m.remoteAddr(),
		DeviceID:   m.deviceHex(),
		Operation:  m.opState.String(),
		Error:      data,
	})
}

func (m *Manager) remoteAddr() string {
	if !m.deviceAddr.IsValid() {
		return ""
	}
	return m.deviceAddr.String()
}

func (m *Manager) deviceHex() string {
	if m.deviceID == AnyNodeID {
		return ""
	}
	return fmt.Sprintf("%016X", m.deviceID)
}
