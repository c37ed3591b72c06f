package devmgr

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/devmgr-go/pkg/ble"
	"github.com/mash-protocol/devmgr-go/pkg/discovery"
	"github.com/mash-protocol/devmgr-go/pkg/secret"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errHandlerTaken = errors.New("handler already registered")

// sentMessage is one message sent on a fake exchange.
type sentMessage struct {
	ex      *fakeExchange
	profile wire.ProfileID
	msgType wire.MessageType
	payload []byte
	opts    SendOptions
}

type handlerKey struct {
	profile wire.ProfileID
	msgType wire.MessageType
}

// fakeLayer records what the manager asks of the message layer. Tests
// drive the other direction by calling the recorded handlers.
type fakeLayer struct {
	mu          sync.Mutex
	conns       []*fakeConn
	exchanges   []*fakeExchange
	sent        []sentMessage
	unsolicited map[handlerKey]UnsolicitedHandler
	onAccept    func(Connection)
	sendErr     error
	sendErrFor  wire.MessageType
	newConnErr  error
}

func newFakeLayer() *fakeLayer {
	return &fakeLayer{unsolicited: make(map[handlerKey]UnsolicitedHandler)}
}

func (l *fakeLayer) NewConnection() (Connection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.newConnErr != nil {
		return nil, l.newConnErr
	}
	c := &fakeConn{id: len(l.conns) + 1}
	l.conns = append(l.conns, c)
	return c, nil
}

func (l *fakeLayer) NewBLEConnection(ep *ble.Endpoint) (Connection, error) {
	return l.NewConnection()
}

func (l *fakeLayer) NewExchange(target ExchangeTarget) (Exchange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ex := &fakeExchange{layer: l, target: target}
	l.exchanges = append(l.exchanges, ex)
	return ex, nil
}

func (l *fakeLayer) RegisterUnsolicitedHandler(profile wire.ProfileID, msgType wire.MessageType, handler UnsolicitedHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := handlerKey{profile, msgType}
	if _, taken := l.unsolicited[k]; taken {
		return errHandlerTaken
	}
	l.unsolicited[k] = handler
	return nil
}

func (l *fakeLayer) UnregisterUnsolicitedHandler(profile wire.ProfileID, msgType wire.MessageType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.unsolicited, handlerKey{profile, msgType})
}

func (l *fakeLayer) RefreshEndpoints() error { return nil }

func (l *fakeLayer) StartListening(onAccept func(conn Connection)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onAccept != nil {
		return ErrListenerBusy
	}
	l.onAccept = onAccept
	return nil
}

func (l *fakeLayer) StopListening() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAccept = nil
	return nil
}

func (l *fakeLayer) listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.onAccept != nil
}

func (l *fakeLayer) handler(profile wire.ProfileID, msgType wire.MessageType) UnsolicitedHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unsolicited[handlerKey{profile, msgType}]
}

func (l *fakeLayer) record(m sentMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil && l.sendErrFor == m.msgType {
		return l.sendErr
	}
	l.sent = append(l.sent, m)
	return nil
}

// count returns how many messages of the given kind have been sent.
func (l *fakeLayer) count(profile wire.ProfileID, msgType wire.MessageType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.sent {
		if m.profile == profile && m.msgType == msgType {
			n++
		}
	}
	return n
}

func (l *fakeLayer) connCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// waitMessage waits for the nth (1-based) message of the given kind.
func (l *fakeLayer) waitMessage(t *testing.T, profile wire.ProfileID, msgType wire.MessageType, nth int) sentMessage {
	t.Helper()
	var found sentMessage
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		n := 0
		for _, m := range l.sent {
			if m.profile == profile && m.msgType == msgType {
				n++
				if n == nth {
					found = m
					return true
				}
			}
		}
		return false
	}, waitFor, tick, "message %s/%d #%d not sent", profile, msgType, nth)
	return found
}

// waitConn waits for the nth (1-based) connection.
func (l *fakeLayer) waitConn(t *testing.T, nth int) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool { return l.connCount() >= nth }, waitFor, tick, "connection #%d not created", nth)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[nth-1]
}

type fakeExchange struct {
	layer  *fakeLayer
	target ExchangeTarget

	mu       sync.Mutex
	handlers ExchangeHandlers
	closed   bool
	aborted  bool
}

func (e *fakeExchange) SendMessage(profile wire.ProfileID, msgType wire.MessageType, payload []byte, opts SendOptions) error {
	return e.layer.record(sentMessage{
		ex:      e,
		profile: profile,
		msgType: msgType,
		payload: append([]byte(nil), payload...),
		opts:    opts,
	})
}

func (e *fakeExchange) SetHandlers(h ExchangeHandlers) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = h
}

func (e *fakeExchange) Connection() Connection {
	return e.target.Conn
}

func (e *fakeExchange) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

func (e *fakeExchange) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted = true
}

func (e *fakeExchange) String() string {
	return fmt.Sprintf("exchange(node=%016X)", e.target.NodeID)
}

func (e *fakeExchange) isAborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

// deliver hands msg to the exchange's message handler.
func (e *fakeExchange) deliver(msg *Message) {
	e.mu.Lock()
	h := e.handlers.OnMessage
	e.mu.Unlock()
	if h != nil {
		h(e, msg)
	}
}

type fakeConn struct {
	id int

	mu               sync.Mutex
	handlers         ConnectionHandlers
	peer             PeerAddress
	mode             AuthMode
	connectCalls     int
	peerNodeID       uint64
	peerAddr         netip.Addr
	sourceIDRequired bool
	closeCalls       int
	aborted          bool
}

func (c *fakeConn) Connect(peer PeerAddress, mode AuthMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peer, c.mode = peer, mode
	c.peerNodeID, c.peerAddr = peer.NodeID, peer.Addr
	c.connectCalls++
	return nil
}

func (c *fakeConn) SetHandlers(h ConnectionHandlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *fakeConn) PeerNodeID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerNodeID
}

func (c *fakeConn) SetPeerNodeID(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerNodeID = id
}

func (c *fakeConn) PeerAddr() netip.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddr
}

func (c *fakeConn) SetSourceNodeIDRequired(required bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sourceIDRequired = required
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

func (c *fakeConn) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
}

func (c *fakeConn) String() string {
	return fmt.Sprintf("conn#%d", c.id)
}

func (c *fakeConn) released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted || c.closeCalls > 0
}

func (c *fakeConn) connectedTo() (PeerAddress, AuthMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer, c.mode
}

// complete reports the outcome of Connect.
func (c *fakeConn) complete(err error) {
	c.mu.Lock()
	h := c.handlers.OnConnectComplete
	c.mu.Unlock()
	if h != nil {
		h(c, err)
	}
}

// drop reports that the peer closed the connection.
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	h := c.handlers.OnClosed
	c.mu.Unlock()
	if h != nil {
		h(c, err)
	}
}

// result captures the callbacks of one operation.
type result[T any] struct {
	done  chan struct{}
	once  sync.Once
	calls atomic.Int32
	val   T
	err   error
}

func newResult[T any]() *result[T] {
	return &result[T]{done: make(chan struct{})}
}

func (r *result[T]) callbacks() Callbacks[T] {
	return Callbacks[T]{
		OnComplete: func(v T) {
			r.calls.Add(1)
			r.once.Do(func() {
				r.val = v
				close(r.done)
			})
		},
		OnError: func(err error) {
			r.calls.Add(1)
			r.once.Do(func() {
				r.err = err
				close(r.done)
			})
		},
	}
}

func (r *result[T]) wait(t *testing.T) (T, error) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(waitFor):
		t.Fatal("operation did not finish")
	}
	return r.val, r.err
}

func (r *result[T]) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

type countingMetrics struct {
	NoopMetrics
	fallbacks atomic.Int32
}

func (c *countingMetrics) RendezvousFallback() { c.fallbacks.Add(1) }

// harness is a manager wired to fakes and a mock clock.
type harness struct {
	m     *Manager
	layer *fakeLayer
	sec   *MockSecurityManager
	clock *clock.Mock
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		layer: newFakeLayer(),
		sec:   NewMockSecurityManager(t),
		clock: clock.NewMock(),
	}
	h.sec.EXPECT().Cancel(mock.Anything).Return().Maybe()

	cfg := DefaultConfig()
	cfg.Layer = h.layer
	cfg.Security = h.sec
	cfg.Clock = h.clock
	for _, fn := range configure {
		fn(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	h.m = m
	t.Cleanup(func() { _ = m.Close(false) })
	return h
}

// paseCodes records the pairing codes PASE negotiations were started with.
type paseCodes struct {
	mu    sync.Mutex
	codes [][]byte
}

func (p *paseCodes) add(code []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes = append(p.codes, code)
}

func (p *paseCodes) get(t *testing.T, i int) []byte {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Greater(t, len(p.codes), i, "PASE session #%d not started", i+1)
	return p.codes[i]
}

// acceptPASE makes every PASE negotiation succeed.
func (h *harness) acceptPASE() *paseCodes {
	codes := &paseCodes{}
	h.sec.EXPECT().StartPASESession(mock.Anything, mock.Anything, mock.Anything).
		RunAndReturn(func(conn Connection, code []byte, sh SessionHandlers) error {
			codes.add(code)
			go sh.OnEstablished(7, wire.EncryptionChaCha20Poly1305)
			return nil
		}).Maybe()
	return codes
}

// identifyResponse builds the answer of device id with the given product.
func identifyResponse(t *testing.T, id uint64, addr netip.AddrPort, vendor, product uint16) *Message {
	t.Helper()
	desc := &wire.DeviceDescriptor{VendorID: vendor, ProductID: product, DeviceID: id}
	payload, err := desc.Encode()
	require.NoError(t, err)
	return &Message{
		Profile:    wire.ProfileDeviceDescription,
		Type:       wire.MsgIdentifyResponse,
		Payload:    payload,
		SourceNode: id,
		SourceAddr: addr,
	}
}

func statusMessage(profile wire.ProfileID, code uint16) *Message {
	s := &wire.StatusReport{Profile: profile, Code: code}
	return &Message{Profile: wire.ProfileCommon, Type: wire.MsgStatusReport, Payload: s.Encode()}
}

func successMessage() *Message {
	return statusMessage(wire.ProfileCommon, wire.StatusSuccess)
}

var deviceAddr = netip.MustParseAddrPort("[fd00::42]:11095")

// connect runs ConnectDevice for id at deviceAddr without a credential
// and returns the open connection.
func (h *harness) connect(t *testing.T, id uint64) *fakeConn {
	t.Helper()
	return h.connectWith(t, id, nil)
}

func (h *harness) connectWith(t *testing.T, id uint64, cred *secret.Credential) *fakeConn {
	t.Helper()
	res := newResult[NoResult]()
	nth := h.layer.count(wire.ProfileDeviceDescription, wire.MsgIdentifyRequest) + 1
	conns := h.layer.connCount()

	require.NoError(t, h.m.ConnectDevice(id, deviceAddr.Addr(), cred, res.callbacks()))
	identify := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, nth)
	identify.ex.deliver(identifyResponse(t, id, deviceAddr, wire.VendorReference, wire.ProductThermostatModelA))

	conn := h.layer.waitConn(t, conns+1)
	conn.complete(nil)
	_, err := res.wait(t)
	require.NoError(t, err)
	require.True(t, h.m.IsConnected())
	return conn
}

// thermostats selects the reference thermostat family in any fabric.
func thermostats() discovery.Criteria {
	c := discovery.AnyDevice()
	c.TargetVendorID = wire.VendorReference
	c.TargetProductID = discovery.ProductWildcardThermostat
	return c
}
