package devmgr

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/devmgr-go/pkg/ble"
	"github.com/mash-protocol/devmgr-go/pkg/secret"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

var errUnreachable = fmt.Errorf("sendto: %w", syscall.ENETUNREACH)

func pairingCode(t *testing.T, code string) *secret.Credential {
	t.Helper()
	c, err := secret.NewPairingCode(code)
	require.NoError(t, err)
	return c
}

// waitArmed waits until the manager has armed tm.
func (h *harness) waitArmed(t *testing.T, tm *timer) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.m.mu.Lock()
		defer h.m.mu.Unlock()
		return tm.active()
	}, waitFor, tick)
}

func TestConnectDeviceWithPairingCode(t *testing.T) {
	h := newHarness(t)
	codes := h.acceptPASE()
	cred := pairingCode(t, "11223344556")
	res := newResult[NoResult]()

	require.NoError(t, h.m.ConnectDevice(42, netip.MustParseAddr("fe80::1%eth0"), cred, res.callbacks()))
	assert.True(t, cred.IsEmpty(), "credential should move into the manager")
	assert.Equal(t, ConnIdentifyPeer, h.m.ConnectionState())
	assert.Equal(t, OpConnectDevice, h.m.OpState())

	identify := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 1)
	assert.Equal(t, netip.MustParseAddr("fe80::1"), identify.ex.target.Addr)
	assert.Equal(t, "eth0", identify.ex.target.Interface)
	assert.Equal(t, uint64(42), identify.ex.target.NodeID)
	assert.True(t, identify.opts.ExpectResponse)
	req, err := wire.DecodeIdentifyRequest(identify.payload)
	require.NoError(t, err)
	assert.Equal(t, wire.TargetFabricAny, req.TargetFabricID)

	identify.ex.deliver(identifyResponse(t, 42, netip.MustParseAddrPort("[fe80::1%eth0]:11095"),
		wire.VendorReference, wire.ProductThermostatModelA))

	conn := h.layer.waitConn(t, 1)
	peer, mode := conn.connectedTo()
	assert.Equal(t, PeerAddress{NodeID: 42, Addr: netip.MustParseAddr("fe80::1"), Interface: "eth0"}, peer)
	assert.Equal(t, AuthPASE, mode)
	assert.Equal(t, ConnConnectingTransport, h.m.ConnectionState())

	conn.complete(nil)
	_, err = res.wait(t)
	require.NoError(t, err)

	assert.Equal(t, []byte("11223344556"), codes.get(t, 0))
	assert.True(t, h.m.IsConnected())
	assert.Equal(t, OpIdle, h.m.OpState())
	id, ok := h.m.DeviceID()
	assert.True(t, ok)
	assert.Equal(t, uint64(42), id)
	addr, ok := h.m.DeviceAddress()
	assert.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("fe80::1%eth0"), addr)
	assert.EqualValues(t, 1, res.calls.Load())
}

func TestConnectDeviceRejectedKeepsCredential(t *testing.T) {
	h := newHarness(t)
	cred := pairingCode(t, "11223344556")

	err := h.m.ConnectDevice(AnyNodeID, netip.Addr{}, cred, Callbacks[NoResult]{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, secret.KindPairingCode, cred.Kind())
	assert.Equal(t, []byte("11223344556"), cred.Bytes())
	assert.Equal(t, OpIdle, h.m.OpState())

	h.connect(t, 7)
	err = h.m.ConnectDevice(8, deviceAddr.Addr(), cred, Callbacks[NoResult]{})
	assert.ErrorIs(t, err, ErrIncorrectState)
	assert.Equal(t, []byte("11223344556"), cred.Bytes())
	id, _ := h.m.DeviceID()
	assert.Equal(t, uint64(7), id)
}

func TestRendezvousDeviceThermostatWildcard(t *testing.T) {
	h := newHarness(t)
	res := newResult[NoResult]()

	require.NoError(t, h.m.RendezvousDevice(thermostats(), nil, res.callbacks()))

	identify := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 1)
	assert.False(t, identify.ex.target.Addr.IsValid(), "identify should be multicast")
	req, err := wire.DecodeIdentifyRequest(identify.payload)
	require.NoError(t, err)
	assert.Equal(t, wire.ProductWildcardThermostat, req.TargetProductID)

	smoke := netip.MustParseAddrPort("[fd00::5]:11095")
	identify.ex.deliver(identifyResponse(t, 5, smoke, wire.VendorReference, wire.ProductSmokeDetector))
	assert.Zero(t, h.layer.connCount(), "smoke detector must not be picked")
	assert.Equal(t, ConnIdentifyPeer, h.m.ConnectionState())

	thermostat := netip.MustParseAddrPort("[fd00::2]:11095")
	identify.ex.deliver(identifyResponse(t, 2, thermostat, wire.VendorReference, wire.ProductThermostatModelB))

	conn := h.layer.waitConn(t, 1)
	peer, mode := conn.connectedTo()
	assert.Equal(t, uint64(2), peer.NodeID)
	assert.Equal(t, thermostat.Addr(), peer.Addr)
	assert.Equal(t, AuthNone, mode)

	conn.complete(nil)
	_, err = res.wait(t)
	require.NoError(t, err)
	assert.Equal(t, 1, h.layer.connCount())
	id, _ := h.m.DeviceID()
	assert.Equal(t, uint64(2), id)
}

func TestRendezvousDeviceUsesRendezvousAddress(t *testing.T) {
	h := newHarness(t)
	h.m.SetRendezvousAddress(netip.MustParseAddr("192.168.1.40"))

	require.NoError(t, h.m.RendezvousDevice(thermostats(), nil, Callbacks[NoResult]{}))

	identify := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 1)
	assert.Equal(t, netip.MustParseAddr("192.168.1.40"), identify.ex.target.Addr)
}

func TestConnectTimeouts(t *testing.T) {
	tests := []struct {
		name    string
		advance func(t *testing.T, h *harness)
		want    error
	}{
		{
			name:    "no identify response",
			advance: func(t *testing.T, h *harness) {},
			want:    ErrDeviceLocateTimeout,
		},
		{
			name: "transport never completes",
			advance: func(t *testing.T, h *harness) {
				identify := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 1)
				identify.ex.deliver(identifyResponse(t, 42, deviceAddr, wire.VendorReference, wire.ProductCamera))
				h.layer.waitConn(t, 1)
			},
			want: ErrDeviceConnectTimeout,
		},
		{
			name: "session never completes",
			advance: func(t *testing.T, h *harness) {
				identify := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 1)
				identify.ex.deliver(identifyResponse(t, 42, deviceAddr, wire.VendorReference, wire.ProductCamera))
				h.layer.waitConn(t, 1).complete(nil)
				require.Equal(t, ConnNegotiatingSession, h.m.ConnectionState())
			},
			want: ErrDeviceAuthTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) { c.ConnectTimeout = 10 * time.Second })
			h.sec.EXPECT().StartPASESession(mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
			res := newResult[NoResult]()

			require.NoError(t, h.m.ConnectDevice(42, deviceAddr.Addr(), pairingCode(t, "1234"), res.callbacks()))
			tt.advance(t, h)
			h.clock.Add(10 * time.Second)

			_, err := res.wait(t)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, ConnNotConnected, h.m.ConnectionState())
			assert.Equal(t, OpIdle, h.m.OpState())
		})
	}
}

func TestIdentifyIsResent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.ConnectDevice(42, deviceAddr.Addr(), nil, Callbacks[NoResult]{}))

	first := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 1)
	h.waitArmed(t, &h.m.identifyTimer)

	// A response from another device is dropped; the resend keeps going.
	first.ex.deliver(identifyResponse(t, 43, deviceAddr, wire.VendorReference, wire.ProductCamera))
	h.clock.Add(DefaultIdentifyRetryInterval)

	second := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 2)
	assert.Same(t, first.ex, second.ex)
	assert.Zero(t, h.layer.connCount())
}

func TestMulticastUnreachableIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.layer.sendErr = errUnreachable
	h.layer.sendErrFor = wire.MsgIdentifyRequest

	require.NoError(t, h.m.RendezvousDevice(thermostats(), nil, Callbacks[NoResult]{}))
	assert.Equal(t, OpRendezvousDevice, h.m.OpState())

	// A unicast send error is not swallowed.
	h2 := newHarness(t)
	h2.layer.sendErr = errUnreachable
	h2.layer.sendErrFor = wire.MsgIdentifyRequest
	err := h2.m.ConnectDevice(42, deviceAddr.Addr(), nil, Callbacks[NoResult]{})
	assert.Error(t, err)
	assert.Equal(t, OpIdle, h2.m.OpState())
	assert.Equal(t, ConnNotConnected, h2.m.ConnectionState())
}

func TestSessionBusyIsRetried(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.SessionBusyRetries = 2
		c.SessionBusyBackoff = time.Second
	})
	var attempts atomic.Int32
	h.sec.EXPECT().StartPASESession(mock.Anything, mock.Anything, mock.Anything).
		RunAndReturn(func(conn Connection, code []byte, sh SessionHandlers) error {
			if attempts.Add(1) < 3 {
				go sh.OnFailed(errors.New("busy"), &wire.StatusReport{Profile: wire.ProfileSecurity, Code: wire.SecurityStatusBusy})
			} else {
				go sh.OnEstablished(3, wire.EncryptionChaCha20Poly1305)
			}
			return nil
		})
	res := newResult[NoResult]()

	require.NoError(t, h.m.ConnectDevice(42, deviceAddr.Addr(), pairingCode(t, "1234"), res.callbacks()))
	identify := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 1)
	identify.ex.deliver(identifyResponse(t, 42, deviceAddr, wire.VendorReference, wire.ProductCamera))
	h.layer.waitConn(t, 1).complete(nil)

	for n := int32(1); n <= 2; n++ {
		require.Eventually(t, func() bool { return attempts.Load() == n }, waitFor, tick)
		h.waitArmed(t, &h.m.sessionTimer)
		h.clock.Add(time.Second)
	}

	_, err := res.wait(t)
	require.NoError(t, err)
	assert.EqualValues(t, 3, attempts.Load())
	assert.True(t, h.m.IsConnected())
}

func TestSessionRejected(t *testing.T) {
	h := newHarness(t)
	h.sec.EXPECT().StartPASESession(mock.Anything, mock.Anything, mock.Anything).
		RunAndReturn(func(conn Connection, code []byte, sh SessionHandlers) error {
			go sh.OnFailed(errors.New("rejected"), &wire.StatusReport{Profile: wire.ProfileSecurity, Code: wire.SecurityStatusAuthenticationFailed})
			return nil
		})
	res := newResult[NoResult]()

	require.NoError(t, h.m.ConnectDevice(42, deviceAddr.Addr(), pairingCode(t, "1234"), res.callbacks()))
	identify := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 1)
	identify.ex.deliver(identifyResponse(t, 42, deviceAddr, wire.VendorReference, wire.ProductCamera))
	conn := h.layer.waitConn(t, 1)
	conn.complete(nil)

	_, err := res.wait(t)
	require.ErrorIs(t, err, ErrPeerStatus)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Matches(wire.ProfileSecurity, wire.SecurityStatusAuthenticationFailed))
	assert.True(t, conn.released())
	assert.Equal(t, ConnNotConnected, h.m.ConnectionState())
}

func TestTransportFailure(t *testing.T) {
	h := newHarness(t)
	res := newResult[NoResult]()

	require.NoError(t, h.m.ConnectDevice(42, deviceAddr.Addr(), nil, res.callbacks()))
	identify := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 1)
	identify.ex.deliver(identifyResponse(t, 42, deviceAddr, wire.VendorReference, wire.ProductCamera))

	refused := errors.New("connection refused")
	h.layer.waitConn(t, 1).complete(refused)

	_, err := res.wait(t)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, ConnNotConnected, h.m.ConnectionState())
}

func TestReconnectDevice(t *testing.T) {
	h := newHarness(t)
	codes := h.acceptPASE()

	err := h.m.ReconnectDevice(Callbacks[NoResult]{})
	assert.ErrorIs(t, err, ErrIncorrectState, "nothing to reconnect to")

	conn := h.connectWith(t, 42, pairingCode(t, "5555"))
	conn.drop(io.EOF)
	require.Eventually(t, func() bool { return !h.m.IsConnected() }, waitFor, tick)

	res := newResult[NoResult]()
	require.NoError(t, h.m.ReconnectDevice(res.callbacks()))
	identify := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 2)
	assert.Equal(t, deviceAddr.Addr(), identify.ex.target.Addr)
	identify.ex.deliver(identifyResponse(t, 42, deviceAddr, wire.VendorReference, wire.ProductCamera))
	h.layer.waitConn(t, 2).complete(nil)

	_, err = res.wait(t)
	require.NoError(t, err)
	assert.Equal(t, []byte("5555"), codes.get(t, 1))
}

func TestPassiveRendezvousDevice(t *testing.T) {
	h := newHarness(t)
	codes := h.acceptPASE()
	res := newResult[NoResult]()

	require.NoError(t, h.m.PassiveRendezvousDevice(pairingCode(t, "7777"), res.callbacks()))
	assert.True(t, h.layer.listening())
	assert.Equal(t, ConnWaitPeerConnect, h.m.ConnectionState())
	assert.ErrorIs(t, h.layer.StartListening(func(Connection) {}), ErrListenerBusy)

	h.layer.mu.Lock()
	accept := h.layer.onAccept
	h.layer.mu.Unlock()
	conn := &fakeConn{id: 99, peerNodeID: 0x55, peerAddr: netip.MustParseAddr("fd00::55")}
	accept(conn)

	_, err := res.wait(t)
	require.NoError(t, err)
	assert.False(t, h.layer.listening())
	assert.Equal(t, []byte("7777"), codes.get(t, 0))
	id, _ := h.m.DeviceID()
	assert.Equal(t, uint64(0x55), id)
}

func TestPassiveRendezvousListenerBusy(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.layer.StartListening(func(Connection) {}))
	cred := pairingCode(t, "7777")

	err := h.m.PassiveRendezvousDevice(cred, Callbacks[NoResult]{})
	assert.ErrorIs(t, err, ErrListenerBusy)
	assert.Equal(t, OpIdle, h.m.OpState())
	assert.False(t, cred.IsEmpty())
}

func TestConnectBLE(t *testing.T) {
	h := newHarness(t)
	res := newResult[NoResult]()

	err := h.m.ConnectBLE(nil, nil, Callbacks[NoResult]{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, h.m.ConnectBLE(&ble.Endpoint{}, nil, res.callbacks()))
	conn := h.layer.waitConn(t, 1)
	assert.Equal(t, ConnConnectingTransport, h.m.ConnectionState())
	conn.complete(nil)

	_, err = res.wait(t)
	require.NoError(t, err)
	assert.True(t, h.m.IsConnected())
}

func TestConnectionClosedByPeer(t *testing.T) {
	h := newHarness(t)
	closed := make(chan error, 1)
	h.m.SetConnectionClosedHandler(func(err error) { closed <- err })

	conn := h.connect(t, 42)
	conn.drop(io.EOF)

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(waitFor):
		t.Fatal("closed handler not called")
	}
	assert.Equal(t, ConnNotConnected, h.m.ConnectionState())

	// Identity survives for reconnects.
	id, ok := h.m.DeviceID()
	assert.True(t, ok)
	assert.Equal(t, uint64(42), id)
}

func TestCloseWipesCredential(t *testing.T) {
	h := newHarness(t)
	codes := h.acceptPASE()
	conn := h.connectWith(t, 42, pairingCode(t, "11223344556"))
	code := codes.get(t, 0)

	require.NoError(t, h.m.Close(true))

	assert.Equal(t, make([]byte, len("11223344556")), code)
	assert.Equal(t, ConnNotConnected, h.m.ConnectionState())
	conn.mu.Lock()
	assert.Equal(t, 1, conn.closeCalls)
	conn.mu.Unlock()
}

func TestReconnectAfterCloseRefused(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoReconnect = true })
	h.acceptPASE()
	h.connectWith(t, 42, pairingCode(t, "5555"))

	require.NoError(t, h.m.Close(true))

	_, ok := h.m.DeviceID()
	assert.False(t, ok, "Close forgets the device")
	err := h.m.ReconnectDevice(Callbacks[NoResult]{})
	assert.ErrorIs(t, err, ErrIncorrectState)
	err = h.m.Ping(nil, Callbacks[[]byte]{})
	assert.ErrorIs(t, err, ErrNotConnected, "no auto-reconnect to a forgotten device")
	assert.Equal(t, 1, h.layer.count(wire.ProfileDeviceDescription, wire.MsgIdentifyRequest))
	assert.Equal(t, OpIdle, h.m.OpState())
}

func TestReconnectWithoutCredentialRefused(t *testing.T) {
	h := newHarness(t)
	h.acceptPASE()
	conn := h.connectWith(t, 42, pairingCode(t, "5555"))
	conn.drop(io.EOF)
	require.Eventually(t, func() bool { return !h.m.IsConnected() }, waitFor, tick)

	h.m.lock()
	h.m.credential.Clear()
	h.m.unlock()

	err := h.m.ReconnectDevice(Callbacks[NoResult]{})
	assert.ErrorIs(t, err, ErrIncorrectState, "a PASE device is not reconnected without a session")
	assert.Equal(t, 1, h.layer.count(wire.ProfileDeviceDescription, wire.MsgIdentifyRequest))
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, 42)
	ping := newResult[[]byte]()
	require.NoError(t, h.m.Ping(nil, ping.callbacks()))

	require.NoError(t, h.m.Close(false))
	require.NoError(t, h.m.Close(false))

	_, err := ping.wait(t)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.EqualValues(t, 1, ping.calls.Load())
	assert.True(t, conn.released())
	assert.Equal(t, OpIdle, h.m.OpState())

	// Still usable after Close.
	h.connect(t, 43)
}

func TestCloseIdleManagerCallsNothing(t *testing.T) {
	h := newHarness(t)
	called := false
	h.m.SetConnectionClosedHandler(func(error) { called = true })

	assert.NoError(t, h.m.Close(true))
	assert.False(t, called)
	assert.Zero(t, h.layer.connCount())
}

func TestSetConnectTimeout(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.m.SetConnectTimeout(0), ErrInvalidArgument)
	require.NoError(t, h.m.SetConnectTimeout(3*time.Second))

	res := newResult[NoResult]()
	require.NoError(t, h.m.ConnectDevice(42, deviceAddr.Addr(), nil, res.callbacks()))
	h.waitArmed(t, &h.m.connectTimer)
	h.clock.Add(3 * time.Second)

	_, err := res.wait(t)
	assert.ErrorIs(t, err, ErrDeviceLocateTimeout)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	cfg := DefaultConfig()
	cfg.Layer = newFakeLayer()
	cfg.Security = NewMockSecurityManager(t)
	cfg.ConnectTimeout = -time.Second
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
