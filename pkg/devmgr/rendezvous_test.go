package devmgr

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

const assistingID = 0xA55

func remoteConnectionComplete() *Message {
	return &Message{Profile: wire.ProfileDeviceControl, Type: wire.MsgRemoteConnectionComplete}
}

// relayJoiner answers the nth rendezvous request and reports a relayed
// joiner. It returns the Identify sent to the joiner.
func (h *harness) relayJoiner(t *testing.T, nth int) sentMessage {
	t.Helper()
	identifies := h.layer.count(wire.ProfileDeviceDescription, wire.MsgIdentifyRequest)
	req := h.layer.waitMessage(t, wire.ProfileDeviceControl, wire.MsgRemotePassiveRendezvous, nth)
	req.ex.deliver(successMessage())
	require.Equal(t, OpAwaitingRemoteConnectionComplete, h.m.OpState())
	req.ex.deliver(remoteConnectionComplete())
	return h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, identifies+1)
}

func (h *harness) rendezvousState(fn func(r *rendezvous)) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	fn(h.m.rpr)
}

func TestRemotePassiveRendezvousTimedOutByAssistingDevice(t *testing.T) {
	h := newHarness(t)
	h.acceptPASE()
	h.connectWith(t, assistingID, pairingCode(t, "ASSIST"))

	joiner := pairingCode(t, "JOINER")
	joinerBytes := joiner.Bytes()
	filter := netip.MustParseAddr("fe80::2")

	res := newResult[NoResult]()
	require.NoError(t, h.m.RemotePassiveRendezvous(RemoteRendezvousOptions{
		FilterAddr:        filter,
		Credential:        joiner,
		RendezvousTimeout: 30 * time.Second,
		InactivityTimeout: 10 * time.Second,
	}, res.callbacks()))
	assert.True(t, joiner.IsEmpty())
	h.waitArmed(t, &h.m.rendezvousTimer)

	req := h.layer.waitMessage(t, wire.ProfileDeviceControl, wire.MsgRemotePassiveRendezvous, 1)
	sent, err := wire.DecodeRemotePassiveRendezvousRequest(req.payload)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, sent.RendezvousTimeout)
	assert.Equal(t, 10*time.Second, sent.InactivityTimeout)
	assert.Equal(t, filter, sent.FilterAddr)

	req.ex.deliver(successMessage())
	assert.Equal(t, OpAwaitingRemoteConnectionComplete, h.m.OpState())
	req.ex.deliver(statusMessage(wire.ProfileDeviceControl, wire.StatusRemotePassiveRendezvousTimedOut))

	_, err = res.wait(t)
	assert.ErrorIs(t, err, ErrRemotePassiveRendezvousTimeout)
	assert.Equal(t, ConnNotConnected, h.m.ConnectionState())
	h.rendezvousState(func(r *rendezvous) {
		assert.Nil(t, r)
		assert.False(t, h.m.rendezvousTimer.active())
	})
	assert.Equal(t, make([]byte, len("JOINER")), joinerBytes)
}

func TestRemotePassiveRendezvousTimerExpires(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ConnectTimeout = 120 * time.Second })
	codes := h.acceptPASE()
	conn := h.connectWith(t, assistingID, pairingCode(t, "ASSIST"))

	joiner := pairingCode(t, "JOINER")
	joinerBytes := joiner.Bytes()
	res := newResult[NoResult]()
	require.NoError(t, h.m.RemotePassiveRendezvous(RemoteRendezvousOptions{
		Credential:        joiner,
		RendezvousTimeout: 60 * time.Second,
	}, res.callbacks()))

	identify := h.relayJoiner(t, 1)
	assert.Same(t, conn, identify.ex.target.Conn)
	assert.Equal(t, AnyNodeID, identify.ex.target.NodeID)
	assert.Equal(t, OpIdentifyRemoteDevice, h.m.OpState())
	assert.Equal(t, ConnIdentifyRemotePeer, h.m.ConnectionState())
	conn.mu.Lock()
	assert.True(t, conn.sourceIDRequired)
	assert.Equal(t, AnyNodeID, conn.peerNodeID)
	conn.mu.Unlock()

	h.clock.Add(60*time.Second + RemotePassiveRendezvousGrace)

	_, err := res.wait(t)
	assert.ErrorIs(t, err, ErrRemotePassiveRendezvousTimeout)
	assert.Equal(t, ConnNotConnected, h.m.ConnectionState())
	assert.True(t, conn.released())
	assert.Equal(t, make([]byte, len("ASSIST")), codes.get(t, 0), "saved assisting credential must be wiped")
	assert.Equal(t, make([]byte, len("JOINER")), joinerBytes, "saved joiner credential must be wiped")
}

func TestRemotePassiveRendezvousFallsBackToAssistingDevice(t *testing.T) {
	metrics := &countingMetrics{}
	h := newHarness(t, func(c *Config) { c.Metrics = metrics })
	codes := h.acceptPASE()
	conn1 := h.connectWith(t, assistingID, pairingCode(t, "ASSIST"))

	res := newResult[NoResult]()
	require.NoError(t, h.m.RemotePassiveRendezvous(RemoteRendezvousOptions{
		Credential:        pairingCode(t, "JOINER"),
		RendezvousTimeout: 120 * time.Second,
	}, res.callbacks()))

	// The first joiner answers with garbage.
	identify := h.relayJoiner(t, 1)
	identify.ex.deliver(&Message{Profile: wire.ProfileEcho, Type: wire.MsgEchoResponse})
	assert.True(t, conn1.released())
	assert.EqualValues(t, 1, metrics.fallbacks.Load())
	assert.Equal(t, OpRestoreAssistingDevice, h.m.OpState())

	// The assisting device is located and authenticated again.
	restore := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 3)
	assert.Equal(t, deviceAddr.Addr(), restore.ex.target.Addr)
	assert.Equal(t, uint64(assistingID), restore.ex.target.NodeID)
	restore.ex.deliver(identifyResponse(t, assistingID, deviceAddr, wire.VendorReference, wire.ProductThermostatModelA))
	conn2 := h.layer.waitConn(t, 2)
	conn2.complete(nil)

	require.Eventually(t, func() bool {
		return h.layer.count(wire.ProfileDeviceControl, wire.MsgRemotePassiveRendezvous) == 2
	}, waitFor, tick)
	assert.Equal(t, []byte("ASSIST"), codes.get(t, 1))
	assert.Equal(t, []byte("ASSIST"), codes.get(t, 0), "the saved assisting credential is kept until the rendezvous ends")

	second := h.layer.waitMessage(t, wire.ProfileDeviceControl, wire.MsgRemotePassiveRendezvous, 2)
	assert.Same(t, conn2, second.ex.target.Conn)
	sent, err := wire.DecodeRemotePassiveRendezvousRequest(second.payload)
	require.NoError(t, err)
	assert.LessOrEqual(t, sent.RendezvousTimeout, 120*time.Second)

	// The second joiner succeeds.
	identify = h.relayJoiner(t, 2)
	assert.Same(t, conn2, identify.ex.target.Conn)
	identify.ex.deliver(identifyResponse(t, 0x10, netip.AddrPort{}, wire.VendorReference, wire.ProductSmokeDetector))

	_, err = res.wait(t)
	require.NoError(t, err)
	assert.Equal(t, []byte("JOINER"), codes.get(t, 2))
	assert.True(t, h.m.IsConnected())
	id, ok := h.m.DeviceID()
	assert.True(t, ok)
	assert.Equal(t, uint64(0x10), id)
	conn2.mu.Lock()
	assert.Equal(t, uint64(0x10), conn2.peerNodeID)
	conn2.mu.Unlock()

	h.rendezvousState(func(r *rendezvous) { assert.Nil(t, r) })
	assert.Equal(t, make([]byte, len("ASSIST")), codes.get(t, 0))
	assert.Equal(t, make([]byte, len("ASSIST")), codes.get(t, 1))
	assert.EqualValues(t, 1, metrics.fallbacks.Load())
}

func TestRemotePassiveRendezvousWithoutAssistingAddress(t *testing.T) {
	h := newHarness(t)
	h.acceptPASE()

	// A device reached through passive rendezvous has no address to
	// return to.
	res := newResult[NoResult]()
	require.NoError(t, h.m.PassiveRendezvousDevice(pairingCode(t, "ASSIST"), res.callbacks()))
	h.layer.mu.Lock()
	accept := h.layer.onAccept
	h.layer.mu.Unlock()
	accept(&fakeConn{id: 99, peerNodeID: assistingID})
	_, err := res.wait(t)
	require.NoError(t, err)

	rpr := newResult[NoResult]()
	require.NoError(t, h.m.RemotePassiveRendezvous(RemoteRendezvousOptions{RendezvousTimeout: 30 * time.Second}, rpr.callbacks()))
	identify := h.relayJoiner(t, 1)
	identify.ex.deliver(&Message{Profile: wire.ProfileEcho, Type: wire.MsgEchoResponse})

	_, err = rpr.wait(t)
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
	assert.Equal(t, ConnNotConnected, h.m.ConnectionState())
}

// joinerAuth fails or completes the joiner's session on demand.
type joinerAuth struct {
	handlers chan SessionHandlers
}

func (h *harness) holdJoinerPASE() *joinerAuth {
	j := &joinerAuth{handlers: make(chan SessionHandlers, 1)}
	h.sec.EXPECT().StartPASESession(mock.Anything, mock.Anything, mock.Anything).
		RunAndReturn(func(conn Connection, code []byte, sh SessionHandlers) error {
			if string(code) == "JOINER" {
				j.handlers <- sh
				return nil
			}
			go sh.OnEstablished(7, wire.EncryptionChaCha20Poly1305)
			return nil
		}).Maybe()
	return j
}

func TestRemotePassiveRendezvousTimeoutDuringJoinerAuth(t *testing.T) {
	start := func(t *testing.T) (*harness, *result[NoResult], SessionHandlers) {
		h := newHarness(t)
		auth := h.holdJoinerPASE()
		h.connectWith(t, assistingID, pairingCode(t, "ASSIST"))

		res := newResult[NoResult]()
		require.NoError(t, h.m.RemotePassiveRendezvous(RemoteRendezvousOptions{
			Credential:        pairingCode(t, "JOINER"),
			RendezvousTimeout: 10 * time.Second,
		}, res.callbacks()))
		identify := h.relayJoiner(t, 1)
		identify.ex.deliver(identifyResponse(t, 0x10, netip.AddrPort{}, wire.VendorReference, wire.ProductCamera))

		var sh SessionHandlers
		select {
		case sh = <-auth.handlers:
		case <-time.After(waitFor):
			t.Fatal("joiner session not started")
		}
		assert.Equal(t, OpRemotePassiveRendezvousAuthenticate, h.m.OpState())

		h.clock.Add(10*time.Second + RemotePassiveRendezvousGrace)
		require.Eventually(t, func() bool {
			timedOut := false
			h.rendezvousState(func(r *rendezvous) { timedOut = r != nil && r.timedOut })
			return timedOut
		}, waitFor, tick)
		assert.False(t, res.finished(), "authentication in flight must be allowed to finish")
		return h, res, sh
	}

	t.Run("success wins", func(t *testing.T) {
		h, res, sh := start(t)
		sh.OnEstablished(9, wire.EncryptionChaCha20Poly1305)
		_, err := res.wait(t)
		require.NoError(t, err)
		assert.True(t, h.m.IsConnected())
		h.rendezvousState(func(r *rendezvous) { assert.Nil(t, r) })
	})

	t.Run("failure ends the rendezvous", func(t *testing.T) {
		h, res, sh := start(t)
		sh.OnFailed(errors.New("key confirmation failed"), nil)
		_, err := res.wait(t)
		assert.ErrorIs(t, err, ErrRemotePassiveRendezvousTimeout)
		assert.Equal(t, ConnNotConnected, h.m.ConnectionState())
		assert.Equal(t, 1, h.layer.count(wire.ProfileDeviceControl, wire.MsgRemotePassiveRendezvous), "no fallback after the deadline")
	})
}

func TestRemotePassiveRendezvousRepeatedJoinerAuthFailures(t *testing.T) {
	const rounds = 3
	metrics := &countingMetrics{}
	h := newHarness(t, func(c *Config) { c.Metrics = metrics })
	auth := h.holdJoinerPASE()
	h.connectWith(t, assistingID, pairingCode(t, "ASSIST"))

	res := newResult[NoResult]()
	require.NoError(t, h.m.RemotePassiveRendezvous(RemoteRendezvousOptions{
		Credential:        pairingCode(t, "JOINER"),
		RendezvousTimeout: 120 * time.Second,
	}, res.callbacks()))

	for i := 1; i <= rounds; i++ {
		identify := h.relayJoiner(t, i)
		identify.ex.deliver(identifyResponse(t, uint64(0x10+i), netip.AddrPort{}, wire.VendorReference, wire.ProductCamera))

		var sh SessionHandlers
		select {
		case sh = <-auth.handlers:
		case <-time.After(waitFor):
			t.Fatalf("round %d: joiner session not started", i)
		}
		assert.Equal(t, OpRemotePassiveRendezvousAuthenticate, h.m.OpState())

		sh.OnFailed(errors.New("joiner rejected the pairing code"), nil)
		assert.Equal(t, OpRestoreAssistingDevice, h.m.OpState(), "round %d", i)
		assert.EqualValues(t, i, metrics.fallbacks.Load())

		restore := h.layer.waitMessage(t, wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, 2*i+1)
		assert.Equal(t, uint64(assistingID), restore.ex.target.NodeID)
		restore.ex.deliver(identifyResponse(t, assistingID, deviceAddr, wire.VendorReference, wire.ProductThermostatModelA))
		h.layer.waitConn(t, i+1).complete(nil)

		require.Eventually(t, func() bool {
			return h.layer.count(wire.ProfileDeviceControl, wire.MsgRemotePassiveRendezvous) == i+1
		}, waitFor, tick, "round %d: rendezvous not requested again", i)
		assert.False(t, res.finished(), "round %d: no result before the deadline", i)
	}
	h.rendezvousState(func(r *rendezvous) {
		require.NotNil(t, r)
		assert.Equal(t, rounds, r.attempts)
	})

	h.clock.Add(120*time.Second + RemotePassiveRendezvousGrace)
	_, err := res.wait(t)
	assert.ErrorIs(t, err, ErrRemotePassiveRendezvousTimeout)
	assert.Equal(t, ConnNotConnected, h.m.ConnectionState())
}

func TestRemotePassiveRendezvousFailureStatus(t *testing.T) {
	h := newHarness(t)
	h.connect(t, assistingID)

	res := newResult[NoResult]()
	require.NoError(t, h.m.RemotePassiveRendezvous(RemoteRendezvousOptions{RendezvousTimeout: 30 * time.Second}, res.callbacks()))
	req := h.layer.waitMessage(t, wire.ProfileDeviceControl, wire.MsgRemotePassiveRendezvous, 1)
	req.ex.deliver(statusMessage(wire.ProfileDeviceControl, wire.StatusUnsecuredListenPreempted))

	_, err := res.wait(t)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Matches(wire.ProfileDeviceControl, wire.StatusUnsecuredListenPreempted))
}

func TestRemotePassiveRendezvousCancelledByClose(t *testing.T) {
	h := newHarness(t)
	codes := h.acceptPASE()
	h.connectWith(t, assistingID, pairingCode(t, "ASSIST"))

	joiner := pairingCode(t, "JOINER")
	joinerBytes := joiner.Bytes()
	res := newResult[NoResult]()
	require.NoError(t, h.m.RemotePassiveRendezvous(RemoteRendezvousOptions{
		Credential:        joiner,
		RendezvousTimeout: 60 * time.Second,
	}, res.callbacks()))
	h.relayJoiner(t, 1)

	require.NoError(t, h.m.Close(false))
	_, err := res.wait(t)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, ConnNotConnected, h.m.ConnectionState())
	h.rendezvousState(func(r *rendezvous) {
		assert.Nil(t, r)
		assert.False(t, h.m.rendezvousTimer.active())
	})
	assert.Equal(t, make([]byte, len("ASSIST")), codes.get(t, 0))
	assert.Equal(t, make([]byte, len("JOINER")), joinerBytes)
}

func TestRemotePassiveRendezvousRejected(t *testing.T) {
	h := newHarness(t)

	err := h.m.RemotePassiveRendezvous(RemoteRendezvousOptions{RendezvousTimeout: 30 * time.Second}, Callbacks[NoResult]{})
	assert.ErrorIs(t, err, ErrNotConnected)

	h.connect(t, assistingID)
	for _, opts := range []RemoteRendezvousOptions{
		{},
		{RendezvousTimeout: 500 * time.Millisecond},
		{RendezvousTimeout: 0x10000 * time.Second},
		{RendezvousTimeout: time.Minute, InactivityTimeout: -time.Second},
	} {
		joiner := pairingCode(t, "JOINER")
		opts.Credential = joiner
		err := h.m.RemotePassiveRendezvous(opts, Callbacks[NoResult]{})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.False(t, joiner.IsEmpty(), "a rejected call leaves the credential with the caller")
	}
	assert.Equal(t, OpIdle, h.m.OpState())
	assert.Zero(t, h.layer.count(wire.ProfileDeviceControl, wire.MsgRemotePassiveRendezvous))
}
