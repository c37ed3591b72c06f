package security

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/devmgr-go/pkg/cert"
	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/exchange"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

const (
	managerNode uint64 = 0x0000000000000001
	deviceNode  uint64 = 0x18B4300000000042
)

var pairingCode = []byte("11223344556")

func TestSPAKE2PlusAgreement(t *testing.T) {
	verifier, err := NewPASEVerifier(pairingCode)
	require.NoError(t, err)

	prover, err := newSpakeProver(pairingCode)
	require.NoError(t, err)
	device, err := newSpakeVerifier(verifier)
	require.NoError(t, err)

	require.NoError(t, device.processShare(prover.pA))
	require.NoError(t, prover.processShare(device.pB))

	assert.True(t, bytes.Equal(prover.sharedSecret, device.sharedSecret), "shared secrets differ")
	assert.NoError(t, prover.verify(device.confirmation()))
	assert.NoError(t, device.verify(prover.confirmation()))

	prover.clear()
	assert.Equal(t, make([]byte, sharedSecretSize), prover.sharedSecret)
}

func TestSPAKE2PlusWrongCode(t *testing.T) {
	verifier, err := NewPASEVerifier([]byte("99999999999"))
	require.NoError(t, err)

	prover, err := newSpakeProver(pairingCode)
	require.NoError(t, err)
	device, err := newSpakeVerifier(verifier)
	require.NoError(t, err)

	require.NoError(t, device.processShare(prover.pA))
	require.NoError(t, prover.processShare(device.pB))

	assert.ErrorIs(t, prover.verify(device.confirmation()), ErrConfirmationFailed)
	assert.ErrorIs(t, device.verify(prover.confirmation()), ErrConfirmationFailed)
}

func TestSPAKE2PlusInvalidInput(t *testing.T) {
	_, err := newSpakeProver(nil)
	assert.ErrorIs(t, err, ErrInvalidCredential)
	_, err = NewPASEVerifier(nil)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	prover, err := newSpakeProver(pairingCode)
	require.NoError(t, err)
	assert.ErrorIs(t, prover.processShare([]byte{0x04, 0x01}), ErrInvalidPublicValue)
}

// pair is a connected manager/device pair of message layers.
type pair struct {
	manager, device *exchange.Layer
	conn            devmgr.Connection
}

func newPair(t *testing.T) *pair {
	t.Helper()

	manager, err := exchange.New(exchange.Config{NodeID: managerNode})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	device, err := exchange.New(exchange.Config{NodeID: deviceNode, ListenAddress: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { device.Close() })

	require.NoError(t, device.StartListening(func(devmgr.Connection) {}))
	addr := netip.MustParseAddrPort(device.ListenAddr().String())

	conn, err := manager.NewConnection()
	require.NoError(t, err)
	done := make(chan error, 1)
	conn.SetHandlers(devmgr.ConnectionHandlers{
		OnConnectComplete: func(_ devmgr.Connection, err error) { done <- err },
	})
	require.NoError(t, conn.Connect(devmgr.PeerAddress{NodeID: deviceNode, Addr: addr.Addr(), Port: addr.Port()}, devmgr.AuthPASE))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect timed out")
	}
	return &pair{manager: manager, device: device, conn: conn}
}

type outcome struct {
	keyID  uint16
	err    error
	status *wire.StatusReport
}

func handlers(ch chan<- outcome) devmgr.SessionHandlers {
	return devmgr.SessionHandlers{
		OnEstablished: func(keyID uint16, _ wire.EncryptionType) { ch <- outcome{keyID: keyID} },
		OnFailed:      func(err error, status *wire.StatusReport) { ch <- outcome{err: err, status: status} },
	}
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
	}
	return outcome{}
}

// echoOverSession checks that the installed keys work in both directions.
func echoOverSession(t *testing.T, p *pair, keyID uint16) {
	t.Helper()
	p.device.UnregisterUnsolicitedHandler(wire.ProfileEcho, wire.MsgEchoRequest)
	require.NoError(t, p.device.RegisterUnsolicitedHandler(wire.ProfileEcho, wire.MsgEchoRequest, func(ex devmgr.Exchange, msg *devmgr.Message) {
		ex.SendMessage(wire.ProfileEcho, wire.MsgEchoResponse, msg.Payload, devmgr.SendOptions{})
	}))

	ex, err := p.manager.NewExchange(devmgr.ExchangeTarget{Conn: p.conn, KeyID: keyID, Encryption: wire.EncryptionChaCha20Poly1305})
	require.NoError(t, err)
	reply := make(chan *devmgr.Message, 1)
	ex.SetHandlers(devmgr.ExchangeHandlers{OnMessage: func(_ devmgr.Exchange, m *devmgr.Message) { reply <- m }})
	require.NoError(t, ex.SendMessage(wire.ProfileEcho, wire.MsgEchoRequest, []byte("ping"), devmgr.SendOptions{ExpectResponse: true}))

	select {
	case m := <-reply:
		assert.Equal(t, []byte("ping"), m.Payload)
		assert.Equal(t, wire.EncryptionChaCha20Poly1305, m.Encryption)
	case <-time.After(2 * time.Second):
		t.Fatal("no encrypted echo reply")
	}
}

func TestPASESession(t *testing.T) {
	p := newPair(t)

	verifier, err := NewPASEVerifier(pairingCode)
	require.NoError(t, err)
	established := make(chan uint16, 1)
	responder := NewResponder(ResponderConfig{
		Layer:         p.device,
		Keys:          p.device,
		Verifier:      verifier,
		OnEstablished: func(_ devmgr.Connection, keyID uint16) { established <- keyID },
	})
	require.NoError(t, responder.Register())

	m := NewManager(Config{Layer: p.manager, Keys: p.manager})
	results := make(chan outcome, 1)
	require.NoError(t, m.StartPASESession(p.conn, pairingCode, handlers(results)))

	o := wait(t, results)
	require.NoError(t, o.err)
	assert.NotEqual(t, wire.KeyIDNone, o.keyID)
	assert.Equal(t, o.keyID, <-established)

	echoOverSession(t, p, o.keyID)
}

func TestPASEWrongPairingCode(t *testing.T) {
	p := newPair(t)

	verifier, err := NewPASEVerifier([]byte("00000000000"))
	require.NoError(t, err)
	require.NoError(t, NewResponder(ResponderConfig{Layer: p.device, Keys: p.device, Verifier: verifier}).Register())

	m := NewManager(Config{Layer: p.manager, Keys: p.manager})
	results := make(chan outcome, 1)
	require.NoError(t, m.StartPASESession(p.conn, pairingCode, handlers(results)))

	o := wait(t, results)
	assert.ErrorIs(t, o.err, ErrConfirmationFailed)
}

func TestPASEBusy(t *testing.T) {
	p := newPair(t)

	verifier, err := NewPASEVerifier(pairingCode)
	require.NoError(t, err)
	require.NoError(t, NewResponder(ResponderConfig{
		Layer:    p.device,
		Keys:     p.device,
		Verifier: verifier,
		Busy:     func() bool { return true },
	}).Register())

	m := NewManager(Config{Layer: p.manager, Keys: p.manager})
	results := make(chan outcome, 1)
	require.NoError(t, m.StartPASESession(p.conn, pairingCode, handlers(results)))

	o := wait(t, results)
	assert.ErrorIs(t, o.err, ErrPeerRejected)
	require.NotNil(t, o.status)
	assert.True(t, o.status.IsBusy())
}

func TestStartSessionTwice(t *testing.T) {
	p := newPair(t)
	m := NewManager(Config{Layer: p.manager, Keys: p.manager})

	results := make(chan outcome, 2)
	require.NoError(t, m.StartPASESession(p.conn, pairingCode, handlers(results)))
	assert.ErrorIs(t, m.StartPASESession(p.conn, pairingCode, handlers(results)), ErrSessionInProgress)

	m.Cancel(p.conn)
	select {
	case o := <-results:
		t.Fatalf("cancelled session reported %+v", o)
	case <-time.After(200 * time.Millisecond):
	}
	assert.ErrorIs(t, m.StartPASESession(p.conn, nil, handlers(results)), ErrInvalidCredential)
}

// testAuth is a minimal certificate session delegate.
type testAuth struct {
	chain    [][]byte
	key      *ecdsa.PrivateKey
	trust    *cert.TrustStore
	expected uint64

	released bool
}

func (a *testAuth) LocalCertificateChain() ([][]byte, error) { return a.chain, nil }

func (a *testAuth) SignHash(hash []byte) ([]byte, error) {
	if a.key == nil {
		return nil, errors.New("key released")
	}
	return ecdsa.SignASN1(rand.Reader, a.key, hash)
}

func (a *testAuth) ReleasePrivateKey() { a.released = true }

func (a *testAuth) BeginValidation(peerChain [][]byte) (*cert.ValidationContext, error) {
	_, intermediates, err := cert.ParseChain(peerChain)
	if err != nil {
		return nil, err
	}
	return a.trust.ValidationContext(intermediates), nil
}

func (a *testAuth) ValidatePeer(leaf *x509.Certificate) error {
	return cert.CheckDeviceID(leaf, a.expected)
}

func (a *testAuth) EndValidation() {}

type node struct {
	chain [][]byte
	key   *ecdsa.PrivateKey
}

func issue(t *testing.T, ca *cert.CA, id uint64) node {
	t.Helper()
	kp, err := cert.GenerateKeyPair()
	require.NoError(t, err)
	leaf, err := ca.IssueNodeCert(id, kp.PublicKey)
	require.NoError(t, err)
	return node{chain: [][]byte{leaf.Raw}, key: kp.PrivateKey}
}

func TestCASESession(t *testing.T) {
	root, err := cert.GenerateRootCA("fabric root")
	require.NoError(t, err)
	trust := cert.NewTrustStore(root.Certificate)

	mgr := issue(t, root, managerNode)
	dev := issue(t, root, deviceNode)

	tests := []struct {
		name     string
		expected uint64
		trust    *cert.TrustStore
		wantErr  error
	}{
		{"valid", deviceNode, trust, nil},
		{"wrong device", deviceNode + 1, trust, cert.ErrDeviceIDMismatch},
		{"untrusted", deviceNode, cert.NewTrustStore(), cert.ErrInvalidChain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPair(t)
			require.NoError(t, NewResponder(ResponderConfig{
				Layer: p.device,
				Keys:  p.device,
				Chain: dev.chain,
				Key:   dev.key,
				Trust: trust,
			}).Register())

			auth := &testAuth{chain: mgr.chain, key: mgr.key, trust: tt.trust, expected: tt.expected}
			m := NewManager(Config{Layer: p.manager, Keys: p.manager})
			results := make(chan outcome, 1)
			require.NoError(t, m.StartCASESession(p.conn, auth, handlers(results)))

			o := wait(t, results)
			if tt.wantErr != nil {
				assert.ErrorIs(t, o.err, tt.wantErr)
				return
			}
			require.NoError(t, o.err)
			assert.True(t, auth.released, "private key not released")
			echoOverSession(t, p, o.keyID)
		})
	}
}

func TestCASEUntrustedInitiator(t *testing.T) {
	root, _ := cert.GenerateRootCA("device root")
	other, _ := cert.GenerateRootCA("other root")

	mgr := issue(t, other, managerNode)
	dev := issue(t, root, deviceNode)

	p := newPair(t)
	require.NoError(t, NewResponder(ResponderConfig{
		Layer: p.device,
		Keys:  p.device,
		Chain: dev.chain,
		Key:   dev.key,
		Trust: cert.NewTrustStore(root.Certificate),
	}).Register())

	auth := &testAuth{chain: mgr.chain, key: mgr.key, trust: cert.NewTrustStore(root.Certificate), expected: deviceNode}
	m := NewManager(Config{Layer: p.manager, Keys: p.manager})
	results := make(chan outcome, 1)
	require.NoError(t, m.StartCASESession(p.conn, auth, handlers(results)))

	o := wait(t, results)
	assert.ErrorIs(t, o.err, ErrPeerRejected)
	require.NotNil(t, o.status)
	assert.True(t, o.status.Is(wire.ProfileSecurity, wire.SecurityStatusInvalidCertificate))
}
