package devmgr

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/mash-protocol/devmgr-go/pkg/cert"
	"github.com/mash-protocol/devmgr-go/pkg/log"
	"github.com/mash-protocol/devmgr-go/pkg/secret"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

var errNoTrustStore = errors.New("no trust store configured")

// authMode is the session the current credential negotiates.
func (m *Manager) authMode() AuthMode {
	switch m.credential.Kind() {
	case secret.KindPairingCode:
		return AuthPASE
	case secret.KindAccessToken:
		return AuthCASE
	default:
		return AuthNone
	}
}

// startSession negotiates a session on the open connection according to
// the credential kind.
func (m *Manager) startSession() {
	m.setConnState(ConnNegotiatingSession)

	var err error
	switch m.credential.Kind() {
	case secret.KindNone:
		m.sessionEstablished(wire.KeyIDNone, wire.EncryptionNone)
		return
	case secret.KindPairingCode:
		err = m.security.StartPASESession(m.conn, m.credential.Bytes(), m.sessionHandlers(m.conn))
	case secret.KindAccessToken:
		var auth *authDelegate
		auth, err = newAuthDelegate(m.credential.Bytes(), m.deviceID, m.config.TrustStore)
		if err == nil {
			err = m.security.StartCASESession(m.conn, auth, m.sessionHandlers(m.conn))
		}
	}
	if err != nil {
		m.sessionFailed(err, nil)
	}
}

func (m *Manager) sessionHandlers(conn Connection) SessionHandlers {
	current := func() bool {
		return conn == m.conn && m.connState == ConnNegotiatingSession
	}
	return SessionHandlers{
		OnEstablished: func(keyID uint16, enc wire.EncryptionType) {
			m.lock()
			defer m.unlock()
			if current() {
				m.sessionEstablished(keyID, enc)
			}
		},
		OnFailed: func(err error, status *wire.StatusReport) {
			m.lock()
			defer m.unlock()
			if current() {
				m.sessionFailed(err, status)
			}
		},
	}
}

func (m *Manager) sessionEstablished(keyID uint16, enc wire.EncryptionType) {
	m.keyID, m.encryption = keyID, enc
	m.sessionTimer.stop()
	if m.busyRetry != nil {
		m.busyRetry.Reset()
	}
	mode := m.authMode()
	m.lastAuth = mode
	m.metrics.SessionEstablished(mode)
	m.logger.Debug("session established", "mode", mode, "key_id", keyID)
	m.logStateChange(log.StateEntitySession, "", "ESTABLISHED", mode.String())

	if m.rpr != nil && m.rpr.joining(m.opState) {
		m.rendezvousJoined()
	}
	if m.monitor.enabled() {
		m.reenableMonitor()
		return
	}
	m.connected()
}

// sessionFailed retries a busy device and otherwise fails the connect
// sequence. A peer status becomes a StatusError.
func (m *Manager) sessionFailed(err error, status *wire.StatusReport) {
	mode := m.authMode()
	busy := status.IsBusy()
	m.metrics.SessionFailed(mode, busy)

	if busy && m.busyRetry != nil {
		if delay, ok := m.busyRetry.Next(); ok {
			m.logger.Debug("device busy, retrying session", "delay", delay, "attempt", m.busyRetry.Attempts())
			m.arm(&m.sessionTimer, delay, func() {
				if m.conn != nil && m.connState == ConnNegotiatingSession {
					m.startSession()
				}
			})
			return
		}
	}

	m.logger.Debug("session failed", "mode", mode, "error", err, "status", status)
	m.logStateChange(log.StateEntitySession, "", "FAILED", err.Error())
	if status != nil && !status.IsSuccess() {
		err = newStatusError(status)
	}
	m.connectFailed(err)
}

// authDelegate gives the certificate session the access token's
// credentials and checks that the peer is the targeted device. It holds
// copies of what it needs, so the security manager may call it without
// the manager's lock.
type authDelegate struct {
	target uint64
	trust  *cert.TrustStore

	mu    sync.Mutex
	token *cert.AccessToken
	key   *ecdsa.PrivateKey
}

var _ AuthDelegate = (*authDelegate)(nil)

func newAuthDelegate(token []byte, target uint64, trust *cert.TrustStore) (*authDelegate, error) {
	if trust == nil {
		return nil, errNoTrustStore
	}
	t, err := cert.DecodeAccessToken(token)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	return &authDelegate{target: target, trust: trust, token: t}, nil
}

func (a *authDelegate) LocalCertificateChain() ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token.Chain, nil
}

func (a *authDelegate) SignHash(hash []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.key == nil {
		if len(a.token.Key) == 0 {
			return nil, fmt.Errorf("%w: private key released", cert.ErrInvalidKey)
		}
		key, err := a.token.PrivateKey()
		if err != nil {
			return nil, err
		}
		a.key = key
	}
	return ecdsa.SignASN1(rand.Reader, a.key, hash)
}

// ReleasePrivateKey drops the parsed key and wipes the token's copy.
func (a *authDelegate) ReleasePrivateKey() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.key = nil
	a.token.Clear()
}

func (a *authDelegate) BeginValidation(peerChain [][]byte) (*cert.ValidationContext, error) {
	_, intermediates, err := cert.ParseChain(peerChain)
	if err != nil {
		return nil, err
	}
	return a.trust.ValidationContext(intermediates), nil
}

// ValidatePeer requires the peer's device id to be the target device id.
// A rendezvous target accepts any device.
func (a *authDelegate) ValidatePeer(leaf *x509.Certificate) error {
	if a.target == AnyNodeID {
		return nil
	}
	return cert.CheckDeviceID(leaf, a.target)
}

func (a *authDelegate) EndValidation() {}
