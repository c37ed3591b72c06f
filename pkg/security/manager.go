package security

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// KeyStore installs negotiated session keys into the message layer.
type KeyStore interface {
	AddSessionKey(conn devmgr.Connection, keyID uint16, enc wire.EncryptionType, key []byte) error
	RemoveSessionKey(conn devmgr.Connection, keyID uint16)
}

// Config configures a Manager.
type Config struct {
	Layer devmgr.MessageLayer
	Keys  KeyStore

	// Logger for operational logging. Nil disables it.
	Logger *slog.Logger
}

// Manager negotiates sessions as initiator. It implements
// devmgr.SecurityManager. Handlers run on the message layer's goroutines.
type Manager struct {
	layer  devmgr.MessageLayer
	keys   KeyStore
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[devmgr.Connection]*session
	nextKeyID uint16
}

var _ devmgr.SecurityManager = (*Manager)(nil)

// NewManager creates an initiator-side security manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		layer:     cfg.Layer,
		keys:      cfg.Keys,
		logger:    logger,
		sessions:  make(map[devmgr.Connection]*session),
		nextKeyID: uint16(rand.UintN(0xFFFF)),
	}
}

// StartPASESession negotiates a password session on conn.
func (m *Manager) StartPASESession(conn devmgr.Connection, pairingCode []byte, h devmgr.SessionHandlers) error {
	prover, err := newSpakeProver(pairingCode)
	if err != nil {
		return err
	}
	s, err := m.begin(conn, h)
	if err != nil {
		prover.clear()
		return err
	}
	s.pase = prover

	payload, err := wire.Marshal(&PASERequest{KeyID: s.keyID, PA: prover.pA})
	if err == nil {
		err = s.ex.SendMessage(wire.ProfileSecurity, wire.MsgPASERequest, payload, devmgr.SendOptions{ExpectResponse: true})
	}
	if err != nil {
		m.abandon(s)
		return fmt.Errorf("send PASE request: %w", err)
	}
	m.logger.Debug("PASE session started", "key_id", s.keyID)
	return nil
}

// StartCASESession negotiates a certificate session on conn. auth supplies
// the local credentials and validates the peer.
func (m *Manager) StartCASESession(conn devmgr.Connection, auth devmgr.AuthDelegate, h devmgr.SessionHandlers) error {
	if auth == nil {
		return fmt.Errorf("%w: no auth delegate", ErrInvalidCredential)
	}
	chain, err := auth.LocalCertificateChain()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	eph, err := newEphemeral()
	if err != nil {
		return err
	}

	s, err := m.begin(conn, h)
	if err != nil {
		return err
	}
	s.auth = auth
	s.eph = eph

	payload, err := wire.Marshal(&CASEBeginRequest{
		KeyID:     s.keyID,
		Ephemeral: eph.PublicKey().Bytes(),
		Chain:     chain,
	})
	if err == nil {
		err = s.ex.SendMessage(wire.ProfileSecurity, wire.MsgCASEBeginRequest, payload, devmgr.SendOptions{ExpectResponse: true})
	}
	if err != nil {
		m.abandon(s)
		return fmt.Errorf("send CASE begin: %w", err)
	}
	m.logger.Debug("CASE session started", "key_id", s.keyID)
	return nil
}

// Cancel abandons the negotiation on conn. Its handlers are not called.
func (m *Manager) Cancel(conn devmgr.Connection) {
	m.mu.Lock()
	s := m.sessions[conn]
	m.mu.Unlock()
	if s != nil {
		m.abandon(s)
	}
}

func (m *Manager) begin(conn devmgr.Connection, h devmgr.SessionHandlers) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.sessions[conn]; busy {
		return nil, ErrSessionInProgress
	}
	m.nextKeyID++
	if m.nextKeyID == wire.KeyIDNone {
		m.nextKeyID++
	}

	ex, err := m.layer.NewExchange(devmgr.ExchangeTarget{Conn: conn, NodeID: conn.PeerNodeID()})
	if err != nil {
		return nil, err
	}
	s := &session{
		m:        m,
		conn:     conn,
		ex:       ex,
		keyID:    m.nextKeyID,
		handlers: h,
	}
	ex.SetHandlers(devmgr.ExchangeHandlers{
		OnMessage: s.onMessage,
		OnClosed: func(devmgr.Exchange, error) {
			s.fail(ErrConnectionClosed, nil)
		},
	})
	m.sessions[conn] = s
	return s, nil
}

// end removes s and reports whether the caller won the right to report
// its outcome.
func (m *Manager) end(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.conn] != s {
		return false
	}
	delete(m.sessions, s.conn)
	return true
}

func (m *Manager) abandon(s *session) {
	if m.end(s) {
		s.release()
	}
}
