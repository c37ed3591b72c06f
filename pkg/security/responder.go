package security

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mash-protocol/devmgr-go/pkg/cert"
	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// ResponderConfig configures the device side of session negotiation.
type ResponderConfig struct {
	Layer devmgr.MessageLayer
	Keys  KeyStore

	// Verifier enables PASE. It is derived from the device pairing code.
	Verifier *PASEVerifier

	// Chain (leaf first, DER) and Key enable CASE. Trust validates the
	// initiator chain.
	Chain [][]byte
	Key   *ecdsa.PrivateKey
	Trust *cert.TrustStore

	// Busy, if set, is consulted for every session request. Returning true
	// rejects the request with a busy status.
	Busy func() bool

	// OnEstablished is called after a session key has been installed.
	OnEstablished func(conn devmgr.Connection, keyID uint16)

	// Logger for operational logging. Nil disables it.
	Logger *slog.Logger
}

// Responder answers PASE and CASE requests on behalf of a device.
type Responder struct {
	config ResponderConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending map[devmgr.Connection]*responderSession
}

type responderSession struct {
	keyID uint16

	spake *spakeVerifier
	key   []byte

	peerChain  [][]byte
	transcript []byte
}

// NewResponder creates a responder. Call Register to start answering.
func NewResponder(config ResponderConfig) *Responder {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Responder{
		config:  config,
		logger:  logger,
		pending: make(map[devmgr.Connection]*responderSession),
	}
}

// SetVerifier replaces the PASE verifier, for example when the device
// takes on a new pairing code.
func (r *Responder) SetVerifier(v *PASEVerifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.Verifier = v
}

// Register installs the unsolicited handlers for session requests.
func (r *Responder) Register() error {
	l := r.config.Layer
	err := errors.Join(
		l.RegisterUnsolicitedHandler(wire.ProfileSecurity, wire.MsgPASERequest, r.onPASERequest),
		l.RegisterUnsolicitedHandler(wire.ProfileSecurity, wire.MsgCASEBeginRequest, r.onCASEBegin),
	)
	if err != nil {
		r.Unregister()
	}
	return err
}

// Unregister removes the handlers.
func (r *Responder) Unregister() {
	r.config.Layer.UnregisterUnsolicitedHandler(wire.ProfileSecurity, wire.MsgPASERequest)
	r.config.Layer.UnregisterUnsolicitedHandler(wire.ProfileSecurity, wire.MsgCASEBeginRequest)
}

// start claims the negotiation slot of conn.
func (r *Responder) start(conn devmgr.Connection, s *responderSession) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.config.Busy != nil && r.config.Busy() {
		return wire.SecurityStatusBusy
	}
	for c := range r.pending {
		if c != conn {
			return wire.SecurityStatusBusy
		}
	}
	r.pending[conn] = s
	return wire.StatusSuccess
}

func (r *Responder) finish(conn devmgr.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, conn)
}

func (r *Responder) reject(ex devmgr.Exchange, code uint16, err error) {
	if conn := ex.Connection(); conn != nil {
		r.finish(conn)
	}
	r.logger.Debug("session request rejected", "code", code, "error", err)
	ex.SendMessage(wire.ProfileCommon, wire.MsgStatusReport, statusReport(code), devmgr.SendOptions{})
}

func (r *Responder) onPASERequest(ex devmgr.Exchange, msg *devmgr.Message) {
	conn := ex.Connection()
	req, err := wire.DecodePayload[PASERequest](msg.Payload)
	if err != nil || req.KeyID == wire.KeyIDNone || conn == nil {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, err)
		return
	}

	r.mu.Lock()
	verifier := r.config.Verifier
	r.mu.Unlock()
	if verifier == nil {
		r.reject(ex, wire.SecurityStatusUnsupportedMode, ErrUnsupportedAuthMode)
		return
	}

	spake, err := newSpakeVerifier(verifier)
	if err == nil {
		err = spake.processShare(req.PA)
	}
	if err != nil {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, err)
		return
	}

	s := &responderSession{keyID: req.KeyID, spake: spake}
	if code := r.start(conn, s); code != wire.StatusSuccess {
		spake.clear()
		ex.SendMessage(wire.ProfileCommon, wire.MsgStatusReport, statusReport(code), devmgr.SendOptions{})
		return
	}

	ex.SetHandlers(devmgr.ExchangeHandlers{
		OnMessage: func(ex devmgr.Exchange, msg *devmgr.Message) {
			r.onPASEConfirm(ex, s, msg)
		},
		OnClosed: func(devmgr.Exchange, error) {
			spake.clear()
			r.finish(conn)
		},
	})

	resp, err := wire.Marshal(&PASEResponse{PB: spake.pB, Confirm: spake.confirmation()})
	if err == nil {
		err = ex.SendMessage(wire.ProfileSecurity, wire.MsgPASEResponse, resp, devmgr.SendOptions{ExpectResponse: true})
	}
	if err != nil {
		spake.clear()
		r.finish(conn)
		ex.Close()
	}
}

func (r *Responder) onPASEConfirm(ex devmgr.Exchange, s *responderSession, msg *devmgr.Message) {
	defer s.spake.clear()

	if msg.Profile != wire.ProfileSecurity || msg.Type != wire.MsgPASEConfirm {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, ErrUnexpectedMessage)
		return
	}
	confirm, err := wire.DecodePayload[PASEConfirm](msg.Payload)
	if err == nil {
		err = s.spake.verify(confirm.Confirm)
	}
	if err != nil {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, err)
		return
	}

	key, err := sessionKey(s.spake.sharedSecret, s.keyID, "devmgr PASE session key")
	if err != nil {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, err)
		return
	}
	if !r.install(ex, s.keyID, key) {
		return
	}
	ex.SendMessage(wire.ProfileSecurity, wire.MsgPASEComplete, nil, devmgr.SendOptions{})
	r.established(ex.Connection(), s.keyID)
}

func (r *Responder) onCASEBegin(ex devmgr.Exchange, msg *devmgr.Message) {
	conn := ex.Connection()
	req, err := wire.DecodePayload[CASEBeginRequest](msg.Payload)
	if err != nil || req.KeyID == wire.KeyIDNone || conn == nil {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, err)
		return
	}
	if r.config.Key == nil || len(r.config.Chain) == 0 || r.config.Trust == nil {
		r.reject(ex, wire.SecurityStatusUnsupportedMode, ErrUnsupportedAuthMode)
		return
	}

	peerEph, err := ecdh.P256().NewPublicKey(req.Ephemeral)
	if err != nil {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, err)
		return
	}
	eph, err := newEphemeral()
	if err != nil {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, err)
		return
	}
	shared, err := eph.ECDH(peerEph)
	if err != nil {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, err)
		return
	}
	key, err := sessionKey(shared, req.KeyID, "devmgr CASE session key")
	clear(shared)
	if err != nil {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, err)
		return
	}

	own := eph.PublicKey().Bytes()
	sig, err := ecdsa.SignASN1(rand.Reader, r.config.Key, caseTranscript(req.KeyID, own, req.Ephemeral))
	if err != nil {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, err)
		return
	}

	s := &responderSession{
		keyID:      req.KeyID,
		key:        key,
		peerChain:  req.Chain,
		transcript: caseTranscript(req.KeyID, req.Ephemeral, own),
	}
	if code := r.start(conn, s); code != wire.StatusSuccess {
		clear(key)
		ex.SendMessage(wire.ProfileCommon, wire.MsgStatusReport, statusReport(code), devmgr.SendOptions{})
		return
	}

	ex.SetHandlers(devmgr.ExchangeHandlers{
		OnMessage: func(ex devmgr.Exchange, msg *devmgr.Message) {
			r.onCASEFinish(ex, s, msg)
		},
		OnClosed: func(devmgr.Exchange, error) {
			clear(key)
			r.finish(conn)
		},
	})

	resp, err := wire.Marshal(&CASEBeginResponse{Ephemeral: own, Chain: r.config.Chain, Signature: sig})
	if err == nil {
		err = ex.SendMessage(wire.ProfileSecurity, wire.MsgCASEBeginResponse, resp, devmgr.SendOptions{ExpectResponse: true})
	}
	if err != nil {
		clear(key)
		r.finish(conn)
		ex.Close()
	}
}

func (r *Responder) onCASEFinish(ex devmgr.Exchange, s *responderSession, msg *devmgr.Message) {
	defer clear(s.key)

	if msg.Profile != wire.ProfileSecurity || msg.Type != wire.MsgCASEInitiatorFinish {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, ErrUnexpectedMessage)
		return
	}
	finish, err := wire.DecodePayload[CASEInitiatorFinish](msg.Payload)
	if err != nil {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, err)
		return
	}

	leaf, err := r.verifyInitiator(s.peerChain)
	if err != nil {
		r.reject(ex, wire.SecurityStatusInvalidCertificate, err)
		return
	}
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok || !ecdsa.VerifyASN1(pub, s.transcript, finish.Signature) {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, ErrInvalidSignature)
		return
	}

	if !r.install(ex, s.keyID, s.key) {
		return
	}
	ex.SendMessage(wire.ProfileCommon, wire.MsgStatusReport, wire.SuccessReport().Encode(), devmgr.SendOptions{})
	r.established(ex.Connection(), s.keyID)
}

func (r *Responder) verifyInitiator(chain [][]byte) (*x509.Certificate, error) {
	leaf, intermediates, err := cert.ParseChain(chain)
	if err != nil {
		return nil, err
	}
	if err := r.config.Trust.ValidationContext(intermediates).Verify(leaf); err != nil {
		return nil, err
	}
	return leaf, nil
}

func (r *Responder) install(ex devmgr.Exchange, keyID uint16, key []byte) bool {
	if err := r.config.Keys.AddSessionKey(ex.Connection(), keyID, wire.EncryptionChaCha20Poly1305, key); err != nil {
		r.reject(ex, wire.SecurityStatusAuthenticationFailed, fmt.Errorf("install key: %w", err))
		return false
	}
	return true
}

func (r *Responder) established(conn devmgr.Connection, keyID uint16) {
	r.finish(conn)
	r.logger.Debug("session established", "key_id", keyID, "node", conn.PeerNodeID())
	if r.config.OnEstablished != nil {
		r.config.OnEstablished(conn, keyID)
	}
}
