package security

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/mash-protocol/devmgr-go/pkg/cert"
	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// session is one initiator negotiation.
type session struct {
	m        *Manager
	conn     devmgr.Connection
	ex       devmgr.Exchange
	keyID    uint16
	handlers devmgr.SessionHandlers

	mu   sync.Mutex
	pase *spakeProver
	auth devmgr.AuthDelegate
	eph  *ecdh.PrivateKey
	key  []byte // derived, installed on success
}

func newEphemeral() (*ecdh.PrivateKey, error) {
	eph, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	return eph, nil
}

func (s *session) onMessage(_ devmgr.Exchange, msg *devmgr.Message) {
	if msg.IsStatusReport() {
		s.onStatus(msg.Payload)
		return
	}
	if msg.Profile != wire.ProfileSecurity {
		s.fail(fmt.Errorf("%w: %s/%d", ErrUnexpectedMessage, msg.Profile, msg.Type), nil)
		return
	}

	var err error
	switch msg.Type {
	case wire.MsgPASEResponse:
		err = s.onPASEResponse(msg.Payload)
	case wire.MsgPASEComplete:
		err = s.onComplete(wire.MsgPASEComplete)
	case wire.MsgCASEBeginResponse:
		err = s.onCASEBeginResponse(msg.Payload)
	default:
		err = fmt.Errorf("%w: type %d", ErrUnexpectedMessage, msg.Type)
	}
	if err != nil {
		s.fail(err, nil)
	}
}

func (s *session) onStatus(payload []byte) {
	status, err := wire.DecodeStatusReport(payload)
	if err != nil {
		s.fail(err, nil)
		return
	}
	if status.IsSuccess() {
		// CASE completes with a plain success report.
		if err := s.onComplete(wire.MsgStatusReport); err != nil {
			s.fail(err, nil)
		}
		return
	}
	s.fail(fmt.Errorf("%w: %s", ErrPeerRejected, status), status)
}

func (s *session) onPASEResponse(payload []byte) error {
	resp, err := wire.DecodePayload[PASEResponse](payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prover := s.pase
	s.mu.Unlock()
	if prover == nil {
		return fmt.Errorf("%w: PASE response outside PASE", ErrUnexpectedMessage)
	}

	if err := prover.processShare(resp.PB); err != nil {
		return err
	}
	if err := prover.verify(resp.Confirm); err != nil {
		return err
	}
	key, err := sessionKey(prover.sharedSecret, s.keyID, "devmgr PASE session key")
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.key = key
	s.mu.Unlock()

	confirm, err := wire.Marshal(&PASEConfirm{Confirm: prover.confirmation()})
	if err != nil {
		return err
	}
	return s.ex.SendMessage(wire.ProfileSecurity, wire.MsgPASEConfirm, confirm, devmgr.SendOptions{ExpectResponse: true})
}

func (s *session) onCASEBeginResponse(payload []byte) error {
	resp, err := wire.DecodePayload[CASEBeginResponse](payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	auth, eph := s.auth, s.eph
	s.mu.Unlock()
	if auth == nil || eph == nil {
		return fmt.Errorf("%w: CASE response outside CASE", ErrUnexpectedMessage)
	}

	leaf, err := validatePeer(auth, resp.Chain)
	if err != nil {
		return err
	}
	peerKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: peer key is not ECDSA", cert.ErrInvalidCert)
	}
	own := eph.PublicKey().Bytes()
	if !ecdsa.VerifyASN1(peerKey, caseTranscript(s.keyID, resp.Ephemeral, own), resp.Signature) {
		return ErrInvalidSignature
	}

	peerEph, err := ecdh.P256().NewPublicKey(resp.Ephemeral)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicValue, err)
	}
	shared, err := eph.ECDH(peerEph)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicValue, err)
	}
	key, err := sessionKey(shared, s.keyID, "devmgr CASE session key")
	clear(shared)
	if err != nil {
		return err
	}

	sig, err := auth.SignHash(caseTranscript(s.keyID, own, resp.Ephemeral))
	auth.ReleasePrivateKey()
	if err != nil {
		return fmt.Errorf("sign transcript: %w", err)
	}

	s.mu.Lock()
	s.key = key
	s.mu.Unlock()

	finish, err := wire.Marshal(&CASEInitiatorFinish{Signature: sig})
	if err != nil {
		return err
	}
	return s.ex.SendMessage(wire.ProfileSecurity, wire.MsgCASEInitiatorFinish, finish, devmgr.SendOptions{ExpectResponse: true})
}

// validatePeer checks chain against what auth provides and lets auth
// approve the leaf.
func validatePeer(auth devmgr.AuthDelegate, chain [][]byte) (*x509.Certificate, error) {
	vc, err := auth.BeginValidation(chain)
	if err != nil {
		return nil, err
	}
	defer auth.EndValidation()

	leaf, _, err := cert.ParseChain(chain)
	if err != nil {
		return nil, err
	}
	if err := vc.Verify(leaf); err != nil {
		return nil, err
	}
	if err := auth.ValidatePeer(leaf); err != nil {
		return nil, err
	}
	return leaf, nil
}

func (s *session) onComplete(via wire.MessageType) error {
	s.mu.Lock()
	key := s.key
	s.mu.Unlock()
	if key == nil {
		return fmt.Errorf("%w: completion before key agreement (type %d)", ErrUnexpectedMessage, via)
	}

	if !s.m.end(s) {
		return nil
	}
	err := s.m.keys.AddSessionKey(s.conn, s.keyID, wire.EncryptionChaCha20Poly1305, key)
	s.release()
	if err != nil {
		if s.handlers.OnFailed != nil {
			s.handlers.OnFailed(err, nil)
		}
		return nil
	}

	s.m.logger.Debug("session established", "key_id", s.keyID)
	if s.handlers.OnEstablished != nil {
		s.handlers.OnEstablished(s.keyID, wire.EncryptionChaCha20Poly1305)
	}
	return nil
}

func (s *session) fail(err error, status *wire.StatusReport) {
	if !s.m.end(s) {
		return
	}
	s.release()
	s.m.logger.Debug("session failed", "key_id", s.keyID, "error", err)
	if s.handlers.OnFailed != nil {
		s.handlers.OnFailed(err, status)
	}
}

// release closes the exchange and wipes secrets.
func (s *session) release() {
	s.ex.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pase != nil {
		s.pase.clear()
		s.pase = nil
	}
	if s.auth != nil {
		s.auth.ReleasePrivateKey()
		s.auth = nil
	}
	clear(s.key)
	s.key = nil
	s.eph = nil
}
