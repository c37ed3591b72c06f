package security

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// Security errors.
var (
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrInvalidPublicValue  = errors.New("invalid public value")
	ErrConfirmationFailed  = errors.New("key confirmation failed")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrUnexpectedMessage   = errors.New("unexpected security message")
	ErrSessionInProgress   = errors.New("session negotiation already in progress")
	ErrPeerRejected        = errors.New("peer rejected session")
	ErrConnectionClosed    = errors.New("connection closed during session negotiation")
	ErrUnsupportedAuthMode = errors.New("authentication mode not supported")
)

// PASERequest opens a password session. The initiator proposes the key id
// under which both sides install the session key.
type PASERequest struct {
	KeyID uint16 `cbor:"1,keyasint"`
	PA    []byte `cbor:"2,keyasint"`
}

// PASEResponse carries the device share and its key confirmation.
type PASEResponse struct {
	PB      []byte `cbor:"1,keyasint"`
	Confirm []byte `cbor:"2,keyasint"`
}

// PASEConfirm carries the initiator key confirmation.
type PASEConfirm struct {
	Confirm []byte `cbor:"1,keyasint"`
}

// CASEBeginRequest opens a certificate session.
type CASEBeginRequest struct {
	KeyID     uint16   `cbor:"1,keyasint"`
	Ephemeral []byte   `cbor:"2,keyasint"`
	Chain     [][]byte `cbor:"3,keyasint"`
}

// CASEBeginResponse proves the responder identity.
type CASEBeginResponse struct {
	Ephemeral []byte   `cbor:"1,keyasint"`
	Chain     [][]byte `cbor:"2,keyasint"`
	Signature []byte   `cbor:"3,keyasint"`
}

// CASEInitiatorFinish proves the initiator identity.
type CASEInitiatorFinish struct {
	Signature []byte `cbor:"1,keyasint"`
}

// caseTranscript is the hash a CASE party signs. The signer's own
// ephemeral key comes first so the two signatures differ.
func caseTranscript(keyID uint16, own, peer []byte) []byte {
	h := sha256.New()
	var id [2]byte
	binary.BigEndian.PutUint16(id[:], keyID)
	h.Write([]byte("devmgr CASE"))
	h.Write(id[:])
	h.Write(own)
	h.Write(peer)
	return h.Sum(nil)
}

// sessionKey expands negotiated secret material into a message key bound
// to the key id.
func sessionKey(secret []byte, keyID uint16, label string) ([]byte, error) {
	var salt [2]byte
	binary.BigEndian.PutUint16(salt[:], keyID)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt[:], []byte(label)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func statusReport(code uint16) []byte {
	return (&wire.StatusReport{Profile: wire.ProfileSecurity, Code: code}).Encode()
}
