package wire

import (
	"fmt"
)

// KeyIDNone marks a message sent outside any secure session.
const KeyIDNone uint16 = 0

// EncryptionType identifies how a message body is protected.
type EncryptionType uint8

// Encryption types.
const (
	EncryptionNone             EncryptionType = 0
	EncryptionChaCha20Poly1305 EncryptionType = 1
)

// String returns the encryption type name.
func (e EncryptionType) String() string {
	switch e {
	case EncryptionNone:
		return "NONE"
	case EncryptionChaCha20Poly1305:
		return "CHACHA20_POLY1305"
	default:
		return fmt.Sprintf("EncryptionType(%d)", e)
	}
}

// MessageFlags qualify a message header.
type MessageFlags uint8

// Message flags.
const (
	// FlagInitiator is set on messages sent by the exchange initiator.
	FlagInitiator MessageFlags = 1 << iota

	// FlagSourceNodeID is set when the header carries the sender node id.
	FlagSourceNodeID

	// FlagDestNodeID is set when the header carries the destination node id.
	FlagDestNodeID

	// FlagUnsolicited is set on the first message of an exchange.
	FlagUnsolicited
)

// Has reports whether all bits of f2 are set.
func (f MessageFlags) Has(f2 MessageFlags) bool {
	return f&f2 == f2
}

// Envelope is a message as framed on the transport. Body holds the CBOR
// encoding of a Body, sealed when EncryptionType is not EncryptionNone.
//
// CBOR encoding:
//
//	{
//	  1: flags,           // uint8
//	  2: sourceNodeId,    // uint64, present with FlagSourceNodeID
//	  3: destNodeId,      // uint64, present with FlagDestNodeID
//	  4: keyId,           // uint16
//	  5: encryptionType,  // uint8
//	  6: messageId,       // uint32
//	  7: exchangeId,      // uint16
//	  8: body             // bytes
//	}
type Envelope struct {
	Flags          MessageFlags   `cbor:"1,keyasint"`
	SourceNodeID   uint64         `cbor:"2,keyasint,omitempty"`
	DestNodeID     uint64         `cbor:"3,keyasint,omitempty"`
	KeyID          uint16         `cbor:"4,keyasint,omitempty"`
	EncryptionType EncryptionType `cbor:"5,keyasint,omitempty"`
	MessageID      uint32         `cbor:"6,keyasint"`
	ExchangeID     uint16         `cbor:"7,keyasint"`
	Body           []byte         `cbor:"8,keyasint,omitempty"`
}

// Body is the application part of a message.
type Body struct {
	Profile ProfileID   `cbor:"1,keyasint"`
	Type    MessageType `cbor:"2,keyasint"`
	Payload []byte      `cbor:"3,keyasint,omitempty"`
}

// Header returns the envelope with the body removed. Its encoding is the
// associated data for sealed bodies.
func (e *Envelope) Header() Envelope {
	h := *e
	h.Body = nil
	return h
}

// EncodeEnvelope encodes an envelope to CBOR.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return Marshal(e)
}

// DecodeEnvelope decodes an envelope from CBOR.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	return DecodePayload[Envelope](data)
}

// EncodeBody encodes a message body to CBOR.
func EncodeBody(b *Body) ([]byte, error) {
	return Marshal(b)
}

// DecodeBody decodes a message body from CBOR.
func DecodeBody(data []byte) (*Body, error) {
	return DecodePayload[Body](data)
}
