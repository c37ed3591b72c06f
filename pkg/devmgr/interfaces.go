package devmgr

import (
	"crypto/x509"
	"net/netip"

	"github.com/mash-protocol/devmgr-go/pkg/ble"
	"github.com/mash-protocol/devmgr-go/pkg/cert"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// AnyNodeID addresses whichever node answers.
const AnyNodeID uint64 = 0xFFFFFFFFFFFFFFFF

// AuthMode is the authentication a connection is opened for.
type AuthMode uint8

const (
	AuthNone AuthMode = iota
	AuthPASE
	AuthCASE
)

// String returns the auth mode name.
func (m AuthMode) String() string {
	switch m {
	case AuthNone:
		return "NONE"
	case AuthPASE:
		return "PASE"
	case AuthCASE:
		return "CASE"
	default:
		return "UNKNOWN"
	}
}

// PeerAddress locates a peer node.
type PeerAddress struct {
	NodeID    uint64
	Addr      netip.Addr
	Port      uint16 // zero selects the default port
	Interface string // zone for link-local addresses
}

// ConnectionHandlers receive connection events. They are called from the
// message layer's goroutines.
type ConnectionHandlers struct {
	// OnConnectComplete reports the outcome of Connect.
	OnConnectComplete func(conn Connection, err error)

	// OnClosed reports that an established connection ended without a
	// local Close or Abort. err is nil for an orderly close by the peer.
	OnClosed func(conn Connection, err error)
}

// Connection is a stream connection to one peer.
type Connection interface {
	// Connect starts connecting. The result is reported through
	// OnConnectComplete.
	Connect(peer PeerAddress, mode AuthMode) error

	SetHandlers(h ConnectionHandlers)

	PeerNodeID() uint64
	SetPeerNodeID(id uint64)
	PeerAddr() netip.Addr

	// SetSourceNodeIDRequired makes every outgoing header carry the
	// local node id. Proxied connections need it because the peer cannot
	// derive the id from the address.
	SetSourceNodeIDRequired(required bool)

	// Close closes the connection gracefully. Handlers are not called.
	Close() error

	// Abort drops the connection immediately. Handlers are not called.
	Abort()
}

// ExchangeTarget selects where an exchange sends. With Conn set the
// exchange runs over that connection. Without it the exchange uses UDP:
// to Addr if valid, else to the multicast group.
type ExchangeTarget struct {
	Conn      Connection
	NodeID    uint64
	Addr      netip.Addr
	Port      uint16
	Interface string

	// KeyID and Encryption bind the exchange to a session key.
	KeyID      uint16
	Encryption wire.EncryptionType

	// LinkLocalOnly restricts multicast to link-local source addresses.
	LinkLocalOnly bool
}

// SendOptions qualify one outgoing message.
type SendOptions struct {
	// ExpectResponse keeps the exchange open for replies. Without it the
	// exchange is closed after the send.
	ExpectResponse bool
}

// Message is a received message.
type Message struct {
	Profile    wire.ProfileID
	Type       wire.MessageType
	Payload    []byte
	SourceNode uint64
	SourceAddr netip.AddrPort
	KeyID      uint16
	Encryption wire.EncryptionType
}

// IsStatusReport reports whether the message is a common status report.
func (m *Message) IsStatusReport() bool {
	return m.Profile == wire.ProfileCommon && m.Type == wire.MsgStatusReport
}

// ExchangeHandlers receive exchange events from the message layer's
// goroutines.
type ExchangeHandlers struct {
	OnMessage func(ex Exchange, msg *Message)

	// OnClosed reports that the underlying connection closed while the
	// exchange was open.
	OnClosed func(ex Exchange, err error)
}

// Exchange is one request/response conversation.
type Exchange interface {
	SendMessage(profile wire.ProfileID, msgType wire.MessageType, payload []byte, opts SendOptions) error
	SetHandlers(h ExchangeHandlers)

	// Connection returns the connection the exchange runs over, or nil
	// for UDP exchanges.
	Connection() Connection

	Close()
	Abort()
}

// UnsolicitedHandler receives the first message of a peer-initiated
// exchange.
type UnsolicitedHandler func(ex Exchange, msg *Message)

// MessageLayer creates connections and exchanges.
type MessageLayer interface {
	NewConnection() (Connection, error)
	NewBLEConnection(ep *ble.Endpoint) (Connection, error)
	NewExchange(target ExchangeTarget) (Exchange, error)

	RegisterUnsolicitedHandler(profile wire.ProfileID, msgType wire.MessageType, handler UnsolicitedHandler) error
	UnregisterUnsolicitedHandler(profile wire.ProfileID, msgType wire.MessageType)

	// RefreshEndpoints rebinds the UDP endpoint after address changes.
	RefreshEndpoints() error

	// StartListening occupies the layer's single listener slot. onAccept
	// receives each inbound connection. It fails when another listener
	// holds the slot.
	StartListening(onAccept func(conn Connection)) error
	StopListening() error
}

// SessionHandlers receive the outcome of a session negotiation from the
// security manager's goroutines.
type SessionHandlers struct {
	OnEstablished func(keyID uint16, enc wire.EncryptionType)

	// OnFailed reports the failure. status is set when the peer rejected
	// the session with a status report.
	OnFailed func(err error, status *wire.StatusReport)
}

// SecurityManager negotiates secure sessions over a connection.
type SecurityManager interface {
	StartPASESession(conn Connection, pairingCode []byte, h SessionHandlers) error
	StartCASESession(conn Connection, auth AuthDelegate, h SessionHandlers) error

	// Cancel abandons any negotiation on conn without calling handlers.
	Cancel(conn Connection)
}

// AuthDelegate supplies the certificate session with local credentials
// and validates the peer. The security manager calls it from its own
// goroutines.
type AuthDelegate interface {
	// LocalCertificateChain returns the local chain, leaf first, DER.
	LocalCertificateChain() ([][]byte, error)

	// SignHash signs hash with the local private key (ASN.1 ECDSA).
	SignHash(hash []byte) ([]byte, error)

	// ReleasePrivateKey drops the parsed private key.
	ReleasePrivateKey()

	// BeginValidation returns what the peer chain is validated against:
	// the trust anchors plus the peer-supplied intermediates.
	BeginValidation(peerChain [][]byte) (*cert.ValidationContext, error)

	// ValidatePeer approves or rejects a chain-validated peer leaf.
	ValidatePeer(leaf *x509.Certificate) error

	EndValidation()
}
