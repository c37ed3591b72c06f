package log

import (
	"time"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// Event is a protocol trace record captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the connection (UUID). Empty for events
	// that precede a connection, such as multicast Identify requests.
	ConnectionID string `cbor:"2,keyasint,omitempty"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`
	LocalRole Role      `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// DeviceID is the peer node id in hex.
	DeviceID string `cbor:"8,keyasint,omitempty"`

	// Operation is the device manager operation outstanding when the event
	// was captured.
	Operation string `cbor:"9,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Transport layer
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // Exchange layer
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Connection/session/operation state
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"` // Keep-alive/close
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerExchange is the message exchange layer (decoded envelopes).
	LayerExchange Layer = 1
	// LayerManager is the device manager state machine.
	LayerManager Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerExchange:
		return "EXCHANGE"
	case LayerManager:
		return "MANAGER"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryControl Category = 1
	CategoryState   Category = 2
	CategoryError   Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role indicates whether the local endpoint is a device or the manager.
type Role uint8

const (
	// RoleManager indicates the device manager side.
	RoleManager Role = 0
	// RoleDevice indicates the device side.
	RoleDevice Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleManager:
		return "MANAGER"
	case RoleDevice:
		return "DEVICE"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MaxFrameData is the number of frame bytes kept in a FrameEvent.
const MaxFrameData = 256

// NewFrameEvent captures a frame, truncating the copied data to
// MaxFrameData bytes.
func NewFrameEvent(frame []byte, size int) *FrameEvent {
	fe := &FrameEvent{Size: size}
	if len(frame) > MaxFrameData {
		fe.Data = append([]byte(nil), frame[:MaxFrameData]...)
		fe.Truncated = true
	} else {
		fe.Data = append([]byte(nil), frame...)
	}
	return fe
}

// MessageEvent captures a decoded message at the exchange layer.
type MessageEvent struct {
	Profile    wire.ProfileID   `cbor:"1,keyasint"`
	Type       wire.MessageType `cbor:"2,keyasint"`
	MessageID  uint32           `cbor:"3,keyasint"`
	ExchangeID uint16           `cbor:"4,keyasint"`

	// KeyID is the session key the message was protected with.
	KeyID uint16 `cbor:"5,keyasint,omitempty"`

	// Unsolicited is set on the first message of an exchange.
	Unsolicited bool `cbor:"6,keyasint,omitempty"`

	// PayloadSize is the plaintext payload size in bytes.
	PayloadSize int `cbor:"7,keyasint"`

	// For status reports: the reported profile and code.
	StatusProfile *wire.ProfileID `cbor:"8,keyasint,omitempty"`
	StatusCode    *uint16         `cbor:"9,keyasint,omitempty"`

	// RoundTrip is the time from request send to response receipt
	// (response only). Stored as nanoseconds.
	RoundTrip *time.Duration `cbor:"10,keyasint,omitempty"`
}

// StateChangeEvent captures connection, session and operation lifecycle
// events.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = 0
	StateEntitySession    StateEntity = 1
	StateEntityOperation  StateEntity = 2
	StateEntityRendezvous StateEntity = 3
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntitySession:
		return "SESSION"
	case StateEntityOperation:
		return "OPERATION"
	case StateEntityRendezvous:
		return "RENDEZVOUS"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures connection control traffic.
type ControlMsgEvent struct {
	Type ControlMsgType `cbor:"1,keyasint"`
}

// ControlMsgType indicates the type of control message.
type ControlMsgType uint8

const (
	ControlMsgKeepAlive    ControlMsgType = 0
	ControlMsgKeepAliveAck ControlMsgType = 1
	ControlMsgClose        ControlMsgType = 2
	ControlMsgAbort        ControlMsgType = 3
)

// String returns the control message type name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgKeepAlive:
		return "KEEPALIVE"
	case ControlMsgKeepAliveAck:
		return "KEEPALIVE_ACK"
	case ControlMsgClose:
		return "CLOSE"
	case ControlMsgAbort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the peer status code (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
