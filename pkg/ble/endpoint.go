// Package ble adapts a platform BLE connection to a byte stream.
//
// The platform owns the radio. It hands the device manager an opaque
// connection handle and a PlatformDelegate for writing the request
// characteristic and managing the indication subscription; inbound
// indications are pushed into the Endpoint with HandleIndication.
// The Endpoint is an io.ReadWriteCloser, so the transport package frames
// messages over it exactly as over TCP.
package ble

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/multierr"
)

// DefaultPayloadSize is the characteristic payload used when the
// platform reports none (ATT MTU 23 minus 3 bytes of header).
const DefaultPayloadSize = 20

// inboundQueue bounds the indications buffered ahead of the reader.
const inboundQueue = 64

var (
	// ErrClosed is returned by Read and Write after Close.
	ErrClosed = errors.New("ble endpoint closed")

	// ErrNotSubscribed is returned by Write before Open.
	ErrNotSubscribed = errors.New("ble endpoint not subscribed")
)

// ConnObject is the platform's handle for one BLE connection.
type ConnObject any

// PlatformDelegate performs BLE operations on behalf of the device
// manager.
type PlatformDelegate interface {
	// SendCharacteristic writes one chunk to the request characteristic.
	SendCharacteristic(conn ConnObject, data []byte) error

	// Subscribe enables indications on the response characteristic.
	Subscribe(conn ConnObject) error

	// Unsubscribe disables indications.
	Unsubscribe(conn ConnObject) error

	// CloseConnection drops the BLE link.
	CloseConnection(conn ConnObject) error

	// PayloadSize returns the negotiated characteristic payload size.
	PayloadSize(conn ConnObject) int
}

// Endpoint is one BLE connection seen as a byte stream.
type Endpoint struct {
	conn     ConnObject
	delegate PlatformDelegate

	inbound chan []byte
	done    chan struct{}
	pending []byte

	mu         sync.Mutex
	subscribed bool
	closed     bool
}

// NewEndpoint wraps a platform connection.
func NewEndpoint(conn ConnObject, delegate PlatformDelegate) *Endpoint {
	return &Endpoint{
		conn:     conn,
		delegate: delegate,
		inbound:  make(chan []byte, inboundQueue),
		done:     make(chan struct{}),
	}
}

// Conn returns the platform connection handle.
func (e *Endpoint) Conn() ConnObject {
	return e.conn
}

// Open subscribes to indications. It is idempotent.
func (e *Endpoint) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.subscribed {
		return nil
	}
	if err := e.delegate.Subscribe(e.conn); err != nil {
		return err
	}
	e.subscribed = true
	return nil
}

// HandleIndication queues data received on the response characteristic.
// The platform calls it from its own thread. It blocks while the reader
// is more than inboundQueue indications behind.
func (e *Endpoint) HandleIndication(data []byte) {
	chunk := append([]byte(nil), data...)
	select {
	case e.inbound <- chunk:
	case <-e.done:
	}
}

// HandleDisconnect reports that the platform lost the link. Pending
// reads return io.EOF.
func (e *Endpoint) HandleDisconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.closed = true
		e.subscribed = false
		close(e.done)
	}
}

// Read returns buffered indication bytes, blocking until some arrive.
func (e *Endpoint) Read(p []byte) (int, error) {
	if len(e.pending) == 0 {
		select {
		case chunk := <-e.inbound:
			e.pending = chunk
		case <-e.done:
			// Drain what the platform delivered before the close.
			select {
			case chunk := <-e.inbound:
				e.pending = chunk
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, e.pending)
	e.pending = e.pending[n:]
	return n, nil
}

// Write sends p in characteristic-sized chunks.
func (e *Endpoint) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrClosed
	}
	if !e.subscribed {
		return 0, ErrNotSubscribed
	}

	size := e.delegate.PayloadSize(e.conn)
	if size <= 0 {
		size = DefaultPayloadSize
	}

	written := 0
	for written < len(p) {
		end := min(written+size, len(p))
		if err := e.delegate.SendCharacteristic(e.conn, p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// Close unsubscribes and closes the platform connection.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)

	var err error
	if e.subscribed {
		e.subscribed = false
		err = e.delegate.Unsubscribe(e.conn)
	}
	return multierr.Append(err, e.delegate.CloseConnection(e.conn))
}
