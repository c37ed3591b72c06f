package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mash-protocol/devmgr-go/pkg/log"
)

// ErrClosed is returned when sending on a closed stream.
var ErrClosed = errors.New("stream closed")

// StreamConfig configures a StreamConn.
type StreamConfig struct {
	// RemoteAddr is recorded in protocol log events.
	RemoteAddr string

	// MaxMessageSize is the maximum frame payload (default: 64KB).
	MaxMessageSize uint32

	// Logger for protocol logging (optional).
	Logger log.Logger
}

// StreamConn carries length-prefixed frames over a byte stream (a TCP
// connection or a BLE characteristic pair).
type StreamConn struct {
	id     string
	rwc    io.ReadWriteCloser
	framer *Framer
	config StreamConfig

	group   errgroup.Group
	started atomic.Bool
	closed  atomic.Bool
	once    sync.Once
}

// NewStreamConn wraps rwc. Frames are not read until Start is called.
func NewStreamConn(rwc io.ReadWriteCloser, config StreamConfig) *StreamConn {
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.RemoteAddr == "" {
		if nc, ok := rwc.(net.Conn); ok {
			config.RemoteAddr = nc.RemoteAddr().String()
		}
	}

	c := &StreamConn{
		id:     uuid.New().String(),
		rwc:    rwc,
		framer: NewFramerWithMaxSize(rwc, config.MaxMessageSize),
		config: config,
	}
	if config.Logger != nil {
		c.framer.SetLogger(config.Logger, c.id)
	}
	return c
}

// ID returns the unique connection identifier.
func (c *StreamConn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address string.
func (c *StreamConn) RemoteAddr() string {
	return c.config.RemoteAddr
}

// Start launches the reader goroutine. onFrame is called for every frame
// from that goroutine. onClosed is called once when the stream ends for
// any reason other than a local Close; err is nil for a clean end of
// stream.
func (c *StreamConn) Start(onFrame func([]byte), onClosed func(error)) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.logState("", "CONNECTED", "")

	c.group.Go(func() error {
		for {
			frame, err := c.framer.ReadFrame()
			if err != nil {
				if c.closed.Load() {
					return nil
				}
				c.shutdown()
				if errors.Is(err, io.EOF) {
					err = nil
				}
				c.logState("CONNECTED", "DISCONNECTED", errString(err))
				if onClosed != nil {
					onClosed(err)
				}
				return err
			}
			if onFrame != nil {
				onFrame(frame)
			}
		}
	})
}

// Send writes one frame.
func (c *StreamConn) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.framer.WriteFrame(frame)
}

// Close closes the stream. The close handler passed to Start is not
// called. Close may be called from inside a frame handler.
func (c *StreamConn) Close() error {
	if c.closed.Load() {
		return nil
	}
	c.logState("CONNECTED", "CLOSED", "")
	return c.shutdown()
}

// Wait blocks until the reader goroutine has exited and returns its error.
// It must not be called from a frame handler.
func (c *StreamConn) Wait() error {
	return c.group.Wait()
}

func (c *StreamConn) shutdown() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.rwc.Close()
	})
	return err
}

func (c *StreamConn) logState(oldState, newState, reason string) {
	if c.config.Logger == nil {
		return
	}
	c.config.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		RemoteAddr:   c.config.RemoteAddr,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
