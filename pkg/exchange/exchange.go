package exchange

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/log"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// exchange is one conversation over a connection or over UDP.
type exchange struct {
	layer     *Layer
	key       exchangeKey
	conn      *conn
	initiator bool
	keyID     uint16
	enc       wire.EncryptionType
	peerNode  uint64

	// peerAddr is the UDP peer of a responder exchange.
	peerAddr netip.AddrPort

	// target is where an initiator exchange sends over UDP.
	target devmgr.ExchangeTarget

	mu       sync.Mutex
	handlers devmgr.ExchangeHandlers
	closed   bool
	sent     bool
	lastSend time.Time
}

func (ex *exchange) SendMessage(profile wire.ProfileID, msgType wire.MessageType, payload []byte, opts devmgr.SendOptions) error {
	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		return ErrExchangeClosed
	}
	first := !ex.sent
	ex.sent = true
	ex.lastSend = time.Now()
	ex.mu.Unlock()

	body := &wire.Body{Profile: profile, Type: msgType, Payload: payload}
	encoded, err := wire.EncodeBody(body)
	if err != nil {
		return err
	}

	env := &wire.Envelope{
		MessageID:      ex.layer.messageID(),
		ExchangeID:     ex.key.id,
		KeyID:          ex.keyID,
		EncryptionType: ex.enc,
		Body:           encoded,
	}
	if ex.initiator {
		env.Flags |= wire.FlagInitiator
		if first {
			env.Flags |= wire.FlagUnsolicited
		}
	}
	if ex.enc != wire.EncryptionNone || ex.conn == nil || ex.conn.sourceNodeIDRequired() {
		env.Flags |= wire.FlagSourceNodeID
		env.SourceNodeID = ex.layer.config.NodeID
	}

	if ex.enc != wire.EncryptionNone {
		if ex.conn == nil {
			return fmt.Errorf("%w: encrypted exchange without connection", ErrNotConnected)
		}
		aead, ok := ex.layer.keys.get(ex.conn, ex.keyID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownKey, ex.keyID)
		}
		if err := seal(aead, env); err != nil {
			return err
		}
	}

	data, err := wire.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	if ex.conn != nil {
		err = ex.conn.send(data)
	} else {
		err = ex.layer.sendDatagram(data, ex)
	}
	if err != nil {
		return err
	}
	ex.logMessage(env, body, log.DirectionOut)

	if !opts.ExpectResponse {
		ex.Close()
	}
	return nil
}

func (ex *exchange) SetHandlers(h devmgr.ExchangeHandlers) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.handlers = h
}

func (ex *exchange) Connection() devmgr.Connection {
	if ex.conn == nil {
		return nil
	}
	return ex.conn
}

// Close ends the exchange. Later messages for it are dropped.
func (ex *exchange) Close() {
	ex.mu.Lock()
	ex.closed = true
	ex.mu.Unlock()
	ex.layer.removeExchange(ex)
}

// Abort ends the exchange without notifying the peer, which for this
// layer is the same as Close.
func (ex *exchange) Abort() {
	ex.Close()
}

func (ex *exchange) deliver(msg *devmgr.Message) {
	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		return
	}
	onMessage := ex.handlers.OnMessage
	ex.mu.Unlock()

	if onMessage != nil {
		onMessage(ex, msg)
	}
}

func (ex *exchange) connClosed(err error) {
	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		return
	}
	ex.closed = true
	onClosed := ex.handlers.OnClosed
	ex.mu.Unlock()

	if onClosed != nil {
		onClosed(ex, err)
	}
}

func (ex *exchange) logMessage(env *wire.Envelope, body *wire.Body, dir log.Direction) {
	logger := ex.layer.config.ProtocolLogger
	if logger == nil {
		return
	}

	me := &log.MessageEvent{
		Profile:     body.Profile,
		Type:        body.Type,
		MessageID:   env.MessageID,
		ExchangeID:  env.ExchangeID,
		KeyID:       env.KeyID,
		Unsolicited: env.Flags.Has(wire.FlagUnsolicited),
		PayloadSize: len(body.Payload),
	}
	if body.Profile == wire.ProfileCommon && body.Type == wire.MsgStatusReport {
		if sr, err := wire.DecodeStatusReport(body.Payload); err == nil {
			me.StatusProfile = &sr.Profile
			me.StatusCode = &sr.Code
		}
	}

	ex.mu.Lock()
	if dir == log.DirectionIn && ex.initiator && !ex.lastSend.IsZero() {
		rtt := time.Since(ex.lastSend)
		me.RoundTrip = &rtt
	}
	ex.mu.Unlock()

	event := log.Event{
		Timestamp: time.Now(),
		Direction: dir,
		Layer:     log.LayerExchange,
		Category:  log.CategoryMessage,
		LocalRole: ex.layer.config.Role,
		Message:   me,
	}
	if ex.peerNode != 0 && ex.peerNode != devmgr.AnyNodeID {
		event.DeviceID = fmt.Sprintf("%016X", ex.peerNode)
	}
	switch {
	case ex.conn != nil:
		if addr := ex.conn.PeerAddr(); addr.IsValid() {
			event.RemoteAddr = addr.String()
		}
	case ex.peerAddr.IsValid():
		event.RemoteAddr = ex.peerAddr.String()
	case ex.target.Addr.IsValid():
		event.RemoteAddr = netip.AddrPortFrom(ex.target.Addr, ex.target.Port).String()
	}
	logger.Log(event)
}
