package devmgr

import (
	"fmt"

	"github.com/mash-protocol/devmgr-go/pkg/discovery"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// pendingRequest is the one request an operation sends. onResponse runs
// with the lock held after the request state has been cleared and must
// finish or fail the operation.
type pendingRequest struct {
	profile    wire.ProfileID
	msgType    wire.MessageType
	payload    []byte
	onResponse func(msg *Message)
}

// startRequest begins op and sends req. While disconnected, with
// auto-reconnect enabled and a known device, it reconnects first and sends
// req once the session is up.
func (m *Manager) startRequest(op *operation, req *pendingRequest) error {
	if m.opState != OpIdle || m.req != nil {
		return fmt.Errorf("%w: %s in progress", ErrIncorrectState, m.opState)
	}
	switch {
	case m.connState == ConnConnected:
	case m.connState == ConnNotConnected && m.autoReconnect && m.canReconnect():
	default:
		return ErrNotConnected
	}

	m.beginOp(op)
	m.req = req

	if m.connState == ConnConnected {
		if err := m.sendRequest(); err != nil {
			m.req = nil
			m.rollbackOp(err)
			return err
		}
		return nil
	}

	m.logger.Debug("reconnecting before request", "op", op.kind, "node", fmt.Sprintf("%016X", m.deviceID))
	m.criteria = discovery.ForDevice(m.deviceID)
	if err := m.startConnect(); err != nil {
		m.teardown(false)
		m.rollbackOp(err)
		return err
	}
	return nil
}

// newSessionExchange opens an exchange on the connection bound to the
// session key.
func (m *Manager) newSessionExchange() (Exchange, error) {
	if m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.layer.NewExchange(ExchangeTarget{
		Conn:       m.conn,
		NodeID:     m.deviceID,
		KeyID:      m.keyID,
		Encryption: m.encryption,
	})
}

func (m *Manager) sendRequest() error {
	req := m.req
	ex, err := m.newSessionExchange()
	if err != nil {
		return err
	}
	ex.SetHandlers(ExchangeHandlers{OnMessage: m.onResponse})
	if err := ex.SendMessage(req.profile, req.msgType, req.payload, SendOptions{ExpectResponse: true}); err != nil {
		ex.Abort()
		return err
	}
	m.reqEx = ex
	if m.config.ResponseTimeout > 0 {
		m.arm(&m.responseTimer, m.config.ResponseTimeout, m.onResponseTimeout)
	}
	return nil
}

func (m *Manager) onResponse(ex Exchange, msg *Message) {
	m.lock()
	defer m.unlock()

	if ex != m.reqEx {
		return
	}
	req := m.req
	m.req, m.reqEx = nil, nil
	m.responseTimer.stop()
	ex.Close()
	req.onResponse(msg)
}

// onResponseTimeout fails the operation. The connection stays up.
func (m *Manager) onResponseTimeout() {
	if m.reqEx == nil {
		return
	}
	m.reqEx.Abort()
	m.req, m.reqEx = nil, nil
	m.failOp(ErrResponseTimeout)
}

// responseStatus extracts the status of a status report response. Any
// other message is unexpected.
func responseStatus(msg *Message) (*wire.StatusReport, error) {
	if !msg.IsStatusReport() {
		return nil, fmt.Errorf("%w: %s/%d", ErrUnexpectedMessage, msg.Profile, msg.Type)
	}
	return wire.DecodeStatusReport(msg.Payload)
}

// expectSuccess returns a handler that completes the operation on a
// success status report, after running then if it is set.
func (m *Manager) expectSuccess(then func()) func(*Message) {
	return func(msg *Message) {
		status, err := responseStatus(msg)
		if err == nil {
			err = statusError(status)
		}
		if err != nil {
			m.failOp(err)
			return
		}
		if then != nil {
			then()
		}
		m.finishOp(NoResult{})
	}
}

// expectPayload returns a handler that completes the operation with the
// decoded payload of a msgType response. A status report fails it.
func expectPayload[T any](m *Manager, profile wire.ProfileID, msgType wire.MessageType) func(*Message) {
	return expectDecoded(m, profile, msgType, func(payload []byte) (*T, error) {
		return wire.DecodePayload[T](payload)
	})
}

func expectDecoded[T any](m *Manager, profile wire.ProfileID, msgType wire.MessageType, decode func([]byte) (T, error)) func(*Message) {
	return func(msg *Message) {
		if msg.Profile != profile || msg.Type != msgType {
			m.failOp(unexpectedResponse(msg))
			return
		}
		result, err := decode(msg.Payload)
		if err != nil {
			m.failOp(err)
			return
		}
		m.finishOp(result)
	}
}

// unexpectedResponse turns a response of the wrong type into an error. A
// failure status report becomes a StatusError.
func unexpectedResponse(msg *Message) error {
	status, err := responseStatus(msg)
	if err != nil {
		return err
	}
	if err := statusError(status); err != nil {
		return err
	}
	return fmt.Errorf("%w: success status instead of a response", ErrUnexpectedMessage)
}
