package devmgr

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/mash-protocol/devmgr-go/pkg/discovery"
	"github.com/mash-protocol/devmgr-go/pkg/log"
	"github.com/mash-protocol/devmgr-go/pkg/secret"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// maxRendezvousTimeout is the largest timeout the request can carry.
const maxRendezvousTimeout = 0xFFFF * time.Second

// RemoteRendezvousOptions configure RemotePassiveRendezvous.
type RemoteRendezvousOptions struct {
	// FilterAddr restricts the assisting device to joiners from this
	// address. The zero Addr accepts any joiner.
	FilterAddr netip.Addr

	// Credential authenticates the joiner. Nil means no authentication.
	Credential *secret.Credential

	// RendezvousTimeout bounds the whole rendezvous, including retries
	// after failed joiners. Whole seconds, at most 65535.
	RendezvousTimeout time.Duration

	// InactivityTimeout is how long the assisting device keeps an idle
	// relayed connection open.
	InactivityTimeout time.Duration
}

func (o *RemoteRendezvousOptions) validate() error {
	if o.RendezvousTimeout < time.Second || o.RendezvousTimeout > maxRendezvousTimeout {
		return fmt.Errorf("%w: rendezvous timeout %v", ErrInvalidArgument, o.RendezvousTimeout)
	}
	if o.InactivityTimeout < 0 || o.InactivityTimeout > maxRendezvousTimeout {
		return fmt.Errorf("%w: inactivity timeout %v", ErrInvalidArgument, o.InactivityTimeout)
	}
	return nil
}

// peerSnapshot is a device identity saved while the manager talks to
// another device over the same connection.
type peerSnapshot struct {
	deviceID   uint64
	addr       netip.Addr
	iface      string
	credential *secret.Credential
}

type rendezvous struct {
	filter     netip.Addr
	inactivity time.Duration
	deadline   time.Time

	// joiner is the credential for relayed devices, assisting the saved
	// identity of the assisting device.
	joiner    *secret.Credential
	assisting *peerSnapshot

	ex       Exchange
	timedOut bool
	attempts int
}

// joining reports whether a relayed joiner is being identified or
// authenticated.
func (r *rendezvous) joining(s OpState) bool {
	return s == OpIdentifyRemoteDevice || s == OpRemotePassiveRendezvousAuthenticate
}

// RemotePassiveRendezvous asks the connected device to assist: it listens
// for a joiner and relays the joiner's connection over the current one.
// The manager then identifies and authenticates the joiner with
// opts.Credential. When a joiner fails, the manager reconnects to the
// assisting device and asks again, until a joiner succeeds or the
// rendezvous timeout elapses.
func (m *Manager) RemotePassiveRendezvous(opts RemoteRendezvousOptions, cb Callbacks[NoResult]) error {
	if err := opts.validate(); err != nil {
		return err
	}

	m.lock()
	defer m.unlock()

	if m.opState != OpIdle {
		return fmt.Errorf("%w: %s in progress", ErrIncorrectState, m.opState)
	}
	if m.connState != ConnConnected {
		return ErrNotConnected
	}

	joiner := secret.None()
	if opts.Credential != nil {
		joiner = opts.Credential.Take()
	}
	m.rpr = &rendezvous{
		filter:     opts.FilterAddr,
		inactivity: opts.InactivityTimeout,
		deadline:   m.clock.Now().Add(opts.RendezvousTimeout),
		joiner:     joiner,
	}
	m.beginOp(bind(OpRemotePassiveRendezvousRequest, cb))
	m.arm(&m.rendezvousTimer, opts.RendezvousTimeout+RemotePassiveRendezvousGrace, m.onRendezvousTimeout)

	if err := m.requestRendezvous(); err != nil {
		m.endRendezvous()
		m.rollbackOp(err)
		return err
	}
	return nil
}

// requestRendezvous sends the rendezvous request to the assisting device
// with the time left until the deadline.
func (m *Manager) requestRendezvous() error {
	r := m.rpr
	m.setOpState(OpRemotePassiveRendezvousRequest)

	remaining := r.deadline.Sub(m.clock.Now()).Truncate(time.Second)
	req := &wire.RemotePassiveRendezvousRequest{
		RendezvousTimeout: max(remaining, time.Second),
		InactivityTimeout: r.inactivity,
		FilterAddr:        r.filter,
	}
	ex, err := m.newSessionExchange()
	if err != nil {
		return err
	}
	ex.SetHandlers(ExchangeHandlers{OnMessage: m.onRendezvousMessage})
	if err := ex.SendMessage(wire.ProfileDeviceControl, wire.MsgRemotePassiveRendezvous, req.Encode(), SendOptions{ExpectResponse: true}); err != nil {
		ex.Abort()
		return err
	}
	r.ex = ex
	m.logStateChange(log.StateEntityRendezvous, "", "REQUESTED", fmt.Sprintf("attempt %d", r.attempts+1))
	return nil
}

// sendRendezvousRequest asks again after the assisting device has been
// restored.
func (m *Manager) sendRendezvousRequest() {
	if err := m.requestRendezvous(); err != nil {
		m.finishRendezvous(err)
	}
}

func (m *Manager) onRendezvousMessage(ex Exchange, msg *Message) {
	m.lock()
	defer m.unlock()

	if m.rpr == nil || ex != m.rpr.ex {
		return
	}

	waiting := m.opState == OpRemotePassiveRendezvousRequest || m.opState == OpAwaitingRemoteConnectionComplete
	switch {
	case msg.IsStatusReport():
		status, err := wire.DecodeStatusReport(msg.Payload)
		switch {
		case err != nil:
			m.finishRendezvous(err)
		case status.Is(wire.ProfileDeviceControl, wire.StatusRemotePassiveRendezvousTimedOut):
			m.finishRendezvous(ErrRemotePassiveRendezvousTimeout)
		case !status.IsSuccess():
			m.finishRendezvous(newStatusError(status))
		case m.opState == OpRemotePassiveRendezvousRequest:
			m.setOpState(OpAwaitingRemoteConnectionComplete)
		}
	case msg.Profile == wire.ProfileDeviceControl && msg.Type == wire.MsgRemoteConnectionComplete && waiting:
		m.remoteConnectionComplete()
	default:
		m.finishRendezvous(fmt.Errorf("%w: %s/%d during rendezvous", ErrUnexpectedMessage, msg.Profile, msg.Type))
	}
}

// remoteConnectionComplete switches the connection over to the relayed
// joiner: the assisting device is saved, the session is dropped and the
// joiner is identified.
func (m *Manager) remoteConnectionComplete() {
	r := m.rpr
	r.ex.Close()
	r.ex = nil

	if r.assisting == nil {
		r.assisting = &peerSnapshot{
			deviceID:   m.deviceID,
			addr:       m.deviceAddr,
			iface:      m.iface,
			credential: m.credential.Take(),
		}
	}
	m.credential.Clear()
	m.credential = r.joiner.Clone()

	m.deviceID = AnyNodeID
	m.deviceAddr, m.iface = r.filter, ""
	m.keyID, m.encryption = wire.KeyIDNone, wire.EncryptionNone
	m.monitorTimer.stop()
	m.unregisterEcho()
	m.conn.SetPeerNodeID(AnyNodeID)
	m.conn.SetSourceNodeIDRequired(true)
	m.criteria = discovery.AnyDevice()

	m.logStateChange(log.StateEntityRendezvous, "", "JOINER_CONNECTED", "")
	m.setOpState(OpIdentifyRemoteDevice)
	m.arm(&m.connectTimer, m.connectTimeout, m.onConnectTimeout)
	m.setConnState(ConnIdentifyRemotePeer)
	if err := m.sendIdentify(); err != nil {
		m.rendezvousFallback(err)
	}
}

// handleJoinerIdentified authenticates the joiner that answered. Any bad
// answer counts as a failed joiner.
func (m *Manager) handleJoinerIdentified(msg *Message) {
	desc, err := decodeIdentifyResponse(msg)
	if err == nil && !m.criteria.Match(msg.SourceNode, desc) {
		err = fmt.Errorf("%w: joiner does not match", ErrUnexpectedMessage)
	}
	if err != nil {
		m.rendezvousFallback(err)
		return
	}

	m.identifyTimer.stop()
	m.identifyEx.Close()
	m.identifyEx = nil

	m.deviceID = msg.SourceNode
	m.conn.SetPeerNodeID(m.deviceID)
	m.logger.Debug("joiner identified", "node", fmt.Sprintf("%016X", m.deviceID))
	m.setOpState(OpRemotePassiveRendezvousAuthenticate)
	m.startSession()
}

// rendezvousJoined ends the rendezvous once the joiner is authenticated.
func (m *Manager) rendezvousJoined() {
	m.logStateChange(log.StateEntityRendezvous, "", "JOINED", "")
	m.endRendezvous()
}

// rendezvousFallback drops a failed joiner, reconnects to the assisting
// device and asks it again. After the deadline it ends the rendezvous.
func (m *Manager) rendezvousFallback(cause error) {
	r := m.rpr
	if r.timedOut {
		m.finishRendezvous(ErrRemotePassiveRendezvousTimeout)
		return
	}
	a := r.assisting
	if a == nil || !a.addr.IsValid() {
		m.finishRendezvous(cause)
		return
	}

	r.attempts++
	m.metrics.RendezvousFallback()
	m.logger.Debug("joiner failed, restoring assisting device", "error", cause, "attempt", r.attempts)
	m.logStateChange(log.StateEntityRendezvous, "", "FALLBACK", cause.Error())

	m.resetConnection(false)
	m.deviceID, m.deviceAddr, m.iface = a.deviceID, a.addr, a.iface
	m.credential.Clear()
	m.credential = a.credential.Clone()
	m.criteria = discovery.ForDevice(a.deviceID)
	m.setOpState(OpRestoreAssistingDevice)
	if err := m.startConnect(); err != nil {
		m.finishRendezvous(err)
	}
}

// onRendezvousTimeout ends the rendezvous. A joiner still authenticating
// is allowed to finish; only its failure ends the rendezvous then.
func (m *Manager) onRendezvousTimeout() {
	if m.rpr == nil {
		return
	}
	if m.opState == OpRemotePassiveRendezvousAuthenticate {
		m.rpr.timedOut = true
		return
	}
	m.finishRendezvous(ErrRemotePassiveRendezvousTimeout)
}

func (m *Manager) finishRendezvous(err error) {
	m.teardown(false)
	m.failOp(err)
}

// endRendezvous stops the rendezvous timer and wipes the saved
// credentials.
func (m *Manager) endRendezvous() {
	r := m.rpr
	if r == nil {
		return
	}
	m.rpr = nil
	m.rendezvousTimer.stop()
	if r.ex != nil {
		r.ex.Abort()
	}
	r.joiner.Clear()
	if r.assisting != nil {
		r.assisting.credential.Clear()
	}
}
