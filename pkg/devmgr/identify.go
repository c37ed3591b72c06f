package devmgr

import (
	"fmt"
	"net/netip"

	"github.com/mash-protocol/devmgr-go/pkg/discovery"
	"github.com/mash-protocol/devmgr-go/pkg/transport"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// DeviceFound describes a device that answered an enumeration.
type DeviceFound struct {
	DeviceID   uint64
	Addr       netip.AddrPort
	Descriptor *wire.DeviceDescriptor
}

type enumeration struct {
	seen    *discovery.SeenSet
	onFound func(DeviceFound)
}

// StartDeviceEnumeration multicasts Identify requests carrying criteria
// until StopDeviceEnumeration is called. onFound is called once for each
// matching device. onError is called if enumeration fails or the manager
// is closed.
func (m *Manager) StartDeviceEnumeration(criteria discovery.Criteria, onFound func(DeviceFound), onError func(error)) error {
	if onFound == nil {
		return fmt.Errorf("%w: nil device handler", ErrInvalidArgument)
	}

	m.lock()
	defer m.unlock()

	if err := m.checkIdle(); err != nil {
		return err
	}
	m.criteria = criteria
	m.enum = &enumeration{
		seen:    discovery.NewSeenSet(m.config.EnumerationCapacity),
		onFound: onFound,
	}
	m.beginOp(bind(OpEnumerateDevices, Callbacks[NoResult]{OnError: onError}))
	if err := m.sendIdentify(); err != nil {
		m.endEnumeration()
		m.rollbackOp(err)
		return err
	}
	return nil
}

// StopDeviceEnumeration ends an enumeration. No callback is called.
func (m *Manager) StopDeviceEnumeration() {
	m.lock()
	defer m.unlock()

	if m.opState != OpEnumerateDevices {
		return
	}
	m.endEnumeration()
	m.endOp(nil)
}

func (m *Manager) endEnumeration() {
	if m.enum == nil {
		return
	}
	m.enum = nil
	m.identifyTimer.stop()
	if m.identifyEx != nil {
		m.identifyEx.Abort()
		m.identifyEx = nil
	}
}

// sendIdentify sends the Identify request for the current criteria and
// arms the resend timer. The request goes over the connection when
// identifying a relayed joiner, otherwise over UDP.
func (m *Manager) sendIdentify() error {
	remote := m.connState == ConnIdentifyRemotePeer
	multicast := !remote && (m.enum != nil || !m.deviceAddr.IsValid())

	if m.identifyEx == nil {
		target := ExchangeTarget{Conn: m.conn, NodeID: AnyNodeID}
		if !remote {
			target = ExchangeTarget{
				NodeID:        m.criteria.TargetDeviceID,
				Interface:     m.iface,
				LinkLocalOnly: m.rendezvousLinkLocal,
			}
			if !multicast {
				target.Addr = m.deviceAddr
			}
		}
		ex, err := m.layer.NewExchange(target)
		if err != nil {
			return err
		}
		ex.SetHandlers(ExchangeHandlers{OnMessage: m.onIdentifyResponse})
		m.identifyEx = ex
	}

	err := m.identifyEx.SendMessage(wire.ProfileDeviceDescription, wire.MsgIdentifyRequest,
		m.criteria.Request().Encode(), SendOptions{ExpectResponse: true})
	if err != nil {
		if !multicast || !transport.IsUnreachable(err) {
			return err
		}
		m.logger.Debug("identify multicast unreachable", "error", err)
	}
	m.arm(&m.identifyTimer, m.config.IdentifyRetryInterval, m.onIdentifyRetry)
	return nil
}

func (m *Manager) onIdentifyRetry() {
	if m.identifyEx == nil {
		return
	}
	err := m.sendIdentify()
	if err == nil {
		return
	}
	m.logger.Debug("identify resend failed", "error", err)
	if m.enum != nil {
		m.endEnumeration()
		m.failOp(err)
		return
	}
	m.connectFailed(err)
}

func (m *Manager) onIdentifyResponse(ex Exchange, msg *Message) {
	m.lock()
	defer m.unlock()

	if ex != m.identifyEx {
		return
	}
	switch {
	case m.enum != nil:
		m.handleEnumerated(msg)
	case m.connState == ConnIdentifyPeer:
		m.handleIdentified(msg)
	case m.connState == ConnIdentifyRemotePeer:
		m.handleJoinerIdentified(msg)
	}
}

func decodeIdentifyResponse(msg *Message) (*wire.DeviceDescriptor, error) {
	if msg.Profile != wire.ProfileDeviceDescription || msg.Type != wire.MsgIdentifyResponse {
		return nil, fmt.Errorf("%w: %s/%d", ErrUnexpectedMessage, msg.Profile, msg.Type)
	}
	return wire.DecodeDeviceDescriptor(msg.Payload)
}

// handleIdentified picks up the device a connect sequence is waiting for.
// Responses from other devices are dropped and the resend timer keeps
// running.
func (m *Manager) handleIdentified(msg *Message) {
	desc, err := decodeIdentifyResponse(msg)
	if err != nil {
		m.logger.Debug("dropping identify response", "from", msg.SourceAddr, "error", err)
		return
	}
	if !m.criteria.Match(msg.SourceNode, desc) {
		m.logger.Debug("identify response does not match", "from", msg.SourceAddr, "node", msg.SourceNode, "criteria", m.criteria)
		return
	}

	m.identifyTimer.stop()
	m.identifyEx.Close()
	m.identifyEx = nil

	m.deviceID = msg.SourceNode
	if addr := msg.SourceAddr.Addr(); addr.IsValid() {
		if zone := addr.Zone(); zone != "" {
			m.iface = zone
		}
		m.deviceAddr = addr.WithZone("").Unmap()
	}
	m.logger.Debug("device identified", "node", fmt.Sprintf("%016X", m.deviceID), "addr", m.deviceAddr)
	m.startTransport()
}

func (m *Manager) handleEnumerated(msg *Message) {
	desc, err := decodeIdentifyResponse(msg)
	if err != nil || !m.criteria.Match(msg.SourceNode, desc) {
		return
	}
	if !m.enum.seen.Add(msg.SourceNode) {
		return
	}
	found := DeviceFound{DeviceID: msg.SourceNode, Addr: msg.SourceAddr, Descriptor: desc}
	onFound := m.enum.onFound
	m.post(func() { onFound(found) })
}
