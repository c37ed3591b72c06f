package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"

	"github.com/mash-protocol/devmgr-go/pkg/log"
)

// MaxDatagramSize is the largest UDP payload read.
const MaxDatagramSize = 1500

// AllNodesGroup is the IPv6 link-local all-nodes multicast group Identify
// requests are sent to.
var AllNodesGroup = netip.MustParseAddr("ff02::1")

// ErrNoSocket is returned when neither address family could be bound.
var ErrNoSocket = errors.New("no usable UDP socket")

// UDPConfig configures a UDPEndpoint.
type UDPConfig struct {
	// Port is the local port. Zero binds an ephemeral port.
	Port int

	// PeerPort is the destination port for multicast and for unicast
	// destinations without a port. Zero selects DefaultPort.
	PeerPort int

	// Interface restricts multicast sends to one interface (optional).
	Interface string

	// JoinGroup joins AllNodesGroup on the multicast interfaces; devices
	// set it to receive multicast Identify requests.
	JoinGroup bool

	// Logger for protocol logging (optional).
	Logger log.Logger
}

// Datagram is a received UDP payload.
type Datagram struct {
	Data []byte

	// From is the sender. Link-local senders carry the receiving
	// interface as zone.
	From netip.AddrPort

	// Multicast is set when the datagram was addressed to a group.
	Multicast bool
}

// UDPEndpoint sends and receives datagrams over IPv6 and IPv4.
type UDPEndpoint struct {
	config UDPConfig

	c6 *ipv6.PacketConn
	c4 *ipv4.PacketConn

	group  errgroup.Group
	closed atomic.Bool
}

// ListenUDP binds the endpoint and starts one reader goroutine per address
// family. onPacket is called from those goroutines. A family that cannot
// be bound is skipped; an error is returned only if both fail.
func ListenUDP(config UDPConfig, onPacket func(Datagram)) (*UDPEndpoint, error) {
	if config.PeerPort == 0 {
		config.PeerPort = DefaultPort
	}
	e := &UDPEndpoint{config: config}

	var errs error
	if pc, err := net.ListenPacket("udp6", fmt.Sprintf("[::]:%d", config.Port)); err == nil {
		e.c6 = ipv6.NewPacketConn(pc)
		_ = e.c6.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true)
		if config.JoinGroup {
			for _, ifi := range multicastInterfaces(config.Interface) {
				_ = e.c6.JoinGroup(&ifi, &net.UDPAddr{IP: AllNodesGroup.AsSlice()})
			}
		}
	} else {
		errs = multierr.Append(errs, err)
	}

	port := config.Port
	if port == 0 && e.c6 != nil {
		port = e.c6.LocalAddr().(*net.UDPAddr).Port
	}
	pc4, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil && config.Port == 0 {
		pc4, err = net.ListenPacket("udp4", "0.0.0.0:0")
	}
	if err == nil {
		e.c4 = ipv4.NewPacketConn(pc4)
		_ = e.c4.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true)
	} else {
		errs = multierr.Append(errs, err)
	}

	if e.c6 == nil && e.c4 == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSocket, errs)
	}

	if e.c6 != nil {
		e.group.Go(func() error { return e.read6(onPacket) })
	}
	if e.c4 != nil {
		e.group.Go(func() error { return e.read4(onPacket) })
	}
	return e, nil
}

// LocalPort returns the bound port of the IPv6 socket, or of the IPv4
// socket when IPv6 is unavailable.
func (e *UDPEndpoint) LocalPort() int {
	if e.c6 != nil {
		return e.c6.LocalAddr().(*net.UDPAddr).Port
	}
	return e.c4.LocalAddr().(*net.UDPAddr).Port
}

// SendTo sends one datagram to a unicast address. iface supplies the zone
// of a link-local destination that has none.
func (e *UDPEndpoint) SendTo(data []byte, to netip.AddrPort, iface string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if to.Port() == 0 {
		to = netip.AddrPortFrom(to.Addr(), uint16(e.config.PeerPort))
	}
	to = WithZone(netip.AddrPortFrom(to.Addr().Unmap(), to.Port()), iface)
	dst := net.UDPAddrFromAddrPort(to)

	var err error
	switch {
	case to.Addr().Is4() && e.c4 != nil:
		_, err = e.c4.WriteTo(data, nil, dst)
	case to.Addr().Is6() && e.c6 != nil:
		_, err = e.c6.WriteTo(data, nil, dst)
	default:
		return fmt.Errorf("%w for %s", ErrNoSocket, to)
	}
	if err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	e.logDatagram(data, to.String(), log.DirectionOut)
	return nil
}

// SendMulticast sends one datagram to AllNodesGroup on every multicast
// interface and, unless linkLocalOnly, to the IPv4 broadcast address.
// With linkLocalOnly the IPv6 source is pinned to the interface's
// link-local address and interfaces without one are skipped.
// Unreachable errors are dropped.
func (e *UDPEndpoint) SendMulticast(data []byte, linkLocalOnly bool) error {
	if e.closed.Load() {
		return ErrClosed
	}

	var errs error
	if e.c6 != nil {
		for _, ifi := range multicastInterfaces(e.config.Interface) {
			cm := &ipv6.ControlMessage{IfIndex: ifi.Index}
			if linkLocalOnly {
				src, ok := linkLocalAddr(&ifi)
				if !ok {
					continue
				}
				cm.Src = src.AsSlice()
			}
			dst := &net.UDPAddr{IP: AllNodesGroup.AsSlice(), Port: e.config.PeerPort, Zone: ifi.Name}
			if _, err := e.c6.WriteTo(data, cm, dst); err != nil && !IsUnreachable(err) {
				errs = multierr.Append(errs, fmt.Errorf("multicast on %s: %w", ifi.Name, err))
			}
		}
	}
	if e.c4 != nil && !linkLocalOnly {
		dst := &net.UDPAddr{IP: net.IPv4bcast, Port: e.config.PeerPort}
		if _, err := e.c4.WriteTo(data, nil, dst); err != nil && !IsUnreachable(err) {
			errs = multierr.Append(errs, fmt.Errorf("broadcast: %w", err))
		}
	}

	e.logDatagram(data, AllNodesGroup.String(), log.DirectionOut)
	return errs
}

// Close closes both sockets and waits for the reader goroutines.
func (e *UDPEndpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	var err error
	if e.c6 != nil {
		err = multierr.Append(err, e.c6.Close())
	}
	if e.c4 != nil {
		err = multierr.Append(err, e.c4.Close())
	}
	_ = e.group.Wait()
	return err
}

// IsUnreachable reports whether err is a host, network or address
// unreachable error.
func IsUnreachable(err error) bool {
	return errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EADDRNOTAVAIL)
}

func (e *UDPEndpoint) read6(onPacket func(Datagram)) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, cm, src, err := e.c6.ReadFrom(buf)
		if err != nil {
			if e.closed.Load() {
				return nil
			}
			return err
		}
		d := Datagram{Data: append([]byte(nil), buf[:n]...), From: udpAddrPort(src)}
		if cm != nil && cm.Dst != nil {
			d.Multicast = cm.Dst.IsMulticast()
		}
		if cm != nil && d.From.Addr().IsLinkLocalUnicast() && d.From.Addr().Zone() == "" {
			if ifi, err := net.InterfaceByIndex(cm.IfIndex); err == nil {
				d.From = WithZone(d.From, ifi.Name)
			}
		}
		e.logDatagram(d.Data, d.From.String(), log.DirectionIn)
		if onPacket != nil {
			onPacket(d)
		}
	}
}

func (e *UDPEndpoint) read4(onPacket func(Datagram)) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, cm, src, err := e.c4.ReadFrom(buf)
		if err != nil {
			if e.closed.Load() {
				return nil
			}
			return err
		}
		d := Datagram{Data: append([]byte(nil), buf[:n]...), From: udpAddrPort(src)}
		if cm != nil && cm.Dst != nil {
			d.Multicast = cm.Dst.IsMulticast() || cm.Dst.Equal(net.IPv4bcast)
		}
		e.logDatagram(d.Data, d.From.String(), log.DirectionIn)
		if onPacket != nil {
			onPacket(d)
		}
	}
}

func (e *UDPEndpoint) logDatagram(data []byte, remote string, direction log.Direction) {
	if e.config.Logger == nil {
		return
	}
	e.config.Logger.Log(log.Event{
		Timestamp:  time.Now(),
		Direction:  direction,
		Layer:      log.LayerTransport,
		Category:   log.CategoryMessage,
		RemoteAddr: remote,
		Frame:      log.NewFrameEvent(data, len(data)),
	})
}

func udpAddrPort(addr net.Addr) netip.AddrPort {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// multicastInterfaces returns the interfaces multicast is sent on: the
// named one, or every up, multicast-capable, non-loopback interface.
func multicastInterfaces(name string) []net.Interface {
	if name != "" {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil
		}
		return []net.Interface{*ifi}
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.Interface
	for _, ifi := range all {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, ifi)
	}
	return out
}

func linkLocalAddr(ifi *net.Interface) (netip.Addr, bool) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, false
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipn.IP)
		if ok && ip.Is6() && !ip.Is4In6() && ip.IsLinkLocalUnicast() {
			return ip, true
		}
	}
	return netip.Addr{}, false
}
