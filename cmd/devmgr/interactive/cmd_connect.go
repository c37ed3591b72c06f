package interactive

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mash-protocol/devmgr-go/internal/config"
	"github.com/mash-protocol/devmgr-go/pkg/cert"
	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/discovery"
	"github.com/mash-protocol/devmgr-go/pkg/version"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func (m *Manager) cmdConnect(args []string) {
	if len(args) < 2 {
		m.usage("connect <device-id> <addr> [cred]")
		return
	}
	id, err := config.ParseNodeID(args[0])
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	addr, err := netip.ParseAddr(args[1])
	if err != nil {
		fmt.Fprintf(m.out, "Error: invalid address: %v\n", err)
		return
	}
	cred, err := parseCredential(arg(args, 2))
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(m.out, "Connecting to %s at %s...\n", cert.FormatDeviceID(id), addr)
	_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
		return m.mgr.ConnectDevice(id, addr, cred, cb)
	})
	m.reportConnected(err)
}

func (m *Manager) cmdRendezvous(args []string) {
	criteria, err := parseCriteria(arg(args, 0))
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	cred, err := parseCredential(arg(args, 1))
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintln(m.out, "Looking for device...")
	_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
		return m.mgr.RendezvousDevice(criteria, cred, cb)
	})
	m.reportConnected(err)
}

func (m *Manager) cmdPassive(args []string) {
	cred, err := parseCredential(arg(args, 0))
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintln(m.out, "Waiting for a device to connect...")
	_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
		return m.mgr.PassiveRendezvousDevice(cred, cb)
	})
	m.reportConnected(err)
}

func (m *Manager) cmdReconnect() {
	_, err := await(m.ctx, m.mgr.ReconnectDevice)
	m.reportConnected(err)
}

func (m *Manager) reportConnected(err error) {
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	id, _ := m.mgr.DeviceID()
	addr, _ := m.mgr.DeviceAddress()
	fmt.Fprintf(m.out, "Connected to %s at %s\n", cert.FormatDeviceID(id), addr)
}

func (m *Manager) cmdRemotePassiveRendezvous(args []string) {
	if len(args) < 1 {
		m.usage("rpr <timeout> [inactivity] [addr|*] [cred]")
		return
	}
	var opts devmgr.RemoteRendezvousOptions
	var err error
	if opts.RendezvousTimeout, err = time.ParseDuration(args[0]); err != nil {
		fmt.Fprintf(m.out, "Error: invalid timeout: %v\n", err)
		return
	}
	if s := arg(args, 1); s != "" {
		if opts.InactivityTimeout, err = time.ParseDuration(s); err != nil {
			fmt.Fprintf(m.out, "Error: invalid inactivity timeout: %v\n", err)
			return
		}
	}
	if s := arg(args, 2); s != "" && s != "*" {
		if opts.FilterAddr, err = netip.ParseAddr(s); err != nil {
			fmt.Fprintf(m.out, "Error: invalid filter address: %v\n", err)
			return
		}
	}
	if opts.Credential, err = parseCredential(arg(args, 3)); err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(m.out, "Waiting up to %s for a joiner...\n", opts.RendezvousTimeout)
	_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
		return m.mgr.RemotePassiveRendezvous(opts, cb)
	})
	m.reportConnected(err)
}

func (m *Manager) cmdEnumerate(args []string) {
	wait := 3 * time.Second
	if s := arg(args, 0); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			m.usage("enumerate [seconds] [user]")
			return
		}
		wait = time.Duration(n) * time.Second
	}
	criteria := discovery.AnyDevice()
	if arg(args, 1) == "user" {
		criteria.TargetModes = wire.ModeUserSelected
	}

	var found atomic.Int32
	failed := make(chan error, 1)
	err := m.mgr.StartDeviceEnumeration(criteria, func(d devmgr.DeviceFound) {
		found.Add(1)
		fmt.Fprintf(m.out, "  %s at %s\n", cert.FormatDeviceID(d.DeviceID), d.Addr)
		if d.Descriptor != nil {
			m.printDescriptor(d.Descriptor, "      ")
		}
	}, func(err error) {
		failed <- err
	})
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(m.out, "Enumerating devices for %s...\n", wait)
	select {
	case <-time.After(wait):
	case err := <-failed:
		fmt.Fprintf(m.out, "Error: %v\n", err)
	case <-m.ctx.Done():
	}
	m.mgr.StopDeviceEnumeration()
	fmt.Fprintf(m.out, "Enumeration finished (%d device(s))\n", found.Load())
}

func (m *Manager) cmdBrowse(args []string) {
	wait := 3 * time.Second
	if s := arg(args, 0); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			m.usage("browse [seconds]")
			return
		}
		wait = time.Duration(n) * time.Second
	}

	ctx, cancel := context.WithTimeout(m.ctx, wait)
	defer cancel()
	locator := discovery.NewMDNSLocator(discovery.LocatorConfig{Interface: m.iface})
	services, err := locator.Browse(ctx)
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(m.out, "Browsing for %s...\n", wait)
	for svc := range services {
		fmt.Fprintf(m.out, "  %s (%s:%d) %v\n", svc.InstanceName, svc.Host, svc.Port, svc.Addresses)
		fmt.Fprintf(m.out, "      Vendor: 0x%04X  Product: 0x%04X  Serial: %s\n",
			svc.VendorID, svc.ProductID, svc.SerialNumber)
	}
}

func (m *Manager) cmdClose(args []string) {
	graceful := arg(args, 0) == "graceful"
	if err := m.mgr.Close(graceful); err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(m.out, "Closed")
}

func (m *Manager) cmdStatus() {
	fmt.Fprintln(m.out, "\nManager Status:")
	fmt.Fprintf(m.out, "  Connection: %s\n", m.mgr.ConnectionState())
	fmt.Fprintf(m.out, "  Operation:  %s\n", m.mgr.OpState())
	if id, ok := m.mgr.DeviceID(); ok {
		fmt.Fprintf(m.out, "  Device:     %s\n", cert.FormatDeviceID(id))
	}
	if addr, ok := m.mgr.DeviceAddress(); ok {
		fmt.Fprintf(m.out, "  Address:    %s\n", addr)
	}
	fmt.Fprintf(m.out, "  Version:    %s\n", version.Current)
}

func (m *Manager) printDescriptor(d *wire.DeviceDescriptor, indent string) {
	fmt.Fprintf(m.out, "%sVendor: 0x%04X  Product: 0x%04X  Revision: %d\n", indent, d.VendorID, d.ProductID, d.ProductRevision)
	if d.SerialNumber != "" {
		fmt.Fprintf(m.out, "%sSerial: %s\n", indent, d.SerialNumber)
	}
	if d.InFabric() {
		fmt.Fprintf(m.out, "%sFabric: %016X\n", indent, d.FabricID)
	}
	if d.SoftwareVersion != "" {
		fmt.Fprintf(m.out, "%sSoftware: %s\n", indent, d.SoftwareVersion)
		if !version.CompatibleWithCurrent(d.SoftwareVersion) {
			fmt.Fprintf(m.out, "%sWarning: software version %s is not compatible with %s\n",
				indent, d.SoftwareVersion, version.Current)
		}
	}
}
