package interactive

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

func (m *Manager) printNetworks(networks []wire.NetworkInfo) {
	if len(networks) == 0 {
		fmt.Fprintln(m.out, "No networks")
		return
	}
	for _, n := range networks {
		switch n.Type {
		case wire.NetworkTypeWiFi:
			fmt.Fprintf(m.out, "  [%d] WiFi %q security=%s", n.NetworkID, n.WiFiSSID, wifiSecurityName(n.WiFiSecurity))
			if len(n.WiFiKey) > 0 {
				fmt.Fprintf(m.out, " key=%q", n.WiFiKey)
			}
		case wire.NetworkTypeThread:
			fmt.Fprintf(m.out, "  [%d] Thread %q pan=0x%04X channel=%d", n.NetworkID, n.ThreadName, n.ThreadPANID, n.ThreadChannel)
			if len(n.ThreadKey) > 0 {
				fmt.Fprintf(m.out, " key=%s", hex.EncodeToString(n.ThreadKey))
			}
		default:
			fmt.Fprintf(m.out, "  [%d] type %d", n.NetworkID, n.Type)
		}
		if n.SignalStrength != 0 {
			fmt.Fprintf(m.out, " signal=%d", n.SignalStrength)
		}
		fmt.Fprintln(m.out)
	}
}

func (m *Manager) cmdScan(args []string) {
	t := wire.NetworkTypeWiFi
	if s := arg(args, 0); s != "" {
		var err error
		if t, err = parseNetworkType(s); err != nil {
			fmt.Fprintf(m.out, "Error: %v\n", err)
			return
		}
	}
	networks, err := await(m.ctx, func(cb devmgr.Callbacks[[]wire.NetworkInfo]) error {
		return m.mgr.ScanNetworks(t, cb)
	})
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	m.printNetworks(networks)
}

func (m *Manager) cmdNetworks(args []string) {
	var flags uint8
	if arg(args, 0) == "credentials" {
		flags |= wire.GetNetworksIncludeCredentials
	}
	networks, err := await(m.ctx, func(cb devmgr.Callbacks[[]wire.NetworkInfo]) error {
		return m.mgr.GetNetworks(flags, cb)
	})
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	m.printNetworks(networks)
}

// wifiNetwork builds a WiFi network from <ssid> <security> [key].
func wifiNetwork(args []string) (wire.NetworkInfo, error) {
	sec, err := parseWiFiSecurity(args[1])
	if err != nil {
		return wire.NetworkInfo{}, err
	}
	n := wire.NetworkInfo{
		Type:         wire.NetworkTypeWiFi,
		WiFiSSID:     args[0],
		WiFiSecurity: sec,
	}
	if key := strings.Join(args[2:], " "); key != "" {
		n.WiFiKey = []byte(key)
	}
	return n, nil
}

func (m *Manager) cmdAddWiFi(args []string) {
	if len(args) < 2 {
		m.usage("add-wifi <ssid> <security> [key]")
		return
	}
	n, err := wifiNetwork(args)
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	m.addNetwork(n)
}

func (m *Manager) cmdAddThread(args []string) {
	if len(args) < 4 {
		m.usage("add-thread <name> <pan-id> <channel> <key-hex>")
		return
	}
	pan, err := parseUint16(args[1])
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	channel, err := parseUint16(args[2])
	if err != nil || channel > 0xFF {
		fmt.Fprintf(m.out, "Error: invalid channel %q\n", args[2])
		return
	}
	key, err := parseHex(args[3])
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	m.addNetwork(wire.NetworkInfo{
		Type:          wire.NetworkTypeThread,
		ThreadName:    args[0],
		ThreadPANID:   pan,
		ThreadChannel: uint8(channel),
		ThreadKey:     key,
	})
}

func (m *Manager) addNetwork(n wire.NetworkInfo) {
	id, err := await(m.ctx, func(cb devmgr.Callbacks[uint32]) error {
		return m.mgr.AddNetwork(n, cb)
	})
	m.report(err, "Network added with id %d", id)
}

func (m *Manager) cmdUpdateWiFi(args []string) {
	if len(args) < 3 {
		m.usage("update-wifi <id> <ssid> <security> [key]")
		return
	}
	id, err := parseUint32(args[0])
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	n, err := wifiNetwork(args[1:])
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	n.NetworkID = id
	_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
		return m.mgr.UpdateNetwork(n, cb)
	})
	m.report(err, "Network %d updated", id)
}

// cmdNetworkByID runs an operation that takes only a network id.
func (m *Manager) cmdNetworkByID(args []string, done string, op func(uint32, devmgr.Callbacks[devmgr.NoResult]) error) {
	if len(args) < 1 {
		m.usage("<command> <network-id>")
		return
	}
	id, err := parseUint32(args[0])
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
		return op(id, cb)
	})
	m.report(err, "%s network %d", done, id)
}

func (m *Manager) cmdLastResult() {
	_, err := await(m.ctx, m.mgr.GetLastNetworkProvisioningResult)
	m.report(err, "Last network provisioning operation succeeded")
}

func (m *Manager) cmdRendezvousMode(args []string) {
	if len(args) < 1 {
		m.usage("rendezvous-mode <modes>")
		return
	}
	modes, err := parseUint16(args[0])
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
		return m.mgr.SetRendezvousMode(modes, cb)
	})
	m.report(err, "Rendezvous mode set to 0x%04X", modes)
}

func (m *Manager) cmdRegulatory(args []string) {
	switch arg(args, 0) {
	case "", "get":
		cfg, err := await(m.ctx, m.mgr.GetWirelessRegulatoryConfig)
		if err != nil {
			fmt.Fprintf(m.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintf(m.out, "Domain: %s  Location: %s\n", cfg.RegulatoryDomain, locationName(cfg.OperatingLocation))
		if len(cfg.SupportedDomains) > 0 {
			fmt.Fprintf(m.out, "Supported: %s\n", strings.Join(cfg.SupportedDomains, ", "))
		}
	case "set":
		if len(args) < 3 {
			m.usage("regulatory set <domain> <indoors|outdoors|unknown>")
			return
		}
		loc, err := parseLocation(args[2])
		if err != nil {
			fmt.Fprintf(m.out, "Error: %v\n", err)
			return
		}
		cfg := &wire.RegulatoryConfig{RegulatoryDomain: strings.ToUpper(args[1]), OperatingLocation: loc}
		_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
			return m.mgr.SetWirelessRegulatoryConfig(cfg, cb)
		})
		m.report(err, "Regulatory config set to %s/%s", cfg.RegulatoryDomain, locationName(loc))
	default:
		m.usage("regulatory get | regulatory set <domain> <location>")
	}
}
