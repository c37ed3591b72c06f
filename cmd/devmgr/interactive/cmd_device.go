package interactive

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

func (m *Manager) cmdIdentify() {
	d, err := await(m.ctx, m.mgr.IdentifyDevice)
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(m.out, "Device %016X:\n", d.DeviceID)
	m.printDescriptor(d, "  ")
}

func (m *Manager) cmdPing(args []string) {
	payload := []byte(strings.Join(args, " "))
	start := time.Now()
	reply, err := await(m.ctx, func(cb devmgr.Callbacks[[]byte]) error {
		return m.mgr.Ping(payload, cb)
	})
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(m.out, "Echo reply: %d bytes in %s\n", len(reply), time.Since(start).Round(time.Microsecond))
}

func (m *Manager) cmdFailSafe(args []string) {
	switch arg(args, 0) {
	case "arm":
		if len(args) < 3 {
			m.usage("failsafe arm <new|resume|either> <token>")
			return
		}
		mode, err := parseArmMode(args[1])
		if err != nil {
			fmt.Fprintf(m.out, "Error: %v\n", err)
			return
		}
		token, err := parseUint32(args[2])
		if err != nil {
			fmt.Fprintf(m.out, "Error: %v\n", err)
			return
		}
		_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
			return m.mgr.ArmFailSafe(mode, token, cb)
		})
		m.report(err, "Fail-safe armed (token %d)", token)
	case "disarm":
		_, err := await(m.ctx, m.mgr.DisarmFailSafe)
		m.report(err, "Fail-safe disarmed")
	default:
		m.usage("failsafe arm <new|resume|either> <token> | failsafe disarm")
	}
}

func (m *Manager) cmdReset(args []string) {
	if len(args) < 1 {
		m.usage("reset <network,fabric,service,factory,all>")
		return
	}
	flags, err := parseResetFlags(args[0])
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
		return m.mgr.ResetConfig(flags, cb)
	})
	m.report(err, "Configuration reset (flags 0x%04X)", flags)
}

func (m *Manager) cmdSystemTest(args []string) {
	switch arg(args, 0) {
	case "start":
		if len(args) < 2 {
			m.usage("systest start <test-id>")
			return
		}
		id, err := parseUint32(args[1])
		if err != nil {
			fmt.Fprintf(m.out, "Error: %v\n", err)
			return
		}
		_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
			return m.mgr.StartSystemTest(wire.ProfileReferenceSystemTest, id, cb)
		})
		m.report(err, "System test %d started", id)
	case "stop":
		_, err := await(m.ctx, m.mgr.StopSystemTest)
		m.report(err, "System test stopped")
	default:
		m.usage("systest start <test-id> | systest stop")
	}
}

func (m *Manager) cmdMonitor(args []string) {
	switch arg(args, 0) {
	case "enable":
		if len(args) < 3 {
			m.usage("monitor enable <interval> <timeout>")
			return
		}
		interval, err := time.ParseDuration(args[1])
		if err != nil {
			fmt.Fprintf(m.out, "Error: invalid interval: %v\n", err)
			return
		}
		timeout, err := time.ParseDuration(args[2])
		if err != nil {
			fmt.Fprintf(m.out, "Error: invalid timeout: %v\n", err)
			return
		}
		_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
			return m.mgr.EnableConnectionMonitor(interval, timeout, cb)
		})
		m.report(err, "Connection monitor enabled (every %s, timeout %s)", interval, timeout)
	case "disable":
		_, err := await(m.ctx, m.mgr.DisableConnectionMonitor)
		m.report(err, "Connection monitor disabled")
	default:
		m.usage("monitor enable <interval> <timeout> | monitor disable")
	}
}

func (m *Manager) cmdToken(args []string) {
	switch arg(args, 0) {
	case "pair":
		if len(args) < 2 {
			m.usage("token pair <hex>")
			return
		}
		token, err := parseHex(args[1])
		if err != nil || len(token) == 0 {
			fmt.Fprintln(m.out, "Error: token must be non-empty hex")
			return
		}
		bundle, err := await(m.ctx, func(cb devmgr.Callbacks[[]byte]) error {
			return m.mgr.PairToken(token, cb)
		})
		if err != nil {
			fmt.Fprintf(m.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintf(m.out, "Token paired, bundle: %s\n", hex.EncodeToString(bundle))
	case "unpair":
		_, err := await(m.ctx, m.mgr.UnpairToken)
		m.report(err, "Token unpaired")
	default:
		m.usage("token pair <hex> | token unpair")
	}
}
