package interactive

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

func (m *Manager) cmdFabric(args []string) {
	switch arg(args, 0) {
	case "create":
		_, err := await(m.ctx, m.mgr.CreateFabric)
		m.report(err, "Fabric created")
	case "leave":
		_, err := await(m.ctx, m.mgr.LeaveFabric)
		m.report(err, "Left fabric")
	case "get":
		cfg, err := await(m.ctx, m.mgr.GetFabricConfig)
		if err != nil {
			fmt.Fprintf(m.out, "Error: %v\n", err)
			return
		}
		fmt.Fprintf(m.out, "Fabric %016X\n", cfg.FabricID)
		fmt.Fprintf(m.out, "Config: %s\n", hex.EncodeToString(cfg.Config))
	case "join":
		if len(args) < 3 {
			m.usage("fabric join <fabric-id> <config-hex>")
			return
		}
		id, err := strconv.ParseUint(args[1], 16, 64)
		if err != nil {
			fmt.Fprintf(m.out, "Error: invalid fabric id %q\n", args[1])
			return
		}
		data, err := parseHex(args[2])
		if err != nil {
			fmt.Fprintf(m.out, "Error: %v\n", err)
			return
		}
		cfg := &wire.FabricConfig{FabricID: id, Config: data}
		_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
			return m.mgr.JoinExistingFabric(cfg, cb)
		})
		m.report(err, "Joined fabric %016X", id)
	default:
		m.usage("fabric create | leave | get | join <fabric-id> <config-hex>")
	}
}

func (m *Manager) cmdService(args []string) {
	switch arg(args, 0) {
	case "register":
		if len(args) < 3 {
			m.usage("service register <id> <account> [config-hex] [token-hex]")
			return
		}
		id, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			fmt.Fprintf(m.out, "Error: invalid service id %q\n", args[1])
			return
		}
		req := &wire.RegisterServiceRequest{ServiceID: id, AccountID: args[2]}
		if s := arg(args, 3); s != "" {
			if req.ServiceConfig, err = parseHex(s); err != nil {
				fmt.Fprintf(m.out, "Error: %v\n", err)
				return
			}
		}
		if s := arg(args, 4); s != "" {
			if req.PairingToken, err = parseHex(s); err != nil {
				fmt.Fprintf(m.out, "Error: %v\n", err)
				return
			}
		}
		_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
			return m.mgr.RegisterServicePairAccount(req, cb)
		})
		m.report(err, "Service %d registered for %s", id, req.AccountID)
	case "update":
		if len(args) < 3 {
			m.usage("service update <id> <config-hex>")
			return
		}
		id, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			fmt.Fprintf(m.out, "Error: invalid service id %q\n", args[1])
			return
		}
		config, err := parseHex(args[2])
		if err != nil {
			fmt.Fprintf(m.out, "Error: %v\n", err)
			return
		}
		_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
			return m.mgr.UpdateService(id, config, cb)
		})
		m.report(err, "Service %d updated", id)
	case "unregister":
		if len(args) < 2 {
			m.usage("service unregister <id>")
			return
		}
		id, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			fmt.Fprintf(m.out, "Error: invalid service id %q\n", args[1])
			return
		}
		_, err = await(m.ctx, func(cb devmgr.Callbacks[devmgr.NoResult]) error {
			return m.mgr.UnregisterService(id, cb)
		})
		m.report(err, "Service %d unregistered", id)
	default:
		m.usage("service register | update | unregister")
	}
}
