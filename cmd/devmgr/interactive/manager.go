// Package interactive provides the interactive command-line interface
// for the device manager.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
)

// Manager handles interactive mode for devmgr.
type Manager struct {
	mgr   *devmgr.Manager
	iface string
	rl    *readline.Instance
	out   io.Writer
	ctx   context.Context
}

// New creates a new interactive shell for mgr. iface restricts mDNS
// browsing to one interface; empty means all.
func New(mgr *devmgr.Manager, iface string) (*Manager, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "devmgr> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Manager{mgr: mgr, iface: iface, rl: rl, out: rl.Stdout(), ctx: context.Background()}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (m *Manager) Stdout() io.Writer {
	return m.rl.Stdout()
}

// Stderr returns a writer that properly coordinates with the readline input.
func (m *Manager) Stderr() io.Writer {
	return m.rl.Stderr()
}

// Run starts the interactive command loop.
func (m *Manager) Run(ctx context.Context, cancel context.CancelFunc) {
	defer m.rl.Close()
	m.ctx = ctx

	m.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := m.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(m.out, "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		parts := strings.Fields(input)
		if !m.dispatch(strings.ToLower(parts[0]), parts[1:]) {
			fmt.Fprintln(m.out, "Exiting...")
			cancel()
			return
		}
	}
}

// dispatch runs one command and returns false when the shell should exit.
func (m *Manager) dispatch(cmd string, args []string) bool {
	switch cmd {
	case "help", "?":
		m.printHelp()

	// Connection
	case "connect":
		m.cmdConnect(args)
	case "rendezvous":
		m.cmdRendezvous(args)
	case "passive":
		m.cmdPassive(args)
	case "reconnect":
		m.cmdReconnect()
	case "rpr":
		m.cmdRemotePassiveRendezvous(args)
	case "enumerate", "discover":
		m.cmdEnumerate(args)
	case "browse":
		m.cmdBrowse(args)
	case "close":
		m.cmdClose(args)
	case "status":
		m.cmdStatus()

	// Device
	case "identify":
		m.cmdIdentify()
	case "ping":
		m.cmdPing(args)
	case "failsafe":
		m.cmdFailSafe(args)
	case "reset":
		m.cmdReset(args)
	case "systest":
		m.cmdSystemTest(args)
	case "monitor":
		m.cmdMonitor(args)
	case "token":
		m.cmdToken(args)

	// Networks
	case "scan":
		m.cmdScan(args)
	case "networks":
		m.cmdNetworks(args)
	case "add-wifi":
		m.cmdAddWiFi(args)
	case "add-thread":
		m.cmdAddThread(args)
	case "update-wifi":
		m.cmdUpdateWiFi(args)
	case "remove-network":
		m.cmdNetworkByID(args, "Removed", m.mgr.RemoveNetwork)
	case "enable-network":
		m.cmdNetworkByID(args, "Enabled", m.mgr.EnableNetwork)
	case "disable-network":
		m.cmdNetworkByID(args, "Disabled", m.mgr.DisableNetwork)
	case "test-network":
		m.cmdNetworkByID(args, "Connectivity OK for", m.mgr.TestNetworkConnectivity)
	case "last-result":
		m.cmdLastResult()
	case "rendezvous-mode":
		m.cmdRendezvousMode(args)
	case "regulatory":
		m.cmdRegulatory(args)

	// Fabric and services
	case "fabric":
		m.cmdFabric(args)
	case "service":
		m.cmdService(args)

	case "quit", "exit", "q":
		return false

	default:
		fmt.Fprintf(m.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("connect"),
	readline.PcItem("rendezvous"),
	readline.PcItem("passive"),
	readline.PcItem("reconnect"),
	readline.PcItem("rpr"),
	readline.PcItem("enumerate"),
	readline.PcItem("browse"),
	readline.PcItem("close", readline.PcItem("graceful")),
	readline.PcItem("status"),
	readline.PcItem("identify"),
	readline.PcItem("ping"),
	readline.PcItem("failsafe", readline.PcItem("arm"), readline.PcItem("disarm")),
	readline.PcItem("reset",
		readline.PcItem("network"), readline.PcItem("fabric"), readline.PcItem("service"),
		readline.PcItem("factory"), readline.PcItem("all")),
	readline.PcItem("systest", readline.PcItem("start"), readline.PcItem("stop")),
	readline.PcItem("monitor", readline.PcItem("enable"), readline.PcItem("disable")),
	readline.PcItem("token", readline.PcItem("pair"), readline.PcItem("unpair")),
	readline.PcItem("scan", readline.PcItem("wifi"), readline.PcItem("thread")),
	readline.PcItem("networks", readline.PcItem("credentials")),
	readline.PcItem("add-wifi"),
	readline.PcItem("add-thread"),
	readline.PcItem("update-wifi"),
	readline.PcItem("remove-network"),
	readline.PcItem("enable-network"),
	readline.PcItem("disable-network"),
	readline.PcItem("test-network"),
	readline.PcItem("last-result"),
	readline.PcItem("rendezvous-mode"),
	readline.PcItem("regulatory", readline.PcItem("get"), readline.PcItem("set")),
	readline.PcItem("fabric",
		readline.PcItem("create"), readline.PcItem("leave"),
		readline.PcItem("get"), readline.PcItem("join")),
	readline.PcItem("service",
		readline.PcItem("register"), readline.PcItem("update"), readline.PcItem("unregister")),
	readline.PcItem("quit"),
)

func (m *Manager) printHelp() {
	fmt.Fprintln(m.out, `
Device Manager Commands:
  Connection:
    connect <device-id> <addr> [cred]         - Connect to a device at a known address
    rendezvous [device-id|*] [cred]           - Find a device by Identify and connect
    passive [cred]                            - Wait for a device to connect to us
    reconnect                                 - Reconnect to the last device
    rpr <timeout> [inactivity] [addr|*] [cred] - Remote passive rendezvous via the device
    enumerate [seconds] [user]                - List devices answering Identify
    browse [seconds]                          - List devices advertised over mDNS
    close [graceful]                          - Close the connection
    status                                    - Show manager status

  Device:
    identify                                  - Read the device descriptor
    ping [text]                               - Echo round trip
    failsafe arm <new|resume|either> <token>  - Arm the fail-safe
    failsafe disarm                           - Disarm the fail-safe
    reset <network,fabric,service,factory,all> - Reset configuration
    systest start <test-id> | stop            - Run a device self test
    monitor enable <interval> <timeout>       - Enable keep-alives (e.g. 10s 30s)
    monitor disable                           - Disable keep-alives
    token pair <hex> | unpair                 - Pair or unpair an access token

  Networks:
    scan [wifi|thread]                        - Scan for networks
    networks [credentials]                    - List provisioned networks
    add-wifi <ssid> <security> [key]          - Add a WiFi network
    add-thread <name> <pan-id> <channel> <key-hex> - Add a Thread network
    update-wifi <id> <ssid> <security> [key]  - Replace a WiFi network
    remove-network <id>                       - Remove a network
    enable-network <id> | disable-network <id> - Enable or disable a network
    test-network <id>                         - Test connectivity
    last-result                               - Report the last provisioning result
    rendezvous-mode <modes>                   - Set rendezvous modes (0 disables)
    regulatory get | set <domain> <location>  - Wireless regulatory config

  Fabric & Services:
    fabric create | leave | get               - Manage the fabric
    fabric join <fabric-id> <config-hex>      - Join an existing fabric
    service register <id> <account> [config-hex] [token-hex]
    service update <id> <config-hex>
    service unregister <id>

  General:
    help                                      - Show this help
    quit                                      - Exit

  Credentials: a pairing code, "token:<hex>" for an access token,
  or "none". WiFi security: none, wep, wpa, wpa2, wpa3.`)
}

// await starts an operation and blocks until its callback runs or the
// shell is shut down.
func await[T any](ctx context.Context, start func(devmgr.Callbacks[T]) error) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	ch := make(chan result, 1)
	err := start(devmgr.Callbacks[T]{
		OnComplete: func(v T) { ch <- result{v: v} },
		OnError:    func(err error) { ch <- result{err: err} },
	})
	if err != nil {
		return zero, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// report prints the outcome of an operation without a result.
func (m *Manager) report(err error, format string, args ...any) {
	if err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(m.out, format+"\n", args...)
}

func (m *Manager) usage(text string) {
	fmt.Fprintf(m.out, "Usage: %s\n", text)
}
