package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/mash-protocol/devmgr-go/internal/devicesim"
	"github.com/mash-protocol/devmgr-go/pkg/cert"
)

// shell is the interactive mode of the simulator. It stands in for the
// device's physical controls.
type shell struct {
	dev *devicesim.Device
	rl  *readline.Instance
	out io.Writer
}

func newShell(dev *devicesim.Device) (*shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "device> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &shell{dev: dev, rl: rl, out: rl.Stdout()}, nil
}

func (s *shell) run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := strings.ToLower(parts[0]), parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()
		case "status":
			s.cmdStatus()
		case "select":
			selected := len(args) == 0 || args[0] != "off"
			s.dev.SetUserSelected(selected)
			fmt.Fprintf(s.out, "User selected: %v\n", selected)
		case "code":
			if len(args) != 1 {
				fmt.Fprintln(s.out, "Usage: code <pairing-code>")
				continue
			}
			if err := s.dev.SetPairingCode([]byte(args[0])); err != nil {
				fmt.Fprintf(s.out, "Error: %v\n", err)
				continue
			}
			fmt.Fprintln(s.out, "Pairing code updated")
		case "join":
			s.cmdJoin(ctx, args)
		case "quit", "exit", "q":
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		default:
			fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.out, `
Simulated Device Commands:
  status                 - Show identity, connections and provisioned state
  select [on|off]        - Press or release the user-select button
  code <pairing-code>    - Change the pairing code
  join <addr:port>       - Connect to a manager waiting in passive rendezvous
  help                   - Show this help
  quit                   - Exit`)
}

func (s *shell) cmdStatus() {
	d := s.dev.Descriptor()
	st := s.dev.State()

	fmt.Fprintln(s.out, "\nDevice Status:")
	fmt.Fprintf(s.out, "  Node ID:     %s\n", cert.FormatDeviceID(d.DeviceID))
	fmt.Fprintf(s.out, "  Product:     0x%04X/0x%04X rev %d\n", d.VendorID, d.ProductID, d.ProductRevision)
	fmt.Fprintf(s.out, "  Software:    %s\n", d.SoftwareVersion)
	fmt.Fprintf(s.out, "  Connections: %d\n", s.dev.Connections())
	fmt.Fprintf(s.out, "  Fail-safe:   %s\n", s.dev.FailSafe())
	if st.FabricID != 0 {
		fmt.Fprintf(s.out, "  Fabric:      %016X\n", st.FabricID)
	}
	if st.Regulatory.RegulatoryDomain != "" {
		fmt.Fprintf(s.out, "  Regulatory:  %s\n", st.Regulatory.RegulatoryDomain)
	}
	for _, n := range st.Networks {
		name := n.WiFiSSID
		if name == "" {
			name = n.ThreadName
		}
		fmt.Fprintf(s.out, "  Network %d:   %s (enabled: %v)\n", n.NetworkID, name, n.Enabled)
	}
	for _, svc := range st.Services {
		fmt.Fprintf(s.out, "  Service %d:   %s\n", svc.ServiceID, svc.AccountID)
	}
}

func (s *shell) cmdJoin(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "Usage: join <addr:port>")
		return
	}
	addr, err := netip.ParseAddrPort(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.dev.JoinManager(ctx, addr); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Joined manager at %s\n", addr)
}
