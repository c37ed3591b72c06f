// Command devmgr-sim is a simulated device for exercising a device manager.
// It answers Identify requests, accepts PASE and CASE sessions and serves
// network, fabric and service provisioning with persistent state.
//
// Usage:
//
//	devmgr-sim [flags]
//
// Flags:
//
//	-config string         Configuration file path (YAML)
//	-node-id string        Device node id, hex (default "18B4300000000001")
//	-pairing-code string   PASE pairing code (default "11223344556")
//	-port int              UDP and TCP port (default 11095)
//	-interface string      Network interface for multicast and mDNS
//	-advertise             Advertise the device over mDNS
//	-state-file string     Persist the provisioned configuration here
//	-reset                 Clear persisted state before starting
//	-log-level string      Log level: debug, info, warn, error (default "info")
//	-protocol-log string   Write protocol events to this file (CBOR)
//	-interactive           Enable interactive command mode
//
// Examples:
//
//	# Run a simulated thermostat that remembers its networks
//	devmgr-sim -state-file sim.json -interactive
//
//	# Run a second device on another port
//	devmgr-sim -node-id 18B4300000000002 -port 11096
package main

import (
	"context"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mash-protocol/devmgr-go/internal/config"
	"github.com/mash-protocol/devmgr-go/internal/devicesim"
	"github.com/mash-protocol/devmgr-go/pkg/cert"
	protolog "github.com/mash-protocol/devmgr-go/pkg/log"
	"github.com/mash-protocol/devmgr-go/pkg/persistence"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

var (
	configFile  string
	nodeID      string
	pairingCode string
	port        int
	iface       string
	advertise   bool
	stateFile   string
	reset       bool
	logLevel    string
	protocolLog string
	interactive bool
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&nodeID, "node-id", "", "Device node id, hex")
	flag.StringVar(&pairingCode, "pairing-code", "", "PASE pairing code")
	flag.IntVar(&port, "port", 0, "UDP and TCP port")
	flag.StringVar(&iface, "interface", "", "Network interface for multicast and mDNS")
	flag.BoolVar(&advertise, "advertise", false, "Advertise the device over mDNS")
	flag.StringVar(&stateFile, "state-file", "", "Persist the provisioned configuration here")
	flag.BoolVar(&reset, "reset", false, "Clear persisted state before starting")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&protocolLog, "protocol-log", "", "Write protocol events to this file (CBOR)")
	flag.BoolVar(&interactive, "interactive", false, "Enable interactive command mode")
}

// defaultScanResults are the networks the simulated radio sees.
var defaultScanResults = []wire.NetworkInfo{
	{Type: wire.NetworkTypeWiFi, WiFiSSID: "home", WiFiSecurity: wire.WiFiSecurityWPA2PSK, SignalStrength: -48},
	{Type: wire.NetworkTypeWiFi, WiFiSSID: "guest", WiFiSecurity: wire.WiFiSecurityNone, SignalStrength: -71},
	{Type: wire.NetworkTypeThread, ThreadName: "mesh", ThreadPANID: 0x1234, ThreadChannel: 15, SignalStrength: -60},
}

func main() {
	flag.Parse()

	cfg, err := config.LoadDevice(configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	setupLogging(level)
	logger := slog.New(slog.NewTextHandler(stdLogWriter{}, &slog.HandlerOptions{Level: level}))
	id, _ := config.ParseNodeID(cfg.NodeID)

	log.Println("Simulated Device")
	log.Println("================")
	log.Printf("Node ID: %s", cert.FormatDeviceID(id))
	log.Printf("Vendor/Product: 0x%04X/0x%04X", cfg.VendorID, cfg.ProductID)
	log.Printf("Port: %d", cfg.Port)

	simCfg := devicesim.Config{
		NodeID:                     id,
		VendorID:                   cfg.VendorID,
		ProductID:                  cfg.ProductID,
		ProductRevision:            cfg.ProductRevision,
		SerialNumber:               cfg.SerialNumber,
		PairingCode:                []byte(cfg.PairingCode),
		Port:                       cfg.Port,
		Interface:                  cfg.Interface,
		JoinMulticast:              true,
		Advertise:                  cfg.Advertise,
		ScanResults:                defaultScanResults,
		SupportedRegulatoryDomains: []string{"DE", "FR", "GB", "US"},
		Logger:                     logger,
	}

	if cfg.ProtocolLog != "" {
		fl, err := protolog.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			log.Fatalf("Failed to open protocol log: %v", err)
		}
		defer fl.Close()
		log.Printf("Protocol log: %s", cfg.ProtocolLog)
		simCfg.ProtocolLogger = fl
	}

	if cfg.StateFile != "" {
		store := persistence.NewDeviceStateStore(cfg.StateFile)
		if reset {
			log.Println("Resetting persisted state...")
			if err := store.Clear(); err != nil {
				log.Printf("Warning: Failed to clear state: %v", err)
			}
		}
		simCfg.Store = store
		log.Printf("State file: %s", cfg.StateFile)
	}

	if cfg.CertFile != "" {
		if err := loadIdentity(cfg, &simCfg); err != nil {
			log.Fatalf("Failed to load operational identity: %v", err)
		}
		log.Printf("CASE enabled (%d certificate(s) in chain)", len(simCfg.Chain))
	}

	dev, err := devicesim.New(simCfg)
	if err != nil {
		log.Fatalf("Failed to create device: %v", err)
	}
	if err := dev.Start(); err != nil {
		log.Fatalf("Failed to start device: %v", err)
	}
	log.Printf("Listening on %s", dev.ListenAddr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if interactive {
		sh, err := newShell(dev)
		if err != nil {
			log.Fatalf("Failed to create interactive shell: %v", err)
		}
		// Log through readline so output does not garble the prompt.
		log.SetOutput(sh.rl.Stdout())
		go sh.run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	cancel()
	if err := dev.Stop(); err != nil {
		log.Printf("Error stopping device: %v", err)
	}
	log.Println("Goodbye!")
}

// applyFlags overrides file settings with flags given on the command line.
func applyFlags(cfg *config.Device) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node-id":
			cfg.NodeID = nodeID
		case "pairing-code":
			cfg.PairingCode = pairingCode
		case "port":
			cfg.Port = port
		case "interface":
			cfg.Interface = iface
		case "advertise":
			cfg.Advertise = advertise
		case "state-file":
			cfg.StateFile = stateFile
		case "log-level":
			cfg.LogLevel = logLevel
		case "protocol-log":
			cfg.ProtocolLog = protocolLog
		}
	})
}

// loadIdentity reads the certificate chain, key and trust anchors used for
// CASE sessions.
func loadIdentity(cfg *config.Device, sim *devicesim.Config) error {
	data, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return err
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			sim.Chain = append(sim.Chain, block.Bytes)
		}
	}
	if len(sim.Chain) == 0 {
		return fmt.Errorf("%s: no certificates found", cfg.CertFile)
	}

	keyData, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return err
	}
	if sim.Key, err = cert.DecodeKeyPEM(keyData); err != nil {
		return fmt.Errorf("%s: %w", cfg.KeyFile, err)
	}

	if len(cfg.TrustAnchors) == 0 {
		return errors.New("trust_anchors are required with cert_file")
	}
	sim.Trust = cert.NewTrustStore()
	for _, path := range cfg.TrustAnchors {
		if _, err := sim.Trust.LoadFile(path); err != nil {
			return err
		}
	}
	return nil
}

// stdLogWriter forwards to the standard logger's current output.
type stdLogWriter struct{}

func (stdLogWriter) Write(p []byte) (int, error) {
	return log.Writer().Write(p)
}

func setupLogging(level slog.Level) {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	switch {
	case level <= slog.LevelDebug:
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
	case level >= slog.LevelWarn:
		log.SetFlags(log.Ltime)
	}
}
