// Command devmgr is an interactive device manager. It discovers devices,
// connects to them and drives network, fabric and service provisioning.
//
// Usage:
//
//	devmgr [flags]
//
// Flags:
//
//	-config string         Configuration file path (YAML)
//	-node-id string        Local node id, hex (default "0000000000000001")
//	-interface string      Network interface for multicast
//	-log-level string      Log level: debug, info, warn, error (default "info")
//	-protocol-log string   Write protocol events to this file (CBOR)
//	-metrics string        Serve Prometheus metrics on this address
//	-trust-anchor string   PEM file of CA certificates for access-token sessions
//	-auto-reconnect        Reconnect to the last device before requests
//
// Examples:
//
//	# Start with a protocol trace
//	devmgr -protocol-log session.dlog
//
//	# Start with metrics on :9464 and settings from a file
//	devmgr -config devmgr.yaml -metrics :9464
//
// Type "help" at the prompt for the list of commands.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mash-protocol/devmgr-go/cmd/devmgr/interactive"
	"github.com/mash-protocol/devmgr-go/internal/config"
	"github.com/mash-protocol/devmgr-go/internal/metrics"
	"github.com/mash-protocol/devmgr-go/pkg/cert"
	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/exchange"
	protolog "github.com/mash-protocol/devmgr-go/pkg/log"
	"github.com/mash-protocol/devmgr-go/pkg/security"
)

var (
	configFile    string
	nodeID        string
	iface         string
	logLevel      string
	protocolLog   string
	metricsAddr   string
	trustAnchor   string
	autoReconnect bool
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&nodeID, "node-id", "", "Local node id, hex")
	flag.StringVar(&iface, "interface", "", "Network interface for multicast")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&protocolLog, "protocol-log", "", "Write protocol events to this file (CBOR)")
	flag.StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&trustAnchor, "trust-anchor", "", "PEM file of CA certificates for access-token sessions")
	flag.BoolVar(&autoReconnect, "auto-reconnect", false, "Reconnect to the last device before requests")
}

func main() {
	flag.Parse()

	cfg, err := config.LoadManager(configFile)
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

	localID, _ := config.ParseNodeID(cfg.NodeID)
	log.Println("Device Manager")
	log.Println("==============")
	log.Printf("Node ID: %016X", localID)

	var protoLogger protolog.Logger
	if cfg.ProtocolLog != "" {
		fl, err := protolog.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			log.Fatalf("Failed to open protocol log: %v", err)
		}
		defer fl.Close()
		log.Printf("Protocol log: %s", cfg.ProtocolLog)
		protoLogger = fl
		if level == slog.LevelDebug {
			protoLogger = protolog.NewMultiLogger(fl, protolog.NewSlogAdapter(logger))
		}
	}

	layer, err := exchange.New(exchange.Config{
		NodeID:         localID,
		Interface:      cfg.Interface,
		Role:           protolog.RoleManager,
		ProtocolLogger: protoLogger,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("Failed to create message layer: %v", err)
	}
	defer layer.Close()

	dc := devmgr.DefaultConfig()
	dc.Layer = layer
	dc.Security = security.NewManager(security.Config{Layer: layer, Keys: layer, Logger: logger})
	dc.ProtocolLogger = protoLogger
	dc.Logger = logger
	cfg.Apply(&dc)

	if len(cfg.TrustAnchors) > 0 {
		store := cert.NewTrustStore()
		for _, path := range cfg.TrustAnchors {
			n, err := store.LoadFile(path)
			if err != nil {
				log.Fatalf("Failed to load trust anchors: %v", err)
			}
			log.Printf("Loaded %d trust anchor(s) from %s", n, path)
		}
		dc.TrustStore = store
	}

	if cfg.MetricsAddress != "" {
		reg := prometheus.NewRegistry()
		collector, err := metrics.New(reg)
		if err != nil {
			log.Fatalf("Failed to register metrics: %v", err)
		}
		dc.Metrics = collector
		srv := serveMetrics(cfg.MetricsAddress, reg)
		defer srv.Close()
	}

	mgr, err := devmgr.New(dc)
	if err != nil {
		log.Fatalf("Failed to create device manager: %v", err)
	}
	mgr.SetConnectionClosedHandler(func(err error) {
		if err != nil {
			log.Printf("[EVENT] Connection closed: %v", err)
			return
		}
		log.Println("[EVENT] Connection closed by device")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ic, err := interactive.New(mgr, cfg.Interface)
	if err != nil {
		log.Fatalf("Failed to create interactive shell: %v", err)
	}
	// Log through readline so output does not garble the prompt.
	log.SetOutput(ic.Stdout())
	go ic.Run(ctx, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	cancel()
	if err := mgr.Close(true); err != nil {
		log.Printf("Error closing device manager: %v", err)
	}
	log.Println("Goodbye!")
}

// applyFlags overrides file settings with flags given on the command line.
func applyFlags(cfg *config.Manager) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node-id":
			cfg.NodeID = nodeID
		case "interface":
			cfg.Interface = iface
		case "log-level":
			cfg.LogLevel = logLevel
		case "protocol-log":
			cfg.ProtocolLog = protocolLog
		case "metrics":
			cfg.MetricsAddress = metricsAddr
		case "trust-anchor":
			cfg.TrustAnchors = append(cfg.TrustAnchors, trustAnchor)
		case "auto-reconnect":
			cfg.AutoReconnect = autoReconnect
		}
	})
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	return srv
}

// stdLogWriter forwards to the standard logger's current output, which
// moves to readline once the shell starts.
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
