// Package devicesim is a simulated device: it answers Identify requests,
// accepts connections, negotiates PASE and CASE sessions and serves the
// provisioning and device control profiles a device manager drives.
package devicesim

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/mash-protocol/devmgr-go/pkg/cert"
	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/discovery"
	"github.com/mash-protocol/devmgr-go/pkg/exchange"
	"github.com/mash-protocol/devmgr-go/pkg/failsafe"
	"github.com/mash-protocol/devmgr-go/pkg/log"
	"github.com/mash-protocol/devmgr-go/pkg/persistence"
	"github.com/mash-protocol/devmgr-go/pkg/security"
	"github.com/mash-protocol/devmgr-go/pkg/transport"
	"github.com/mash-protocol/devmgr-go/pkg/version"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// MaxNetworks is the number of networks the device can hold.
const MaxNetworks = 4

// MaxServices is the number of service accounts the device can hold.
const MaxServices = 2

// Simulator errors.
var (
	ErrNotStarted     = errors.New("device not started")
	ErrAlreadyStarted = errors.New("device already started")
)

// Config configures a simulated device.
type Config struct {
	NodeID          uint64
	VendorID        uint16
	ProductID       uint16
	ProductRevision uint16
	SerialNumber    string
	Features        uint32

	// PairingCode authenticates PASE sessions.
	PairingCode []byte

	// Port is the UDP port. Zero selects transport.DefaultPort.
	Port int

	// ListenAddress is the TCP listen address. Empty selects ":<Port>".
	ListenAddress string

	Interface string

	// JoinMulticast answers multicast Identify requests.
	JoinMulticast bool

	// Advertise announces the device over mDNS.
	Advertise bool

	// Chain (leaf first, DER) and Key enable CASE. Trust validates
	// manager chains.
	Chain [][]byte
	Key   *ecdsa.PrivateKey
	Trust *cert.TrustStore

	// ScanResults are returned by network scans.
	ScanResults []wire.NetworkInfo

	// SupportedRegulatoryDomains limits SetWirelessRegulatoryConfig.
	// Empty accepts any domain.
	SupportedRegulatoryDomains []string

	// Store persists the provisioned configuration (optional).
	Store *persistence.DeviceStateStore

	// FailSafeDuration defaults to failsafe.DefaultDuration.
	FailSafeDuration time.Duration

	Clock          clock.Clock
	ProtocolLogger log.Logger

	// Logger for operational logging. Nil disables it.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.NodeID == 0 || c.NodeID == devmgr.AnyNodeID {
		return fmt.Errorf("invalid node id %016X", c.NodeID)
	}
	if len(c.PairingCode) == 0 {
		return errors.New("pairing code is required")
	}
	if (len(c.Chain) == 0) != (c.Key == nil) {
		return errors.New("certificate chain and key must be set together")
	}
	return nil
}

// Device is a simulated device.
type Device struct {
	config    Config
	logger    *slog.Logger
	clock     clock.Clock
	failSafe  *failsafe.Timer
	verifier  *security.PASEVerifier
	advertise *discovery.MDNSAdvertiser

	mu           sync.Mutex
	layer        *exchange.Layer
	responder    *security.Responder
	state        *persistence.DeviceState
	snapshot     *persistence.DeviceState
	conns        map[devmgr.Connection]*peer
	lastResult   *wire.StatusReport
	userSelected bool
	systemTest   *wire.SystemTestRequest
	rendezvous   *rendezvous
}

// peer is a connection to a device manager.
type peer struct {
	conn    devmgr.Connection
	keyID   uint16
	enc     wire.EncryptionType
	monitor *monitor
}

// New creates a device. Call Start to bring it online.
func New(cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = transport.DefaultPort
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = fmt.Sprintf(":%d", cfg.Port)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	verifier, err := security.NewPASEVerifier(cfg.PairingCode)
	if err != nil {
		return nil, err
	}

	d := &Device{
		config:   cfg,
		logger:   logger,
		clock:    cfg.Clock,
		verifier: verifier,
		state:    &persistence.DeviceState{NextNetworkID: 1},
		conns:    make(map[devmgr.Connection]*peer),
	}
	d.failSafe = failsafe.NewTimer(failsafe.Config{
		Duration: cfg.FailSafeDuration,
		Clock:    cfg.Clock,
		OnExpire: d.onFailSafeExpired,
	})
	if cfg.Advertise {
		d.advertise = discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{Interface: cfg.Interface})
	}

	if cfg.Store != nil {
		saved, err := cfg.Store.Load()
		if err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}
		if saved != nil {
			d.state = saved
			logger.Info("restored device state", "path", cfg.Store.Path(), "networks", len(saved.Networks), "fabric", fmt.Sprintf("%016X", saved.FabricID))
		}
	}
	if d.state.NextNetworkID == 0 {
		d.state.NextNetworkID = 1
	}
	return d, nil
}

// Start binds the endpoints and begins answering requests.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.layer != nil {
		return ErrAlreadyStarted
	}

	layer, err := exchange.New(exchange.Config{
		NodeID:         d.config.NodeID,
		UDPPort:        d.config.Port,
		PeerPort:       d.config.Port,
		Interface:      d.config.Interface,
		JoinMulticast:  d.config.JoinMulticast,
		ListenAddress:  d.config.ListenAddress,
		Role:           log.RoleDevice,
		ProtocolLogger: d.config.ProtocolLogger,
		Logger:         d.logger,
	})
	if err != nil {
		return err
	}

	responder := security.NewResponder(security.ResponderConfig{
		Layer:         layer,
		Keys:          layer,
		Verifier:      d.verifier,
		Chain:         d.config.Chain,
		Key:           d.config.Key,
		Trust:         d.config.Trust,
		OnEstablished: d.onSessionEstablished,
		Logger:        d.logger,
	})

	err = responder.Register()
	if err == nil {
		err = d.register(layer)
	}
	if err == nil {
		err = layer.StartListening(d.onAccept)
	}
	if err != nil {
		return multierr.Append(err, layer.Close())
	}

	d.layer, d.responder = layer, responder
	if d.advertise != nil {
		if err := d.advertise.Advertise(d.deviceInfo()); err != nil {
			d.logger.Warn("mDNS advertising failed", "error", err)
		}
	}

	d.logger.Info("device started",
		"node", fmt.Sprintf("%016X", d.config.NodeID),
		"udp_port", layer.UDPPort(),
		"listen", layer.ListenAddr())
	return nil
}

// Stop takes the device offline. The fail-safe is cancelled without a
// rollback.
func (d *Device) Stop() error {
	d.mu.Lock()
	layer := d.layer
	if layer == nil {
		d.mu.Unlock()
		return nil
	}
	d.layer, d.responder = nil, nil
	for _, p := range d.conns {
		p.stopMonitor()
	}
	clear(d.conns)
	d.endRendezvous()
	d.mu.Unlock()

	d.failSafe.Reset()
	if d.advertise != nil {
		d.advertise.Stop()
	}
	return multierr.Append(layer.StopListening(), layer.Close())
}

// NodeID returns the device node id.
func (d *Device) NodeID() uint64 {
	return d.config.NodeID
}

// UDPPort returns the bound UDP port, or zero before Start.
func (d *Device) UDPPort() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.layer == nil {
		return 0
	}
	return d.layer.UDPPort()
}

// ListenAddr returns the TCP listen address, or nil before Start.
func (d *Device) ListenAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.layer == nil {
		return nil
	}
	return d.layer.ListenAddr()
}

// Descriptor returns what the device reports in Identify responses.
func (d *Device) Descriptor() *wire.DeviceDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.descriptor()
}

func (d *Device) descriptor() *wire.DeviceDescriptor {
	return &wire.DeviceDescriptor{
		VendorID:        d.config.VendorID,
		ProductID:       d.config.ProductID,
		ProductRevision: d.config.ProductRevision,
		DeviceID:        d.config.NodeID,
		FabricID:        d.state.FabricID,
		SerialNumber:    d.config.SerialNumber,
		SoftwareVersion: version.Current,
		Features:        d.config.Features,
	}
}

func (d *Device) deviceInfo() *discovery.DeviceInfo {
	return &discovery.DeviceInfo{
		DeviceID:     d.config.NodeID,
		VendorID:     d.config.VendorID,
		ProductID:    d.config.ProductID,
		FabricID:     d.state.FabricID,
		SerialNumber: d.config.SerialNumber,
		Port:         uint16(d.config.Port),
	}
}

// State returns a copy of the provisioned configuration.
func (d *Device) State() *persistence.DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clone()
}

// FailSafe returns the fail-safe state.
func (d *Device) FailSafe() failsafe.State {
	return d.failSafe.State()
}

// Connections returns the number of connected managers.
func (d *Device) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// SetUserSelected marks the device as selected by the user, as if a
// button had been pressed. Identify requests that target user-selected
// devices are only answered while it is set.
func (d *Device) SetUserSelected(selected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userSelected = selected
}

// SetPairingCode replaces the PASE pairing code.
func (d *Device) SetPairingCode(code []byte) error {
	v, err := security.NewPASEVerifier(code)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verifier = v
	if d.responder != nil {
		d.responder.SetVerifier(v)
	}
	return nil
}

// JoinManager connects to a device manager waiting in passive rendezvous.
// The manager then opens a session over the connection.
func (d *Device) JoinManager(ctx context.Context, addr netip.AddrPort) error {
	d.mu.Lock()
	layer := d.layer
	d.mu.Unlock()
	if layer == nil {
		return ErrNotStarted
	}

	conn, err := layer.NewConnection()
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	conn.SetHandlers(devmgr.ConnectionHandlers{
		OnConnectComplete: func(_ devmgr.Connection, err error) { done <- err },
		OnClosed:          d.onConnectionClosed,
	})
	if err := conn.Connect(devmgr.PeerAddress{Addr: addr.Addr(), Port: addr.Port()}, devmgr.AuthNone); err != nil {
		return err
	}

	select {
	case err = <-done:
	case <-ctx.Done():
		conn.Abort()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.conns[conn] = &peer{conn: conn}
	d.mu.Unlock()
	d.logger.Info("joined manager", "addr", addr)
	return nil
}

func (d *Device) onAccept(conn devmgr.Connection) {
	conn.SetHandlers(devmgr.ConnectionHandlers{OnClosed: d.onConnectionClosed})

	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[conn] = &peer{conn: conn}
	d.logger.Info("manager connected", "addr", conn.PeerAddr())
}

func (d *Device) onConnectionClosed(conn devmgr.Connection, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropConnection(conn)
	d.logger.Info("manager disconnected", "addr", conn.PeerAddr(), "error", err)
}

// dropConnection forgets conn and everything bound to it.
func (d *Device) dropConnection(conn devmgr.Connection) {
	p, ok := d.conns[conn]
	if !ok {
		return
	}
	p.stopMonitor()
	delete(d.conns, conn)
	if r := d.rendezvous; r != nil && r.conn == conn {
		d.endRendezvous()
	}
	if d.layer != nil && p.keyID != wire.KeyIDNone {
		d.layer.RemoveSessionKey(conn, p.keyID)
	}
}

func (d *Device) onSessionEstablished(conn devmgr.Connection, keyID uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.conns[conn]
	if !ok {
		p = &peer{conn: conn}
		d.conns[conn] = p
	}
	p.keyID, p.enc = keyID, wire.EncryptionChaCha20Poly1305
	d.logger.Info("session established", "addr", conn.PeerAddr(), "key_id", keyID)
}

// save persists the configuration. Called with d.mu held.
func (d *Device) save() {
	if d.config.Store == nil {
		return
	}
	if err := d.config.Store.Save(d.state); err != nil {
		d.logger.Warn("saving device state failed", "error", err)
	}
}

// fabricChanged updates the mDNS advertisement. Called with d.mu held.
func (d *Device) fabricChanged() {
	if d.advertise == nil || d.layer == nil {
		return
	}
	if err := d.advertise.Update(d.deviceInfo()); err != nil {
		d.logger.Warn("mDNS update failed", "error", err)
	}
}

// onFailSafeExpired rolls the configuration back to the state it had when
// the fail-safe was armed.
func (d *Device) onFailSafeExpired(token uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.snapshot == nil {
		return
	}
	fabricBefore := d.state.FabricID
	d.state, d.snapshot = d.snapshot, nil
	d.save()
	if d.state.FabricID != fabricBefore {
		d.fabricChanged()
	}
	d.logger.Warn("fail-safe expired, configuration rolled back", "token", token)
}
