// Package config loads the YAML configuration files of the devmgr and
// devmgr-sim commands. Flags given on the command line override the file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
)

// Configuration errors.
var (
	ErrInvalidNodeID   = errors.New("invalid node id")
	ErrInvalidLogLevel = errors.New("invalid log level")
)

// LoadError describes a configuration file that could not be used.
type LoadError struct {
	// File is the path of the configuration file.
	File string

	// Message describes the error.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return e.File + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.File + ": " + e.Message
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Manager configures the device manager command.
type Manager struct {
	// NodeID is the local node id, hex encoded.
	NodeID string `yaml:"node_id"`

	// Interface restricts multicast to one network interface.
	Interface string `yaml:"interface"`

	LogLevel string `yaml:"log_level"`

	// ProtocolLog is the path of the CBOR protocol event trace.
	ProtocolLog string `yaml:"protocol_log"`

	// MetricsAddress serves Prometheus metrics when set, e.g. ":9464".
	MetricsAddress string `yaml:"metrics_address"`

	// TrustAnchors are PEM files holding the certificates that device
	// chains must lead to for access-token sessions.
	TrustAnchors []string `yaml:"trust_anchors"`

	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ResponseTimeout     time.Duration `yaml:"response_timeout"`
	AutoReconnect       bool          `yaml:"auto_reconnect"`
	RendezvousLinkLocal bool          `yaml:"rendezvous_link_local"`
	SessionBusyRetries  int           `yaml:"session_busy_retries"`
	SessionBusyBackoff  time.Duration `yaml:"session_busy_backoff"`
}

// DefaultManager returns the manager defaults.
func DefaultManager() *Manager {
	d := devmgr.DefaultConfig()
	return &Manager{
		NodeID:             "0000000000000001",
		LogLevel:           "info",
		ConnectTimeout:     d.ConnectTimeout,
		ResponseTimeout:    d.ResponseTimeout,
		SessionBusyRetries: d.SessionBusyRetries,
		SessionBusyBackoff: d.SessionBusyBackoff,
	}
}

// Validate checks the manager configuration.
func (c *Manager) Validate() error {
	if _, err := ParseNodeID(c.NodeID); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ConnectTimeout < 0 || c.ResponseTimeout < 0 || c.SessionBusyBackoff < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.SessionBusyRetries < 0 {
		return errors.New("session_busy_retries must not be negative")
	}
	return nil
}

// Apply copies the settings into a device manager configuration.
func (c *Manager) Apply(dc *devmgr.Config) {
	if c.ConnectTimeout > 0 {
		dc.ConnectTimeout = c.ConnectTimeout
	}
	if c.ResponseTimeout > 0 {
		dc.ResponseTimeout = c.ResponseTimeout
	}
	if c.SessionBusyBackoff > 0 {
		dc.SessionBusyBackoff = c.SessionBusyBackoff
	}
	dc.SessionBusyRetries = c.SessionBusyRetries
	dc.AutoReconnect = c.AutoReconnect
	dc.RendezvousLinkLocal = c.RendezvousLinkLocal
}

// Device configures the device simulator command.
type Device struct {
	NodeID          string `yaml:"node_id"`
	VendorID        uint16 `yaml:"vendor_id"`
	ProductID       uint16 `yaml:"product_id"`
	ProductRevision uint16 `yaml:"product_revision"`
	SerialNumber    string `yaml:"serial_number"`

	// PairingCode authenticates PASE sessions.
	PairingCode string `yaml:"pairing_code"`

	// Port is used for both the UDP endpoint and the TCP listener.
	Port      int    `yaml:"port"`
	Interface string `yaml:"interface"`

	// Advertise publishes the device over mDNS.
	Advertise bool `yaml:"advertise"`

	// StateFile persists the provisioned configuration across restarts.
	StateFile string `yaml:"state_file"`

	// Operational identity for CASE sessions, PEM encoded. Optional.
	CertFile     string   `yaml:"cert_file"`
	KeyFile      string   `yaml:"key_file"`
	TrustAnchors []string `yaml:"trust_anchors"`

	LogLevel    string `yaml:"log_level"`
	ProtocolLog string `yaml:"protocol_log"`
}

// DefaultDevice returns the simulator defaults: a reference thermostat.
func DefaultDevice() *Device {
	return &Device{
		NodeID:       "18B4300000000001",
		VendorID:     0x235A,
		ProductID:    0x0001,
		SerialNumber: "SIM-0001",
		PairingCode:  "11223344556",
		Port:         11095,
		LogLevel:     "info",
	}
}

// Validate checks the simulator configuration.
func (c *Device) Validate() error {
	if _, err := ParseNodeID(c.NodeID); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PairingCode == "" {
		return errors.New("pairing_code is required")
	}
	if c.Port < 0 || c.Port > 0xFFFF {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	return nil
}

// LoadManager reads a manager configuration file. An empty path returns
// the defaults.
func LoadManager(path string) (*Manager, error) {
	c := DefaultManager()
	if err := load(path, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, &LoadError{File: path, Message: "invalid configuration", Cause: err}
	}
	return c, nil
}

// LoadDevice reads a simulator configuration file. An empty path returns
// the defaults.
func LoadDevice(path string) (*Device, error) {
	c := DefaultDevice()
	if err := load(path, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, &LoadError{File: path, Message: "invalid configuration", Cause: err}
	}
	return c, nil
}

// load decodes the file over the defaults already in out. Unknown keys
// are rejected.
func load(path string, out any) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &LoadError{File: path, Message: "failed to parse YAML", Cause: err}
	}
	return nil
}

// ParseNodeID parses a hex node id with an optional 0x prefix.
func ParseNodeID(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" || len(s) > 16 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	return id, nil
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: %q (use: debug, info, warn, error)", ErrInvalidLogLevel, s)
}
