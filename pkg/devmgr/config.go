package devmgr

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mash-protocol/devmgr-go/pkg/cert"
	"github.com/mash-protocol/devmgr-go/pkg/discovery"
	"github.com/mash-protocol/devmgr-go/pkg/log"
)

// Default timing.
const (
	// DefaultConnectTimeout bounds locating, connecting and authenticating.
	DefaultConnectTimeout = 60 * time.Second

	// DefaultIdentifyRetryInterval is the Identify resend interval.
	DefaultIdentifyRetryInterval = time.Second

	// DefaultSessionBusyRetries is how often a busy peer is retried.
	DefaultSessionBusyRetries = 4

	// DefaultSessionBusyBackoff is the delay before retrying a busy peer.
	DefaultSessionBusyBackoff = time.Second

	// RemotePassiveRendezvousGrace is added to the rendezvous timeout the
	// assisting device enforces, so its own timeout report arrives first.
	RemotePassiveRendezvousGrace = 5 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Layer creates connections and exchanges. Required.
	Layer MessageLayer

	// Security negotiates PASE and CASE sessions. Required.
	Security SecurityManager

	// TrustStore holds the anchors device certificates are validated
	// against. Required for access token credentials.
	TrustStore *cert.TrustStore

	// ConnectTimeout bounds a connect sequence from the first Identify to
	// the established session (default: 60s).
	ConnectTimeout time.Duration

	// IdentifyRetryInterval is the Identify resend interval (default: 1s).
	IdentifyRetryInterval time.Duration

	// ResponseTimeout bounds each request. Zero waits indefinitely.
	ResponseTimeout time.Duration

	// SessionBusyRetries and SessionBusyBackoff control retries when the
	// device reports it is busy (defaults: 4, 1s). Negative retries
	// disable retrying.
	SessionBusyRetries int
	SessionBusyBackoff time.Duration

	// AutoReconnect lets requests issued while disconnected reconnect to
	// the last device first.
	AutoReconnect bool

	// RendezvousLinkLocal restricts multicast Identify requests to
	// link-local source addresses.
	RendezvousLinkLocal bool

	// EnumerationCapacity is the initial room for devices remembered during
	// one enumeration. The set grows past it (default:
	// discovery.DefaultSeenCapacity).
	EnumerationCapacity int

	// Clock drives all timers. Nil selects the wall clock.
	Clock clock.Clock

	// Metrics receives operation and connection counters. Nil disables it.
	Metrics Metrics

	// ProtocolLogger receives state change events. Nil disables it.
	ProtocolLogger log.Logger

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with default timing. Layer and
// Security still need to be set.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:        DefaultConnectTimeout,
		IdentifyRetryInterval: DefaultIdentifyRetryInterval,
		SessionBusyRetries:    DefaultSessionBusyRetries,
		SessionBusyBackoff:    DefaultSessionBusyBackoff,
		EnumerationCapacity:   discovery.DefaultSeenCapacity,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Layer == nil {
		return fmt.Errorf("%w: message layer is required", ErrInvalidArgument)
	}
	if c.Security == nil {
		return fmt.Errorf("%w: security manager is required", ErrInvalidArgument)
	}
	if c.ConnectTimeout < 0 || c.IdentifyRetryInterval < 0 || c.ResponseTimeout < 0 || c.SessionBusyBackoff < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidArgument)
	}
	return nil
}

// applyDefaults fills zero values with defaults.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.IdentifyRetryInterval == 0 {
		c.IdentifyRetryInterval = d.IdentifyRetryInterval
	}
	if c.SessionBusyRetries == 0 {
		c.SessionBusyRetries = d.SessionBusyRetries
	}
	if c.SessionBusyBackoff == 0 {
		c.SessionBusyBackoff = d.SessionBusyBackoff
	}
	if c.EnumerationCapacity <= 0 {
		c.EnumerationCapacity = d.EnumerationCapacity
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Metrics == nil {
		c.Metrics = NoopMetrics{}
	}
	c.ProtocolLogger = log.OrNoop(c.ProtocolLogger)
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}
