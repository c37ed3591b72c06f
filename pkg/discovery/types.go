package discovery

import (
	"errors"
	"time"
)

// Service type constants for mDNS.
const (
	// ServiceType is the service type devices advertise.
	ServiceType = "_devmgr._udp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the Identify/message port.
	DefaultPort = 11095
)

// TXT record keys.
const (
	TXTKeyDeviceID   = "DI" // Device id (16 hex chars)
	TXTKeyVendorProd = "VP" // Vendor:Product ids (hex)
	TXTKeyFabricID   = "FI" // Fabric id (16 hex chars, optional)
	TXTKeySerial     = "SN" // Serial number (optional)
)

// Timing constants.
const (
	// BrowseTimeout is the default timeout for mDNS browsing.
	BrowseTimeout = 10 * time.Second
)

// Limits.
const (
	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63

	// IDLength is the hex length of a 64-bit id.
	IDLength = 16

	// DefaultSeenCapacity is the initial room for responders remembered
	// during one enumeration.
	DefaultSeenCapacity = 256
)

// Discovery errors.
var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrNotFound            = errors.New("service not found")
)

// DeviceInfo is what a device advertises over mDNS.
type DeviceInfo struct {
	DeviceID     uint64
	VendorID     uint16
	ProductID    uint16
	FabricID     uint64
	SerialNumber string
	Port         uint16
}

// DeviceService is a device found via mDNS.
type DeviceService struct {
	// InstanceName is the mDNS instance name.
	InstanceName string

	// Host is the hostname.
	Host string

	// Port is the service port.
	Port uint16

	// Addresses contains resolved IP addresses.
	Addresses []string

	DeviceInfo
}

// AdvertiserConfig configures an MDNSAdvertiser.
type AdvertiserConfig struct {
	// Interface restricts advertising to one interface. Empty means all.
	Interface string

	// TTL for mDNS records. Zero uses the library default.
	TTL time.Duration
}

// LocatorConfig configures an MDNSLocator.
type LocatorConfig struct {
	// Interface restricts browsing to one interface. Empty means all.
	Interface string

	// BrowseTimeout bounds Locate when the context has no deadline.
	BrowseTimeout time.Duration
}

// DefaultLocatorConfig returns the default locator configuration.
func DefaultLocatorConfig() LocatorConfig {
	return LocatorConfig{BrowseTimeout: BrowseTimeout}
}
