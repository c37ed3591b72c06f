package wire

// NetworkType identifies a network technology.
type NetworkType uint8

// Network types.
const (
	NetworkTypeWiFi   NetworkType = 1
	NetworkTypeThread NetworkType = 2
)

// WiFi security types.
const (
	WiFiSecurityNone    uint8 = 1
	WiFiSecurityWEP     uint8 = 2
	WiFiSecurityWPAPSK  uint8 = 3
	WiFiSecurityWPA2PSK uint8 = 4
	WiFiSecurityWPA3SAE uint8 = 5
	WiFiSecurityUnknown uint8 = 0xFF
)

// GetNetworks flags.
const (
	GetNetworksIncludeCredentials uint8 = 0x01
)

// Rendezvous mode bits for SetRendezvousMode.
const (
	RendezvousModeEnableWiFiAP uint16 = 0x0001
	RendezvousModeEnableThread uint16 = 0x0002
	RendezvousModeEnableBLE    uint16 = 0x0004
)

// NetworkInfo describes a provisioned or scanned network.
type NetworkInfo struct {
	NetworkID      uint32      `cbor:"1,keyasint,omitempty"`
	Type           NetworkType `cbor:"2,keyasint"`
	WiFiSSID       string      `cbor:"3,keyasint,omitempty"`
	WiFiSecurity   uint8       `cbor:"4,keyasint,omitempty"`
	WiFiKey        []byte      `cbor:"5,keyasint,omitempty"`
	ThreadName     string      `cbor:"6,keyasint,omitempty"`
	ThreadPANID    uint16      `cbor:"7,keyasint,omitempty"`
	ThreadChannel  uint8       `cbor:"8,keyasint,omitempty"`
	ThreadKey      []byte      `cbor:"9,keyasint,omitempty"`
	SignalStrength int16       `cbor:"10,keyasint,omitempty"`
}

// ScanNetworksRequest starts a network scan.
type ScanNetworksRequest struct {
	Type NetworkType `cbor:"1,keyasint"`
}

// NetworkList is the response to a scan or a GetNetworks request.
type NetworkList struct {
	Networks []NetworkInfo `cbor:"1,keyasint"`
}

// NetworkIDRequest addresses a provisioned network.
type NetworkIDRequest struct {
	NetworkID uint32 `cbor:"1,keyasint"`
}

// AddNetworkComplete carries the id assigned to a new network.
type AddNetworkComplete struct {
	NetworkID uint32 `cbor:"1,keyasint"`
}

// GetNetworksRequest lists provisioned networks.
type GetNetworksRequest struct {
	Flags uint8 `cbor:"1,keyasint,omitempty"`
}

// SetRendezvousModeRequest selects the rendezvous interfaces to enable.
type SetRendezvousModeRequest struct {
	Modes uint16 `cbor:"1,keyasint"`
}

// FabricConfig is the opaque configuration needed to join a fabric.
type FabricConfig struct {
	FabricID uint64 `cbor:"1,keyasint"`
	Config   []byte `cbor:"2,keyasint,omitempty"`
}

// RegisterServiceRequest pairs the device with a service account.
type RegisterServiceRequest struct {
	ServiceID       uint64 `cbor:"1,keyasint"`
	AccountID       string `cbor:"2,keyasint"`
	ServiceConfig   []byte `cbor:"3,keyasint,omitempty"`
	PairingToken    []byte `cbor:"4,keyasint,omitempty"`
	PairingInitData []byte `cbor:"5,keyasint,omitempty"`
}

// UpdateServiceRequest replaces a service configuration.
type UpdateServiceRequest struct {
	ServiceID     uint64 `cbor:"1,keyasint"`
	ServiceConfig []byte `cbor:"2,keyasint,omitempty"`
}

// UnregisterServiceRequest removes a service.
type UnregisterServiceRequest struct {
	ServiceID uint64 `cbor:"1,keyasint"`
}

// Fail-safe arm modes.
const (
	FailSafeArmNew         uint8 = 1
	FailSafeArmResume      uint8 = 2
	FailSafeArmResumeOrNew uint8 = 3
)

// ArmFailSafeRequest arms the device fail-safe.
type ArmFailSafeRequest struct {
	Mode  uint8  `cbor:"1,keyasint"`
	Token uint32 `cbor:"2,keyasint"`
}

// Reset config flags.
const (
	ResetNetworkConfig uint16 = 0x0001
	ResetFabricConfig  uint16 = 0x0002
	ResetServiceConfig uint16 = 0x0004
	ResetFactory       uint16 = 0x8000
	ResetAll           uint16 = 0x00FF
)

// ResetConfigRequest resets parts of the device configuration.
type ResetConfigRequest struct {
	Flags uint16 `cbor:"1,keyasint"`
}

// ConnectionMonitorRequest enables peer keep-alives. Durations are in
// milliseconds.
type ConnectionMonitorRequest struct {
	IntervalMs uint32 `cbor:"1,keyasint"`
	TimeoutMs  uint32 `cbor:"2,keyasint"`
}

// SystemTestRequest starts a device self test.
type SystemTestRequest struct {
	Profile ProfileID `cbor:"1,keyasint"`
	TestID  uint32    `cbor:"2,keyasint"`
}

// PairTokenRequest hands the device a pairing token.
type PairTokenRequest struct {
	Token []byte `cbor:"1,keyasint"`
}

// PairTokenComplete returns the token bundle issued by the device.
type PairTokenComplete struct {
	TokenBundle []byte `cbor:"1,keyasint"`
}

// RegulatoryConfig is the wireless regulatory configuration of a device.
type RegulatoryConfig struct {
	RegulatoryDomain  string   `cbor:"1,keyasint,omitempty"`
	OperatingLocation uint8    `cbor:"2,keyasint,omitempty"`
	SupportedDomains  []string `cbor:"3,keyasint,omitempty"`
}

// Operating locations.
const (
	LocationUnknown  uint8 = 0
	LocationIndoors  uint8 = 1
	LocationOutdoors uint8 = 2
)
