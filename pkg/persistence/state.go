package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// DeviceState is the provisioned configuration of a device.
type DeviceState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	Networks      []Network `json:"networks,omitempty"`
	NextNetworkID uint32    `json:"next_network_id,omitempty"`

	// FabricID is zero while the device is not in a fabric.
	FabricID     uint64 `json:"fabric_id,omitempty"`
	FabricConfig []byte `json:"fabric_config,omitempty"`

	Services []Service `json:"services,omitempty"`

	RendezvousModes uint16 `json:"rendezvous_modes,omitempty"`

	Regulatory wire.RegulatoryConfig `json:"regulatory"`

	// PairedToken is the token handed over by the last PairToken request.
	PairedToken []byte `json:"paired_token,omitempty"`
}

// Network is a provisioned network.
type Network struct {
	wire.NetworkInfo
	Enabled bool `json:"enabled"`
}

// Service is a registered service account.
type Service struct {
	ServiceID uint64 `json:"service_id"`
	AccountID string `json:"account_id"`
	Config    []byte `json:"config,omitempty"`
}

// Clone returns a deep copy of the state.
func (s *DeviceState) Clone() *DeviceState {
	c := *s
	c.Networks = make([]Network, len(s.Networks))
	for i, n := range s.Networks {
		n.WiFiKey = slices.Clone(n.WiFiKey)
		n.ThreadKey = slices.Clone(n.ThreadKey)
		c.Networks[i] = n
	}
	c.Services = make([]Service, len(s.Services))
	for i, svc := range s.Services {
		svc.Config = slices.Clone(svc.Config)
		c.Services[i] = svc
	}
	c.FabricConfig = slices.Clone(s.FabricConfig)
	c.PairedToken = slices.Clone(s.PairedToken)
	c.Regulatory.SupportedDomains = slices.Clone(s.Regulatory.SupportedDomains)
	return &c
}

// Network returns the index of the network with the given id, or -1.
func (s *DeviceState) Network(id uint32) int {
	return slices.IndexFunc(s.Networks, func(n Network) bool { return n.NetworkID == id })
}

// Service returns the index of the service with the given id, or -1.
func (s *DeviceState) Service(id uint64) int {
	return slices.IndexFunc(s.Services, func(svc Service) bool { return svc.ServiceID == id })
}

// DeviceStateStore manages persistence of device state to a JSON file.
type DeviceStateStore struct {
	mu   sync.Mutex
	path string
}

// NewDeviceStateStore creates a new device state store.
func NewDeviceStateStore(path string) *DeviceStateStore {
	return &DeviceStateStore{path: path}
}

// Path returns the state file path.
func (s *DeviceStateStore) Path() string {
	return s.path
}

// Save persists the device state to disk.
func (s *DeviceStateStore) Save(state *DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	state.Version = StateVersion
	state.SavedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	// Write-then-rename so a crash never leaves a truncated file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load reads the device state from disk.
// Returns nil, nil if the file doesn't exist (empty state).
func (s *DeviceStateStore) Load() (*DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &DeviceState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Clear removes the state file.
func (s *DeviceStateStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
