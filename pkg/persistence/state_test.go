package persistence

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

func testState() *DeviceState {
	return &DeviceState{
		Networks: []Network{
			{NetworkInfo: wire.NetworkInfo{NetworkID: 1, Type: wire.NetworkTypeWiFi, WiFiSSID: "home", WiFiKey: []byte("secret")}, Enabled: true},
			{NetworkInfo: wire.NetworkInfo{NetworkID: 2, Type: wire.NetworkTypeThread, ThreadName: "mesh", ThreadKey: []byte{1, 2, 3}}},
		},
		NextNetworkID: 3,
		FabricID:      0x1122334455667788,
		FabricConfig:  []byte{0xA1, 0x01},
		Services:      []Service{{ServiceID: 7, AccountID: "acct", Config: []byte("cfg")}},
		Regulatory:    wire.RegulatoryConfig{RegulatoryDomain: "DE", SupportedDomains: []string{"DE", "US"}},
		PairedToken:   []byte("token"),
	}
}

func TestDeviceStateStore(t *testing.T) {
	t.Run("SaveAndLoad", func(t *testing.T) {
		store := NewDeviceStateStore(filepath.Join(t.TempDir(), "sub", "state.json"))

		if err := store.Save(testState()); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got.Version != StateVersion {
			t.Errorf("Version = %d, want %d", got.Version, StateVersion)
		}
		if got.SavedAt.IsZero() {
			t.Error("SavedAt not set")
		}
		if len(got.Networks) != 2 || got.Networks[0].WiFiSSID != "home" || !got.Networks[0].Enabled {
			t.Errorf("Networks = %+v", got.Networks)
		}
		if got.Networks[1].Enabled {
			t.Error("second network should be disabled")
		}
		if got.FabricID != 0x1122334455667788 || !bytes.Equal(got.FabricConfig, []byte{0xA1, 0x01}) {
			t.Errorf("fabric = %x %x", got.FabricID, got.FabricConfig)
		}
		if got.Regulatory.RegulatoryDomain != "DE" {
			t.Errorf("RegulatoryDomain = %q", got.Regulatory.RegulatoryDomain)
		}
		if _, err := os.Stat(store.Path() + ".tmp"); !os.IsNotExist(err) {
			t.Errorf("temporary file left behind: %v", err)
		}
	})

	t.Run("LoadNonExistent", func(t *testing.T) {
		store := NewDeviceStateStore(filepath.Join(t.TempDir(), "nonexistent.json"))
		got, err := store.Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if got != nil {
			t.Errorf("Load() = %v, want nil for non-existent file", got)
		}
	})

	t.Run("LoadCorrupt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := NewDeviceStateStore(path).Load(); err == nil {
			t.Error("Load() should fail on corrupt file")
		}
	})

	t.Run("Clear", func(t *testing.T) {
		store := NewDeviceStateStore(filepath.Join(t.TempDir(), "state.json"))
		if err := store.Clear(); err != nil {
			t.Fatalf("Clear() on missing file error = %v", err)
		}
		if err := store.Save(&DeviceState{}); err != nil {
			t.Fatal(err)
		}
		if err := store.Clear(); err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		if got, _ := store.Load(); got != nil {
			t.Errorf("Load() after Clear() = %v, want nil", got)
		}
	})
}

func TestDeviceStateClone(t *testing.T) {
	orig := testState()
	c := orig.Clone()

	c.Networks[0].WiFiKey[0] = 'X'
	c.Networks = append(c.Networks, Network{})
	c.Services[0].Config[0] = 'X'
	c.FabricConfig[0] = 0
	c.Regulatory.SupportedDomains[0] = "FR"

	if string(orig.Networks[0].WiFiKey) != "secret" {
		t.Error("network key shared with clone")
	}
	if len(orig.Networks) != 2 {
		t.Error("network list shared with clone")
	}
	if string(orig.Services[0].Config) != "cfg" {
		t.Error("service config shared with clone")
	}
	if orig.FabricConfig[0] != 0xA1 {
		t.Error("fabric config shared with clone")
	}
	if orig.Regulatory.SupportedDomains[0] != "DE" {
		t.Error("supported domains shared with clone")
	}
}

func TestDeviceStateLookup(t *testing.T) {
	s := testState()
	if i := s.Network(2); i != 1 {
		t.Errorf("Network(2) = %d, want 1", i)
	}
	if i := s.Network(9); i != -1 {
		t.Errorf("Network(9) = %d, want -1", i)
	}
	if i := s.Service(7); i != 0 {
		t.Errorf("Service(7) = %d, want 0", i)
	}
}
