package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

const vendorOther uint16 = 0x1234

func descriptor(vendor, product uint16, fabric uint64) *wire.DeviceDescriptor {
	return &wire.DeviceDescriptor{VendorID: vendor, ProductID: product, FabricID: fabric}
}

func TestCriteriaMatch(t *testing.T) {
	tests := []struct {
		name     string
		criteria Criteria
		source   uint64
		desc     *wire.DeviceDescriptor
		want     bool
	}{
		{
			name:     "any matches everything",
			criteria: AnyDevice(),
			source:   7,
			desc:     descriptor(vendorOther, 0x0042, 99),
			want:     true,
		},
		{
			name:     "vendor wildcard ignores product",
			criteria: Criteria{TargetFabricID: FabricAny, TargetVendorID: VendorAny, TargetProductID: 0x0001, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(vendorOther, 0x0099, 0),
			want:     true,
		},
		{
			name:     "explicit vendor mismatch",
			criteria: Criteria{TargetFabricID: FabricAny, TargetVendorID: wire.VendorReference, TargetProductID: ProductAny, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(vendorOther, 0x0001, 0),
			want:     false,
		},
		{
			name:     "explicit product match",
			criteria: Criteria{TargetFabricID: FabricAny, TargetVendorID: vendorOther, TargetProductID: 0x0042, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(vendorOther, 0x0042, 0),
			want:     true,
		},
		{
			name:     "explicit product mismatch",
			criteria: Criteria{TargetFabricID: FabricAny, TargetVendorID: vendorOther, TargetProductID: 0x0042, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(vendorOther, 0x0043, 0),
			want:     false,
		},
		{
			name:     "thermostat family member",
			criteria: Criteria{TargetFabricID: FabricAny, TargetVendorID: wire.VendorReference, TargetProductID: ProductWildcardThermostat, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(wire.VendorReference, wire.ProductThermostatModelB, 0),
			want:     true,
		},
		{
			name:     "thermostat family from other vendor",
			criteria: Criteria{TargetFabricID: FabricAny, TargetVendorID: wire.VendorReference, TargetProductID: ProductWildcardThermostat, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(vendorOther, wire.ProductThermostatModelB, 0),
			want:     false,
		},
		{
			name:     "thermostat family excludes camera",
			criteria: Criteria{TargetFabricID: FabricAny, TargetVendorID: wire.VendorReference, TargetProductID: ProductWildcardThermostat, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(wire.VendorReference, wire.ProductCamera, 0),
			want:     false,
		},
		{
			name:     "family wildcard does not expand for other vendors",
			criteria: Criteria{TargetFabricID: FabricAny, TargetVendorID: vendorOther, TargetProductID: ProductWildcardThermostat, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(vendorOther, wire.ProductThermostatModelA, 0),
			want:     false,
		},
		{
			name:     "smoke detector family",
			criteria: Criteria{TargetFabricID: FabricAny, TargetVendorID: wire.VendorReference, TargetProductID: ProductWildcardSmokeDetector, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(wire.VendorReference, wire.ProductSmokeDetector, 0),
			want:     true,
		},
		{
			name:     "camera family",
			criteria: Criteria{TargetFabricID: FabricAny, TargetVendorID: wire.VendorReference, TargetProductID: ProductWildcardCamera, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(wire.VendorReference, wire.ProductCamera, 0),
			want:     true,
		},
		{
			name:     "any in fabric rejects unprovisioned",
			criteria: Criteria{TargetFabricID: FabricAnyInFabric, TargetVendorID: VendorAny, TargetProductID: ProductAny, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(vendorOther, 1, 0),
			want:     false,
		},
		{
			name:     "any in fabric accepts member",
			criteria: Criteria{TargetFabricID: FabricAnyInFabric, TargetVendorID: VendorAny, TargetProductID: ProductAny, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(vendorOther, 1, 5),
			want:     true,
		},
		{
			name:     "not in fabric rejects member",
			criteria: Criteria{TargetFabricID: FabricNotInFabric, TargetVendorID: VendorAny, TargetProductID: ProductAny, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(vendorOther, 1, 5),
			want:     false,
		},
		{
			name:     "explicit fabric",
			criteria: Criteria{TargetFabricID: 5, TargetVendorID: VendorAny, TargetProductID: ProductAny, TargetDeviceID: DeviceAny},
			source:   7,
			desc:     descriptor(vendorOther, 1, 6),
			want:     false,
		},
		{
			name:     "device id must equal source",
			criteria: ForDevice(42),
			source:   43,
			desc:     descriptor(vendorOther, 1, 0),
			want:     false,
		},
		{
			name:     "device id matches source",
			criteria: ForDevice(42),
			source:   42,
			desc:     descriptor(vendorOther, 1, 0),
			want:     true,
		},
		{
			name:     "nil descriptor",
			criteria: AnyDevice(),
			source:   42,
			desc:     nil,
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Match(tt.source, tt.desc))
		})
	}
}

func TestCriteriaRequest(t *testing.T) {
	c := Criteria{
		TargetFabricID:  FabricNotInFabric,
		TargetModes:     wire.ModeUserSelected,
		TargetVendorID:  wire.VendorReference,
		TargetProductID: ProductWildcardCamera,
		TargetDeviceID:  42,
	}

	req := c.Request()
	assert.Equal(t, FabricNotInFabric, req.TargetFabricID)
	assert.Equal(t, wire.ModeUserSelected, req.TargetModes)
	assert.Equal(t, wire.VendorReference, req.TargetVendorID)
	assert.Equal(t, ProductWildcardCamera, req.TargetProductID)
}

func TestCriteriaMatchInfo(t *testing.T) {
	c := ForDevice(42)
	c.TargetVendorID = wire.VendorReference
	c.TargetProductID = ProductWildcardThermostat

	assert.True(t, c.MatchInfo(&DeviceInfo{DeviceID: 42, VendorID: wire.VendorReference, ProductID: wire.ProductThermostatModelC}))
	assert.False(t, c.MatchInfo(&DeviceInfo{DeviceID: 41, VendorID: wire.VendorReference, ProductID: wire.ProductThermostatModelC}))
	assert.False(t, c.MatchInfo(nil))
}

func TestCriteriaString(t *testing.T) {
	assert.Equal(t, "fabric=any vendor=0xFFFF product=0xFFFF modes=0x0000 device=any", AnyDevice().String())
	assert.Contains(t, ForDevice(0x2A).String(), "device=000000000000002A")
}
