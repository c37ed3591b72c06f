package discovery

import (
	"fmt"
	"slices"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// Target fabric selectors.
const (
	FabricAny         = wire.TargetFabricAny
	FabricAnyInFabric = wire.TargetFabricAnyInFabric
	FabricNotInFabric = wire.TargetFabricNotInFabric
)

// Vendor and product selectors.
const (
	VendorAny                    = wire.VendorAny
	ProductAny                   = wire.ProductAny
	ProductWildcardThermostat    = wire.ProductWildcardThermostat
	ProductWildcardSmokeDetector = wire.ProductWildcardSmokeDetector
	ProductWildcardCamera        = wire.ProductWildcardCamera
)

// DeviceAny matches any source node id.
const DeviceAny uint64 = 0xFFFFFFFFFFFFFFFF

// Criteria select the devices that should answer an Identify request.
type Criteria struct {
	TargetFabricID  uint64
	TargetModes     uint16
	TargetVendorID  uint16
	TargetProductID uint16

	// TargetDeviceID must equal the responder's source node id unless it is
	// DeviceAny.
	TargetDeviceID uint64
}

// AnyDevice returns criteria that every device matches.
func AnyDevice() Criteria {
	return Criteria{
		TargetFabricID:  FabricAny,
		TargetModes:     wire.ModeAny,
		TargetVendorID:  VendorAny,
		TargetProductID: ProductAny,
		TargetDeviceID:  DeviceAny,
	}
}

// ForDevice returns criteria that only the given device matches.
func ForDevice(deviceID uint64) Criteria {
	c := AnyDevice()
	c.TargetDeviceID = deviceID
	return c
}

// Request builds the Identify request carrying the criteria.
func (c Criteria) Request() *wire.IdentifyRequest {
	return &wire.IdentifyRequest{
		TargetFabricID:  c.TargetFabricID,
		TargetModes:     c.TargetModes,
		TargetVendorID:  c.TargetVendorID,
		TargetProductID: c.TargetProductID,
	}
}

// Match reports whether an Identify response from sourceNodeID describing d
// satisfies the criteria.
func (c Criteria) Match(sourceNodeID uint64, d *wire.DeviceDescriptor) bool {
	if d == nil {
		return false
	}
	return c.match(sourceNodeID, d.VendorID, d.ProductID, d.FabricID)
}

// MatchInfo applies the criteria to an mDNS advertisement.
func (c Criteria) MatchInfo(info *DeviceInfo) bool {
	if info == nil {
		return false
	}
	return c.match(info.DeviceID, info.VendorID, info.ProductID, info.FabricID)
}

func (c Criteria) match(nodeID uint64, vendor, product uint16, fabric uint64) bool {
	if !c.matchFabric(fabric) {
		return false
	}
	if c.TargetVendorID != VendorAny {
		if vendor != c.TargetVendorID || !c.matchProduct(product) {
			return false
		}
	}
	return c.TargetDeviceID == DeviceAny || c.TargetDeviceID == nodeID
}

func (c Criteria) matchFabric(fabric uint64) bool {
	switch c.TargetFabricID {
	case FabricAny:
		return true
	case FabricAnyInFabric:
		return fabric != wire.TargetFabricNotInFabric
	case FabricNotInFabric:
		return fabric == wire.TargetFabricNotInFabric
	default:
		return fabric == c.TargetFabricID
	}
}

func (c Criteria) matchProduct(product uint16) bool {
	if c.TargetProductID == ProductAny {
		return true
	}
	if c.TargetVendorID == wire.VendorReference {
		if family := wire.ProductFamily(c.TargetProductID); family != nil {
			return slices.Contains(family, product)
		}
	}
	return product == c.TargetProductID
}

// String returns a compact description of the criteria.
func (c Criteria) String() string {
	dev := "any"
	if c.TargetDeviceID != DeviceAny {
		dev = formatID(c.TargetDeviceID)
	}
	return fmt.Sprintf("fabric=%s vendor=0x%04X product=0x%04X modes=0x%04X device=%s",
		fabricString(c.TargetFabricID), c.TargetVendorID, c.TargetProductID, c.TargetModes, dev)
}

func fabricString(f uint64) string {
	switch f {
	case FabricAny:
		return "any"
	case FabricAnyInFabric:
		return "any-in-fabric"
	case FabricNotInFabric:
		return "not-in-fabric"
	default:
		return formatID(f)
	}
}
