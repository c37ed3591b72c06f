package wire

import (
	"encoding/binary"
	"fmt"
)

// IdentifyRequestSize is the encoded size of an Identify request.
const IdentifyRequestSize = 14

// Target fabric id values with special meaning. Any other value names a
// specific fabric.
const (
	TargetFabricNotInFabric uint64 = 0
	TargetFabricAnyInFabric uint64 = 0xFFFFFFFFFFFFFF00
	TargetFabricAny         uint64 = 0xFFFFFFFFFFFFFFFF
)

// Target vendor and product wildcards.
const (
	VendorAny  uint16 = 0xFFFF
	ProductAny uint16 = 0xFFFF
)

// Product family wildcards. They only expand for VendorReference.
const (
	ProductWildcardThermostat    uint16 = 0xFFF0
	ProductWildcardSmokeDetector uint16 = 0xFFF1
	ProductWildcardCamera        uint16 = 0xFFF2
)

// Reference product ids, grouped by family.
const (
	ProductThermostatModelA uint16 = 0x0001
	ProductThermostatModelB uint16 = 0x0002
	ProductThermostatModelC uint16 = 0x0003
	ProductSmokeDetector    uint16 = 0x0005
	ProductCamera           uint16 = 0x0010
)

// ProductFamily returns the product ids a family wildcard stands for, or nil
// if product is not a family wildcard.
func ProductFamily(product uint16) []uint16 {
	switch product {
	case ProductWildcardThermostat:
		return []uint16{ProductThermostatModelA, ProductThermostatModelB, ProductThermostatModelC}
	case ProductWildcardSmokeDetector:
		return []uint16{ProductSmokeDetector}
	case ProductWildcardCamera:
		return []uint16{ProductCamera}
	}
	return nil
}

// Device mode bits carried in an Identify request.
const (
	ModeAny          uint16 = 0x0000
	ModeUserSelected uint16 = 0x0001
)

// Device feature bits reported in a DeviceDescriptor.
const (
	FeatureLinePowered uint32 = 1 << iota
	FeatureBLE
	FeatureThread
	FeatureWiFi
)

// IdentifyRequest asks devices matching the target fields to describe
// themselves.
//
// Binary layout (little-endian):
//
//	+-----------+-------+--------+---------+
//	| fabric id | modes | vendor | product |
//	| u64       | u16   | u16    | u16     |
//	+-----------+-------+--------+---------+
type IdentifyRequest struct {
	TargetFabricID  uint64
	TargetModes     uint16
	TargetVendorID  uint16
	TargetProductID uint16
}

// Encode returns the binary form of the request.
func (r *IdentifyRequest) Encode() []byte {
	buf := make([]byte, IdentifyRequestSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.TargetFabricID)
	binary.LittleEndian.PutUint16(buf[8:10], r.TargetModes)
	binary.LittleEndian.PutUint16(buf[10:12], r.TargetVendorID)
	binary.LittleEndian.PutUint16(buf[12:14], r.TargetProductID)
	return buf
}

// DecodeIdentifyRequest parses a binary Identify request.
func DecodeIdentifyRequest(data []byte) (*IdentifyRequest, error) {
	if len(data) < IdentifyRequestSize {
		return nil, fmt.Errorf("%w: identify request %d bytes", ErrPayloadTooShort, len(data))
	}
	return &IdentifyRequest{
		TargetFabricID:  binary.LittleEndian.Uint64(data[0:8]),
		TargetModes:     binary.LittleEndian.Uint16(data[8:10]),
		TargetVendorID:  binary.LittleEndian.Uint16(data[10:12]),
		TargetProductID: binary.LittleEndian.Uint16(data[12:14]),
	}, nil
}

// DeviceDescriptor describes a device. It is the payload of an Identify
// response.
//
// CBOR encoding:
//
//	{
//	  1: vendorId,         // uint16
//	  2: productId,        // uint16
//	  3: productRevision,  // uint16
//	  4: deviceId,         // uint64
//	  5: fabricId,         // uint64, 0 when not in a fabric
//	  6: serialNumber,     // string
//	  7: softwareVersion,  // string
//	  8: features,         // uint32 bitmap
//	  9: rendezvousSSID,   // string
//	  10: pairingCode      // string, only for devices without a printed code
//	}
type DeviceDescriptor struct {
	VendorID        uint16 `cbor:"1,keyasint"`
	ProductID       uint16 `cbor:"2,keyasint"`
	ProductRevision uint16 `cbor:"3,keyasint,omitempty"`
	DeviceID        uint64 `cbor:"4,keyasint"`
	FabricID        uint64 `cbor:"5,keyasint,omitempty"`
	SerialNumber    string `cbor:"6,keyasint,omitempty"`
	SoftwareVersion string `cbor:"7,keyasint,omitempty"`
	Features        uint32 `cbor:"8,keyasint,omitempty"`
	RendezvousSSID  string `cbor:"9,keyasint,omitempty"`
	PairingCode     string `cbor:"10,keyasint,omitempty"`
}

// InFabric reports whether the device is a member of a fabric.
func (d *DeviceDescriptor) InFabric() bool {
	return d.FabricID != TargetFabricNotInFabric
}

// Encode returns the CBOR form of the descriptor.
func (d *DeviceDescriptor) Encode() ([]byte, error) {
	return Marshal(d)
}

// DecodeDeviceDescriptor parses a CBOR device descriptor.
func DecodeDeviceDescriptor(data []byte) (*DeviceDescriptor, error) {
	return DecodePayload[DeviceDescriptor](data)
}
