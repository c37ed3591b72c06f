package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeDeviceTXT creates the TXT records a device advertises.
func EncodeDeviceTXT(info *DeviceInfo) TXTRecordMap {
	txt := make(TXTRecordMap)

	txt[TXTKeyDeviceID] = formatID(info.DeviceID)
	txt[TXTKeyVendorProd] = fmt.Sprintf("%04X:%04X", info.VendorID, info.ProductID)

	if info.FabricID != 0 {
		txt[TXTKeyFabricID] = formatID(info.FabricID)
	}
	if info.SerialNumber != "" {
		txt[TXTKeySerial] = info.SerialNumber
	}

	return txt
}

// DecodeDeviceTXT parses the TXT records of a device advertisement.
func DecodeDeviceTXT(txt TXTRecordMap) (*DeviceInfo, error) {
	info := &DeviceInfo{}

	di, ok := txt[TXTKeyDeviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyDeviceID)
	}
	id, err := parseID(di)
	if err != nil {
		return nil, err
	}
	info.DeviceID = id

	vp, ok := txt[TXTKeyVendorProd]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyVendorProd)
	}
	v, p, found := strings.Cut(vp, ":")
	if !found {
		return nil, fmt.Errorf("%w: vendor:product %q", ErrInvalidTXTRecord, vp)
	}
	vendor, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: vendor %q", ErrInvalidTXTRecord, v)
	}
	product, err := strconv.ParseUint(p, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: product %q", ErrInvalidTXTRecord, p)
	}
	info.VendorID = uint16(vendor)
	info.ProductID = uint16(product)

	if fi, ok := txt[TXTKeyFabricID]; ok {
		if info.FabricID, err = parseID(fi); err != nil {
			return nil, err
		}
	}
	info.SerialNumber = txt[TXTKeySerial]

	return info, nil
}

func formatID(id uint64) string {
	return fmt.Sprintf("%016X", id)
}

func parseID(s string) (uint64, error) {
	if len(s) != IDLength {
		return 0, fmt.Errorf("%w: id %q", ErrInvalidTXTRecord, s)
	}
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q", ErrInvalidTXTRecord, s)
	}
	return id, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}

// InstanceName returns the mDNS instance name for a device.
func InstanceName(deviceID uint64) string {
	return "DEV-" + formatID(deviceID)
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
