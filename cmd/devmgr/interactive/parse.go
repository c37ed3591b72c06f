package interactive

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/mash-protocol/devmgr-go/internal/config"
	"github.com/mash-protocol/devmgr-go/pkg/discovery"
	"github.com/mash-protocol/devmgr-go/pkg/secret"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// parseCredential accepts a pairing code, "token:<hex>" or "none". An
// empty string means none.
func parseCredential(s string) (*secret.Credential, error) {
	switch {
	case s == "" || strings.EqualFold(s, "none"):
		return secret.None(), nil
	case strings.HasPrefix(s, "token:"):
		token, err := hex.DecodeString(strings.TrimPrefix(s, "token:"))
		if err != nil {
			return nil, fmt.Errorf("invalid access token: %w", err)
		}
		return secret.NewAccessToken(token)
	default:
		return secret.NewPairingCode(s)
	}
}

// parseCriteria parses a device id, or "*" for any device.
func parseCriteria(s string) (discovery.Criteria, error) {
	if s == "" || s == "*" {
		return discovery.AnyDevice(), nil
	}
	id, err := config.ParseNodeID(s)
	if err != nil {
		return discovery.Criteria{}, err
	}
	return discovery.ForDevice(id), nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint32(v), nil
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint16(v), nil
}

// parseHex decodes hex bytes. "-" stands for no bytes.
func parseHex(s string) ([]byte, error) {
	if s == "-" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q", s)
	}
	return b, nil
}

// parseResetFlags parses a comma separated list of configuration parts.
func parseResetFlags(s string) (uint16, error) {
	var flags uint16
	for _, part := range strings.Split(strings.ToLower(s), ",") {
		switch strings.TrimSpace(part) {
		case "network", "networks":
			flags |= wire.ResetNetworkConfig
		case "fabric":
			flags |= wire.ResetFabricConfig
		case "service", "services":
			flags |= wire.ResetServiceConfig
		case "factory":
			flags |= wire.ResetFactory
		case "all":
			flags |= wire.ResetAll
		default:
			return 0, fmt.Errorf("unknown reset part %q (use: network, fabric, service, factory, all)", part)
		}
	}
	return flags, nil
}

func parseArmMode(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "new":
		return wire.FailSafeArmNew, nil
	case "resume":
		return wire.FailSafeArmResume, nil
	case "either", "resume-or-new":
		return wire.FailSafeArmResumeOrNew, nil
	}
	return 0, fmt.Errorf("unknown arm mode %q (use: new, resume, either)", s)
}

func parseNetworkType(s string) (wire.NetworkType, error) {
	switch strings.ToLower(s) {
	case "wifi":
		return wire.NetworkTypeWiFi, nil
	case "thread":
		return wire.NetworkTypeThread, nil
	}
	return 0, fmt.Errorf("unknown network type %q (use: wifi, thread)", s)
}

var wifiSecurityNames = map[string]uint8{
	"none": wire.WiFiSecurityNone,
	"wep":  wire.WiFiSecurityWEP,
	"wpa":  wire.WiFiSecurityWPAPSK,
	"wpa2": wire.WiFiSecurityWPA2PSK,
	"wpa3": wire.WiFiSecurityWPA3SAE,
}

func parseWiFiSecurity(s string) (uint8, error) {
	if v, ok := wifiSecurityNames[strings.ToLower(s)]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown WiFi security %q (use: none, wep, wpa, wpa2, wpa3)", s)
}

func wifiSecurityName(v uint8) string {
	for name, sec := range wifiSecurityNames {
		if sec == v {
			return name
		}
	}
	return fmt.Sprintf("0x%02X", v)
}

func parseLocation(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "indoors", "indoor":
		return wire.LocationIndoors, nil
	case "outdoors", "outdoor":
		return wire.LocationOutdoors, nil
	case "unknown":
		return wire.LocationUnknown, nil
	}
	return 0, fmt.Errorf("unknown location %q (use: indoors, outdoors, unknown)", s)
}

func locationName(v uint8) string {
	switch v {
	case wire.LocationIndoors:
		return "indoors"
	case wire.LocationOutdoors:
		return "outdoors"
	default:
		return "unknown"
	}
}
