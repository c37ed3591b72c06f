package wire

import "fmt"

// VendorReference is the vendor id of the reference device family. It is
// the only vendor for which the product family wildcards expand.
const VendorReference uint16 = 0x235A

// ProfileID identifies a protocol profile. The upper 16 bits carry the
// vendor id, the lower 16 bits the profile number.
type ProfileID uint32

// Profile ids.
const (
	ProfileCommon              ProfileID = 0x00000000
	ProfileEcho                ProfileID = 0x00000001
	ProfileStatusReport        ProfileID = 0x00000002
	ProfileNetworkProvisioning ProfileID = 0x00000003
	ProfileSecurity            ProfileID = 0x00000004
	ProfileFabricProvisioning  ProfileID = 0x00000005
	ProfileDeviceControl       ProfileID = 0x00000006
	ProfileDeviceDescription   ProfileID = 0x0000000E
	ProfileServiceProvisioning ProfileID = 0x0000000F
	ProfileTokenPairing        ProfileID = 0x235A0001
	ProfileWirelessRegulatory  ProfileID = 0x235A0002
	ProfileReferenceSystemTest ProfileID = 0x235A0003
)

// String returns the profile name.
func (p ProfileID) String() string {
	switch p {
	case ProfileCommon:
		return "Common"
	case ProfileEcho:
		return "Echo"
	case ProfileStatusReport:
		return "StatusReport"
	case ProfileNetworkProvisioning:
		return "NetworkProvisioning"
	case ProfileSecurity:
		return "Security"
	case ProfileFabricProvisioning:
		return "FabricProvisioning"
	case ProfileDeviceControl:
		return "DeviceControl"
	case ProfileDeviceDescription:
		return "DeviceDescription"
	case ProfileServiceProvisioning:
		return "ServiceProvisioning"
	case ProfileTokenPairing:
		return "TokenPairing"
	case ProfileWirelessRegulatory:
		return "WirelessRegulatory"
	case ProfileReferenceSystemTest:
		return "SystemTest"
	default:
		return fmt.Sprintf("Profile(0x%08X)", uint32(p))
	}
}

// VendorID returns the vendor part of the profile id.
func (p ProfileID) VendorID() uint16 {
	return uint16(uint32(p) >> 16)
}

// MessageType identifies a message within a profile.
type MessageType uint8

// Common profile message types.
const (
	MsgStatusReport MessageType = 1
	MsgNull         MessageType = 2
)

// Echo profile message types.
const (
	MsgEchoRequest  MessageType = 1
	MsgEchoResponse MessageType = 2
)

// Device description profile message types.
const (
	MsgIdentifyRequest  MessageType = 1
	MsgIdentifyResponse MessageType = 2
)

// Network provisioning profile message types.
const (
	MsgScanNetworks        MessageType = 1
	MsgNetworkScanComplete MessageType = 2
	MsgAddNetwork          MessageType = 3
	MsgAddNetworkComplete  MessageType = 4
	MsgUpdateNetwork       MessageType = 5
	MsgRemoveNetwork       MessageType = 6
	MsgEnableNetwork       MessageType = 7
	MsgDisableNetwork      MessageType = 8
	MsgTestConnectivity    MessageType = 9
	MsgSetRendezvousMode   MessageType = 10
	MsgGetNetworks         MessageType = 11
	MsgGetNetworksComplete MessageType = 12
	MsgGetLastResult       MessageType = 13
)

// Fabric provisioning profile message types.
const (
	MsgCreateFabric            MessageType = 1
	MsgLeaveFabric             MessageType = 2
	MsgGetFabricConfig         MessageType = 3
	MsgGetFabricConfigComplete MessageType = 4
	MsgJoinExistingFabric      MessageType = 5
)

// Service provisioning profile message types.
const (
	MsgRegisterServicePairAccount MessageType = 1
	MsgUpdateService              MessageType = 2
	MsgUnregisterService          MessageType = 3
)

// Device control profile message types.
const (
	MsgResetConfig              MessageType = 1
	MsgArmFailSafe              MessageType = 2
	MsgDisarmFailSafe           MessageType = 3
	MsgEnableConnectionMonitor  MessageType = 4
	MsgDisableConnectionMonitor MessageType = 5
	MsgRemotePassiveRendezvous  MessageType = 6
	MsgRemoteConnectionComplete MessageType = 7
	MsgStartSystemTest          MessageType = 8
	MsgStopSystemTest           MessageType = 9
)

// Security profile message types.
const (
	MsgPASERequest         MessageType = 1
	MsgPASEResponse        MessageType = 2
	MsgPASEConfirm         MessageType = 3
	MsgPASEComplete        MessageType = 4
	MsgCASEBeginRequest    MessageType = 10
	MsgCASEBeginResponse   MessageType = 11
	MsgCASEInitiatorFinish MessageType = 12
)

// Token pairing profile message types.
const (
	MsgPairTokenRequest  MessageType = 1
	MsgPairTokenComplete MessageType = 2
	MsgUnpairToken       MessageType = 3
)

// Wireless regulatory profile message types.
const (
	MsgGetRegulatoryConfig         MessageType = 1
	MsgGetRegulatoryConfigComplete MessageType = 2
	MsgSetRegulatoryConfig         MessageType = 3
)
