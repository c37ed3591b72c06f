package commands

import (
	"fmt"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

type messageKey struct {
	profile wire.ProfileID
	msgType wire.MessageType
}

var messageNames = map[messageKey]string{
	{wire.ProfileCommon, wire.MsgStatusReport}: "StatusReport",
	{wire.ProfileCommon, wire.MsgNull}:         "Null",

	{wire.ProfileEcho, wire.MsgEchoRequest}:  "EchoRequest",
	{wire.ProfileEcho, wire.MsgEchoResponse}: "EchoResponse",

	{wire.ProfileDeviceDescription, wire.MsgIdentifyRequest}:  "IdentifyRequest",
	{wire.ProfileDeviceDescription, wire.MsgIdentifyResponse}: "IdentifyResponse",

	{wire.ProfileNetworkProvisioning, wire.MsgScanNetworks}:        "ScanNetworks",
	{wire.ProfileNetworkProvisioning, wire.MsgNetworkScanComplete}: "NetworkScanComplete",
	{wire.ProfileNetworkProvisioning, wire.MsgAddNetwork}:          "AddNetwork",
	{wire.ProfileNetworkProvisioning, wire.MsgAddNetworkComplete}:  "AddNetworkComplete",
	{wire.ProfileNetworkProvisioning, wire.MsgUpdateNetwork}:       "UpdateNetwork",
	{wire.ProfileNetworkProvisioning, wire.MsgRemoveNetwork}:       "RemoveNetwork",
	{wire.ProfileNetworkProvisioning, wire.MsgEnableNetwork}:       "EnableNetwork",
	{wire.ProfileNetworkProvisioning, wire.MsgDisableNetwork}:      "DisableNetwork",
	{wire.ProfileNetworkProvisioning, wire.MsgTestConnectivity}:    "TestConnectivity",
	{wire.ProfileNetworkProvisioning, wire.MsgSetRendezvousMode}:   "SetRendezvousMode",
	{wire.ProfileNetworkProvisioning, wire.MsgGetNetworks}:         "GetNetworks",
	{wire.ProfileNetworkProvisioning, wire.MsgGetNetworksComplete}: "GetNetworksComplete",
	{wire.ProfileNetworkProvisioning, wire.MsgGetLastResult}:       "GetLastResult",

	{wire.ProfileFabricProvisioning, wire.MsgCreateFabric}:            "CreateFabric",
	{wire.ProfileFabricProvisioning, wire.MsgLeaveFabric}:             "LeaveFabric",
	{wire.ProfileFabricProvisioning, wire.MsgGetFabricConfig}:         "GetFabricConfig",
	{wire.ProfileFabricProvisioning, wire.MsgGetFabricConfigComplete}: "GetFabricConfigComplete",
	{wire.ProfileFabricProvisioning, wire.MsgJoinExistingFabric}:      "JoinExistingFabric",

	{wire.ProfileServiceProvisioning, wire.MsgRegisterServicePairAccount}: "RegisterServicePairAccount",
	{wire.ProfileServiceProvisioning, wire.MsgUpdateService}:              "UpdateService",
	{wire.ProfileServiceProvisioning, wire.MsgUnregisterService}:          "UnregisterService",

	{wire.ProfileDeviceControl, wire.MsgResetConfig}:              "ResetConfig",
	{wire.ProfileDeviceControl, wire.MsgArmFailSafe}:              "ArmFailSafe",
	{wire.ProfileDeviceControl, wire.MsgDisarmFailSafe}:           "DisarmFailSafe",
	{wire.ProfileDeviceControl, wire.MsgEnableConnectionMonitor}:  "EnableConnectionMonitor",
	{wire.ProfileDeviceControl, wire.MsgDisableConnectionMonitor}: "DisableConnectionMonitor",
	{wire.ProfileDeviceControl, wire.MsgRemotePassiveRendezvous}:  "RemotePassiveRendezvous",
	{wire.ProfileDeviceControl, wire.MsgRemoteConnectionComplete}: "RemoteConnectionComplete",
	{wire.ProfileDeviceControl, wire.MsgStartSystemTest}:          "StartSystemTest",
	{wire.ProfileDeviceControl, wire.MsgStopSystemTest}:           "StopSystemTest",

	{wire.ProfileSecurity, wire.MsgPASERequest}:         "PASERequest",
	{wire.ProfileSecurity, wire.MsgPASEResponse}:        "PASEResponse",
	{wire.ProfileSecurity, wire.MsgPASEConfirm}:         "PASEConfirm",
	{wire.ProfileSecurity, wire.MsgPASEComplete}:        "PASEComplete",
	{wire.ProfileSecurity, wire.MsgCASEBeginRequest}:    "CASEBeginRequest",
	{wire.ProfileSecurity, wire.MsgCASEBeginResponse}:   "CASEBeginResponse",
	{wire.ProfileSecurity, wire.MsgCASEInitiatorFinish}: "CASEInitiatorFinish",

	{wire.ProfileTokenPairing, wire.MsgPairTokenRequest}:  "PairTokenRequest",
	{wire.ProfileTokenPairing, wire.MsgPairTokenComplete}: "PairTokenComplete",
	{wire.ProfileTokenPairing, wire.MsgUnpairToken}:       "UnpairToken",

	{wire.ProfileWirelessRegulatory, wire.MsgGetRegulatoryConfig}:         "GetRegulatoryConfig",
	{wire.ProfileWirelessRegulatory, wire.MsgGetRegulatoryConfigComplete}: "GetRegulatoryConfigComplete",
	{wire.ProfileWirelessRegulatory, wire.MsgSetRegulatoryConfig}:         "SetRegulatoryConfig",
}

// messageName returns the name of a message, falling back to the profile
// name and the numeric type.
func messageName(profile wire.ProfileID, msgType wire.MessageType) string {
	if name, ok := messageNames[messageKey{profile, msgType}]; ok {
		return name
	}
	return fmt.Sprintf("%s/%d", profile, msgType)
}
