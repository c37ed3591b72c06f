package devmgr

// ConnectionState is how far connection setup has progressed.
type ConnectionState uint8

const (
	// ConnNotConnected - no connection and no connect in progress.
	ConnNotConnected ConnectionState = iota

	// ConnWaitPeerConnect - listening for the device to connect.
	ConnWaitPeerConnect

	// ConnIdentifyPeer - sending Identify requests and waiting for a match.
	ConnIdentifyPeer

	// ConnConnectingTransport - opening the transport connection.
	ConnConnectingTransport

	// ConnNegotiatingSession - establishing the secure session.
	ConnNegotiatingSession

	// ConnReenablingMonitor - re-enabling the connection monitor on the device.
	ConnReenablingMonitor

	// ConnConnected - session established, ready for requests.
	ConnConnected

	// ConnIdentifyRemotePeer - identifying a joiner relayed by an assisting device.
	ConnIdentifyRemotePeer
)

// String returns the connection state name.
func (s ConnectionState) String() string {
	switch s {
	case ConnNotConnected:
		return "NOT_CONNECTED"
	case ConnWaitPeerConnect:
		return "WAIT_PEER_CONNECT"
	case ConnIdentifyPeer:
		return "IDENTIFY_PEER"
	case ConnConnectingTransport:
		return "CONNECTING_TRANSPORT"
	case ConnNegotiatingSession:
		return "NEGOTIATING_SESSION"
	case ConnReenablingMonitor:
		return "REENABLING_MONITOR"
	case ConnConnected:
		return "CONNECTED"
	case ConnIdentifyRemotePeer:
		return "IDENTIFY_REMOTE_PEER"
	default:
		return "UNKNOWN"
	}
}

// transient reports whether the state is bounded by the connect timer.
func (s ConnectionState) transient() bool {
	return s != ConnNotConnected && s != ConnConnected
}

// OpState identifies the outstanding operation. At most one operation is
// outstanding at a time.
type OpState uint8

const (
	OpIdle OpState = iota

	// Connection setup.
	OpConnectDevice
	OpRendezvousDevice
	OpPassiveRendezvousDevice
	OpReconnectDevice
	OpConnectBLE

	// Remote passive rendezvous phases.
	OpRemotePassiveRendezvousRequest
	OpAwaitingRemoteConnectionComplete
	OpIdentifyRemoteDevice
	OpRemotePassiveRendezvousAuthenticate
	OpRestoreAssistingDevice

	// Discovery.
	OpEnumerateDevices
	OpIdentifyDevice

	// Network provisioning.
	OpScanNetworks
	OpAddNetwork
	OpUpdateNetwork
	OpRemoveNetwork
	OpGetNetworks
	OpEnableNetwork
	OpDisableNetwork
	OpTestNetworkConnectivity
	OpGetLastNetworkProvisioningResult
	OpSetRendezvousMode
	OpGetWirelessRegulatoryConfig
	OpSetWirelessRegulatoryConfig

	// Fabric and service provisioning.
	OpCreateFabric
	OpLeaveFabric
	OpGetFabricConfig
	OpJoinExistingFabric
	OpRegisterServicePairAccount
	OpUpdateService
	OpUnregisterService

	// Device control.
	OpArmFailSafe
	OpDisarmFailSafe
	OpResetConfig
	OpStartSystemTest
	OpStopSystemTest
	OpPing
	OpPairToken
	OpUnpairToken
	OpEnableConnectionMonitor
	OpDisableConnectionMonitor
)

// String returns the operation name.
func (s OpState) String() string {
	switch s {
	case OpIdle:
		return "IDLE"
	case OpConnectDevice:
		return "CONNECT_DEVICE"
	case OpRendezvousDevice:
		return "RENDEZVOUS_DEVICE"
	case OpPassiveRendezvousDevice:
		return "PASSIVE_RENDEZVOUS_DEVICE"
	case OpReconnectDevice:
		return "RECONNECT_DEVICE"
	case OpConnectBLE:
		return "CONNECT_BLE"
	case OpRemotePassiveRendezvousRequest:
		return "REMOTE_PASSIVE_RENDEZVOUS_REQUEST"
	case OpAwaitingRemoteConnectionComplete:
		return "AWAITING_REMOTE_CONNECTION_COMPLETE"
	case OpIdentifyRemoteDevice:
		return "IDENTIFY_REMOTE_DEVICE"
	case OpRemotePassiveRendezvousAuthenticate:
		return "REMOTE_PASSIVE_RENDEZVOUS_AUTHENTICATE"
	case OpRestoreAssistingDevice:
		return "RESTORE_ASSISTING_DEVICE"
	case OpEnumerateDevices:
		return "ENUMERATE_DEVICES"
	case OpIdentifyDevice:
		return "IDENTIFY_DEVICE"
	case OpScanNetworks:
		return "SCAN_NETWORKS"
	case OpAddNetwork:
		return "ADD_NETWORK"
	case OpUpdateNetwork:
		return "UPDATE_NETWORK"
	case OpRemoveNetwork:
		return "REMOVE_NETWORK"
	case OpGetNetworks:
		return "GET_NETWORKS"
	case OpEnableNetwork:
		return "ENABLE_NETWORK"
	case OpDisableNetwork:
		return "DISABLE_NETWORK"
	case OpTestNetworkConnectivity:
		return "TEST_NETWORK_CONNECTIVITY"
	case OpGetLastNetworkProvisioningResult:
		return "GET_LAST_NETWORK_PROVISIONING_RESULT"
	case OpSetRendezvousMode:
		return "SET_RENDEZVOUS_MODE"
	case OpGetWirelessRegulatoryConfig:
		return "GET_WIRELESS_REGULATORY_CONFIG"
	case OpSetWirelessRegulatoryConfig:
		return "SET_WIRELESS_REGULATORY_CONFIG"
	case OpCreateFabric:
		return "CREATE_FABRIC"
	case OpLeaveFabric:
		return "LEAVE_FABRIC"
	case OpGetFabricConfig:
		return "GET_FABRIC_CONFIG"
	case OpJoinExistingFabric:
		return "JOIN_EXISTING_FABRIC"
	case OpRegisterServicePairAccount:
		return "REGISTER_SERVICE_PAIR_ACCOUNT"
	case OpUpdateService:
		return "UPDATE_SERVICE"
	case OpUnregisterService:
		return "UNREGISTER_SERVICE"
	case OpArmFailSafe:
		return "ARM_FAIL_SAFE"
	case OpDisarmFailSafe:
		return "DISARM_FAIL_SAFE"
	case OpResetConfig:
		return "RESET_CONFIG"
	case OpStartSystemTest:
		return "START_SYSTEM_TEST"
	case OpStopSystemTest:
		return "STOP_SYSTEM_TEST"
	case OpPing:
		return "PING"
	case OpPairToken:
		return "PAIR_TOKEN"
	case OpUnpairToken:
		return "UNPAIR_TOKEN"
	case OpEnableConnectionMonitor:
		return "ENABLE_CONNECTION_MONITOR"
	case OpDisableConnectionMonitor:
		return "DISABLE_CONNECTION_MONITOR"
	default:
		return "UNKNOWN"
	}
}
