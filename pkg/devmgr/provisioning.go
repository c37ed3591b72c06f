package devmgr

import (
	"fmt"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// call starts op with one request. A nil body sends an empty payload.
func (m *Manager) call(op *operation, profile wire.ProfileID, msgType wire.MessageType, body any, onResponse func(*Message)) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = wire.Marshal(body); err != nil {
			return fmt.Errorf("encode %s/%d: %w", profile, msgType, err)
		}
	}

	m.lock()
	defer m.unlock()
	return m.startRequest(op, &pendingRequest{
		profile:    profile,
		msgType:    msgType,
		payload:    payload,
		onResponse: onResponse,
	})
}

func decodeNetworkList(payload []byte) ([]wire.NetworkInfo, error) {
	list, err := wire.DecodePayload[wire.NetworkList](payload)
	if err != nil {
		return nil, err
	}
	return list.Networks, nil
}

func validNetworkType(t wire.NetworkType) bool {
	return t == wire.NetworkTypeWiFi || t == wire.NetworkTypeThread
}

// ScanNetworks asks the device for the networks of type t it can see.
func (m *Manager) ScanNetworks(t wire.NetworkType, cb Callbacks[[]wire.NetworkInfo]) error {
	if !validNetworkType(t) {
		return fmt.Errorf("%w: network type %d", ErrInvalidArgument, t)
	}
	return m.call(bind(OpScanNetworks, cb), wire.ProfileNetworkProvisioning, wire.MsgScanNetworks,
		&wire.ScanNetworksRequest{Type: t},
		expectDecoded(m, wire.ProfileNetworkProvisioning, wire.MsgNetworkScanComplete, decodeNetworkList))
}

// AddNetwork provisions a network. The result is the id the device
// assigned to it.
func (m *Manager) AddNetwork(info wire.NetworkInfo, cb Callbacks[uint32]) error {
	if !validNetworkType(info.Type) {
		return fmt.Errorf("%w: network type %d", ErrInvalidArgument, info.Type)
	}
	return m.call(bind(OpAddNetwork, cb), wire.ProfileNetworkProvisioning, wire.MsgAddNetwork, &info,
		expectDecoded(m, wire.ProfileNetworkProvisioning, wire.MsgAddNetworkComplete, func(payload []byte) (uint32, error) {
			c, err := wire.DecodePayload[wire.AddNetworkComplete](payload)
			if err != nil {
				return 0, err
			}
			return c.NetworkID, nil
		}))
}

// UpdateNetwork replaces the configuration of the network info.NetworkID.
func (m *Manager) UpdateNetwork(info wire.NetworkInfo, cb Callbacks[NoResult]) error {
	if info.NetworkID == 0 {
		return fmt.Errorf("%w: network id required", ErrInvalidArgument)
	}
	return m.call(bind(OpUpdateNetwork, cb), wire.ProfileNetworkProvisioning, wire.MsgUpdateNetwork, &info, m.expectSuccess(nil))
}

// RemoveNetwork deletes a provisioned network.
func (m *Manager) RemoveNetwork(networkID uint32, cb Callbacks[NoResult]) error {
	return m.call(bind(OpRemoveNetwork, cb), wire.ProfileNetworkProvisioning, wire.MsgRemoveNetwork,
		&wire.NetworkIDRequest{NetworkID: networkID}, m.expectSuccess(nil))
}

// GetNetworks lists the provisioned networks. With
// wire.GetNetworksIncludeCredentials in flags the keys are included.
func (m *Manager) GetNetworks(flags uint8, cb Callbacks[[]wire.NetworkInfo]) error {
	return m.call(bind(OpGetNetworks, cb), wire.ProfileNetworkProvisioning, wire.MsgGetNetworks,
		&wire.GetNetworksRequest{Flags: flags},
		expectDecoded(m, wire.ProfileNetworkProvisioning, wire.MsgGetNetworksComplete, decodeNetworkList))
}

// EnableNetwork lets the device use a provisioned network.
func (m *Manager) EnableNetwork(networkID uint32, cb Callbacks[NoResult]) error {
	return m.call(bind(OpEnableNetwork, cb), wire.ProfileNetworkProvisioning, wire.MsgEnableNetwork,
		&wire.NetworkIDRequest{NetworkID: networkID}, m.expectSuccess(nil))
}

// DisableNetwork stops the device from using a provisioned network.
func (m *Manager) DisableNetwork(networkID uint32, cb Callbacks[NoResult]) error {
	return m.call(bind(OpDisableNetwork, cb), wire.ProfileNetworkProvisioning, wire.MsgDisableNetwork,
		&wire.NetworkIDRequest{NetworkID: networkID}, m.expectSuccess(nil))
}

// TestNetworkConnectivity asks the device to check that it can reach the
// network.
func (m *Manager) TestNetworkConnectivity(networkID uint32, cb Callbacks[NoResult]) error {
	return m.call(bind(OpTestNetworkConnectivity, cb), wire.ProfileNetworkProvisioning, wire.MsgTestConnectivity,
		&wire.NetworkIDRequest{NetworkID: networkID}, m.expectSuccess(nil))
}

// GetLastNetworkProvisioningResult fetches the outcome of the device's last
// network operation. A failed outcome is reported as a StatusError.
func (m *Manager) GetLastNetworkProvisioningResult(cb Callbacks[NoResult]) error {
	return m.call(bind(OpGetLastNetworkProvisioningResult, cb), wire.ProfileNetworkProvisioning, wire.MsgGetLastResult,
		nil, m.expectSuccess(nil))
}

// SetRendezvousMode selects the rendezvous interfaces the device keeps
// enabled, as wire.RendezvousMode bits.
func (m *Manager) SetRendezvousMode(modes uint16, cb Callbacks[NoResult]) error {
	return m.call(bind(OpSetRendezvousMode, cb), wire.ProfileNetworkProvisioning, wire.MsgSetRendezvousMode,
		&wire.SetRendezvousModeRequest{Modes: modes}, m.expectSuccess(nil))
}

// GetWirelessRegulatoryConfig reads the device's regulatory domain and
// operating location.
func (m *Manager) GetWirelessRegulatoryConfig(cb Callbacks[*wire.RegulatoryConfig]) error {
	return m.call(bind(OpGetWirelessRegulatoryConfig, cb), wire.ProfileWirelessRegulatory, wire.MsgGetRegulatoryConfig,
		nil, expectPayload[wire.RegulatoryConfig](m, wire.ProfileWirelessRegulatory, wire.MsgGetRegulatoryConfigComplete))
}

// SetWirelessRegulatoryConfig writes the device's regulatory domain and
// operating location.
func (m *Manager) SetWirelessRegulatoryConfig(cfg *wire.RegulatoryConfig, cb Callbacks[NoResult]) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil regulatory config", ErrInvalidArgument)
	}
	return m.call(bind(OpSetWirelessRegulatoryConfig, cb), wire.ProfileWirelessRegulatory, wire.MsgSetRegulatoryConfig,
		cfg, m.expectSuccess(nil))
}

// CreateFabric makes the device found a new fabric.
func (m *Manager) CreateFabric(cb Callbacks[NoResult]) error {
	return m.call(bind(OpCreateFabric, cb), wire.ProfileFabricProvisioning, wire.MsgCreateFabric, nil, m.expectSuccess(nil))
}

// LeaveFabric removes the device from its fabric.
func (m *Manager) LeaveFabric(cb Callbacks[NoResult]) error {
	return m.call(bind(OpLeaveFabric, cb), wire.ProfileFabricProvisioning, wire.MsgLeaveFabric, nil, m.expectSuccess(nil))
}

// GetFabricConfig reads the configuration other devices need to join the
// device's fabric.
func (m *Manager) GetFabricConfig(cb Callbacks[*wire.FabricConfig]) error {
	return m.call(bind(OpGetFabricConfig, cb), wire.ProfileFabricProvisioning, wire.MsgGetFabricConfig,
		nil, expectPayload[wire.FabricConfig](m, wire.ProfileFabricProvisioning, wire.MsgGetFabricConfigComplete))
}

// JoinExistingFabric makes the device join the fabric described by cfg.
func (m *Manager) JoinExistingFabric(cfg *wire.FabricConfig, cb Callbacks[NoResult]) error {
	if cfg == nil || cfg.FabricID == wire.TargetFabricNotInFabric {
		return fmt.Errorf("%w: fabric config required", ErrInvalidArgument)
	}
	return m.call(bind(OpJoinExistingFabric, cb), wire.ProfileFabricProvisioning, wire.MsgJoinExistingFabric,
		cfg, m.expectSuccess(nil))
}

// RegisterServicePairAccount pairs the device with a service account.
func (m *Manager) RegisterServicePairAccount(req *wire.RegisterServiceRequest, cb Callbacks[NoResult]) error {
	if req == nil || req.AccountID == "" {
		return fmt.Errorf("%w: account id required", ErrInvalidArgument)
	}
	return m.call(bind(OpRegisterServicePairAccount, cb), wire.ProfileServiceProvisioning, wire.MsgRegisterServicePairAccount,
		req, m.expectSuccess(nil))
}

// UpdateService replaces the configuration of a registered service.
func (m *Manager) UpdateService(serviceID uint64, config []byte, cb Callbacks[NoResult]) error {
	return m.call(bind(OpUpdateService, cb), wire.ProfileServiceProvisioning, wire.MsgUpdateService,
		&wire.UpdateServiceRequest{ServiceID: serviceID, ServiceConfig: config}, m.expectSuccess(nil))
}

// UnregisterService removes a registered service from the device.
func (m *Manager) UnregisterService(serviceID uint64, cb Callbacks[NoResult]) error {
	return m.call(bind(OpUnregisterService, cb), wire.ProfileServiceProvisioning, wire.MsgUnregisterService,
		&wire.UnregisterServiceRequest{ServiceID: serviceID}, m.expectSuccess(nil))
}
