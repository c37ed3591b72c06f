package devicesim

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"slices"

	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
	"github.com/mash-protocol/devmgr-go/pkg/discovery"
	"github.com/mash-protocol/devmgr-go/pkg/exchange"
	"github.com/mash-protocol/devmgr-go/pkg/failsafe"
	"github.com/mash-protocol/devmgr-go/pkg/persistence"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// handlerFunc serves one request. It runs with d.mu held and returns the
// response: a message body or a status report.
type handlerFunc func(r *request) response

type request struct {
	ex  devmgr.Exchange
	msg *devmgr.Message
}

type response struct {
	msgType wire.MessageType
	profile wire.ProfileID
	body    any
	status  *wire.StatusReport

	// keepOpen leaves the exchange open for a later message.
	keepOpen bool
}

func success() response {
	return response{status: wire.SuccessReport()}
}

func failure(profile wire.ProfileID, code uint16) response {
	return response{status: &wire.StatusReport{Profile: profile, Code: code}}
}

func badRequest() response {
	return failure(wire.ProfileCommon, wire.StatusBadRequest)
}

func reply(profile wire.ProfileID, msgType wire.MessageType, body any) response {
	return response{profile: profile, msgType: msgType, body: body}
}

type route struct {
	profile wire.ProfileID
	msgType wire.MessageType

	// udp allows the request without a connection.
	udp    bool
	handle handlerFunc
}

func (d *Device) routes() []route {
	return []route{
		{wire.ProfileDeviceDescription, wire.MsgIdentifyRequest, true, d.identify},
		{wire.ProfileEcho, wire.MsgEchoRequest, true, d.echo},

		{wire.ProfileNetworkProvisioning, wire.MsgScanNetworks, false, d.scanNetworks},
		{wire.ProfileNetworkProvisioning, wire.MsgAddNetwork, false, d.addNetwork},
		{wire.ProfileNetworkProvisioning, wire.MsgUpdateNetwork, false, d.updateNetwork},
		{wire.ProfileNetworkProvisioning, wire.MsgRemoveNetwork, false, d.removeNetwork},
		{wire.ProfileNetworkProvisioning, wire.MsgGetNetworks, false, d.getNetworks},
		{wire.ProfileNetworkProvisioning, wire.MsgEnableNetwork, false, d.enableNetwork(true)},
		{wire.ProfileNetworkProvisioning, wire.MsgDisableNetwork, false, d.enableNetwork(false)},
		{wire.ProfileNetworkProvisioning, wire.MsgTestConnectivity, false, d.testConnectivity},
		{wire.ProfileNetworkProvisioning, wire.MsgGetLastResult, false, d.getLastResult},
		{wire.ProfileNetworkProvisioning, wire.MsgSetRendezvousMode, false, d.setRendezvousMode},

		{wire.ProfileFabricProvisioning, wire.MsgCreateFabric, false, d.createFabric},
		{wire.ProfileFabricProvisioning, wire.MsgLeaveFabric, false, d.leaveFabric},
		{wire.ProfileFabricProvisioning, wire.MsgGetFabricConfig, false, d.getFabricConfig},
		{wire.ProfileFabricProvisioning, wire.MsgJoinExistingFabric, false, d.joinFabric},

		{wire.ProfileServiceProvisioning, wire.MsgRegisterServicePairAccount, false, d.registerService},
		{wire.ProfileServiceProvisioning, wire.MsgUpdateService, false, d.updateService},
		{wire.ProfileServiceProvisioning, wire.MsgUnregisterService, false, d.unregisterService},

		{wire.ProfileDeviceControl, wire.MsgArmFailSafe, false, d.armFailSafe},
		{wire.ProfileDeviceControl, wire.MsgDisarmFailSafe, false, d.disarmFailSafe},
		{wire.ProfileDeviceControl, wire.MsgResetConfig, false, d.resetConfig},
		{wire.ProfileDeviceControl, wire.MsgStartSystemTest, false, d.startSystemTest},
		{wire.ProfileDeviceControl, wire.MsgStopSystemTest, false, d.stopSystemTest},
		{wire.ProfileDeviceControl, wire.MsgEnableConnectionMonitor, false, d.enableMonitor},
		{wire.ProfileDeviceControl, wire.MsgDisableConnectionMonitor, false, d.disableMonitor},
		{wire.ProfileDeviceControl, wire.MsgRemotePassiveRendezvous, false, d.remotePassiveRendezvous},

		{wire.ProfileTokenPairing, wire.MsgPairTokenRequest, false, d.pairToken},
		{wire.ProfileTokenPairing, wire.MsgUnpairToken, false, d.unpairToken},

		{wire.ProfileWirelessRegulatory, wire.MsgGetRegulatoryConfig, false, d.getRegulatory},
		{wire.ProfileWirelessRegulatory, wire.MsgSetRegulatoryConfig, false, d.setRegulatory},
	}
}

// register installs an unsolicited handler for every route.
func (d *Device) register(layer *exchange.Layer) error {
	var err error
	for _, rt := range d.routes() {
		err = errors.Join(err, layer.RegisterUnsolicitedHandler(rt.profile, rt.msgType, d.serve(rt)))
	}
	return err
}

func (d *Device) serve(rt route) devmgr.UnsolicitedHandler {
	return func(ex devmgr.Exchange, msg *devmgr.Message) {
		if !rt.udp && ex.Connection() == nil {
			d.send(ex, failure(wire.ProfileCommon, wire.StatusAccessDenied))
			return
		}

		d.mu.Lock()
		resp := rt.handle(&request{ex: ex, msg: msg})
		d.mu.Unlock()

		d.send(ex, resp)
	}
}

// send delivers a response. A zero response drops the request.
func (d *Device) send(ex devmgr.Exchange, resp response) {
	opts := devmgr.SendOptions{ExpectResponse: resp.keepOpen}

	var err error
	switch {
	case resp.status != nil:
		err = ex.SendMessage(wire.ProfileCommon, wire.MsgStatusReport, resp.status.Encode(), opts)
	case resp.msgType != 0:
		var payload []byte
		switch b := resp.body.(type) {
		case nil:
		case []byte:
			payload = b
		default:
			payload, err = wire.Marshal(b)
		}
		if err == nil {
			err = ex.SendMessage(resp.profile, resp.msgType, payload, opts)
		}
	default:
		ex.Close()
		return
	}
	if err != nil {
		d.logger.Debug("sending response failed", "error", err)
		ex.Abort()
	}
}

func (d *Device) identify(r *request) response {
	req, err := wire.DecodeIdentifyRequest(r.msg.Payload)
	if err != nil {
		return response{}
	}
	if req.TargetModes&wire.ModeUserSelected != 0 && !d.userSelected {
		return response{}
	}
	criteria := discovery.Criteria{
		TargetFabricID:  req.TargetFabricID,
		TargetModes:     req.TargetModes,
		TargetVendorID:  req.TargetVendorID,
		TargetProductID: req.TargetProductID,
		TargetDeviceID:  discovery.DeviceAny,
	}
	desc := d.descriptor()
	if !criteria.Match(d.config.NodeID, desc) {
		return response{}
	}
	return reply(wire.ProfileDeviceDescription, wire.MsgIdentifyResponse, desc)
}

func (d *Device) echo(r *request) response {
	return reply(wire.ProfileEcho, wire.MsgEchoResponse, r.msg.Payload)
}

func (d *Device) scanNetworks(r *request) response {
	req, err := wire.DecodePayload[wire.ScanNetworksRequest](r.msg.Payload)
	if err != nil {
		return badRequest()
	}
	if req.Type != wire.NetworkTypeWiFi && req.Type != wire.NetworkTypeThread {
		return failure(wire.ProfileNetworkProvisioning, wire.NetworkStatusInvalidNetworkConfig)
	}
	list := wire.NetworkList{Networks: []wire.NetworkInfo{}}
	for _, n := range d.config.ScanResults {
		if n.Type == req.Type {
			list.Networks = append(list.Networks, n)
		}
	}
	return reply(wire.ProfileNetworkProvisioning, wire.MsgNetworkScanComplete, &list)
}

func validNetwork(n *wire.NetworkInfo) bool {
	switch n.Type {
	case wire.NetworkTypeWiFi:
		return n.WiFiSSID != ""
	case wire.NetworkTypeThread:
		return n.ThreadName != ""
	}
	return false
}

// networkResult records the outcome of a network change for
// GetLastNetworkProvisioningResult.
func (d *Device) networkResult(resp response) response {
	d.lastResult = resp.status
	if d.lastResult == nil {
		d.lastResult = wire.SuccessReport()
	}
	return resp
}

func (d *Device) addNetwork(r *request) response {
	info, err := wire.DecodePayload[wire.NetworkInfo](r.msg.Payload)
	if err != nil {
		return badRequest()
	}
	if !validNetwork(info) {
		return d.networkResult(failure(wire.ProfileNetworkProvisioning, wire.NetworkStatusInvalidNetworkConfig))
	}
	if len(d.state.Networks) >= MaxNetworks {
		return d.networkResult(failure(wire.ProfileNetworkProvisioning, wire.NetworkStatusTooManyNetworks))
	}

	info.NetworkID = d.state.NextNetworkID
	d.state.NextNetworkID++
	d.state.Networks = append(d.state.Networks, persistence.Network{NetworkInfo: *info, Enabled: true})
	d.save()
	d.logger.Info("network added", "id", info.NetworkID, "type", info.Type)
	return d.networkResult(reply(wire.ProfileNetworkProvisioning, wire.MsgAddNetworkComplete,
		&wire.AddNetworkComplete{NetworkID: info.NetworkID}))
}

func (d *Device) updateNetwork(r *request) response {
	info, err := wire.DecodePayload[wire.NetworkInfo](r.msg.Payload)
	if err != nil {
		return badRequest()
	}
	i := d.state.Network(info.NetworkID)
	if i < 0 {
		return d.networkResult(failure(wire.ProfileNetworkProvisioning, wire.NetworkStatusUnknownNetwork))
	}
	if !validNetwork(info) {
		return d.networkResult(failure(wire.ProfileNetworkProvisioning, wire.NetworkStatusInvalidNetworkConfig))
	}
	d.state.Networks[i].NetworkInfo = *info
	d.save()
	return d.networkResult(success())
}

func (d *Device) removeNetwork(r *request) response {
	req, err := wire.DecodePayload[wire.NetworkIDRequest](r.msg.Payload)
	if err != nil {
		return badRequest()
	}
	i := d.state.Network(req.NetworkID)
	if i < 0 {
		return d.networkResult(failure(wire.ProfileNetworkProvisioning, wire.NetworkStatusUnknownNetwork))
	}
	d.state.Networks = slices.Delete(d.state.Networks, i, i+1)
	d.save()
	return d.networkResult(success())
}

func (d *Device) getNetworks(r *request) response {
	req := &wire.GetNetworksRequest{}
	if len(r.msg.Payload) > 0 {
		var err error
		if req, err = wire.DecodePayload[wire.GetNetworksRequest](r.msg.Payload); err != nil {
			return badRequest()
		}
	}
	list := wire.NetworkList{Networks: make([]wire.NetworkInfo, 0, len(d.state.Networks))}
	for _, n := range d.state.Networks {
		info := n.NetworkInfo
		if req.Flags&wire.GetNetworksIncludeCredentials == 0 {
			info.WiFiKey, info.ThreadKey = nil, nil
		}
		list.Networks = append(list.Networks, info)
	}
	return reply(wire.ProfileNetworkProvisioning, wire.MsgGetNetworksComplete, &list)
}

func (d *Device) enableNetwork(enabled bool) handlerFunc {
	return func(r *request) response {
		req, err := wire.DecodePayload[wire.NetworkIDRequest](r.msg.Payload)
		if err != nil {
			return badRequest()
		}
		i := d.state.Network(req.NetworkID)
		if i < 0 {
			return d.networkResult(failure(wire.ProfileNetworkProvisioning, wire.NetworkStatusUnknownNetwork))
		}
		d.state.Networks[i].Enabled = enabled
		d.save()
		return d.networkResult(success())
	}
}

// testConnectivity succeeds for enabled networks that a scan would find.
func (d *Device) testConnectivity(r *request) response {
	req, err := wire.DecodePayload[wire.NetworkIDRequest](r.msg.Payload)
	if err != nil {
		return badRequest()
	}
	i := d.state.Network(req.NetworkID)
	if i < 0 {
		return d.networkResult(failure(wire.ProfileNetworkProvisioning, wire.NetworkStatusUnknownNetwork))
	}
	n := d.state.Networks[i]
	if !n.Enabled || !d.inRange(&n.NetworkInfo) {
		return d.networkResult(failure(wire.ProfileNetworkProvisioning, wire.NetworkStatusNetworkConnectFailed))
	}
	return d.networkResult(success())
}

func (d *Device) inRange(n *wire.NetworkInfo) bool {
	return slices.ContainsFunc(d.config.ScanResults, func(s wire.NetworkInfo) bool {
		if s.Type != n.Type {
			return false
		}
		if n.Type == wire.NetworkTypeWiFi {
			return s.WiFiSSID == n.WiFiSSID
		}
		return s.ThreadName == n.ThreadName
	})
}

func (d *Device) getLastResult(*request) response {
	if d.lastResult == nil {
		return success()
	}
	return response{status: d.lastResult}
}

func (d *Device) setRendezvousMode(r *request) response {
	req, err := wire.DecodePayload[wire.SetRendezvousModeRequest](r.msg.Payload)
	if err != nil {
		return badRequest()
	}
	d.state.RendezvousModes = req.Modes
	d.save()
	return success()
}

func (d *Device) createFabric(*request) response {
	if d.state.FabricID != wire.TargetFabricNotInFabric {
		return failure(wire.ProfileFabricProvisioning, wire.FabricStatusAlreadyMember)
	}
	var buf [8 + 16]byte
	for d.state.FabricID == wire.TargetFabricNotInFabric || d.state.FabricID >= wire.TargetFabricAnyInFabric {
		_, _ = rand.Read(buf[:])
		d.state.FabricID = binary.BigEndian.Uint64(buf[:8])
	}
	d.state.FabricConfig = slices.Clone(buf[8:])
	d.save()
	d.fabricChanged()
	d.logger.Info("fabric created", "fabric", d.state.FabricID)
	return success()
}

func (d *Device) leaveFabric(*request) response {
	if d.state.FabricID == wire.TargetFabricNotInFabric {
		return failure(wire.ProfileFabricProvisioning, wire.FabricStatusNotMember)
	}
	d.state.FabricID, d.state.FabricConfig = wire.TargetFabricNotInFabric, nil
	d.save()
	d.fabricChanged()
	return success()
}

func (d *Device) getFabricConfig(*request) response {
	if d.state.FabricID == wire.TargetFabricNotInFabric {
		return failure(wire.ProfileFabricProvisioning, wire.FabricStatusNotMember)
	}
	return reply(wire.ProfileFabricProvisioning, wire.MsgGetFabricConfigComplete,
		&wire.FabricConfig{FabricID: d.state.FabricID, Config: d.state.FabricConfig})
}

func (d *Device) joinFabric(r *request) response {
	cfg, err := wire.DecodePayload[wire.FabricConfig](r.msg.Payload)
	if err != nil {
		return badRequest()
	}
	if d.state.FabricID != wire.TargetFabricNotInFabric {
		return failure(wire.ProfileFabricProvisioning, wire.FabricStatusAlreadyMember)
	}
	if cfg.FabricID == wire.TargetFabricNotInFabric || cfg.FabricID >= wire.TargetFabricAnyInFabric {
		return failure(wire.ProfileFabricProvisioning, wire.FabricStatusInvalidConfig)
	}
	d.state.FabricID, d.state.FabricConfig = cfg.FabricID, slices.Clone(cfg.Config)
	d.save()
	d.fabricChanged()
	return success()
}

func (d *Device) registerService(r *request) response {
	req, err := wire.DecodePayload[wire.RegisterServiceRequest](r.msg.Payload)
	if err != nil || req.ServiceID == 0 || req.AccountID == "" {
		return badRequest()
	}
	if d.state.Service(req.ServiceID) >= 0 {
		return failure(wire.ProfileServiceProvisioning, wire.ServiceStatusAlreadyRegistered)
	}
	if len(d.state.Services) >= MaxServices {
		return failure(wire.ProfileServiceProvisioning, wire.ServiceStatusTooManyServices)
	}
	d.state.Services = append(d.state.Services, persistence.Service{
		ServiceID: req.ServiceID,
		AccountID: req.AccountID,
		Config:    slices.Clone(req.ServiceConfig),
	})
	d.save()
	return success()
}

func (d *Device) updateService(r *request) response {
	req, err := wire.DecodePayload[wire.UpdateServiceRequest](r.msg.Payload)
	if err != nil {
		return badRequest()
	}
	i := d.state.Service(req.ServiceID)
	if i < 0 {
		return failure(wire.ProfileServiceProvisioning, wire.ServiceStatusNotFound)
	}
	d.state.Services[i].Config = slices.Clone(req.ServiceConfig)
	d.save()
	return success()
}

func (d *Device) unregisterService(r *request) response {
	req, err := wire.DecodePayload[wire.UnregisterServiceRequest](r.msg.Payload)
	if err != nil {
		return badRequest()
	}
	i := d.state.Service(req.ServiceID)
	if i < 0 {
		return failure(wire.ProfileServiceProvisioning, wire.ServiceStatusNotFound)
	}
	d.state.Services = slices.Delete(d.state.Services, i, i+1)
	d.save()
	return success()
}

func (d *Device) armFailSafe(r *request) response {
	req, err := wire.DecodePayload[wire.ArmFailSafeRequest](r.msg.Payload)
	if err != nil {
		return badRequest()
	}
	resumed, err := d.failSafe.Arm(req.Mode, req.Token)
	switch {
	case errors.Is(err, failsafe.ErrAlreadyArmed):
		return failure(wire.ProfileDeviceControl, wire.StatusFailSafeAlreadyActive)
	case errors.Is(err, failsafe.ErrNotArmed):
		return failure(wire.ProfileDeviceControl, wire.StatusNoFailSafe)
	case errors.Is(err, failsafe.ErrTokenMismatch):
		return failure(wire.ProfileDeviceControl, wire.StatusInvalidFailSafeToken)
	case err != nil:
		return failure(wire.ProfileDeviceControl, wire.StatusUnsupportedFailSafeMode)
	}
	if !resumed {
		d.snapshot = d.state.Clone()
	}
	d.logger.Info("fail-safe armed", "token", req.Token, "resumed", resumed)
	return success()
}

func (d *Device) disarmFailSafe(*request) response {
	if err := d.failSafe.Disarm(); err != nil {
		return failure(wire.ProfileDeviceControl, wire.StatusNoFailSafe)
	}
	d.snapshot = nil
	d.logger.Info("fail-safe disarmed")
	return success()
}

// resetConfig clears the selected parts of the configuration. The manager
// closes the connection when it sees the reset status.
func (d *Device) resetConfig(r *request) response {
	req, err := wire.DecodePayload[wire.ResetConfigRequest](r.msg.Payload)
	if err != nil || req.Flags == 0 {
		return badRequest()
	}
	if d.failSafe.State() == failsafe.StateArmed {
		return failure(wire.ProfileDeviceControl, wire.StatusResetNotAllowed)
	}

	flags := req.Flags
	if flags&wire.ResetFactory != 0 {
		flags |= wire.ResetAll
	}
	if flags&wire.ResetNetworkConfig != 0 {
		d.state.Networks = nil
		d.lastResult = nil
	}
	if flags&wire.ResetFabricConfig != 0 && d.state.FabricID != wire.TargetFabricNotInFabric {
		d.state.FabricID, d.state.FabricConfig = wire.TargetFabricNotInFabric, nil
		d.fabricChanged()
	}
	if flags&wire.ResetServiceConfig != 0 {
		d.state.Services = nil
	}
	if req.Flags&wire.ResetFactory != 0 {
		d.state = &persistence.DeviceState{NextNetworkID: 1}
	}
	d.save()
	d.logger.Info("configuration reset", "flags", req.Flags)
	return failure(wire.ProfileDeviceControl, wire.StatusResetSuccessCloseConnection)
}

func (d *Device) startSystemTest(r *request) response {
	req, err := wire.DecodePayload[wire.SystemTestRequest](r.msg.Payload)
	if err != nil {
		return badRequest()
	}
	if req.Profile != wire.ProfileReferenceSystemTest {
		return failure(wire.ProfileDeviceControl, wire.StatusNoSystemTestDelegate)
	}
	if d.systemTest != nil {
		return failure(wire.ProfileCommon, wire.StatusBusy)
	}
	d.systemTest = req
	d.logger.Info("system test started", "test", req.TestID)
	return success()
}

func (d *Device) stopSystemTest(*request) response {
	d.systemTest = nil
	return success()
}

// pairToken stores the token and returns a bundle that binds it to this
// device.
func (d *Device) pairToken(r *request) response {
	req, err := wire.DecodePayload[wire.PairTokenRequest](r.msg.Payload)
	if err != nil || len(req.Token) == 0 {
		return badRequest()
	}
	d.state.PairedToken = slices.Clone(req.Token)
	d.save()

	sum := sha256.Sum256(req.Token)
	bundle := binary.BigEndian.AppendUint64(nil, d.config.NodeID)
	bundle = append(bundle, sum[:]...)
	return reply(wire.ProfileTokenPairing, wire.MsgPairTokenComplete, &wire.PairTokenComplete{TokenBundle: bundle})
}

func (d *Device) unpairToken(*request) response {
	if d.state.PairedToken == nil {
		return failure(wire.ProfileCommon, wire.StatusNotAvailable)
	}
	d.state.PairedToken = nil
	d.save()
	return success()
}

func (d *Device) getRegulatory(*request) response {
	cfg := d.state.Regulatory
	cfg.SupportedDomains = d.config.SupportedRegulatoryDomains
	return reply(wire.ProfileWirelessRegulatory, wire.MsgGetRegulatoryConfigComplete, &cfg)
}

func (d *Device) setRegulatory(r *request) response {
	cfg, err := wire.DecodePayload[wire.RegulatoryConfig](r.msg.Payload)
	if err != nil {
		return badRequest()
	}
	if cfg.OperatingLocation > wire.LocationOutdoors {
		return badRequest()
	}
	if supported := d.config.SupportedRegulatoryDomains; len(supported) > 0 && !slices.Contains(supported, cfg.RegulatoryDomain) {
		return badRequest()
	}
	d.state.Regulatory = wire.RegulatoryConfig{
		RegulatoryDomain:  cfg.RegulatoryDomain,
		OperatingLocation: cfg.OperatingLocation,
	}
	d.save()
	return success()
}
