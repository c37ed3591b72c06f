package devmgr

import (
	"fmt"

	"github.com/mash-protocol/devmgr-go/pkg/discovery"
	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// IdentifyDevice asks the connected device to describe itself.
func (m *Manager) IdentifyDevice(cb Callbacks[*wire.DeviceDescriptor]) error {
	req := discovery.AnyDevice().Request().Encode()

	m.lock()
	defer m.unlock()
	return m.startRequest(bind(OpIdentifyDevice, cb), &pendingRequest{
		profile:    wire.ProfileDeviceDescription,
		msgType:    wire.MsgIdentifyRequest,
		payload:    req,
		onResponse: expectDecoded(m, wire.ProfileDeviceDescription, wire.MsgIdentifyResponse, wire.DecodeDeviceDescriptor),
	})
}

// Ping sends payload in an echo request. The result is the echoed payload.
func (m *Manager) Ping(payload []byte, cb Callbacks[[]byte]) error {
	m.lock()
	defer m.unlock()
	return m.startRequest(bind(OpPing, cb), &pendingRequest{
		profile: wire.ProfileEcho,
		msgType: wire.MsgEchoRequest,
		payload: append([]byte(nil), payload...),
		onResponse: expectDecoded(m, wire.ProfileEcho, wire.MsgEchoResponse, func(p []byte) ([]byte, error) {
			return p, nil
		}),
	})
}

// ArmFailSafe arms the device fail-safe with mode, one of the
// wire.FailSafeArm values. token identifies the fail-safe in later calls.
func (m *Manager) ArmFailSafe(mode uint8, token uint32, cb Callbacks[NoResult]) error {
	if mode < wire.FailSafeArmNew || mode > wire.FailSafeArmResumeOrNew {
		return fmt.Errorf("%w: fail-safe mode %d", ErrInvalidArgument, mode)
	}
	return m.call(bind(OpArmFailSafe, cb), wire.ProfileDeviceControl, wire.MsgArmFailSafe,
		&wire.ArmFailSafeRequest{Mode: mode, Token: token}, m.expectSuccess(nil))
}

// DisarmFailSafe commits the changes made under the fail-safe.
func (m *Manager) DisarmFailSafe(cb Callbacks[NoResult]) error {
	return m.call(bind(OpDisarmFailSafe, cb), wire.ProfileDeviceControl, wire.MsgDisarmFailSafe, nil, m.expectSuccess(nil))
}

// ResetConfig resets the configuration selected by flags. When the device
// answers that it will drop the connection, the manager closes it first
// and then completes.
func (m *Manager) ResetConfig(flags uint16, cb Callbacks[NoResult]) error {
	if flags == 0 {
		return fmt.Errorf("%w: no reset flags", ErrInvalidArgument)
	}
	return m.call(bind(OpResetConfig, cb), wire.ProfileDeviceControl, wire.MsgResetConfig,
		&wire.ResetConfigRequest{Flags: flags}, m.onResetResponse)
}

func (m *Manager) onResetResponse(msg *Message) {
	status, err := responseStatus(msg)
	if err != nil {
		m.failOp(err)
		return
	}
	if status.Is(wire.ProfileDeviceControl, wire.StatusResetSuccessCloseConnection) {
		m.teardown(true)
		m.finishOp(NoResult{})
		return
	}
	if err := statusError(status); err != nil {
		m.failOp(err)
		return
	}
	m.finishOp(NoResult{})
}

// StartSystemTest starts self test testID of profile on the device.
func (m *Manager) StartSystemTest(profile wire.ProfileID, testID uint32, cb Callbacks[NoResult]) error {
	return m.call(bind(OpStartSystemTest, cb), wire.ProfileDeviceControl, wire.MsgStartSystemTest,
		&wire.SystemTestRequest{Profile: profile, TestID: testID}, m.expectSuccess(nil))
}

// StopSystemTest stops the running self test.
func (m *Manager) StopSystemTest(cb Callbacks[NoResult]) error {
	return m.call(bind(OpStopSystemTest, cb), wire.ProfileDeviceControl, wire.MsgStopSystemTest, nil, m.expectSuccess(nil))
}

// PairToken hands the device a pairing token. The result is the token
// bundle the device issued.
func (m *Manager) PairToken(token []byte, cb Callbacks[[]byte]) error {
	if len(token) == 0 {
		return fmt.Errorf("%w: empty pairing token", ErrInvalidArgument)
	}
	return m.call(bind(OpPairToken, cb), wire.ProfileTokenPairing, wire.MsgPairTokenRequest,
		&wire.PairTokenRequest{Token: token},
		expectDecoded(m, wire.ProfileTokenPairing, wire.MsgPairTokenComplete, func(payload []byte) ([]byte, error) {
			c, err := wire.DecodePayload[wire.PairTokenComplete](payload)
			if err != nil {
				return nil, err
			}
			return c.TokenBundle, nil
		}))
}

// UnpairToken removes the device's pairing token.
func (m *Manager) UnpairToken(cb Callbacks[NoResult]) error {
	return m.call(bind(OpUnpairToken, cb), wire.ProfileTokenPairing, wire.MsgUnpairToken, nil, m.expectSuccess(nil))
}
