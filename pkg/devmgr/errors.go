package devmgr

import (
	"errors"
	"fmt"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// Device manager errors.
var (
	ErrIncorrectState                 = errors.New("incorrect state")
	ErrNotConnected                   = errors.New("not connected")
	ErrDeviceLocateTimeout            = errors.New("timed out locating device")
	ErrDeviceConnectTimeout           = errors.New("timed out connecting to device")
	ErrDeviceAuthTimeout              = errors.New("timed out authenticating device")
	ErrConnectionMonitorTimeout       = errors.New("connection monitor timed out")
	ErrRemotePassiveRendezvousTimeout = errors.New("remote passive rendezvous timed out")
	ErrConnectionClosedUnexpectedly   = errors.New("connection closed unexpectedly")
	ErrCancelled                      = errors.New("operation cancelled")
	ErrResponseTimeout                = errors.New("timed out waiting for response")
	ErrUnexpectedMessage              = errors.New("unexpected message")
	ErrInvalidArgument                = errors.New("invalid argument")
	ErrListenerBusy                   = errors.New("listener slot in use")
	ErrPeerStatus                     = errors.New("peer reported failure")
)

// StatusError is a failure reported by the peer in a status report.
type StatusError struct {
	Profile wire.ProfileID
	Code    uint16
	Detail  []byte
}

func newStatusError(s *wire.StatusReport) *StatusError {
	return &StatusError{Profile: s.Profile, Code: s.Code, Detail: s.Detail}
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s status 0x%04X", ErrPeerStatus, e.Profile, e.Code)
}

// Is makes errors.Is(err, ErrPeerStatus) match any StatusError.
func (e *StatusError) Is(target error) bool {
	return target == ErrPeerStatus
}

// Matches reports whether the error carries the given profile and code.
func (e *StatusError) Matches(profile wire.ProfileID, code uint16) bool {
	return e.Profile == profile && e.Code == code
}

// statusError converts a non-success status report into an error.
func statusError(s *wire.StatusReport) error {
	if s.IsSuccess() {
		return nil
	}
	return newStatusError(s)
}
