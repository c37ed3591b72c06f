package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// StatusReportHeaderSize is the size of the fixed part of a status report.
const StatusReportHeaderSize = 6

// Wire errors.
var (
	ErrPayloadTooShort = errors.New("payload too short")
	ErrInvalidPayload  = errors.New("invalid payload")
)

// Common profile status codes.
const (
	StatusSuccess                uint16 = 0x0000
	StatusBadRequest             uint16 = 0x0010
	StatusUnsupportedMessage     uint16 = 0x0011
	StatusUnexpectedMessage      uint16 = 0x0012
	StatusAuthenticationRequired uint16 = 0x0013
	StatusAccessDenied           uint16 = 0x0014
	StatusOutOfMemory            uint16 = 0x0050
	StatusNotAvailable           uint16 = 0x0051
	StatusBusy                   uint16 = 0x0060
	StatusInternalError          uint16 = 0x0070
)

// Security profile status codes.
const (
	SecurityStatusAuthenticationFailed uint16 = 0x0001
	SecurityStatusBusy                 uint16 = 0x0002
	SecurityStatusInvalidCertificate   uint16 = 0x0003
	SecurityStatusUnsupportedMode      uint16 = 0x0004
)

// Device control profile status codes.
const (
	StatusFailSafeAlreadyActive           uint16 = 0x0001
	StatusNoFailSafe                      uint16 = 0x0002
	StatusInvalidFailSafeToken            uint16 = 0x0003
	StatusUnsupportedFailSafeMode         uint16 = 0x0004
	StatusRemotePassiveRendezvousTimedOut uint16 = 0x0005
	StatusUnsecuredListenPreempted        uint16 = 0x0006
	StatusResetSuccessCloseConnection     uint16 = 0x0007
	StatusResetNotAllowed                 uint16 = 0x0008
	StatusNoSystemTestDelegate            uint16 = 0x0009
)

// Network provisioning profile status codes.
const (
	NetworkStatusUnknownNetwork       uint16 = 0x0001
	NetworkStatusTooManyNetworks      uint16 = 0x0002
	NetworkStatusInvalidNetworkConfig uint16 = 0x0003
	NetworkStatusNetworkConnectFailed uint16 = 0x0004
)

// Fabric provisioning profile status codes.
const (
	FabricStatusAlreadyMember uint16 = 0x0001
	FabricStatusNotMember     uint16 = 0x0002
	FabricStatusInvalidConfig uint16 = 0x0003
)

// Service provisioning profile status codes.
const (
	ServiceStatusAlreadyRegistered uint16 = 0x0001
	ServiceStatusNotFound          uint16 = 0x0002
	ServiceStatusTooManyServices   uint16 = 0x0003
)

// StatusReport reports the outcome of a request.
type StatusReport struct {
	Profile ProfileID
	Code    uint16
	Detail  []byte
}

// SuccessReport returns a common-profile success report.
func SuccessReport() *StatusReport {
	return &StatusReport{Profile: ProfileCommon, Code: StatusSuccess}
}

// IsSuccess reports whether the status indicates success.
func (s *StatusReport) IsSuccess() bool {
	return s != nil && s.Profile == ProfileCommon && s.Code == StatusSuccess
}

// IsBusy reports whether the peer rejected the request because it is busy.
func (s *StatusReport) IsBusy() bool {
	if s == nil {
		return false
	}
	switch s.Profile {
	case ProfileCommon:
		return s.Code == StatusBusy
	case ProfileSecurity:
		return s.Code == SecurityStatusBusy
	}
	return false
}

// Is reports whether the status matches the given profile and code.
func (s *StatusReport) Is(profile ProfileID, code uint16) bool {
	return s != nil && s.Profile == profile && s.Code == code
}

// String returns a human-readable form of the status.
func (s *StatusReport) String() string {
	if s == nil {
		return "<nil>"
	}
	if len(s.Detail) > 0 {
		return fmt.Sprintf("%s:0x%04X (%d detail bytes)", s.Profile, s.Code, len(s.Detail))
	}
	return fmt.Sprintf("%s:0x%04X", s.Profile, s.Code)
}

// Encode returns the binary form of the status report.
func (s *StatusReport) Encode() []byte {
	buf := make([]byte, StatusReportHeaderSize+len(s.Detail))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.Profile))
	binary.LittleEndian.PutUint16(buf[4:6], s.Code)
	copy(buf[StatusReportHeaderSize:], s.Detail)
	return buf
}

// DecodeStatusReport parses a binary status report.
func DecodeStatusReport(data []byte) (*StatusReport, error) {
	if len(data) < StatusReportHeaderSize {
		return nil, fmt.Errorf("%w: status report %d bytes", ErrPayloadTooShort, len(data))
	}
	s := &StatusReport{
		Profile: ProfileID(binary.LittleEndian.Uint32(data[0:4])),
		Code:    binary.LittleEndian.Uint16(data[4:6]),
	}
	if len(data) > StatusReportHeaderSize {
		s.Detail = append([]byte(nil), data[StatusReportHeaderSize:]...)
	}
	return s, nil
}
