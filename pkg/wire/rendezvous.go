package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

// RemotePassiveRendezvousRequestSize is the encoded size of a remote passive
// rendezvous request.
const RemotePassiveRendezvousRequestSize = 20

// RemotePassiveRendezvousRequest asks an assisting device to listen for a
// joiner and relay its connection.
//
// Binary layout:
//
//	+-------------------+--------------------+----------------+
//	| rendezvous tmo    | inactivity tmo     | filter address |
//	| u16 LE (seconds)  | u16 LE (seconds)   | 16 bytes BE    |
//	+-------------------+--------------------+----------------+
//
// An unspecified filter address accepts any joiner.
type RemotePassiveRendezvousRequest struct {
	RendezvousTimeout time.Duration
	InactivityTimeout time.Duration
	FilterAddr        netip.Addr
}

// Encode returns the binary form of the request. Timeouts are truncated to
// whole seconds and clamped to the u16 range.
func (r *RemotePassiveRendezvousRequest) Encode() []byte {
	buf := make([]byte, RemotePassiveRendezvousRequestSize)
	binary.LittleEndian.PutUint16(buf[0:2], durationSeconds(r.RendezvousTimeout))
	binary.LittleEndian.PutUint16(buf[2:4], durationSeconds(r.InactivityTimeout))
	if r.FilterAddr.IsValid() {
		a := r.FilterAddr.As16()
		copy(buf[4:], a[:])
	}
	return buf
}

// DecodeRemotePassiveRendezvousRequest parses a binary remote passive
// rendezvous request.
func DecodeRemotePassiveRendezvousRequest(data []byte) (*RemotePassiveRendezvousRequest, error) {
	if len(data) < RemotePassiveRendezvousRequestSize {
		return nil, fmt.Errorf("%w: rendezvous request %d bytes", ErrPayloadTooShort, len(data))
	}
	var a [16]byte
	copy(a[:], data[4:20])
	r := &RemotePassiveRendezvousRequest{
		RendezvousTimeout: time.Duration(binary.LittleEndian.Uint16(data[0:2])) * time.Second,
		InactivityTimeout: time.Duration(binary.LittleEndian.Uint16(data[2:4])) * time.Second,
	}
	if addr := netip.AddrFrom16(a).Unmap(); !addr.IsUnspecified() {
		r.FilterAddr = addr
	}
	return r, nil
}

func durationSeconds(d time.Duration) uint16 {
	s := d / time.Second
	switch {
	case s < 0:
		return 0
	case s > 0xFFFF:
		return 0xFFFF
	}
	return uint16(s)
}
