// Package wire defines the message formats exchanged between the device
// manager and a device.
//
// Two encodings are used:
//   - Fixed little-endian binary layouts for the small control payloads whose
//     shape is part of the protocol contract (Identify request, remote passive
//     rendezvous request, status report).
//   - CBOR (RFC 8949) with integer keys for everything else: device
//     descriptors, provisioning payloads and the exchange message header.
//
// # Profiles
//
// Every message is addressed by a 32-bit profile id and an 8-bit message
// type within that profile. Profile ids carry the vendor id in the upper
// 16 bits.
//
// # Status Reports
//
// A status report answers any request that has no richer response:
//
//	+------------+----------+-----------------+
//	| profile id | code     | detail (opt.)   |
//	| u32 LE     | u16 LE   | remaining bytes |
//	+------------+----------+-----------------+
package wire
