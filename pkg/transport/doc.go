// Package transport moves bytes between the device manager and devices.
//
// It provides:
//   - Length-prefixed message framing over byte streams
//   - StreamConn, a framed connection with a reader goroutine, used for
//     TCP connections and for BLE endpoints
//   - TCP dialing and a listener for inbound (passive rendezvous)
//     connections
//   - UDPEndpoint for unicast and multicast Identify traffic
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   CBOR Envelopes (exchange)    │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │  stream transports only
//	├────────────────────────────────┤
//	│   TCP   │   BLE   │    UDP     │
//	└────────────────────────────────┘
//
// A UDP datagram carries exactly one envelope, so no framing is applied.
// Multicast Identify requests go to ff02::1 on every multicast capable
// interface and to the IPv4 broadcast address.
package transport
