// Package discovery locates devices before the device manager connects to
// them.
//
// # Identify Criteria
//
// Criteria describe which devices should answer an Identify request: a
// target fabric (explicit id, any, any-in-fabric, not-in-fabric), a mode
// bitmap, a vendor id (or VendorAny) and a product id (explicit, ProductAny,
// or one of the product family wildcards). Criteria.Match applies the same
// rules to an Identify response on the manager side, because a device may
// answer a multicast request it does not fully match.
//
// Family wildcards expand only for the reference vendor:
//
//	ProductWildcardThermostat    -> thermostat models A, B, C
//	ProductWildcardSmokeDetector -> smoke detector
//	ProductWildcardCamera        -> camera
//
// # Enumeration
//
// During device enumeration a responder answers every retransmitted
// Identify request. SeenSet remembers the responders already reported so
// each device surfaces once.
//
// # mDNS (_devmgr._udp)
//
// Devices that already have an address advertise _devmgr._udp with TXT
// records DI (device id), VP (vendor:product), FI (fabric id, absent when
// not in a fabric) and SN (serial). MDNSLocator resolves a device id or a
// set of Criteria to an address ahead of a unicast connect.
package discovery
