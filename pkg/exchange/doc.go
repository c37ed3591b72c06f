// Package exchange implements the message layer the device manager runs
// on: connections, exchanges and session keys.
//
// A message travels as a CBOR envelope. Over TCP and BLE the envelope is
// length-prefix framed by the transport package; over UDP a datagram
// carries exactly one envelope.
//
// An exchange is a request/response conversation identified by its
// exchange id and by which side initiated it. Messages from the
// initiator carry FlagInitiator, and its first message also carries
// FlagUnsolicited. A peer-initiated message that matches no open
// exchange is handed to the handler registered for its profile and
// message type, together with a new responder exchange. Anything else is
// dropped.
//
// Bodies of messages sent under a session key are sealed with
// ChaCha20-Poly1305. The encoded header is the associated data and the
// nonce is built from the sender node id and the message id, so sealed
// envelopes always carry the source node id.
//
// The layer has a single listener slot. Whoever holds it receives every
// inbound TCP connection until it calls StopListening.
package exchange
