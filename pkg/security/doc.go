// Package security negotiates the secure sessions a device manager runs
// its requests over.
//
// Two session kinds are supported:
//
//   - PASE, a password session keyed by the device pairing code. It runs
//     SPAKE2+ over P-256: the commissioner proves knowledge of the code,
//     the device proves knowledge of the verifier derived from it.
//   - CASE, a certificate session. Both sides exchange ephemeral ECDH
//     keys and certificate chains and sign the transcript with their
//     node keys.
//
// Either way the initiator proposes the key id, and both sides install
// the derived ChaCha20-Poly1305 key on the connection through a KeyStore
// before the initiator reports success.
//
// Manager is the initiator side used by the device manager. Responder is
// the device side. It answers session requests that arrive as
// unsolicited messages and rejects a second concurrent negotiation with
// a busy status.
package security
