// Package secret holds credential material used to authenticate a device
// session: a pairing code for PASE or an access token for CASE.
//
// A Credential owns its backing buffer. The buffer is zeroed before it is
// released, whether by Clear, by replacement through Set, or by moving
// ownership with Take.
package secret

import (
	"errors"
)

// Kind identifies the authentication mode a credential is used for.
type Kind uint8

const (
	// KindNone means no authentication; the session is established without keys.
	KindNone Kind = iota

	// KindPairingCode is a short pairing code used for a password session (PASE).
	KindPairingCode

	// KindAccessToken is an opaque access token used for a certificate session (CASE).
	KindAccessToken
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindPairingCode:
		return "PAIRING_CODE"
	case KindAccessToken:
		return "ACCESS_TOKEN"
	default:
		return "UNKNOWN"
	}
}

// Credential errors.
var (
	ErrEmptyCredential = errors.New("credential is empty")
	ErrInvalidKind     = errors.New("invalid credential kind")
)

// Credential is an owned, zero-on-clear secret buffer tagged with its kind.
// The zero value is an empty credential of kind KindNone.
//
// Credential is not safe for concurrent use.
type Credential struct {
	kind Kind
	buf  []byte
}

// NewPairingCode returns a credential holding a copy of the pairing code.
func NewPairingCode(code string) (*Credential, error) {
	if code == "" {
		return nil, ErrEmptyCredential
	}
	buf := make([]byte, len(code))
	copy(buf, code)
	return &Credential{kind: KindPairingCode, buf: buf}, nil
}

// NewAccessToken returns a credential holding a copy of the token bytes.
func NewAccessToken(token []byte) (*Credential, error) {
	if len(token) == 0 {
		return nil, ErrEmptyCredential
	}
	c := &Credential{}
	c.set(KindAccessToken, token)
	return c, nil
}

// None returns an empty credential of kind KindNone.
func None() *Credential {
	return &Credential{}
}

// Kind returns the credential kind. A nil credential reports KindNone.
func (c *Credential) Kind() Kind {
	if c == nil {
		return KindNone
	}
	return c.kind
}

// Len returns the length of the secret material.
func (c *Credential) Len() int {
	if c == nil {
		return 0
	}
	return len(c.buf)
}

// IsEmpty reports whether the credential holds no material.
func (c *Credential) IsEmpty() bool {
	return c.Len() == 0
}

// Bytes returns the secret material. The returned slice aliases the
// credential's buffer and is invalidated by Clear, Set and Take.
func (c *Credential) Bytes() []byte {
	if c == nil {
		return nil
	}
	return c.buf
}

// Set replaces the credential contents with a copy of data. The previous
// buffer is zeroed first. Setting KindNone requires empty data.
func (c *Credential) Set(kind Kind, data []byte) error {
	switch kind {
	case KindNone:
		if len(data) != 0 {
			return ErrInvalidKind
		}
	case KindPairingCode, KindAccessToken:
		if len(data) == 0 {
			return ErrEmptyCredential
		}
	default:
		return ErrInvalidKind
	}
	c.set(kind, data)
	return nil
}

func (c *Credential) set(kind Kind, data []byte) {
	c.Clear()
	c.kind = kind
	if len(data) > 0 {
		c.buf = make([]byte, len(data))
		copy(c.buf, data)
	}
}

// Clear zeroes and releases the secret material and resets the kind to KindNone.
// Clear is safe to call on a nil or already cleared credential.
func (c *Credential) Clear() {
	if c == nil {
		return
	}
	clear(c.buf)
	c.buf = nil
	c.kind = KindNone
}

// Clone returns an independent copy of the credential.
func (c *Credential) Clone() *Credential {
	out := &Credential{}
	if c == nil {
		return out
	}
	out.set(c.kind, c.buf)
	return out
}

// Take moves the material into a new credential and leaves c empty.
// No copy of the secret remains in c.
func (c *Credential) Take() *Credential {
	out := &Credential{}
	if c == nil {
		return out
	}
	out.kind, out.buf = c.kind, c.buf
	c.kind, c.buf = KindNone, nil
	return out
}

// String never reveals the secret material.
func (c *Credential) String() string {
	return c.Kind().String()
}
