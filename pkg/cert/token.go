package cert

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// AccessToken is the credential for a certificate session: the local
// certificate chain and its private key.
//
// CBOR encoding:
//
//	{
//	  1: chain,  // [bytes], DER certificates, leaf first
//	  2: key     // bytes, SEC 1 EC private key
//	}
type AccessToken struct {
	Chain [][]byte `cbor:"1,keyasint"`
	Key   []byte   `cbor:"2,keyasint"`
}

// NewAccessToken encodes a token from a chain (leaf first) and the leaf's
// private key.
func NewAccessToken(chain []*x509.Certificate, key *ecdsa.PrivateKey) ([]byte, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrInvalidChain)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	t := AccessToken{Key: der}
	for _, c := range chain {
		t.Chain = append(t.Chain, c.Raw)
	}
	return wire.Marshal(&t)
}

// DecodeAccessToken decodes a token.
func DecodeAccessToken(data []byte) (*AccessToken, error) {
	t, err := wire.DecodePayload[AccessToken](data)
	if err != nil {
		return nil, err
	}
	if len(t.Chain) == 0 || len(t.Key) == 0 {
		return nil, fmt.Errorf("%w: incomplete access token", ErrInvalidCert)
	}
	return t, nil
}

// PrivateKey parses the token key.
func (t *AccessToken) PrivateKey() (*ecdsa.PrivateKey, error) {
	key, err := x509.ParseECPrivateKey(t.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// Clear zeroes the key material.
func (t *AccessToken) Clear() {
	clear(t.Key)
	t.Key = nil
}
