package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"time"
)

// Certificate validity periods.
const (
	// RootCAValidity is the validity period for trust anchor certificates.
	RootCAValidity = 20 * 365 * 24 * time.Hour

	// DeviceCertValidity is the validity period for device and manager
	// certificates.
	DeviceCertValidity = 10 * 365 * 24 * time.Hour
)

// KeyPair holds an ECDSA P-256 key pair.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateKeyPair creates a new P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{PrivateKey: key, PublicKey: &key.PublicKey}, nil
}

// ComputeSKI returns the subject key identifier of a public key: the
// SHA-1 of its uncompressed point encoding.
func ComputeSKI(pub *ecdsa.PublicKey) ([]byte, error) {
	ecdhKey, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	sum := sha1.Sum(ecdhKey.Bytes())
	return sum[:], nil
}

// CA is a certificate authority able to issue node certificates.
type CA struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// Info extracts the fields shown by the CLI.
type Info struct {
	DeviceID   uint64
	CommonName string
	Issuer     string
	NotBefore  time.Time
	NotAfter   time.Time
	IsCA       bool
}

// GetInfo extracts information from a certificate. DeviceID is zero when
// the subject carries no node id.
func GetInfo(c *x509.Certificate) *Info {
	if c == nil {
		return nil
	}
	id, _ := ExtractDeviceID(c)
	return &Info{
		DeviceID:   id,
		CommonName: c.Subject.CommonName,
		Issuer:     c.Issuer.CommonName,
		NotBefore:  c.NotBefore,
		NotAfter:   c.NotAfter,
		IsCA:       c.IsCA,
	}
}
