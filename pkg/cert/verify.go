package cert

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Verification errors.
var (
	ErrCertExpired      = errors.New("certificate has expired")
	ErrCertNotYetValid  = errors.New("certificate is not yet valid")
	ErrInvalidChain     = errors.New("invalid certificate chain")
	ErrNoDeviceID       = errors.New("certificate carries no device id")
	ErrDeviceIDMismatch = errors.New("certificate device id mismatch")
)

// LegacyVendorPrefix is the vendor OUI implied for device ids issued
// before ids carried a vendor prefix.
const LegacyVendorPrefix uint64 = 0x18B4300000000000

const vendorPrefixMask uint64 = 0xFFFFFF0000000000

// FormatDeviceID renders a device id the way certificates carry it.
func FormatDeviceID(id uint64) string {
	return fmt.Sprintf("%016X", id)
}

// ParseDeviceID parses a 16-digit hex device id.
func ParseDeviceID(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("%w: %q", ErrNoDeviceID, s)
	}
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNoDeviceID, s)
	}
	return id, nil
}

// ExtractDeviceID returns the device id in a certificate's common name.
func ExtractDeviceID(c *x509.Certificate) (uint64, error) {
	if c == nil {
		return 0, ErrInvalidCert
	}
	return ParseDeviceID(c.Subject.CommonName)
}

// FixupLegacyDeviceID adds LegacyVendorPrefix to an id whose top 24 bits
// are zero.
func FixupLegacyDeviceID(id uint64) uint64 {
	if id&vendorPrefixMask == 0 {
		return id | LegacyVendorPrefix
	}
	return id
}

// CheckDeviceID verifies that the certificate subject names the expected
// device, accepting legacy ids without a vendor prefix.
func CheckDeviceID(c *x509.Certificate, expected uint64) error {
	id, err := ExtractDeviceID(c)
	if err != nil {
		return err
	}
	if id != expected && FixupLegacyDeviceID(id) != expected {
		return fmt.Errorf("%w: got %s, want %s", ErrDeviceIDMismatch, FormatDeviceID(id), FormatDeviceID(expected))
	}
	return nil
}

// ParseChain parses a DER chain, leaf first.
func ParseChain(chain [][]byte) (leaf *x509.Certificate, intermediates []*x509.Certificate, err error) {
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("%w: empty chain", ErrInvalidChain)
	}
	certs := make([]*x509.Certificate, 0, len(chain))
	for i, der := range chain {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: certificate %d: %v", ErrInvalidChain, i, err)
		}
		certs = append(certs, c)
	}
	return certs[0], certs[1:], nil
}

// ValidationContext holds what a peer chain is validated against: the
// trust anchors and the intermediates the peer supplied.
type ValidationContext struct {
	Roots         *x509.CertPool
	Intermediates *x509.CertPool

	// CurrentTime overrides the validation time when non-zero.
	CurrentTime time.Time
}

// NewValidationContext builds a context from trust anchors and
// intermediates.
func NewValidationContext(anchors, intermediates []*x509.Certificate) *ValidationContext {
	vc := &ValidationContext{
		Roots:         x509.NewCertPool(),
		Intermediates: x509.NewCertPool(),
	}
	for _, c := range anchors {
		vc.Roots.AddCert(c)
	}
	for _, c := range intermediates {
		vc.Intermediates.AddCert(c)
	}
	return vc
}

// Verify checks the leaf's validity period and its chain to a trust anchor.
func (vc *ValidationContext) Verify(leaf *x509.Certificate) error {
	if leaf == nil {
		return ErrInvalidCert
	}
	if vc == nil || vc.Roots == nil {
		return fmt.Errorf("%w: no trust anchors", ErrInvalidChain)
	}

	now := vc.CurrentTime
	if now.IsZero() {
		now = time.Now()
	}
	if now.Before(leaf.NotBefore) {
		return ErrCertNotYetValid
	}
	if now.After(leaf.NotAfter) {
		return ErrCertExpired
	}

	opts := x509.VerifyOptions{
		Roots:         vc.Roots,
		Intermediates: vc.Intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	return nil
}
