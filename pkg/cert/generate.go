package cert

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// GenerateRootCA creates a self-signed trust anchor.
func GenerateRootCA(name string) (*CA, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	ski, err := ComputeSKI(kp.PublicKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          randomSerial(),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(RootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
		SubjectKeyId:          ski,
		AuthorityKeyId:        ski,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, kp.PublicKey, kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &CA{Certificate: c, PrivateKey: kp.PrivateKey}, nil
}

// IssueIntermediate creates a CA signed by ca.
func (ca *CA) IssueIntermediate(name string) (*CA, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		Subject:               pkix.Name{CommonName: name},
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	c, err := ca.sign(template, kp.PublicKey, DeviceCertValidity)
	if err != nil {
		return nil, err
	}
	return &CA{Certificate: c, PrivateKey: kp.PrivateKey}, nil
}

// IssueNodeCert issues a leaf certificate binding pub to a node id. The id
// is carried in the subject common name as 16 upper-case hex digits.
func (ca *CA) IssueNodeCert(nodeID uint64, pub *ecdsa.PublicKey) (*x509.Certificate, error) {
	template := &x509.Certificate{
		Subject:     pkix.Name{CommonName: FormatDeviceID(nodeID)},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	return ca.sign(template, pub, DeviceCertValidity)
}

func (ca *CA) sign(template *x509.Certificate, pub *ecdsa.PublicKey, validity time.Duration) (*x509.Certificate, error) {
	if ca == nil || ca.Certificate == nil || ca.PrivateKey == nil {
		return nil, ErrInvalidCert
	}
	ski, err := ComputeSKI(pub)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template.SerialNumber = randomSerial()
	template.NotBefore = now.Add(-time.Minute)
	template.NotAfter = now.Add(validity)
	template.SubjectKeyId = ski
	template.AuthorityKeyId = ca.Certificate.SubjectKeyId

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Certificate, pub, ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

func randomSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}
