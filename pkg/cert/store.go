package cert

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Store errors.
var (
	ErrCertNotFound = errors.New("certificate not found")
	ErrInvalidCert  = errors.New("invalid certificate")
	ErrNotCA        = errors.New("certificate is not a CA")
)

// TrustStore holds the trust anchors peer chains are validated against.
// It is safe for concurrent use.
type TrustStore struct {
	mu      sync.RWMutex
	anchors map[string]*x509.Certificate
}

// NewTrustStore creates an empty trust store.
func NewTrustStore(anchors ...*x509.Certificate) *TrustStore {
	s := &TrustStore{anchors: make(map[string]*x509.Certificate)}
	for _, c := range anchors {
		_ = s.Add(c)
	}
	return s
}

// Add stores a CA certificate. Adding the same certificate twice is a
// no-op.
func (s *TrustStore) Add(c *x509.Certificate) error {
	if c == nil {
		return ErrInvalidCert
	}
	if !c.IsCA {
		return ErrNotCA
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors[string(c.Raw)] = c
	return nil
}

// AddPEM adds every CERTIFICATE block in data and returns how many were
// added.
func (s *TrustStore) AddPEM(data []byte) (int, error) {
	n := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return n, fmt.Errorf("%w: %v", ErrInvalidCert, err)
		}
		if err := s.Add(c); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, ErrInvalidPEM
	}
	return n, nil
}

// LoadFile adds the certificates of a PEM file.
func (s *TrustStore) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReadFile, err)
	}
	return s.AddPEM(data)
}

// Anchors returns all trust anchors.
func (s *TrustStore) Anchors() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*x509.Certificate, 0, len(s.anchors))
	for _, c := range s.anchors {
		out = append(out, c)
	}
	return out
}

// Len returns the number of trust anchors.
func (s *TrustStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.anchors)
}

// ValidationContext returns a context over the anchors and the given
// peer-supplied intermediates.
func (s *TrustStore) ValidationContext(intermediates []*x509.Certificate) *ValidationContext {
	return NewValidationContext(s.Anchors(), intermediates)
}
