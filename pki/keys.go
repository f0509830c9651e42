package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
)

// KeyAlgorithm names the single key algorithm used for every CA and leaf.
const KeyAlgorithm = "ECDSA P-256"

// KeyGenerator produces fresh key pairs for certificates.
type KeyGenerator interface {
	GenerateKey() (*ecdsa.PrivateKey, error)
}

// SoftwareKeyGenerator creates ECDSA P-256 keys in process memory.
type SoftwareKeyGenerator struct {
	rand io.Reader
}

var _ KeyGenerator = (*SoftwareKeyGenerator)(nil)

// NewSoftwareKeyGenerator returns a generator reading from r, or from
// crypto/rand when r is nil.
func NewSoftwareKeyGenerator(r io.Reader) *SoftwareKeyGenerator {
	if r == nil {
		r = rand.Reader
	}
	return &SoftwareKeyGenerator{rand: r}
}

// GenerateKey creates a new ECDSA P-256 key pair.
func (g *SoftwareKeyGenerator) GenerateKey() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), g.rand)
	if err != nil {
		return nil, fmt.Errorf("generating ECDSA P-256 key: %w", err)
	}
	return priv, nil
}

// MarshalPrivateKey encodes key as SEC1 DER, the at-rest format of CA keys.
func MarshalPrivateKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshalling EC private key: %w", err)
	}
	return der, nil
}

// ParsePrivateKey decodes a SEC1 or PKCS#8 DER encoded ECDSA key.
func ParsePrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	if priv, err := x509.ParseECPrivateKey(der); err == nil {
		return priv, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parsing private key: not an ECDSA key")
	}
	return priv, nil
}

// EncodeCertificatePEM wraps a DER certificate in a CERTIFICATE PEM block.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// ParseCertificatePEM decodes the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}
