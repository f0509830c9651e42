package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// BundleContents is a decoded export bundle.
type BundleContents struct {
	PrivateKey  crypto.PrivateKey
	Certificate *x509.Certificate
	CACerts     []*x509.Certificate
}

// EncodeBundle packages the leaf key, leaf certificate and CA certificate
// into a password-protected PKCS#12 container.
func EncodeBundle(key *ecdsa.PrivateKey, cert, caCert *x509.Certificate, password string) ([]byte, error) {
	if key == nil || cert == nil || caCert == nil {
		return nil, cryptoErr("encode bundle", fmt.Errorf("%w: bundle needs key, certificate and CA certificate", ErrInvalidRequest))
	}
	data, err := pkcs12.Modern.Encode(key, cert, []*x509.Certificate{caCert}, password)
	if err != nil {
		return nil, cryptoErr("encode bundle", err)
	}
	return data, nil
}

// OpenBundle decrypts a bundle produced by EncodeBundle.
func OpenBundle(data []byte, password string) (*BundleContents, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, cryptoErr("open bundle", ErrBundlePassword)
		}
		return nil, cryptoErr("open bundle", err)
	}
	return &BundleContents{PrivateKey: key, Certificate: cert, CACerts: caCerts}, nil
}
