package pki

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmcleod/mtlsvault/storage"
)

const (
	// DefaultCACertPath is where the CA public certificate is published.
	DefaultCACertPath = "ca.cert"

	year = 365 * 24 * time.Hour
)

// Issuer creates CA and leaf certificates. The zero value is not usable;
// construct with NewIssuer.
type Issuer struct {
	keys      KeyGenerator
	serials   SerialAllocator
	builder   *Builder
	passwords *PasswordGenerator
	now       func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithKeyGenerator replaces the default software key generator.
func WithKeyGenerator(g KeyGenerator) Option {
	return func(i *Issuer) { i.keys = g }
}

// WithSerialAllocator replaces the default 64-bit random serial allocator.
func WithSerialAllocator(s SerialAllocator) Option {
	return func(i *Issuer) { i.serials = s }
}

// WithPasswordGenerator replaces the default export password generator.
func WithPasswordGenerator(g *PasswordGenerator) Option {
	return func(i *Issuer) { i.passwords = g }
}

// WithClock sets the time source used for validity windows.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer returns an Issuer with software keys, random serials and the
// system clock unless overridden.
func NewIssuer(opts ...Option) *Issuer {
	i := &Issuer{
		keys:      NewSoftwareKeyGenerator(nil),
		serials:   NewRandomSerials(),
		builder:   NewBuilder(nil),
		passwords: &PasswordGenerator{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// CreateCA generates a self-signed root CA valid for validityYears × 365
// days from now. The returned record has no ID until it is stored.
func (i *Issuer) CreateCA(ctx context.Context, name string, validityYears int) (*storage.CertificateAuthority, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subject, err := NewName(name)
	if err != nil {
		return nil, cryptoErr("create ca", err)
	}
	if validityYears < 1 {
		return nil, cryptoErr("create ca", ErrInvalidValidity)
	}

	priv, err := i.keys.GenerateKey()
	if err != nil {
		return nil, cryptoErr("generate key", err)
	}
	serial, err := i.serials.NextSerial()
	if err != nil {
		return nil, cryptoErr("allocate serial", err)
	}

	now := i.now()
	notAfter := now.Add(time.Duration(validityYears) * year)
	_, der, err := i.builder.Build(Request{
		Subject:   subject,
		Issuer:    subject,
		PublicKey: priv.Public(),
		Signer:    priv,
		Serial:    serial,
		NotBefore: now,
		NotAfter:  notAfter,
		Profile:   Root{},
	})
	if err != nil {
		return nil, err
	}

	keyDER, err := MarshalPrivateKey(priv)
	if err != nil {
		return nil, cryptoErr("create ca", err)
	}
	return &storage.CertificateAuthority{
		CreatedOn:   now.UnixMilli(),
		ValidUntil:  notAfter.UnixMilli(),
		Certificate: der,
		PrivateKey:  keyDER,
	}, nil
}

// ParseCA decodes a stored CA and checks that its key matches its
// certificate.
func ParseCA(ca *storage.CertificateAuthority) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	if ca == nil {
		return nil, nil, cryptoErr("parse ca", fmt.Errorf("%w: nil CA", ErrInvalidRequest))
	}
	cert, err := x509.ParseCertificate(ca.Certificate)
	if err != nil {
		return nil, nil, cryptoErr("parse ca", err)
	}
	key, err := ParsePrivateKey(ca.PrivateKey)
	if err != nil {
		return nil, nil, cryptoErr("parse ca", err)
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, nil, cryptoErr("parse ca", ErrKeyMismatch)
	}
	return cert, key, nil
}

// ExportCAPublic returns the CA certificate as PEM. The private key is
// never included.
func ExportCAPublic(ca *storage.CertificateAuthority) ([]byte, error) {
	if ca == nil || len(ca.Certificate) == 0 {
		return nil, cryptoErr("export ca", fmt.Errorf("%w: CA has no certificate", ErrInvalidRequest))
	}
	if _, err := x509.ParseCertificate(ca.Certificate); err != nil {
		return nil, cryptoErr("export ca", err)
	}
	return EncodeCertificatePEM(ca.Certificate), nil
}

// WriteCAFile publishes the CA certificate PEM at path, replacing any
// previous file atomically.
func WriteCAFile(ca *storage.CertificateAuthority, path string) error {
	data, err := ExportCAPublic(ca)
	if err != nil {
		return err
	}
	if path == "" {
		path = DefaultCACertPath
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ca-cert-*")
	if err != nil {
		return fmt.Errorf("creating temp CA file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing CA file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod CA file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing CA file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publishing CA file: %w", err)
	}
	return nil
}
