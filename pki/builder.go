package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/jmcleod/mtlsvault/storage"
)

// Extensions is the extension set a Profile asks the builder to emit.
// Basic Constraints is always present and marked valid.
type Extensions struct {
	IsCA           bool
	KeyUsage       x509.KeyUsage
	ExtKeyUsage    []x509.ExtKeyUsage
	SubjectKeyID   bool
	AuthorityKeyID bool
}

// Profile selects the kind of certificate being built. It is implemented
// only by Root and Leaf.
type Profile interface {
	Extensions() Extensions
	profile()
}

// Root is the profile of a self-signed certificate authority.
type Root struct{}

func (Root) profile() {}

// Extensions implements Profile.
func (Root) Extensions() Extensions {
	return Extensions{
		IsCA:         true,
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyID: true,
	}
}

// Leaf is the profile of an end-entity certificate signed by CA.
type Leaf struct {
	CA       *x509.Certificate
	Type     storage.CertificateType
	DNSNames []string
}

func (Leaf) profile() {}

// Extensions implements Profile.
func (l Leaf) Extensions() Extensions {
	ext := Extensions{
		KeyUsage:       x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		SubjectKeyID:   true,
		AuthorityKeyID: true,
	}
	switch l.Type {
	case storage.CertificateTypeServer:
		ext.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	default:
		ext.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	return ext
}

// Request carries everything needed to build and sign one certificate.
type Request struct {
	Subject   pkix.Name
	Issuer    pkix.Name
	PublicKey crypto.PublicKey
	Signer    crypto.Signer
	Serial    *big.Int
	NotBefore time.Time
	NotAfter  time.Time
	Profile   Profile
}

// Builder assembles X.509 v3 certificates from a Request.
type Builder struct {
	rand io.Reader
}

// NewBuilder returns a Builder that signs with randomness from r, or from
// crypto/rand when r is nil.
func NewBuilder(r io.Reader) *Builder {
	if r == nil {
		r = rand.Reader
	}
	return &Builder{rand: r}
}

// Build validates req, signs the certificate and returns both the parsed
// certificate and its DER encoding.
func (b *Builder) Build(req Request) (*x509.Certificate, []byte, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, cryptoErr("build certificate", err)
	}

	ext := req.Profile.Extensions()
	tmpl := &x509.Certificate{
		SerialNumber:          req.Serial,
		Subject:               req.Subject,
		NotBefore:             req.NotBefore,
		NotAfter:              req.NotAfter,
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
		KeyUsage:              ext.KeyUsage,
		ExtKeyUsage:           ext.ExtKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  ext.IsCA,
	}
	if ext.SubjectKeyID {
		ski, err := SubjectKeyID(req.PublicKey)
		if err != nil {
			return nil, nil, cryptoErr("build certificate", err)
		}
		tmpl.SubjectKeyId = ski
	}

	var parent *x509.Certificate
	switch p := req.Profile.(type) {
	case Root:
		if DNString(req.Issuer) != DNString(req.Subject) {
			return nil, nil, cryptoErr("build certificate", fmt.Errorf("%w: root issuer must equal subject", ErrInvalidRequest))
		}
		if !publicKeysEqual(req.Signer.Public(), req.PublicKey) {
			return nil, nil, cryptoErr("build certificate", ErrKeyMismatch)
		}
		parent = tmpl
	case Leaf:
		if p.CA == nil {
			return nil, nil, cryptoErr("build certificate", fmt.Errorf("%w: leaf profile has no CA", ErrInvalidRequest))
		}
		if DNString(req.Issuer) != DNString(p.CA.Subject) {
			return nil, nil, cryptoErr("build certificate", fmt.Errorf("%w: issuer does not match CA subject", ErrInvalidRequest))
		}
		if !publicKeysEqual(req.Signer.Public(), p.CA.PublicKey) {
			return nil, nil, cryptoErr("build certificate", ErrKeyMismatch)
		}
		if p.Type == storage.CertificateTypeServer {
			tmpl.DNSNames = p.DNSNames
		}
		if ext.AuthorityKeyID {
			aki := p.CA.SubjectKeyId
			if len(aki) == 0 {
				var err error
				if aki, err = SubjectKeyID(p.CA.PublicKey); err != nil {
					return nil, nil, cryptoErr("build certificate", err)
				}
			}
			tmpl.AuthorityKeyId = aki
		}
		parent = p.CA
	default:
		return nil, nil, cryptoErr("build certificate", fmt.Errorf("%w: unknown profile %T", ErrInvalidRequest, req.Profile))
	}

	der, err := x509.CreateCertificate(b.rand, tmpl, parent, req.PublicKey, req.Signer)
	if err != nil {
		return nil, nil, cryptoErr("sign certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, cryptoErr("parse certificate", err)
	}
	return cert, der, nil
}

func validateRequest(req Request) error {
	switch {
	case req.Profile == nil:
		return fmt.Errorf("%w: missing profile", ErrInvalidRequest)
	case req.PublicKey == nil:
		return fmt.Errorf("%w: missing public key", ErrInvalidRequest)
	case req.Signer == nil:
		return fmt.Errorf("%w: missing signer", ErrInvalidRequest)
	case req.Serial == nil || req.Serial.Sign() <= 0:
		return fmt.Errorf("%w: serial must be positive", ErrInvalidRequest)
	case req.Subject.CommonName == "":
		return ErrEmptyName
	case !req.NotAfter.After(req.NotBefore):
		return fmt.Errorf("%w: not-after must follow not-before", ErrInvalidRequest)
	}
	return nil
}

// SubjectKeyID computes the RFC 5280 method 1 key identifier: the SHA-1
// of the subjectPublicKey BIT STRING.
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshalling public key: %w", err)
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:], nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	eq, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && eq.Equal(b)
}
