package pki_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/mtlsvault/pki"
	"github.com/jmcleod/mtlsvault/storage"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

type failingKeys struct{}

func (failingKeys) GenerateKey() (*ecdsa.PrivateKey, error) {
	return nil, errors.New("entropy exhausted")
}

func newIssuer(opts ...pki.Option) *pki.Issuer {
	return pki.NewIssuer(append([]pki.Option{pki.WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func persistedCA(t *testing.T, iss *pki.Issuer) *storage.CertificateAuthority {
	t.Helper()
	ca, err := iss.CreateCA(t.Context(), "Test Root CA", 10)
	require.NoError(t, err)
	ca.ID = 1
	return ca
}

// ---------------------------------------------------------------------------
// Names and serials
// ---------------------------------------------------------------------------

func TestNewName(t *testing.T) {
	name, err := pki.NewName("Alice's laptop")
	require.NoError(t, err)
	assert.Equal(t, "Alice's laptop", name.CommonName)
	assert.Equal(t, "CN=Alice's laptop", pki.DNString(name))

	for _, in := range []string{"", "   ", "\t\n"} {
		_, err := pki.NewName(in)
		assert.ErrorIs(t, err, pki.ErrEmptyName, "input %q", in)
	}
}

func TestRandomSerials(t *testing.T) {
	alloc := pki.NewRandomSerials()
	seen := make(map[string]bool)
	full, short := 0, 0
	for range 500 {
		s, err := alloc.NextSerial()
		require.NoError(t, err)
		require.Positive(t, s.Sign())
		require.LessOrEqual(t, s.BitLen(), 64)
		require.False(t, seen[s.String()], "duplicate serial %s", s)
		seen[s.String()] = true
		if s.BitLen() == 64 {
			full++
		} else {
			short++
		}
	}
	// The top bit is random, so both cases must occur.
	assert.Positive(t, full)
	assert.Positive(t, short)
}

func TestRandomSerials_RedrawsZero(t *testing.T) {
	src := append(make([]byte, 8), 0, 0, 0, 0, 0, 0, 0, 7)
	alloc := &pki.RandomSerials{Bits: 64, Rand: bytes.NewReader(src)}
	s, err := alloc.NextSerial()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), s)
}

func TestRandomSerials_Errors(t *testing.T) {
	_, err := (&pki.RandomSerials{Bits: 32}).NextSerial()
	assert.Error(t, err)

	_, err = (&pki.RandomSerials{Bits: 64, Rand: failingReader{}}).NextSerial()
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// CA issuance
// ---------------------------------------------------------------------------

func TestCreateCA(t *testing.T) {
	ca, err := newIssuer().CreateCA(t.Context(), "Test Root CA", 10)
	require.NoError(t, err)

	assert.Zero(t, ca.ID)
	assert.Equal(t, fixedNow.UnixMilli(), ca.CreatedOn)
	assert.Equal(t, int64(10*365*24*time.Hour/time.Millisecond), ca.ValidUntil-ca.CreatedOn)
	require.NoError(t, ca.Validate())

	cert, key, err := pki.ParseCA(ca)
	require.NoError(t, err)
	assert.Equal(t, 3, cert.Version)
	assert.Equal(t, "Test Root CA", cert.Subject.CommonName)
	assert.Equal(t, cert.Subject.String(), cert.Issuer.String())
	assert.True(t, cert.BasicConstraintsValid)
	assert.True(t, cert.IsCA)
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign, cert.KeyUsage)
	assert.Equal(t, x509.ECDSAWithSHA256, cert.SignatureAlgorithm)
	assert.Equal(t, elliptic.P256(), key.Curve)
	assert.True(t, cert.NotBefore.Equal(fixedNow))

	ski, err := pki.SubjectKeyID(cert.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, ski, cert.SubjectKeyId)
	assert.NoError(t, cert.CheckSignatureFrom(cert))
}

func TestCreateCA_Errors(t *testing.T) {
	ctx := t.Context()

	_, err := newIssuer().CreateCA(ctx, " ", 10)
	assert.True(t, pki.IsCryptoError(err))
	assert.ErrorIs(t, err, pki.ErrEmptyName)

	_, err = newIssuer().CreateCA(ctx, "CA", 0)
	assert.ErrorIs(t, err, pki.ErrInvalidValidity)

	_, err = newIssuer(pki.WithKeyGenerator(failingKeys{})).CreateCA(ctx, "CA", 1)
	var ce *pki.CryptoError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "generate key", ce.Op)

	_, err = newIssuer(pki.WithSerialAllocator(&pki.RandomSerials{Rand: failingReader{}})).CreateCA(ctx, "CA", 1)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "allocate serial", ce.Op)
}

func TestExportCAPublic(t *testing.T) {
	ca := persistedCA(t, newIssuer())
	pemBytes, err := pki.ExportCAPublic(ca)
	require.NoError(t, err)
	assert.NotContains(t, string(pemBytes), "PRIVATE KEY")

	cert, err := pki.ParseCertificatePEM(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, ca.Certificate, cert.Raw)

	_, err = pki.ExportCAPublic(&storage.CertificateAuthority{})
	assert.True(t, pki.IsCryptoError(err))
}

func TestWriteCAFile(t *testing.T) {
	ca := persistedCA(t, newIssuer())
	path := filepath.Join(t.TempDir(), "ca.cert")
	require.NoError(t, pki.WriteCAFile(ca, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	want, _ := pki.ExportCAPublic(ca)
	assert.Equal(t, want, data)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

// ---------------------------------------------------------------------------
// Leaf issuance
// ---------------------------------------------------------------------------

func TestCreateLeaf(t *testing.T) {
	iss := newIssuer()
	ca := persistedCA(t, iss)
	caCert, _, err := pki.ParseCA(ca)
	require.NoError(t, err)

	leaf, err := iss.CreateLeaf(t.Context(), ca, pki.LeafRequest{
		Name: "alice", ValidityYears: 2, OwnerUserID: 42,
	})
	require.NoError(t, err)
	require.NoError(t, leaf.Validate())
	assert.Equal(t, ca.ID, leaf.CAID)
	assert.Equal(t, int64(42), leaf.OwnerUserID)
	assert.Equal(t, int64(2*365*24*time.Hour/time.Millisecond), leaf.ValidUntil-leaf.CreatedOn)
	require.NoError(t, pki.CheckPassword(leaf.ExportPassword))

	contents, err := pki.OpenBundle(leaf.ExportBundle, leaf.ExportPassword)
	require.NoError(t, err)
	require.NotNil(t, contents.PrivateKey)
	require.NotNil(t, contents.Certificate)
	require.Len(t, contents.CACerts, 1)
	assert.Equal(t, caCert.Raw, contents.CACerts[0].Raw)

	cert := contents.Certificate
	assert.Equal(t, "alice", cert.Subject.CommonName)
	assert.Equal(t, caCert.Subject.String(), cert.Issuer.String())
	assert.True(t, cert.BasicConstraintsValid)
	assert.False(t, cert.IsCA)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
	assert.Equal(t, caCert.SubjectKeyId, cert.AuthorityKeyId)
	assert.NotEqual(t, 0, cert.SerialNumber.Cmp(caCert.SerialNumber))
	assert.NoError(t, cert.CheckSignatureFrom(caCert))

	key, ok := contents.PrivateKey.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, key.PublicKey.Equal(cert.PublicKey))

	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: fixedNow.Add(time.Hour),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)
}

func TestCreateLeaf_Server(t *testing.T) {
	iss := newIssuer()
	ca := persistedCA(t, iss)

	leaf, err := iss.CreateLeaf(t.Context(), ca, pki.LeafRequest{
		Name: "api.internal", ValidityYears: 1, OwnerUserID: 1, Type: storage.CertificateTypeServer,
	})
	require.NoError(t, err)
	contents, err := pki.OpenBundle(leaf.ExportBundle, leaf.ExportPassword)
	require.NoError(t, err)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, contents.Certificate.ExtKeyUsage)
	assert.Equal(t, []string{"api.internal"}, contents.Certificate.DNSNames)
}

func TestCreateLeaf_DistinctSerials(t *testing.T) {
	iss := newIssuer()
	ca := persistedCA(t, iss)
	caCert, _, err := pki.ParseCA(ca)
	require.NoError(t, err)

	seen := map[string]bool{caCert.SerialNumber.String(): true}
	for range 5 {
		leaf, err := iss.CreateLeaf(t.Context(), ca, pki.LeafRequest{Name: "bob", ValidityYears: 1, OwnerUserID: 1})
		require.NoError(t, err)
		contents, err := pki.OpenBundle(leaf.ExportBundle, leaf.ExportPassword)
		require.NoError(t, err)
		s := contents.Certificate.SerialNumber.String()
		assert.False(t, seen[s])
		seen[s] = true
	}
}

func TestCreateLeaf_Errors(t *testing.T) {
	ctx := t.Context()
	iss := newIssuer()
	ca := persistedCA(t, iss)
	req := pki.LeafRequest{Name: "alice", ValidityYears: 1, OwnerUserID: 1}

	unsaved := *ca
	unsaved.ID = 0
	_, err := iss.CreateLeaf(ctx, &unsaved, req)
	assert.ErrorIs(t, err, pki.ErrCANotPersisted)

	_, err = iss.CreateLeaf(ctx, ca, pki.LeafRequest{Name: "", ValidityYears: 1})
	assert.ErrorIs(t, err, pki.ErrEmptyName)

	_, err = iss.CreateLeaf(ctx, ca, pki.LeafRequest{Name: "alice", ValidityYears: 0})
	assert.ErrorIs(t, err, pki.ErrInvalidValidity)

	_, err = iss.CreateLeaf(ctx, ca, pki.LeafRequest{Name: "alice", ValidityYears: 1, Type: storage.CertificateTypeCA})
	assert.ErrorIs(t, err, pki.ErrInvalidRequest)

	_, err = iss.CreateLeaf(ctx, ca, pki.LeafRequest{Name: "alice", ValidityYears: 1, Type: storage.CertificateType(7)})
	assert.ErrorIs(t, err, pki.ErrInvalidRequest)

	other := persistedCA(t, iss)
	mixed := *ca
	mixed.PrivateKey = other.PrivateKey
	_, err = iss.CreateLeaf(ctx, &mixed, req)
	assert.ErrorIs(t, err, pki.ErrKeyMismatch)

	_, err = newIssuer(pki.WithKeyGenerator(failingKeys{})).CreateLeaf(ctx, ca, req)
	assert.True(t, pki.IsCryptoError(err))

	_, err = newIssuer(pki.WithPasswordGenerator(&pki.PasswordGenerator{Rand: failingReader{}})).CreateLeaf(ctx, ca, req)
	var ce *pki.CryptoError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "generate password", ce.Op)
}

func TestOpenBundle_WrongPassword(t *testing.T) {
	iss := newIssuer()
	ca := persistedCA(t, iss)
	leaf, err := iss.CreateLeaf(t.Context(), ca, pki.LeafRequest{Name: "alice", ValidityYears: 1, OwnerUserID: 1})
	require.NoError(t, err)

	_, err = pki.OpenBundle(leaf.ExportBundle, leaf.ExportPassword+"x")
	assert.ErrorIs(t, err, pki.ErrBundlePassword)
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

func TestBuilder_RejectsMalformedRequests(t *testing.T) {
	keys := pki.NewSoftwareKeyGenerator(nil)
	caKey, err := keys.GenerateKey()
	require.NoError(t, err)
	otherKey, err := keys.GenerateKey()
	require.NoError(t, err)

	subject, _ := pki.NewName("Root")
	base := pki.Request{
		Subject:   subject,
		Issuer:    subject,
		PublicKey: caKey.Public(),
		Signer:    caKey,
		Serial:    big.NewInt(1),
		NotBefore: fixedNow,
		NotAfter:  fixedNow.Add(time.Hour),
		Profile:   pki.Root{},
	}
	b := pki.NewBuilder(nil)
	caCert, _, err := b.Build(base)
	require.NoError(t, err)

	leafName, _ := pki.NewName("leaf")
	other, _ := pki.NewName("Someone Else")
	tests := []struct {
		name   string
		mutate func(r *pki.Request)
		want   error
	}{
		{"nil serial", func(r *pki.Request) { r.Serial = nil }, pki.ErrInvalidRequest},
		{"zero serial", func(r *pki.Request) { r.Serial = big.NewInt(0) }, pki.ErrInvalidRequest},
		{"inverted window", func(r *pki.Request) { r.NotAfter = r.NotBefore }, pki.ErrInvalidRequest},
		{"nil key", func(r *pki.Request) { r.PublicKey = nil }, pki.ErrInvalidRequest},
		{"nil profile", func(r *pki.Request) { r.Profile = nil }, pki.ErrInvalidRequest},
		{"root issuer differs", func(r *pki.Request) { r.Issuer = other }, pki.ErrInvalidRequest},
		{"root signer differs", func(r *pki.Request) { r.Signer = otherKey }, pki.ErrKeyMismatch},
		{"leaf without ca", func(r *pki.Request) {
			r.Subject, r.Profile = leafName, pki.Leaf{}
		}, pki.ErrInvalidRequest},
		{"leaf issuer differs", func(r *pki.Request) {
			r.Subject, r.Issuer, r.Profile = leafName, other, pki.Leaf{CA: caCert}
		}, pki.ErrInvalidRequest},
		{"leaf signer differs", func(r *pki.Request) {
			r.Subject, r.Signer, r.Profile = leafName, otherKey, pki.Leaf{CA: caCert}
		}, pki.ErrKeyMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			cert, der, err := b.Build(req)
			assert.Nil(t, cert)
			assert.Nil(t, der)
			assert.True(t, pki.IsCryptoError(err))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProfileExtensions(t *testing.T) {
	root := pki.Root{}.Extensions()
	assert.True(t, root.IsCA)
	assert.True(t, root.SubjectKeyID)
	assert.False(t, root.AuthorityKeyID)

	leaf := pki.Leaf{}.Extensions()
	assert.False(t, leaf.IsCA)
	assert.True(t, leaf.SubjectKeyID)
	assert.True(t, leaf.AuthorityKeyID)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, leaf.ExtKeyUsage)
}

// ---------------------------------------------------------------------------
// Keys and passwords
// ---------------------------------------------------------------------------

func TestPrivateKeyRoundTrip(t *testing.T) {
	key, err := pki.NewSoftwareKeyGenerator(nil).GenerateKey()
	require.NoError(t, err)

	sec1, err := pki.MarshalPrivateKey(key)
	require.NoError(t, err)
	parsed, err := pki.ParsePrivateKey(sec1)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	parsed, err = pki.ParsePrivateKey(pkcs8)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	_, err = pki.ParsePrivateKey([]byte("garbage"))
	assert.Error(t, err)
}

func TestGeneratePassword(t *testing.T) {
	for range 200 {
		pw, err := pki.GeneratePassword()
		require.NoError(t, err)
		assert.Len(t, pw, pki.MinPasswordLength)
		require.NoError(t, pki.CheckPassword(pw), pw)
	}

	pw, err := (&pki.PasswordGenerator{Length: 32}).Generate()
	require.NoError(t, err)
	assert.Len(t, pw, 32)

	pw, err = (&pki.PasswordGenerator{Length: 8}).Generate()
	require.NoError(t, err)
	assert.Len(t, pw, pki.MinPasswordLength)

	_, err = (&pki.PasswordGenerator{Rand: failingReader{}}).Generate()
	assert.True(t, pki.IsCryptoError(err))
}

func TestCheckPassword(t *testing.T) {
	assert.NoError(t, pki.CheckPassword("Abcdefghij0123456789!"))
	assert.Error(t, pki.CheckPassword("Abc1!"))
	assert.Error(t, pki.CheckPassword(strings.Repeat("a", 19)+"A1"))
	assert.Error(t, pki.CheckPassword("Abcdefghij0123456789 "))
}
