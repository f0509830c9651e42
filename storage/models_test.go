package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/mtlsvault/storage"
)

func TestCertificateAuthorityValidate(t *testing.T) {
	ok := storage.CertificateAuthority{CreatedOn: 1, ValidUntil: 2, Certificate: []byte{1}, PrivateKey: []byte{2}}
	require.NoError(t, ok.Validate())

	noKey := ok
	noKey.PrivateKey = nil
	assert.ErrorIs(t, noKey.Validate(), storage.ErrInvalidRecord)

	noCert := ok
	noCert.Certificate = nil
	assert.ErrorIs(t, noCert.Validate(), storage.ErrInvalidRecord)

	backwards := ok
	backwards.ValidUntil = 0
	assert.ErrorIs(t, backwards.Validate(), storage.ErrInvalidRecord)
}

func TestLeafValidate(t *testing.T) {
	ok := storage.LeafCertificate{Name: "laptop", CreatedOn: 1, ValidUntil: 2, ExportBundle: []byte{1}, ExportPassword: "pw"}
	require.NoError(t, ok.Validate())

	tests := []struct {
		name   string
		mutate func(l *storage.LeafCertificate)
	}{
		{"empty name", func(l *storage.LeafCertificate) { l.Name = "" }},
		{"no bundle", func(l *storage.LeafCertificate) { l.ExportBundle = nil }},
		{"no password", func(l *storage.LeafCertificate) { l.ExportPassword = "" }},
		{"not after created", func(l *storage.LeafCertificate) { l.ValidUntil = l.CreatedOn }},
		{"ca type", func(l *storage.LeafCertificate) { l.Type = storage.CertificateTypeCA }},
		{"unknown type", func(l *storage.LeafCertificate) { l.Type = storage.CertificateType(7) }},
		{"negative type", func(l *storage.LeafCertificate) { l.Type = storage.CertificateType(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ok
			tt.mutate(&l)
			assert.ErrorIs(t, l.Validate(), storage.ErrInvalidRecord)
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	ca := storage.CertificateAuthority{ValidUntil: now.Add(-time.Second).UnixMilli()}
	assert.True(t, ca.Expired(now))
	ca.ValidUntil = now.Add(time.Hour).UnixMilli()
	assert.False(t, ca.Expired(now))

	leaf := storage.LeafCertificate{ValidUntil: now.Add(time.Hour).UnixMilli()}
	assert.False(t, leaf.Expired(now))
	assert.True(t, leaf.Expired(now.Add(2*time.Hour)))
}

func TestParseRoleAndType(t *testing.T) {
	r, err := storage.ParseRole("admin")
	require.NoError(t, err)
	assert.Equal(t, storage.RoleAdmin, r)
	assert.Equal(t, "user", storage.RoleUser.String())
	_, err = storage.ParseRole("root")
	assert.Error(t, err)

	ct, err := storage.ParseCertificateType("server")
	require.NoError(t, err)
	assert.Equal(t, storage.CertificateTypeServer, ct)
	ct, err = storage.ParseCertificateType("")
	require.NoError(t, err)
	assert.Equal(t, storage.CertificateTypeClient, ct)
	_, err = storage.ParseCertificateType("ca")
	assert.Error(t, err)

	assert.True(t, storage.CertificateTypeClient.IsLeaf())
	assert.True(t, storage.CertificateTypeServer.IsLeaf())
	assert.False(t, storage.CertificateTypeCA.IsLeaf())
	assert.False(t, storage.CertificateType(7).IsLeaf())
}
