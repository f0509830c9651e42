// Package storagetest holds the behavioural tests every
// storage.CredentialStore backend must pass.
package storagetest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/mtlsvault/storage"
)

// Factory returns a fresh, empty store. The store is closed by the suite.
type Factory func(t *testing.T) storage.CredentialStore

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.CredentialStore)
	}{
		{"NotSetup", testNotSetup},
		{"CurrentCAIsLatestInsert", testCurrentCAIsLatestInsert},
		{"InsertCARejectsPartialRow", testInsertCARejectsPartialRow},
		{"LeafRoundTrip", testLeafRoundTrip},
		{"LeafReferentialIntegrity", testLeafReferentialIntegrity},
		{"ListLeavesByOwner", testListLeavesByOwner},
		{"ExportLookups", testExportLookups},
		{"DeleteLeaf", testDeleteLeaf},
		{"DeleteCACascades", testDeleteCACascades},
		{"DeleteUserCascades", testDeleteUserCascades},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

// NewCA returns a structurally valid CA record with placeholder DER.
func NewCA(n int) *storage.CertificateAuthority {
	return &storage.CertificateAuthority{
		CreatedOn:   int64(1_700_000_000_000 + n),
		ValidUntil:  int64(1_800_000_000_000 + n),
		Certificate: []byte(fmt.Sprintf("certificate-%d", n)),
		PrivateKey:  []byte(fmt.Sprintf("key-%d", n)),
	}
}

// NewLeaf returns a structurally valid leaf record for owner under caID.
func NewLeaf(name string, owner, caID int64) *storage.LeafCertificate {
	return &storage.LeafCertificate{
		Name:           name,
		CreatedOn:      1_700_000_000_000,
		ValidUntil:     1_731_536_000_000,
		ExportBundle:   []byte("bundle-" + name),
		ExportPassword: "password-" + name,
		OwnerUserID:    owner,
		CAID:           caID,
		Type:           storage.CertificateTypeClient,
	}
}

func mustUser(t *testing.T, s storage.CredentialStore, name string, role storage.Role) int64 {
	t.Helper()
	id, err := s.InsertUser(t.Context(), &storage.User{Name: name, Email: name + "@example.com", Role: role})
	require.NoError(t, err)
	return id
}

func mustCA(t *testing.T, s storage.CredentialStore, n int) int64 {
	t.Helper()
	id, err := s.InsertCA(t.Context(), NewCA(n))
	require.NoError(t, err)
	return id
}

func mustLeaf(t *testing.T, s storage.CredentialStore, name string, owner, caID int64) int64 {
	t.Helper()
	id, err := s.InsertLeaf(t.Context(), NewLeaf(name, owner, caID))
	require.NoError(t, err)
	return id
}

func testNotSetup(t *testing.T, s storage.CredentialStore) {
	ctx := t.Context()
	_, err := s.GetCurrentCA(ctx)
	assert.ErrorIs(t, err, storage.ErrNotSetup)

	ok, err := s.IsSetup(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetCA(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCurrentCAIsLatestInsert(t *testing.T, s storage.CredentialStore) {
	ctx := t.Context()
	first := mustCA(t, s, 1)
	second := mustCA(t, s, 2)
	assert.Greater(t, second, first)

	ca, err := s.GetCurrentCA(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, ca.ID)
	assert.Equal(t, []byte("certificate-2"), ca.Certificate)
	assert.Equal(t, []byte("key-2"), ca.PrivateKey)

	ok, err := s.IsSetup(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetCA(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, NewCA(1).CreatedOn, got.CreatedOn)

	require.NoError(t, s.DeleteCA(ctx, second))
	ca, err = s.GetCurrentCA(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, ca.ID)
}

func testInsertCARejectsPartialRow(t *testing.T, s storage.CredentialStore) {
	ca := NewCA(1)
	ca.PrivateKey = nil
	_, err := s.InsertCA(t.Context(), ca)
	assert.ErrorIs(t, err, storage.ErrInvalidRecord)

	_, err = s.GetCurrentCA(t.Context())
	assert.ErrorIs(t, err, storage.ErrNotSetup)
}

func testLeafRoundTrip(t *testing.T, s storage.CredentialStore) {
	ctx := t.Context()
	owner := mustUser(t, s, "alice", storage.RoleUser)
	caID := mustCA(t, s, 1)

	in := NewLeaf("alice-laptop", owner, caID)
	in.Type = storage.CertificateTypeServer
	id, err := s.InsertLeaf(ctx, in)
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := s.GetLeaf(ctx, id)
	require.NoError(t, err)
	in.ID = id
	assert.Equal(t, in, got)

	user, err := s.GetUser(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Name)
	assert.Equal(t, storage.RoleUser, user.Role)
}

func testLeafReferentialIntegrity(t *testing.T, s storage.CredentialStore) {
	ctx := t.Context()
	owner := mustUser(t, s, "alice", storage.RoleUser)
	caID := mustCA(t, s, 1)

	_, err := s.InsertLeaf(ctx, NewLeaf("orphan-ca", owner, caID+100))
	assert.ErrorIs(t, err, storage.ErrReferential)

	_, err = s.InsertLeaf(ctx, NewLeaf("orphan-owner", owner+100, caID))
	assert.ErrorIs(t, err, storage.ErrReferential)

	leaf := NewLeaf("no-password", owner, caID)
	leaf.ExportPassword = ""
	_, err = s.InsertLeaf(ctx, leaf)
	assert.ErrorIs(t, err, storage.ErrInvalidRecord)

	leaves, err := s.ListLeaves(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, leaves)
}

func testListLeavesByOwner(t *testing.T, s storage.CredentialStore) {
	ctx := t.Context()
	alice := mustUser(t, s, "alice", storage.RoleUser)
	bob := mustUser(t, s, "bob", storage.RoleUser)
	caID := mustCA(t, s, 1)
	a1 := mustLeaf(t, s, "a1", alice, caID)
	b1 := mustLeaf(t, s, "b1", bob, caID)
	a2 := mustLeaf(t, s, "a2", alice, caID)

	all, err := s.ListLeaves(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{a1, b1, a2}, leafIDs(all))
	for _, l := range all {
		assert.Empty(t, l.ExportBundle)
		assert.Empty(t, l.ExportPassword)
	}

	mine, err := s.ListLeaves(ctx, &alice)
	require.NoError(t, err)
	assert.Equal(t, []int64{a1, a2}, leafIDs(mine))

	nobody := bob + 100
	none, err := s.ListLeaves(ctx, &nobody)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testExportLookups(t *testing.T, s storage.CredentialStore) {
	ctx := t.Context()
	owner := mustUser(t, s, "alice", storage.RoleUser)
	caID := mustCA(t, s, 1)
	id := mustLeaf(t, s, "laptop", owner, caID)

	gotOwner, bundle, err := s.GetLeafExportBundle(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, owner, gotOwner)
	assert.Equal(t, []byte("bundle-laptop"), bundle)

	gotOwner, password, err := s.GetLeafExportPassword(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, owner, gotOwner)
	assert.Equal(t, "password-laptop", password)

	_, _, err = s.GetLeafExportBundle(ctx, id+100)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, _, err = s.GetLeafExportPassword(ctx, id+100)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteLeaf(t *testing.T, s storage.CredentialStore) {
	ctx := t.Context()
	owner := mustUser(t, s, "alice", storage.RoleUser)
	caID := mustCA(t, s, 1)
	id := mustLeaf(t, s, "laptop", owner, caID)

	require.NoError(t, s.DeleteLeaf(ctx, id))
	_, err := s.GetLeaf(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeleteLeaf(ctx, id), storage.ErrNotFound)

	_, err = s.GetCA(ctx, caID)
	assert.NoError(t, err)
}

func testDeleteCACascades(t *testing.T, s storage.CredentialStore) {
	ctx := t.Context()
	owner := mustUser(t, s, "alice", storage.RoleUser)
	oldCA := mustCA(t, s, 1)
	newCA := mustCA(t, s, 2)
	mustLeaf(t, s, "old", owner, oldCA)
	keep := mustLeaf(t, s, "new", owner, newCA)

	require.NoError(t, s.DeleteCA(ctx, oldCA))
	leaves, err := s.ListLeaves(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{keep}, leafIDs(leaves))
	assert.ErrorIs(t, s.DeleteCA(ctx, oldCA), storage.ErrNotFound)
}

func testDeleteUserCascades(t *testing.T, s storage.CredentialStore) {
	ctx := t.Context()
	alice := mustUser(t, s, "alice", storage.RoleUser)
	bob := mustUser(t, s, "bob", storage.RoleAdmin)
	caID := mustCA(t, s, 1)
	mustLeaf(t, s, "a", alice, caID)
	keep := mustLeaf(t, s, "b", bob, caID)

	require.NoError(t, s.DeleteUser(ctx, alice))
	_, err := s.GetUser(ctx, alice)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	leaves, err := s.ListLeaves(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{keep}, leafIDs(leaves))
}

func leafIDs(leaves []storage.LeafCertificate) []int64 {
	ids := make([]int64, 0, len(leaves))
	for _, l := range leaves {
		ids = append(ids, l.ID)
	}
	return ids
}
