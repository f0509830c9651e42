package certs_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/mtlsvault/audit"
	"github.com/jmcleod/mtlsvault/certs"
	"github.com/jmcleod/mtlsvault/pki"
	"github.com/jmcleod/mtlsvault/storage"
	"github.com/jmcleod/mtlsvault/storage/memory"
)

type fixture struct {
	svc     *certs.Service
	store   *memory.Store
	journal *audit.Journal
	caPath  string
	admin   certs.Identity
}

func newFixture(t *testing.T, opts ...certs.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	journal, err := audit.OpenJournal(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	f := &fixture{store: memory.New(), journal: journal, caPath: filepath.Join(dir, "ca.cert")}
	base := []certs.Option{certs.WithAuditRecorder(journal), certs.WithCACertPath(f.caPath)}
	f.svc = certs.New(f.store, append(base, opts...)...)
	return f
}

func (f *fixture) setup(t *testing.T) *certs.SetupResult {
	t.Helper()
	res, err := f.svc.Setup(t.Context(), certs.SetupRequest{
		CAName: "Acme Root", ValidityYears: 10, AdminName: "root", AdminEmail: "root@example.com",
	})
	require.NoError(t, err)
	f.admin = certs.Identity{UserID: res.AdminUserID, Role: storage.RoleAdmin}
	return res
}

func (f *fixture) user(t *testing.T, name string) certs.Identity {
	t.Helper()
	id, err := f.svc.AddUser(t.Context(), f.admin, storage.User{Name: name, Email: name + "@example.com"})
	require.NoError(t, err)
	return certs.Identity{UserID: id, Role: storage.RoleUser}
}

func (f *fixture) events(t *testing.T) []audit.Event {
	t.Helper()
	entries, err := f.journal.List(t.Context(), audit.Filter{})
	require.NoError(t, err)
	out := make([]audit.Event, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Event)
	}
	return out
}

func TestSetup(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	ok, err := f.svc.IsSetup(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = f.svc.CurrentCA(ctx)
	assert.ErrorIs(t, err, storage.ErrNotSetup)

	res := f.setup(t)
	assert.Positive(t, res.CA.ID)

	ok, err = f.svc.IsSetup(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	admin, err := f.store.GetUser(ctx, res.AdminUserID)
	require.NoError(t, err)
	assert.Equal(t, storage.RoleAdmin, admin.Role)

	published, err := os.ReadFile(f.caPath)
	require.NoError(t, err)
	pemBytes, err := f.svc.CAPublicPEM(ctx)
	require.NoError(t, err)
	assert.Equal(t, pemBytes, published)

	_, err = f.svc.Setup(ctx, certs.SetupRequest{CAName: "Again", ValidityYears: 1, AdminName: "x"})
	assert.ErrorIs(t, err, certs.ErrAlreadySetup)
	assert.Equal(t, []audit.Event{audit.EventCAInitialized, audit.EventCAExported}, f.events(t))
}

func TestSetup_InvalidInputPersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.svc.Setup(ctx, certs.SetupRequest{CAName: "", ValidityYears: 10, AdminName: "root"})
	assert.True(t, pki.IsCryptoError(err))
	assert.ErrorIs(t, err, pki.ErrEmptyName)

	_, err = f.svc.Setup(ctx, certs.SetupRequest{CAName: "Root", ValidityYears: 10})
	assert.ErrorIs(t, err, storage.ErrInvalidRecord)

	ok, err := f.svc.IsSetup(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(f.caPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// flakyCAStore fails InsertCA while failCA is set.
type flakyCAStore struct {
	*memory.Store
	failCA bool
}

var errInsertCA = errors.New("disk full")

func (s *flakyCAStore) InsertCA(ctx context.Context, ca *storage.CertificateAuthority) (int64, error) {
	if s.failCA {
		return 0, errInsertCA
	}
	return s.Store.InsertCA(ctx, ca)
}

func TestSetup_StoreFailureLeavesNothing(t *testing.T) {
	ctx := t.Context()
	store := &flakyCAStore{Store: memory.New(), failCA: true}
	caPath := filepath.Join(t.TempDir(), "ca.cert")
	svc := certs.New(store, certs.WithCACertPath(caPath))
	req := certs.SetupRequest{CAName: "Acme Root", ValidityYears: 10, AdminName: "root"}

	_, err := svc.Setup(ctx, req)
	require.ErrorIs(t, err, errInsertCA)

	_, err = store.GetUser(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = os.Stat(caPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
	ok, err := svc.IsSetup(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	store.failCA = false
	res, err := svc.Setup(ctx, req)
	require.NoError(t, err)
	admin, err := store.GetUser(ctx, res.AdminUserID)
	require.NoError(t, err)
	assert.Equal(t, "root", admin.Name)
	_, err = os.Stat(caPath)
	assert.NoError(t, err)
}

func TestSetup_CAFileFailureRollsBack(t *testing.T) {
	ctx := t.Context()
	store := memory.New()
	caPath := filepath.Join(t.TempDir(), "missing", "ca.cert")
	svc := certs.New(store, certs.WithCACertPath(caPath))

	_, err := svc.Setup(ctx, certs.SetupRequest{CAName: "Acme Root", ValidityYears: 10, AdminName: "root"})
	require.Error(t, err)

	ok, err := svc.IsSetup(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = store.GetUser(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = os.Stat(caPath)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCAStatus(t *testing.T) {
	now := time.Now()
	f := newFixture(t, certs.WithClock(func() time.Time { return now }))
	res := f.setup(t)

	status, err := f.svc.CAStatus(t.Context())
	require.NoError(t, err)
	assert.Equal(t, res.CA.ID, status.ID)
	assert.Equal(t, "CN=Acme Root", status.Subject)
	assert.NotEmpty(t, status.Serial)
	assert.False(t, status.Expired)

	now = now.Add(11 * 365 * 24 * time.Hour)
	status, err = f.svc.CAStatus(t.Context())
	require.NoError(t, err)
	assert.True(t, status.Expired)

	_, err = f.svc.IssueCertificate(t.Context(), f.admin, certs.IssueRequest{Name: "late"})
	assert.ErrorIs(t, err, certs.ErrCAExpired)
}

func TestIssueCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	res := f.setup(t)
	alice := f.user(t, "alice")

	leaf, err := f.svc.IssueCertificate(ctx, f.admin, certs.IssueRequest{Name: "alice-laptop", OwnerUserID: alice.UserID})
	require.NoError(t, err)
	assert.Positive(t, leaf.ID)
	assert.Equal(t, res.CA.ID, leaf.CAID)
	assert.Equal(t, alice.UserID, leaf.OwnerUserID)
	assert.Equal(t, int64(365*24*time.Hour/time.Millisecond), leaf.ValidUntil-leaf.CreatedOn)

	contents, err := pki.OpenBundle(leaf.ExportBundle, leaf.ExportPassword)
	require.NoError(t, err)
	assert.Equal(t, "alice-laptop", contents.Certificate.Subject.CommonName)
	require.Len(t, contents.CACerts, 1)
	assert.Equal(t, res.CA.Certificate, contents.CACerts[0].Raw)

	self, err := f.svc.IssueCertificate(ctx, f.admin, certs.IssueRequest{Name: "admin-box", ValidityYears: 3})
	require.NoError(t, err)
	assert.Equal(t, f.admin.UserID, self.OwnerUserID)

	assert.Equal(t, []audit.Event{audit.EventCAInitialized, audit.EventCertIssued, audit.EventCertIssued}, f.events(t))
}

func TestIssueCertificate_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.svc.IssueCertificate(ctx, certs.Identity{UserID: 1, Role: storage.RoleAdmin}, certs.IssueRequest{Name: "x"})
	assert.ErrorIs(t, err, storage.ErrNotSetup)

	f.setup(t)
	alice := f.user(t, "alice")

	_, err = f.svc.IssueCertificate(ctx, alice, certs.IssueRequest{Name: "x"})
	assert.ErrorIs(t, err, certs.ErrForbidden)

	_, err = f.svc.IssueCertificate(ctx, f.admin, certs.IssueRequest{Name: "ghost", OwnerUserID: 999})
	assert.ErrorIs(t, err, storage.ErrReferential)

	_, err = f.svc.IssueCertificate(ctx, f.admin, certs.IssueRequest{Name: ""})
	assert.True(t, pki.IsCryptoError(err))

	leaves, err := f.svc.ListCertificates(ctx, f.admin)
	require.NoError(t, err)
	assert.Empty(t, leaves)
}

func TestListAndExport_Ownership(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.setup(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")

	aliceLeaf, err := f.svc.IssueCertificate(ctx, f.admin, certs.IssueRequest{Name: "a", OwnerUserID: alice.UserID})
	require.NoError(t, err)
	_, err = f.svc.IssueCertificate(ctx, f.admin, certs.IssueRequest{Name: "b", OwnerUserID: bob.UserID})
	require.NoError(t, err)

	all, err := f.svc.ListCertificates(ctx, f.admin)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := f.svc.ListCertificates(ctx, alice)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, aliceLeaf.ID, mine[0].ID)

	bundle, err := f.svc.DownloadBundle(ctx, alice, aliceLeaf.ID)
	require.NoError(t, err)
	password, err := f.svc.ExportPassword(ctx, alice, aliceLeaf.ID)
	require.NoError(t, err)
	_, err = pki.OpenBundle(bundle, password)
	require.NoError(t, err)

	_, err = f.svc.DownloadBundle(ctx, bob, aliceLeaf.ID)
	assert.ErrorIs(t, err, certs.ErrForbidden)
	_, err = f.svc.ExportPassword(ctx, bob, aliceLeaf.ID)
	assert.ErrorIs(t, err, certs.ErrForbidden)

	_, err = f.svc.DownloadBundle(ctx, f.admin, aliceLeaf.ID)
	assert.NoError(t, err)

	_, err = f.svc.DownloadBundle(ctx, alice, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	denied, err := f.journal.List(ctx, audit.Filter{Event: audit.EventAccessDenied})
	require.NoError(t, err)
	assert.Len(t, denied, 2)
	revealed, err := f.journal.List(ctx, audit.Filter{Event: audit.EventPasswordRevealed})
	require.NoError(t, err)
	assert.Len(t, revealed, 1)
}

func TestDeleteCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.setup(t)
	alice := f.user(t, "alice")
	leaf, err := f.svc.IssueCertificate(ctx, f.admin, certs.IssueRequest{Name: "a", OwnerUserID: alice.UserID})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.DeleteCertificate(ctx, alice, leaf.ID), certs.ErrForbidden)
	require.NoError(t, f.svc.DeleteCertificate(ctx, f.admin, leaf.ID))
	assert.ErrorIs(t, f.svc.DeleteCertificate(ctx, f.admin, leaf.ID), storage.ErrNotFound)

	_, err = f.svc.DownloadBundle(ctx, alice, leaf.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemoveUserCascades(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.setup(t)
	alice := f.user(t, "alice")
	_, err := f.svc.IssueCertificate(ctx, f.admin, certs.IssueRequest{Name: "a", OwnerUserID: alice.UserID})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.RemoveUser(ctx, alice, alice.UserID), certs.ErrForbidden)
	require.NoError(t, f.svc.RemoveUser(ctx, f.admin, alice.UserID))

	leaves, err := f.svc.ListCertificates(ctx, f.admin)
	require.NoError(t, err)
	assert.Empty(t, leaves)
}

func TestIssueCertificate_Concurrent(t *testing.T) {
	f := newFixture(t)
	f.setup(t)

	const n = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[int64]bool{}
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			leaf, err := f.svc.IssueCertificate(t.Context(), f.admin, certs.IssueRequest{Name: "host", ValidityYears: i%3 + 1})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[leaf.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, n)
}

func TestIdentityContext(t *testing.T) {
	ctx := certs.WithIdentity(t.Context(), certs.Identity{UserID: 5, Role: storage.RoleAdmin})
	id, ok := certs.IdentityFrom(ctx)
	require.True(t, ok)
	assert.True(t, id.IsAdmin())
	assert.Equal(t, int64(5), id.UserID)

	_, ok = certs.IdentityFrom(t.Context())
	assert.False(t, ok)
}
