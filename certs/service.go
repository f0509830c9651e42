// Package certs ties the issuance engine to the credential store: first-run
// setup, issuing, listing, exporting and deleting certificates, with
// ownership checks and audit records on every sensitive path.
package certs

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/mtlsvault/audit"
	"github.com/jmcleod/mtlsvault/pki"
	"github.com/jmcleod/mtlsvault/storage"
)

var (
	// ErrForbidden is returned when the identity may not perform the action.
	ErrForbidden = errors.New("forbidden")

	// ErrAlreadySetup is returned by Setup once a CA exists.
	ErrAlreadySetup = errors.New("certificate authority already set up")

	// ErrCAExpired is returned by IssueCertificate when the current CA's
	// validity has ended.
	ErrCAExpired = errors.New("current certificate authority has expired")
)

// DefaultValidityYears is used when a request leaves validity unset.
const DefaultValidityYears = 1

// Service is the certificate workflow over one credential store. All store
// access is serialized; key generation and signing run outside the lock.
type Service struct {
	mu    sync.Mutex
	store storage.CredentialStore

	issuer          *pki.Issuer
	recorder        audit.Recorder
	logger          *slog.Logger
	caCertPath      string
	defaultValidity int
	now             func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithIssuer replaces the default pki.Issuer.
func WithIssuer(iss *pki.Issuer) Option {
	return func(s *Service) { s.issuer = iss }
}

// WithAuditRecorder sets where audit entries go.
func WithAuditRecorder(r audit.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithCACertPath sets where Setup publishes the CA certificate. An empty
// path disables publishing.
func WithCACertPath(path string) Option {
	return func(s *Service) { s.caCertPath = path }
}

// WithDefaultValidity sets the leaf validity used when a request has none.
func WithDefaultValidity(years int) Option {
	return func(s *Service) { s.defaultValidity = years }
}

// WithClock sets the time source for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service over store.
func New(store storage.CredentialStore, opts ...Option) *Service {
	s := &Service{
		store:           store,
		issuer:          pki.NewIssuer(),
		recorder:        audit.Discard{},
		logger:          slog.Default(),
		caCertPath:      pki.DefaultCACertPath,
		defaultValidity: DefaultValidityYears,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "certs")
	return s
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if err := s.recorder.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Error("recording audit entry", "event", e.Event, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Setup and CA
// ---------------------------------------------------------------------------

// SetupRequest describes the first-run initialization.
type SetupRequest struct {
	CAName        string `json:"ca_name"`
	ValidityYears int    `json:"ca_validity_in_years"`
	AdminName     string `json:"name"`
	AdminEmail    string `json:"email"`
}

// SetupResult reports what Setup created.
type SetupResult struct {
	CA          *storage.CertificateAuthority `json:"ca"`
	AdminUserID int64                         `json:"admin_user_id"`
}

// IsSetup reports whether a CA exists.
func (s *Service) IsSetup(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.IsSetup(ctx)
}

// Setup creates the admin user and the root CA, then publishes the CA
// certificate. It fails with ErrAlreadySetup once a CA exists.
func (s *Service) Setup(ctx context.Context, req SetupRequest) (*SetupResult, error) {
	if req.AdminName == "" {
		return nil, fmt.Errorf("%w: admin name is required", storage.ErrInvalidRecord)
	}
	if ok, err := s.IsSetup(ctx); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadySetup
	}

	ca, err := s.issuer.CreateCA(ctx, req.CAName, req.ValidityYears)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	persistCtx := context.WithoutCancel(ctx)
	// Re-check under the lock; a concurrent Setup may have won.
	if ok, err := s.store.IsSetup(persistCtx); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadySetup
	}
	adminID, err := s.store.InsertUser(persistCtx, &storage.User{
		Name: req.AdminName, Email: req.AdminEmail, Role: storage.RoleAdmin,
	})
	if err != nil {
		return nil, err
	}
	if ca.ID, err = s.store.InsertCA(persistCtx, ca); err != nil {
		return nil, errors.Join(err, s.rollbackSetup(persistCtx, adminID, 0))
	}
	// The trust file is published only once both rows are stored.
	if s.caCertPath != "" {
		if err := pki.WriteCAFile(ca, s.caCertPath); err != nil {
			return nil, errors.Join(err, s.rollbackSetup(persistCtx, adminID, ca.ID))
		}
	}

	s.logger.Info("certificate authority created", "ca_id", ca.ID, "valid_until", time.UnixMilli(ca.ValidUntil).UTC())
	s.record(ctx, audit.Entry{Event: audit.EventCAInitialized, ActorID: adminID, CAID: ca.ID, Detail: req.CAName})
	return &SetupResult{CA: ca, AdminUserID: adminID}, nil
}

// rollbackSetup removes the rows a failed Setup inserted. caID is zero when
// the CA was never stored.
func (s *Service) rollbackSetup(ctx context.Context, adminID, caID int64) error {
	var errs []error
	if caID != 0 {
		if err := s.store.DeleteCA(ctx, caID); err != nil {
			errs = append(errs, fmt.Errorf("rolling back ca %d: %w", caID, err))
		}
	}
	if err := s.store.DeleteUser(ctx, adminID); err != nil {
		errs = append(errs, fmt.Errorf("rolling back admin %d: %w", adminID, err))
	}
	if len(errs) > 0 {
		s.logger.Error("setup rollback incomplete", "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

// CurrentCA returns the most recently created CA.
func (s *Service) CurrentCA(ctx context.Context) (*storage.CertificateAuthority, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.GetCurrentCA(ctx)
}

// CAStatus summarizes the current CA.
type CAStatus struct {
	ID         int64     `json:"id"`
	Subject    string    `json:"subject"`
	Serial     string    `json:"serial"`
	CreatedOn  int64     `json:"created_on"`
	ValidUntil int64     `json:"valid_until"`
	NotAfter   time.Time `json:"not_after"`
	Expired    bool      `json:"expired"`
}

// CAStatus reports the current CA and whether it has expired. The current
// CA is chosen by insertion order alone, so an expired CA is still current.
func (s *Service) CAStatus(ctx context.Context) (*CAStatus, error) {
	ca, err := s.CurrentCA(ctx)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(ca.Certificate)
	if err != nil {
		return nil, &pki.CryptoError{Op: "parse ca", Err: err}
	}
	return &CAStatus{
		ID:         ca.ID,
		Subject:    pki.DNString(cert.Subject),
		Serial:     cert.SerialNumber.Text(16),
		CreatedOn:  ca.CreatedOn,
		ValidUntil: ca.ValidUntil,
		NotAfter:   cert.NotAfter,
		Expired:    ca.Expired(s.now()),
	}, nil
}

// CAPublicPEM returns the current CA certificate as PEM. The caller, if
// ctx carries an identity, is recorded as the exporter.
func (s *Service) CAPublicPEM(ctx context.Context) ([]byte, error) {
	ca, err := s.CurrentCA(ctx)
	if err != nil {
		return nil, err
	}
	pemBytes, err := pki.ExportCAPublic(ca)
	if err != nil {
		return nil, err
	}
	id, _ := IdentityFrom(ctx)
	s.record(ctx, audit.Entry{Event: audit.EventCAExported, ActorID: id.UserID, CAID: ca.ID})
	return pemBytes, nil
}

// ---------------------------------------------------------------------------
// Leaf certificates
// ---------------------------------------------------------------------------

// IssueRequest describes a leaf certificate to issue. A zero OwnerUserID
// issues to the caller.
type IssueRequest struct {
	Name          string                  `json:"name"`
	ValidityYears int                     `json:"validity_in_years"`
	OwnerUserID   int64                   `json:"user_id"`
	Type          storage.CertificateType `json:"certificate_type"`
}

// IssueCertificate signs a new leaf under the current CA and stores it.
// Only admins may issue.
func (s *Service) IssueCertificate(ctx context.Context, id Identity, req IssueRequest) (*storage.LeafCertificate, error) {
	if !id.IsAdmin() {
		s.record(ctx, audit.Entry{Event: audit.EventAccessDenied, ActorID: id.UserID, Detail: "issue certificate"})
		return nil, ErrForbidden
	}
	if req.OwnerUserID == 0 {
		req.OwnerUserID = id.UserID
	}
	if req.ValidityYears == 0 {
		req.ValidityYears = s.defaultValidity
	}

	ca, err := s.CurrentCA(ctx)
	if err != nil {
		return nil, err
	}
	if ca.Expired(s.now()) {
		return nil, ErrCAExpired
	}

	leaf, err := s.issuer.CreateLeaf(ctx, ca, pki.LeafRequest{
		Name:          req.Name,
		ValidityYears: req.ValidityYears,
		OwnerUserID:   req.OwnerUserID,
		Type:          req.Type,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	leaf.ID, err = s.store.InsertLeaf(context.WithoutCancel(ctx), leaf)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("certificate issued", "certificate_id", leaf.ID, "owner", leaf.OwnerUserID, "type", leaf.Type)
	s.record(ctx, audit.Entry{
		Event: audit.EventCertIssued, ActorID: id.UserID, CertificateID: leaf.ID, CAID: leaf.CAID, Detail: leaf.Name,
	})
	return leaf, nil
}

// ListCertificates returns every certificate for admins and only the
// caller's own otherwise.
func (s *Service) ListCertificates(ctx context.Context, id Identity) ([]storage.LeafCertificate, error) {
	var owner *int64
	if !id.IsAdmin() {
		owner = &id.UserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ListLeaves(ctx, owner)
}

// DownloadBundle returns the PKCS#12 export bundle of a certificate the
// caller owns (or any, for admins).
func (s *Service) DownloadBundle(ctx context.Context, id Identity, certID int64) ([]byte, error) {
	s.mu.Lock()
	owner, bundle, err := s.store.GetLeafExportBundle(ctx, certID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !id.canAccess(owner) {
		s.record(ctx, audit.Entry{Event: audit.EventAccessDenied, ActorID: id.UserID, CertificateID: certID, Detail: "download bundle"})
		return nil, ErrForbidden
	}
	s.record(ctx, audit.Entry{Event: audit.EventCertDownloaded, ActorID: id.UserID, CertificateID: certID})
	return bundle, nil
}

// ExportPassword reveals the password of a certificate's export bundle to
// its owner or an admin.
func (s *Service) ExportPassword(ctx context.Context, id Identity, certID int64) (string, error) {
	s.mu.Lock()
	owner, password, err := s.store.GetLeafExportPassword(ctx, certID)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	if !id.canAccess(owner) {
		s.record(ctx, audit.Entry{Event: audit.EventAccessDenied, ActorID: id.UserID, CertificateID: certID, Detail: "reveal password"})
		return "", ErrForbidden
	}
	s.record(ctx, audit.Entry{Event: audit.EventPasswordRevealed, ActorID: id.UserID, CertificateID: certID})
	return password, nil
}

// DeleteCertificate removes a certificate. Only admins may delete.
func (s *Service) DeleteCertificate(ctx context.Context, id Identity, certID int64) error {
	if !id.IsAdmin() {
		s.record(ctx, audit.Entry{Event: audit.EventAccessDenied, ActorID: id.UserID, CertificateID: certID, Detail: "delete certificate"})
		return ErrForbidden
	}
	s.mu.Lock()
	err := s.store.DeleteLeaf(ctx, certID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.logger.Info("certificate deleted", "certificate_id", certID)
	s.record(ctx, audit.Entry{Event: audit.EventCertDeleted, ActorID: id.UserID, CertificateID: certID})
	return nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// AddUser creates a user that certificates can be issued to. Only admins
// may add users.
func (s *Service) AddUser(ctx context.Context, id Identity, user storage.User) (int64, error) {
	if !id.IsAdmin() {
		return 0, ErrForbidden
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.InsertUser(ctx, &user)
}

// RemoveUser deletes a user and every certificate they own. Only admins may
// remove users.
func (s *Service) RemoveUser(ctx context.Context, id Identity, userID int64) error {
	if !id.IsAdmin() {
		return ErrForbidden
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.DeleteUser(ctx, userID)
}
