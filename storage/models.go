package storage

import (
	"fmt"
	"time"
)

// Role is the authorization level of a user.
type Role int

const (
	RoleUser  Role = 0
	RoleAdmin Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole accepts the names produced by Role.String.
func ParseRole(s string) (Role, error) {
	switch s {
	case "user", "User", "0":
		return RoleUser, nil
	case "admin", "Admin", "1":
		return RoleAdmin, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// CertificateType tags what a leaf certificate is for. The numeric values are
// persisted and exchanged with clients; do not renumber.
type CertificateType int

const (
	CertificateTypeClient CertificateType = 0
	CertificateTypeServer CertificateType = 1
	// CertificateTypeCA is reserved for API consumers; leaves never carry it.
	CertificateTypeCA CertificateType = 2
)

func (t CertificateType) String() string {
	switch t {
	case CertificateTypeClient:
		return "client"
	case CertificateTypeServer:
		return "server"
	case CertificateTypeCA:
		return "ca"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// IsLeaf reports whether t is a type an issued end-entity certificate may
// carry.
func (t CertificateType) IsLeaf() bool {
	return t == CertificateTypeClient || t == CertificateTypeServer
}

// ParseCertificateType accepts the names produced by CertificateType.String.
func ParseCertificateType(s string) (CertificateType, error) {
	switch s {
	case "", "client":
		return CertificateTypeClient, nil
	case "server":
		return CertificateTypeServer, nil
	default:
		return 0, fmt.Errorf("unknown certificate type %q", s)
	}
}

// User is the minimal user row that leaf certificates reference.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// CertificateAuthority is a root CA record. Certificate is DER, PrivateKey is
// SEC1 DER. Timestamps are Unix milliseconds.
type CertificateAuthority struct {
	ID          int64  `json:"id"`
	CreatedOn   int64  `json:"created_on"`
	ValidUntil  int64  `json:"valid_until"`
	Certificate []byte `json:"-"`
	PrivateKey  []byte `json:"-"`
}

// Validate checks that the certificate and key are present together.
func (ca *CertificateAuthority) Validate() error {
	if len(ca.Certificate) == 0 || len(ca.PrivateKey) == 0 {
		return fmt.Errorf("%w: CA certificate and private key must both be present", ErrInvalidRecord)
	}
	if ca.ValidUntil <= ca.CreatedOn {
		return fmt.Errorf("%w: CA valid_until must be after created_on", ErrInvalidRecord)
	}
	return nil
}

// Expired reports whether the CA's validity window has ended at now. The
// current CA is chosen by insertion order alone, so callers that care about
// staleness must ask.
func (ca *CertificateAuthority) Expired(now time.Time) bool {
	return now.UnixMilli() >= ca.ValidUntil
}

// LeafCertificate is an issued end-entity certificate together with its
// PKCS#12 export bundle and the bundle's password.
type LeafCertificate struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	CreatedOn      int64           `json:"created_on"`
	ValidUntil     int64           `json:"valid_until"`
	ExportBundle   []byte          `json:"-"`
	ExportPassword string          `json:"-"`
	OwnerUserID    int64           `json:"user_id"`
	CAID           int64           `json:"ca_id"`
	Type           CertificateType `json:"certificate_type"`
}

// Validate checks the structural invariants of a leaf before insertion.
func (l *LeafCertificate) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("%w: leaf name is required", ErrInvalidRecord)
	}
	if l.ValidUntil <= l.CreatedOn {
		return fmt.Errorf("%w: leaf valid_until must be after created_on", ErrInvalidRecord)
	}
	if len(l.ExportBundle) == 0 || l.ExportPassword == "" {
		return fmt.Errorf("%w: leaf export bundle and password are required", ErrInvalidRecord)
	}
	if !l.Type.IsLeaf() {
		return fmt.Errorf("%w: leaf cannot have type %s", ErrInvalidRecord, l.Type)
	}
	return nil
}

// Expired reports whether the leaf's validity window has ended at now.
func (l *LeafCertificate) Expired(now time.Time) bool {
	return now.UnixMilli() >= l.ValidUntil
}
