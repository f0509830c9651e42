// Package storage defines the credential store abstraction: CA records, leaf
// certificate records and the user rows they hang off.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotSetup is returned by GetCurrentCA when no CA has been created yet.
	ErrNotSetup = errors.New("no certificate authority has been set up")

	// ErrNotFound is returned when the referenced row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrReferential is returned when a row references a CA or owner that
	// does not exist.
	ErrReferential = errors.New("referenced CA or owner does not exist")

	// ErrInvalidRecord is returned when a record violates a structural
	// invariant before it reaches the database (e.g. a CA without a key).
	ErrInvalidRecord = errors.New("invalid record")
)

// CredentialStore persists CA and leaf certificate records. Implementations
// enforce referential integrity (leaf -> CA, leaf -> owner) and cascade
// deletes of a CA or user to the leaves that reference it.
//
// Each method is atomic on its own; callers that need a single writer
// serialize access themselves (see certs.Service).
type CredentialStore interface {
	// InsertCA stores ca and returns the assigned ID.
	InsertCA(ctx context.Context, ca *CertificateAuthority) (int64, error)
	// GetCurrentCA returns the most recently inserted CA, or ErrNotSetup.
	GetCurrentCA(ctx context.Context) (*CertificateAuthority, error)
	GetCA(ctx context.Context, id int64) (*CertificateAuthority, error)
	// DeleteCA removes a CA and, by cascade, every leaf it issued.
	DeleteCA(ctx context.Context, id int64) error
	// IsSetup reports whether at least one CA exists.
	IsSetup(ctx context.Context) (bool, error)

	InsertLeaf(ctx context.Context, leaf *LeafCertificate) (int64, error)
	GetLeaf(ctx context.Context, id int64) (*LeafCertificate, error)
	// ListLeaves returns every leaf, or only those owned by *owner when owner
	// is non-nil. Export bundles and passwords are not populated.
	ListLeaves(ctx context.Context, owner *int64) ([]LeafCertificate, error)
	GetLeafExportBundle(ctx context.Context, id int64) (ownerID int64, bundle []byte, err error)
	GetLeafExportPassword(ctx context.Context, id int64) (ownerID int64, password string, err error)
	DeleteLeaf(ctx context.Context, id int64) error

	InsertUser(ctx context.Context, user *User) (int64, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	// DeleteUser removes a user and, by cascade, every leaf they own.
	DeleteUser(ctx context.Context, id int64) error

	Close() error
}
