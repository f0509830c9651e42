package api

import (
	"github.com/jmcleod/mtlsvault/audit"
	"github.com/jmcleod/mtlsvault/storage"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SetupStatusResponse reports whether first-run setup has happened.
type SetupStatusResponse struct {
	Setup bool `json:"setup"`
}

// SetupResponse is returned by POST /setup.
type SetupResponse struct {
	CAID        int64 `json:"ca_id"`
	ValidUntil  int64 `json:"valid_until"`
	AdminUserID int64 `json:"admin_user_id"`
}

// CertificateResponse describes a leaf without its key material.
type CertificateResponse struct {
	ID              int64                   `json:"id"`
	Name            string                  `json:"name"`
	CreatedOn       int64                   `json:"created_on"`
	ValidUntil      int64                   `json:"valid_until"`
	UserID          int64                   `json:"user_id"`
	CAID            int64                   `json:"ca_id"`
	CertificateType storage.CertificateType `json:"certificate_type"`
	TypeName        string                  `json:"type"`
	Expired         bool                    `json:"expired"`
}

// ListCertificatesResponse is a page of certificates.
type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
	PaginationMeta
}

// PasswordResponse carries a bundle password.
type PasswordResponse struct {
	Password string `json:"password"`
}

// AddUserRequest is the body of POST /users.
type AddUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// AddUserResponse is returned by POST /users.
type AddUserResponse struct {
	ID int64 `json:"id"`
}

// ListAuditResponse is a page of audit entries, newest first.
type ListAuditResponse struct {
	Entries []audit.Entry `json:"entries"`
	PaginationMeta
}
