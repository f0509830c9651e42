package pki

import (
	"crypto/x509/pkix"
	"strings"
)

// NewName builds the subject/issuer identity for a display string. The
// Common Name is the input verbatim; only empty input is rejected.
func NewName(display string) (pkix.Name, error) {
	if strings.TrimSpace(display) == "" {
		return pkix.Name{}, ErrEmptyName
	}
	return pkix.Name{CommonName: display}, nil
}

// DNString formats a pkix.Name as a readable DN string.
func DNString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}
