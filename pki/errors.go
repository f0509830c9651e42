package pki

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyName is returned when a subject display name is empty or
	// whitespace only.
	ErrEmptyName = errors.New("name must not be empty")

	// ErrInvalidValidity is returned when a validity period is below one year.
	ErrInvalidValidity = errors.New("validity must be at least one year")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrCANotPersisted is returned by CreateLeaf when the CA has no store ID.
	ErrCANotPersisted = errors.New("certificate authority has not been persisted")

	// ErrKeyMismatch is returned when a signer's public key does not match the
	// issuer certificate it is supposed to sign for.
	ErrKeyMismatch = errors.New("signing key does not match issuer certificate")

	// ErrInvalidRequest is returned for structurally malformed build requests.
	ErrInvalidRequest = errors.New("invalid certificate request")

	// ErrBundlePassword is returned when an export bundle cannot be opened
	// with the supplied password.
	ErrBundlePassword = errors.New("export bundle password is incorrect")
)

// CryptoError wraps every failure of key generation, certificate building,
// signing or packaging. These are never transient: callers should surface
// them and must not retry.
type CryptoError struct {
	Op  string // "generate key", "build certificate", "create ca", ...
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("pki %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

func cryptoErr(op string, err error) error {
	var ce *CryptoError
	if errors.As(err, &ce) {
		return err
	}
	return &CryptoError{Op: op, Err: err}
}

// IsCryptoError reports whether err is, or wraps, a *CryptoError.
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}
