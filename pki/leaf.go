package pki

import (
	"context"
	"fmt"
	"time"

	"github.com/jmcleod/mtlsvault/storage"
)

// LeafRequest describes a leaf certificate to issue.
type LeafRequest struct {
	Name          string
	ValidityYears int
	OwnerUserID   int64
	Type          storage.CertificateType
}

// CreateLeaf issues a certificate for req signed by ca and packages it with
// a freshly generated password. Nothing is returned unless every step
// succeeds. The result is not persisted.
func (i *Issuer) CreateLeaf(ctx context.Context, ca *storage.CertificateAuthority, req LeafRequest) (*storage.LeafCertificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ca == nil || ca.ID <= 0 {
		return nil, cryptoErr("create leaf", ErrCANotPersisted)
	}
	if req.ValidityYears < 1 {
		return nil, cryptoErr("create leaf", ErrInvalidValidity)
	}
	if !req.Type.IsLeaf() {
		return nil, cryptoErr("create leaf", fmt.Errorf("%w: leaf cannot have type %s", ErrInvalidRequest, req.Type))
	}
	subject, err := NewName(req.Name)
	if err != nil {
		return nil, cryptoErr("create leaf", err)
	}

	caCert, caKey, err := ParseCA(ca)
	if err != nil {
		return nil, err
	}

	priv, err := i.keys.GenerateKey()
	if err != nil {
		return nil, cryptoErr("generate key", err)
	}
	serial, err := i.serials.NextSerial()
	if err != nil {
		return nil, cryptoErr("allocate serial", err)
	}

	now := i.now()
	notAfter := now.Add(time.Duration(req.ValidityYears) * year)
	profile := Leaf{CA: caCert, Type: req.Type}
	if req.Type == storage.CertificateTypeServer {
		profile.DNSNames = []string{req.Name}
	}
	cert, _, err := i.builder.Build(Request{
		Subject:   subject,
		Issuer:    caCert.Subject,
		PublicKey: priv.Public(),
		Signer:    caKey,
		Serial:    serial,
		NotBefore: now,
		NotAfter:  notAfter,
		Profile:   profile,
	})
	if err != nil {
		return nil, err
	}

	password, err := i.passwords.Generate()
	if err != nil {
		return nil, err
	}
	bundle, err := EncodeBundle(priv, cert, caCert, password)
	if err != nil {
		return nil, err
	}

	return &storage.LeafCertificate{
		Name:           req.Name,
		CreatedOn:      now.UnixMilli(),
		ValidUntil:     notAfter.UnixMilli(),
		ExportBundle:   bundle,
		ExportPassword: password,
		OwnerUserID:    req.OwnerUserID,
		CAID:           ca.ID,
		Type:           req.Type,
	}, nil
}
