// Package memory provides a thread-safe in-memory implementation of
// storage.CredentialStore.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/jmcleod/mtlsvault/storage"
)

// Store is a thread-safe in-memory credential store with the same
// referential and cascade rules as the SQL backends. Suitable for testing,
// demos, and single-process use cases.
type Store struct {
	mu     sync.RWMutex
	lastID struct{ ca, leaf, user int64 }
	cas    map[int64]*storage.CertificateAuthority
	leaves map[int64]*storage.LeafCertificate
	users  map[int64]*storage.User
}

var _ storage.CredentialStore = (*Store)(nil)

// New creates a new empty in-memory Store.
func New() *Store {
	return &Store{
		cas:    make(map[int64]*storage.CertificateAuthority),
		leaves: make(map[int64]*storage.LeafCertificate),
		users:  make(map[int64]*storage.User),
	}
}

func cloneCA(ca *storage.CertificateAuthority) *storage.CertificateAuthority {
	c := *ca
	c.Certificate = append([]byte(nil), ca.Certificate...)
	c.PrivateKey = append([]byte(nil), ca.PrivateKey...)
	return &c
}

func cloneLeaf(l *storage.LeafCertificate) *storage.LeafCertificate {
	c := *l
	c.ExportBundle = append([]byte(nil), l.ExportBundle...)
	return &c
}

func (s *Store) InsertCA(_ context.Context, ca *storage.CertificateAuthority) (int64, error) {
	if err := ca.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID.ca++
	c := cloneCA(ca)
	c.ID = s.lastID.ca
	s.cas[c.ID] = c
	return c.ID, nil
}

func (s *Store) GetCurrentCA(_ context.Context) (*storage.CertificateAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.cas) == 0 {
		return nil, storage.ErrNotSetup
	}
	return cloneCA(s.cas[slices.Max(slices.Collect(maps.Keys(s.cas)))]), nil
}

func (s *Store) GetCA(_ context.Context, id int64) (*storage.CertificateAuthority, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ca, ok := s.cas[id]
	if !ok {
		return nil, fmt.Errorf("CA %d: %w", id, storage.ErrNotFound)
	}
	return cloneCA(ca), nil
}

func (s *Store) DeleteCA(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cas[id]; !ok {
		return fmt.Errorf("CA %d: %w", id, storage.ErrNotFound)
	}
	delete(s.cas, id)
	maps.DeleteFunc(s.leaves, func(_ int64, l *storage.LeafCertificate) bool { return l.CAID == id })
	return nil
}

func (s *Store) IsSetup(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cas) > 0, nil
}

func (s *Store) InsertLeaf(_ context.Context, leaf *storage.LeafCertificate) (int64, error) {
	if err := leaf.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cas[leaf.CAID]; !ok {
		return 0, fmt.Errorf("CA %d: %w", leaf.CAID, storage.ErrReferential)
	}
	if _, ok := s.users[leaf.OwnerUserID]; !ok {
		return 0, fmt.Errorf("user %d: %w", leaf.OwnerUserID, storage.ErrReferential)
	}
	s.lastID.leaf++
	c := cloneLeaf(leaf)
	c.ID = s.lastID.leaf
	s.leaves[c.ID] = c
	return c.ID, nil
}

func (s *Store) GetLeaf(_ context.Context, id int64) (*storage.LeafCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leaves[id]
	if !ok {
		return nil, fmt.Errorf("certificate %d: %w", id, storage.ErrNotFound)
	}
	return cloneLeaf(l), nil
}

func (s *Store) ListLeaves(_ context.Context, owner *int64) ([]storage.LeafCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []storage.LeafCertificate{}
	for _, id := range slices.Sorted(maps.Keys(s.leaves)) {
		l := s.leaves[id]
		if owner != nil && l.OwnerUserID != *owner {
			continue
		}
		summary := *l
		summary.ExportBundle = nil
		summary.ExportPassword = ""
		out = append(out, summary)
	}
	return out, nil
}

func (s *Store) GetLeafExportBundle(_ context.Context, id int64) (int64, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leaves[id]
	if !ok {
		return 0, nil, fmt.Errorf("certificate %d: %w", id, storage.ErrNotFound)
	}
	return l.OwnerUserID, append([]byte(nil), l.ExportBundle...), nil
}

func (s *Store) GetLeafExportPassword(_ context.Context, id int64) (int64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leaves[id]
	if !ok {
		return 0, "", fmt.Errorf("certificate %d: %w", id, storage.ErrNotFound)
	}
	return l.OwnerUserID, l.ExportPassword, nil
}

func (s *Store) DeleteLeaf(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leaves[id]; !ok {
		return fmt.Errorf("certificate %d: %w", id, storage.ErrNotFound)
	}
	delete(s.leaves, id)
	return nil
}

func (s *Store) InsertUser(_ context.Context, user *storage.User) (int64, error) {
	if user.Name == "" {
		return 0, fmt.Errorf("%w: user name is required", storage.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID.user++
	u := *user
	u.ID = s.lastID.user
	s.users[u.ID] = &u
	return u.ID, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	c := *u
	return &c, nil
}

func (s *Store) DeleteUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	delete(s.users, id)
	maps.DeleteFunc(s.leaves, func(_ int64, l *storage.LeafCertificate) bool { return l.OwnerUserID == id })
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
