// Package postgres implements storage.CredentialStore backed by PostgreSQL.
//
// The layout mirrors the SQLite backend table for table. Encryption at rest
// is left to the database server; the SQLCipher migration does not apply.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/mtlsvault/storage"
)

// foreignKeyViolation is the SQLSTATE for a failed foreign key check.
const foreignKeyViolation = "23503"

// Store implements storage.CredentialStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.CredentialStore = (*Store)(nil)

// New returns a Store backed by the given pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a connection pool from a DSN string, ensures the schema
// exists, and returns a new Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ---------------------------------------------------------------------------
// Certificate authorities
// ---------------------------------------------------------------------------

func (s *Store) InsertCA(ctx context.Context, ca *storage.CertificateAuthority) (int64, error) {
	if err := ca.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO ca_certificates (created_on, valid_until, certificate, key)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		ca.CreatedOn, ca.ValidUntil, ca.Certificate, ca.PrivateKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting CA: %w", translateErr(err))
	}
	return id, nil
}

func (s *Store) GetCurrentCA(ctx context.Context) (*storage.CertificateAuthority, error) {
	ca, err := scanCA(s.pool.QueryRow(ctx,
		`SELECT id, created_on, valid_until, certificate, key FROM ca_certificates ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotSetup
	}
	if err != nil {
		return nil, fmt.Errorf("querying current CA: %w", err)
	}
	return ca, nil
}

func (s *Store) GetCA(ctx context.Context, id int64) (*storage.CertificateAuthority, error) {
	ca, err := scanCA(s.pool.QueryRow(ctx,
		`SELECT id, created_on, valid_until, certificate, key FROM ca_certificates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("CA %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying CA %d: %w", id, err)
	}
	return ca, nil
}

func (s *Store) DeleteCA(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "ca_certificates", "CA", id)
}

func (s *Store) IsSetup(ctx context.Context) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ca_certificates)`).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking setup: %w", err)
	}
	return exists, nil
}

func scanCA(row pgx.Row) (*storage.CertificateAuthority, error) {
	var ca storage.CertificateAuthority
	if err := row.Scan(&ca.ID, &ca.CreatedOn, &ca.ValidUntil, &ca.Certificate, &ca.PrivateKey); err != nil {
		return nil, err
	}
	return &ca, nil
}

// ---------------------------------------------------------------------------
// Leaf certificates
// ---------------------------------------------------------------------------

func (s *Store) InsertLeaf(ctx context.Context, leaf *storage.LeafCertificate) (int64, error) {
	if err := leaf.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO user_certificates
		   (name, created_on, valid_until, pkcs12, pkcs12_password, certificate_type, ca_id, user_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		leaf.Name, leaf.CreatedOn, leaf.ValidUntil, leaf.ExportBundle, leaf.ExportPassword,
		int16(leaf.Type), leaf.CAID, leaf.OwnerUserID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting certificate: %w", translateErr(err))
	}
	return id, nil
}

func (s *Store) GetLeaf(ctx context.Context, id int64) (*storage.LeafCertificate, error) {
	var (
		leaf storage.LeafCertificate
		typ  int16
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_on, valid_until, pkcs12, pkcs12_password, certificate_type, ca_id, user_id
		 FROM user_certificates WHERE id = $1`, id).Scan(
		&leaf.ID, &leaf.Name, &leaf.CreatedOn, &leaf.ValidUntil, &leaf.ExportBundle,
		&leaf.ExportPassword, &typ, &leaf.CAID, &leaf.OwnerUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("certificate %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying certificate %d: %w", id, err)
	}
	leaf.Type = storage.CertificateType(typ)
	return &leaf, nil
}

func (s *Store) ListLeaves(ctx context.Context, owner *int64) ([]storage.LeafCertificate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_on, valid_until, certificate_type, ca_id, user_id
		 FROM user_certificates
		 WHERE $1::BIGINT IS NULL OR user_id = $1
		 ORDER BY id`, owner)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	defer rows.Close()

	leaves := []storage.LeafCertificate{}
	for rows.Next() {
		var (
			leaf storage.LeafCertificate
			typ  int16
		)
		if err := rows.Scan(&leaf.ID, &leaf.Name, &leaf.CreatedOn, &leaf.ValidUntil, &typ, &leaf.CAID, &leaf.OwnerUserID); err != nil {
			return nil, fmt.Errorf("scanning certificate: %w", err)
		}
		leaf.Type = storage.CertificateType(typ)
		leaves = append(leaves, leaf)
	}
	return leaves, rows.Err()
}

func (s *Store) GetLeafExportBundle(ctx context.Context, id int64) (int64, []byte, error) {
	var (
		owner  int64
		bundle []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, pkcs12 FROM user_certificates WHERE id = $1`, id).Scan(&owner, &bundle)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, fmt.Errorf("certificate %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("querying export bundle %d: %w", id, err)
	}
	return owner, bundle, nil
}

func (s *Store) GetLeafExportPassword(ctx context.Context, id int64) (int64, string, error) {
	var (
		owner    int64
		password string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, pkcs12_password FROM user_certificates WHERE id = $1`, id).Scan(&owner, &password)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", fmt.Errorf("certificate %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return 0, "", fmt.Errorf("querying export password %d: %w", id, err)
	}
	return owner, password, nil
}

func (s *Store) DeleteLeaf(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "user_certificates", "certificate", id)
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) InsertUser(ctx context.Context, user *storage.User) (int64, error) {
	if user.Name == "" {
		return 0, fmt.Errorf("%w: user name is required", storage.ErrInvalidRecord)
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (name, email, role) VALUES ($1, $2, $3) RETURNING id`,
		user.Name, user.Email, int16(user.Role)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting user: %w", translateErr(err))
	}
	return id, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	var (
		u    storage.User
		role int16
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, role FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Name, &u.Email, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %d: %w", id, err)
	}
	u.Role = storage.Role(role)
	return &u, nil
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, "users", "user", id)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// deleteByID removes one row; table is always a package constant.
func (s *Store) deleteByID(ctx context.Context, table, what string, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting %s %d: %w", what, id, translateErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", what, id, storage.ErrNotFound)
	}
	return nil
}

func translateErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("%w: %s", storage.ErrReferential, pgErr.Message)
	}
	return err
}
