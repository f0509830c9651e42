// Package sqlite implements storage.CredentialStore on an SQLite database
// that is encrypted at rest with SQLCipher whenever a store secret is
// configured. Opening a plaintext database with a secret migrates it in
// place (see Migrator).
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/awnumar/memguard"
	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/jmcleod/mtlsvault/storage"
)

//go:embed schema.sql
var schemaSQL string

// SchemaVersion is the PRAGMA user_version written by this package.
const SchemaVersion = 1

// DefaultPath is the database file used when none is configured.
const DefaultPath = "database.db3"

// Store implements storage.CredentialStore using SQLite/SQLCipher.
type Store struct {
	db        *sql.DB
	path      string
	encrypted bool
	migrated  bool
	logger    *slog.Logger
}

var _ storage.CredentialStore = (*Store)(nil)

type options struct {
	secret            *memguard.Enclave
	requireEncryption bool
	logger            *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithSecret sets the store secret the encryption key is derived from.
func WithSecret(secret *memguard.Enclave) Option {
	return func(o *options) { o.secret = secret }
}

// WithRequireEncryption refuses to open or create a plaintext database.
func WithRequireEncryption(require bool) Option {
	return func(o *options) { o.requireEncryption = require }
}

// WithLogger sets the logger. It defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open opens or creates the store at path. A plaintext database found at
// path is migrated to SQLCipher when a secret is configured. Any failure
// to reach an encrypted state when one is required is a *MigrationError.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if path == "" {
		path = DefaultPath
	}
	logger := o.logger.With("component", "sqlite", "path", path)

	var key *memguard.LockedBuffer
	if o.secret != nil {
		var err error
		if key, err = deriveKey(o.secret); err != nil {
			return nil, err
		}
		defer key.Destroy()
	}

	state, err := detectFile(path)
	if err != nil {
		return nil, err
	}

	migrated := false
	switch state {
	case fileMissing, fileEmpty:
		if key == nil {
			if o.requireEncryption {
				return nil, &MigrationError{State: StateUnencrypted, Err: ErrSecretRequired}
			}
			logger.Warn("creating unencrypted credential store; configure a store secret to encrypt it")
		}
	case filePlaintext:
		if key == nil {
			if o.requireEncryption {
				return nil, &MigrationError{State: StateUnencrypted, Err: ErrSecretRequired}
			}
			logger.Warn("credential store is not encrypted")
			break
		}
		m := NewMigrator(path, key.String(), logger)
		if err := m.Run(ctx); err != nil {
			return nil, err
		}
		migrated = true
	case fileEncrypted:
		if key == nil {
			return nil, &MigrationError{State: StateEncrypted, Err: ErrSecretRequired}
		}
	}

	hexKey := ""
	if key != nil {
		hexKey = key.String()
	}
	db, err := openDB(path, hexKey)
	if err != nil {
		return nil, err
	}
	if key != nil {
		if err := checkKey(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &Store{db: db, path: path, encrypted: key != nil, migrated: migrated, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	logger.Info("credential store opened", "encrypted", s.encrypted)
	return s, nil
}

// openDB opens a single-connection handle. An empty hexKey opens the file
// as plaintext.
func openDB(path, hexKey string) (*sql.DB, error) {
	q := url.Values{}
	q.Set("_foreign_keys", "1")
	q.Set("_journal_mode", "DELETE")
	q.Set("_busy_timeout", "5000")
	dsn := "file:" + path + "?" + q.Encode()
	if hexKey != "" {
		dsn += fmt.Sprintf("&_pragma_key=x'%s'&_pragma_cipher_page_size=4096", hexKey)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// checkKey forces SQLCipher to decrypt the first page.
func checkKey(ctx context.Context, db *sql.DB) error {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		if strings.Contains(err.Error(), "file is not a database") {
			return &MigrationError{State: StateEncrypted, Err: ErrWrongKey}
		}
		return fmt.Errorf("reading encrypted database: %w", err)
	}
	return nil
}

func newStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enabling foreign keys: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("querying schema version: %w", err)
	}
	switch {
	case version == 0:
		s.logger.Info("initializing database schema", "version", SchemaVersion)
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
			return fmt.Errorf("setting schema version: %w", err)
		}
	case version > SchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, SchemaVersion)
	default:
		s.logger.Debug("database schema already exists", "version", version)
	}
	return nil
}

// Encrypted reports whether the store was opened with an SQLCipher key.
func (s *Store) Encrypted() bool { return s.encrypted }

// Migrated reports whether Open converted a plaintext database.
func (s *Store) Migrated() bool { return s.migrated }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Certificate authorities
// ---------------------------------------------------------------------------

func (s *Store) InsertCA(ctx context.Context, ca *storage.CertificateAuthority) (int64, error) {
	if err := ca.Validate(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ca_certificates (created_on, valid_until, certificate, key) VALUES (?, ?, ?, ?)`,
		ca.CreatedOn, ca.ValidUntil, ca.Certificate, ca.PrivateKey)
	if err != nil {
		return 0, fmt.Errorf("inserting CA: %w", translateErr(err))
	}
	return res.LastInsertId()
}

func (s *Store) GetCurrentCA(ctx context.Context) (*storage.CertificateAuthority, error) {
	ca, err := scanCA(s.db.QueryRowContext(ctx,
		`SELECT id, created_on, valid_until, certificate, key FROM ca_certificates ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotSetup
	}
	if err != nil {
		return nil, fmt.Errorf("querying current CA: %w", err)
	}
	return ca, nil
}

func (s *Store) GetCA(ctx context.Context, id int64) (*storage.CertificateAuthority, error) {
	ca, err := scanCA(s.db.QueryRowContext(ctx,
		`SELECT id, created_on, valid_until, certificate, key FROM ca_certificates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
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
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ca_certificates)`).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking setup: %w", err)
	}
	return exists, nil
}

func scanCA(row *sql.Row) (*storage.CertificateAuthority, error) {
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_certificates
		   (name, created_on, valid_until, pkcs12, pkcs12_password, certificate_type, ca_id, user_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		leaf.Name, leaf.CreatedOn, leaf.ValidUntil, leaf.ExportBundle, leaf.ExportPassword,
		int(leaf.Type), leaf.CAID, leaf.OwnerUserID)
	if err != nil {
		return 0, fmt.Errorf("inserting certificate: %w", translateErr(err))
	}
	return res.LastInsertId()
}

func (s *Store) GetLeaf(ctx context.Context, id int64) (*storage.LeafCertificate, error) {
	var (
		leaf storage.LeafCertificate
		typ  int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_on, valid_until, pkcs12, pkcs12_password, certificate_type, ca_id, user_id
		 FROM user_certificates WHERE id = ?`, id).Scan(
		&leaf.ID, &leaf.Name, &leaf.CreatedOn, &leaf.ValidUntil, &leaf.ExportBundle,
		&leaf.ExportPassword, &typ, &leaf.CAID, &leaf.OwnerUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("certificate %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying certificate %d: %w", id, err)
	}
	leaf.Type = storage.CertificateType(typ)
	return &leaf, nil
}

func (s *Store) ListLeaves(ctx context.Context, owner *int64) ([]storage.LeafCertificate, error) {
	query := `SELECT id, name, created_on, valid_until, certificate_type, ca_id, user_id FROM user_certificates`
	var args []any
	if owner != nil {
		query += ` WHERE user_id = ?`
		args = append(args, *owner)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	defer rows.Close()

	leaves := []storage.LeafCertificate{}
	for rows.Next() {
		var (
			leaf storage.LeafCertificate
			typ  int
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
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, pkcs12 FROM user_certificates WHERE id = ?`, id).Scan(&owner, &bundle)
	if errors.Is(err, sql.ErrNoRows) {
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
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, pkcs12_password FROM user_certificates WHERE id = ?`, id).Scan(&owner, &password)
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, email, role) VALUES (?, ?, ?)`,
		user.Name, user.Email, int(user.Role))
	if err != nil {
		return 0, fmt.Errorf("inserting user: %w", translateErr(err))
	}
	return res.LastInsertId()
}

func (s *Store) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	var (
		u    storage.User
		role int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, role FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Name, &u.Email, &role)
	if errors.Is(err, sql.ErrNoRows) {
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

// deleteByID removes one row; table is always a package constant.
func (s *Store) deleteByID(ctx context.Context, table, what string, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting %s %d: %w", what, id, translateErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting %s %d: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, storage.ErrNotFound)
	}
	return nil
}

// translateErr maps constraint failures onto the storage sentinels.
func translateErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return fmt.Errorf("%w: %v", storage.ErrReferential, err)
	}
	if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%w: %v", storage.ErrReferential, err)
	}
	return err
}
