package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

var (
	// ErrSecretRequired is returned when encryption is required, or the file
	// is already encrypted, and no store secret is configured.
	ErrSecretRequired = errors.New("store secret required")

	// ErrWrongKey is returned when an encrypted store cannot be read with the
	// derived key.
	ErrWrongKey = errors.New("store secret does not decrypt the database")

	// ErrVerification is returned when the encrypted copy does not hold the
	// same rows as the original.
	ErrVerification = errors.New("encrypted copy does not match original")
)

// State is a step of the plaintext to SQLCipher migration.
type State int

const (
	StateUnencrypted State = iota
	StateCloning
	StateSwapping
	StateEncrypted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnencrypted:
		return "unencrypted"
	case StateCloning:
		return "cloning"
	case StateSwapping:
		return "swapping"
	case StateEncrypted:
		return "encrypted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MigrationError reports the state a migration or encrypted open failed in.
// It is fatal at startup.
type MigrationError struct {
	State State
	Err   error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("store encryption failed while %s: %v", e.State, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Migrator converts a plaintext database file into an SQLCipher database in
// place. It clones into <path>.encrypted and renames the clone over the
// original; until the rename the original is untouched, so a failed run can
// simply be retried.
type Migrator struct {
	path   string
	hexKey string
	logger *slog.Logger
	state  State
}

// NewMigrator returns a Migrator for path using the hex-encoded raw key.
func NewMigrator(path, hexKey string, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{path: path, hexKey: hexKey, logger: logger, state: StateUnencrypted}
}

// State returns the current migration state.
func (m *Migrator) State() State { return m.state }

// TempPath is where the encrypted clone is written before the swap.
func (m *Migrator) TempPath() string { return m.path + ".encrypted" }

// Run performs the migration. On failure the state is StateFailed and the
// returned *MigrationError names the step that failed.
func (m *Migrator) Run(ctx context.Context) error {
	if m.hexKey == "" {
		return m.fail(StateUnencrypted, ErrSecretRequired)
	}
	tmp := m.TempPath()

	m.state = StateCloning
	m.logger.Info("encrypting credential store", "state", m.state)
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return m.fail(StateCloning, fmt.Errorf("removing stale %s: %w", tmp, err))
	}
	if err := m.clone(ctx, tmp); err != nil {
		os.Remove(tmp)
		return m.fail(StateCloning, err)
	}

	m.state = StateSwapping
	m.logger.Info("swapping encrypted credential store into place", "state", m.state)
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return m.fail(StateSwapping, fmt.Errorf("renaming encrypted copy: %w", err))
	}
	db, err := openDB(m.path, m.hexKey)
	if err != nil {
		return m.fail(StateSwapping, err)
	}
	defer db.Close()
	if err := checkKey(ctx, db); err != nil {
		return m.fail(StateSwapping, err)
	}

	m.state = StateEncrypted
	m.logger.Info("credential store encrypted", "state", m.state)
	return nil
}

func (m *Migrator) fail(at State, err error) error {
	m.state = StateFailed
	m.logger.Error("credential store encryption failed", "state", at, "error", err)
	return &MigrationError{State: at, Err: err}
}

func (m *Migrator) clone(ctx context.Context, tmp string) error {
	db, err := openDB(m.path, "")
	if err != nil {
		return err
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `ATTACH DATABASE ? AS encrypted KEY ?`, tmp, "x'"+m.hexKey+"'"); err != nil {
		return fmt.Errorf("attaching encrypted database: %w", err)
	}
	detached := false
	defer func() {
		if !detached {
			conn.ExecContext(context.WithoutCancel(ctx), `DETACH DATABASE encrypted`)
		}
	}()

	var version int
	if err := conn.QueryRowContext(ctx, `PRAGMA main.user_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT sqlcipher_export('encrypted')`); err != nil {
		return fmt.Errorf("exporting to encrypted database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`PRAGMA encrypted.user_version = %d`, version)); err != nil {
		return fmt.Errorf("copying schema version: %w", err)
	}
	if err := verifyClone(ctx, conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, `DETACH DATABASE encrypted`); err != nil {
		return fmt.Errorf("detaching encrypted database: %w", err)
	}
	detached = true
	return nil
}

// verifyClone compares per-table row counts of main and encrypted.
func verifyClone(ctx context.Context, conn *sql.Conn) error {
	rows, err := conn.QueryContext(ctx,
		`SELECT name FROM main.sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}

	for _, table := range tables {
		var want, got int64
		if err := conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM main.%q`, table)).Scan(&want); err != nil {
			return fmt.Errorf("counting %s: %w", table, err)
		}
		if err := conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM encrypted.%q`, table)).Scan(&got); err != nil {
			return fmt.Errorf("%w: counting %s: %v", ErrVerification, table, err)
		}
		if want != got {
			return fmt.Errorf("%w: table %s has %d rows, copy has %d", ErrVerification, table, want, got)
		}
	}
	return nil
}

type fileState int

const (
	fileMissing fileState = iota
	fileEmpty
	filePlaintext
	fileEncrypted
)

var sqliteHeader = []byte("SQLite format 3\x00")

// detectFile classifies path by its header. SQLCipher files have no
// plaintext header; their first page is indistinguishable from noise.
func detectFile(path string) (fileState, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return fileMissing, nil
	}
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, len(sqliteHeader))
	n, err := io.ReadFull(f, head)
	switch {
	case n == 0 && (errors.Is(err, io.EOF) || err == nil):
		return fileEmpty, nil
	case err != nil && !errors.Is(err, io.ErrUnexpectedEOF):
		return 0, fmt.Errorf("reading %s: %w", path, err)
	case bytes.Equal(head[:n], sqliteHeader):
		return filePlaintext, nil
	default:
		return fileEncrypted, nil
	}
}

// IsEncrypted reports whether the file at path exists and is not a
// plaintext SQLite database.
func IsEncrypted(path string) (bool, error) {
	state, err := detectFile(path)
	if err != nil {
		return false, err
	}
	return state == fileEncrypted, nil
}
