package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmcleod/mtlsvault/audit"
	"github.com/jmcleod/mtlsvault/certs"
	"github.com/jmcleod/mtlsvault/config"
	"github.com/jmcleod/mtlsvault/pki"
	"github.com/jmcleod/mtlsvault/storage"
	"github.com/jmcleod/mtlsvault/storage/postgres"
	"github.com/jmcleod/mtlsvault/storage/sqlite"
)

// app is everything a command needs, opened from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    storage.CredentialStore
	journal  *audit.Journal
	webhook  *audit.Webhook
	recorder audit.Recorder
	svc      *certs.Service
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openApp loads the configuration and opens the store, the audit journal
// and the certificate service on top of them.
func openApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	if a.journal, err = audit.OpenJournal(cfg.Audit.Path, audit.WithMaxEntries(cfg.Audit.MaxEntries)); err != nil {
		return nil, fmt.Errorf("failed to open audit journal: %w", err)
	}
	recorders := audit.Multi{audit.NewLogger(logger), a.journal}
	if cfg.Audit.WebhookURL != "" {
		a.webhook = audit.NewWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuthHeader, logger)
		recorders = append(recorders, a.webhook)
	}
	a.recorder = recorders

	store, migrated, err := openStore(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	if migrated {
		a.recorder.Record(ctx, audit.Entry{Event: audit.EventStoreMigrated, Detail: cfg.Storage.Path})
	}

	issuer := pki.NewIssuer(pki.WithPasswordGenerator(&pki.PasswordGenerator{
		Length: cfg.Certificates.PasswordLength,
	}))
	a.svc = certs.New(store,
		certs.WithIssuer(issuer),
		certs.WithAuditRecorder(a.recorder),
		certs.WithLogger(logger),
		certs.WithCACertPath(cfg.CA.CertPath),
		certs.WithDefaultValidity(cfg.Certificates.DefaultValidityYears),
	)
	return a, nil
}

// openStore opens the configured credential store. For SQLite it reports
// whether a plaintext database was migrated to SQLCipher on the way.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.CredentialStore, bool, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, false, err
		}
		return s, false, nil
	default:
		s, err := sqlite.Open(ctx, cfg.Storage.Path,
			sqlite.WithSecret(cfg.StoreSecret()),
			sqlite.WithRequireEncryption(cfg.Storage.RequireEncryption),
			sqlite.WithLogger(logger),
		)
		if err != nil {
			return nil, false, err
		}
		return s, s.Migrated(), nil
	}
}

// operator is the identity CLI commands act as: an admin with the --actor
// user ID.
func (a *app) operator() certs.Identity {
	return certs.Identity{UserID: actorID, Role: storage.RoleAdmin}
}

func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.webhook != nil {
		errs = append(errs, a.webhook.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	return errors.Join(errs...)
}
