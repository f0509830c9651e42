// Package config loads mtlsvault settings from defaults, an optional TOML
// file and MTLSVAULT_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jmcleod/mtlsvault/internal/util"
)

// EnvPrefix is the prefix of environment overrides. MTLSVAULT_STORAGE_PATH
// sets storage.path; a double underscore stands for a literal underscore
// (MTLSVAULT_STORAGE_REQUIRE__ENCRYPTION sets storage.require_encryption).
const EnvPrefix = "MTLSVAULT_"

// Config is the full application configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Storage      StorageConfig      `koanf:"storage"`
	CA           CAConfig           `koanf:"ca"`
	Certificates CertificatesConfig `koanf:"certificates"`
	Audit        AuditConfig        `koanf:"audit"`
	Log          LogConfig          `koanf:"log"`

	secret *memguard.Enclave
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	TLSCert         string        `koanf:"tls_cert"`
	TLSKey          string        `koanf:"tls_key"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// DownloadAlertThreshold is the number of bundle or password retrievals
	// by one user within DownloadAlertWindow that raises an alert.
	DownloadAlertThreshold int           `koanf:"download_alert_threshold"`
	DownloadAlertWindow    time.Duration `koanf:"download_alert_window"`
}

type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `koanf:"driver"`
	Path        string `koanf:"path"`
	PostgresDSN string `koanf:"postgres_dsn"`
	// Secret is the SQLCipher passphrase. It is moved into locked memory by
	// Load and cleared from this field.
	Secret            string `koanf:"secret"`
	SecretFile        string `koanf:"secret_file"`
	RequireEncryption bool   `koanf:"require_encryption"`
}

type CAConfig struct {
	Name          string `koanf:"name"`
	ValidityYears int    `koanf:"validity_years"`
	CertPath      string `koanf:"cert_path"`
}

type CertificatesConfig struct {
	DefaultValidityYears int `koanf:"default_validity_years"`
	PasswordLength       int `koanf:"password_length"`
}

type AuditConfig struct {
	Path       string `koanf:"path"`
	MaxEntries int    `koanf:"max_entries"`
	// WebhookURL, when set, receives every audit entry as a JSON POST.
	WebhookURL string `koanf:"webhook_url"`
	// WebhookAuthHeader is sent with each webhook request, formatted as
	// "Header: Value".
	WebhookAuthHeader string `koanf:"webhook_auth_header"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                   ":3737",
			ReadTimeout:            15 * time.Second,
			WriteTimeout:           30 * time.Second,
			ShutdownTimeout:        10 * time.Second,
			DownloadAlertThreshold: 20,
			DownloadAlertWindow:    5 * time.Minute,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "database.db3",
		},
		CA: CAConfig{
			ValidityYears: 10,
			CertPath:      "ca.cert",
		},
		Certificates: CertificatesConfig{
			DefaultValidityYears: 1,
			PasswordLength:       20,
		},
		Audit: AuditConfig{
			Path:       "audit.db",
			MaxEntries: 100000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.sealSecret(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// sealSecret moves the store secret (inline or from SecretFile) into a
// memguard Enclave.
func (c *Config) sealSecret() error {
	secret := []byte(c.Storage.Secret)
	c.Storage.Secret = ""
	if c.Storage.SecretFile != "" {
		data, err := os.ReadFile(c.Storage.SecretFile)
		if err != nil {
			return fmt.Errorf("reading storage secret file: %w", err)
		}
		secret = []byte(strings.TrimRight(string(data), "\r\n"))
		util.WipeBytes(data)
	}
	if len(secret) > 0 {
		c.secret = memguard.NewEnclave(secret)
	}
	return nil
}

// StoreSecret returns the sealed store secret, or nil when none is set.
func (c *Config) StoreSecret() *memguard.Enclave { return c.secret }

// SetStoreSecret seals secret as the store secret, replacing any other.
func (c *Config) SetStoreSecret(secret []byte) {
	if len(secret) == 0 {
		c.secret = nil
		return
	}
	c.secret = memguard.NewEnclave(secret)
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
		if c.Storage.RequireEncryption {
			errs = append(errs, errors.New("storage.require_encryption applies to the sqlite driver only"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver))
	}
	if c.CA.ValidityYears < 1 {
		errs = append(errs, errors.New("ca.validity_years must be at least 1"))
	}
	if c.Certificates.DefaultValidityYears < 1 {
		errs = append(errs, errors.New("certificates.default_validity_years must be at least 1"))
	}
	if c.Certificates.PasswordLength < 20 {
		errs = append(errs, errors.New("certificates.password_length must be at least 20"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if c.Audit.MaxEntries < 0 {
		errs = append(errs, errors.New("audit.max_entries must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger described by c.Log.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}
