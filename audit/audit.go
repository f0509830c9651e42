// Package audit records security-relevant certificate operations: a
// structured slog stream for operators and a durable bbolt journal that
// can be listed later.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Event identifies the type of security-relevant action being recorded.
type Event string

const (
	EventCAInitialized    Event = "ca_initialized"
	EventCAExported       Event = "ca_exported"
	EventCertIssued       Event = "cert_issued"
	EventCertDownloaded   Event = "cert_downloaded"
	EventPasswordRevealed Event = "password_revealed"
	EventCertDeleted      Event = "cert_deleted"
	EventAccessDenied     Event = "access_denied"
	EventStoreMigrated    Event = "store_migrated"
)

// Entry is one audit record. Zero IDs mean "not applicable".
type Entry struct {
	ID            string    `json:"id"`
	Event         Event     `json:"event"`
	ActorID       int64     `json:"actor_id,omitempty"`
	CertificateID int64     `json:"certificate_id,omitempty"`
	CAID          int64     `json:"ca_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Recorder accepts audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Logger writes entries as structured slog records with an "event"
// attribute.
type Logger struct {
	logger *slog.Logger
}

var _ Recorder = (*Logger)(nil)

// NewLogger returns a Recorder that logs through logger.
func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger.With("component", "audit")}
}

func (l *Logger) Record(ctx context.Context, e Entry) error {
	attrs := []slog.Attr{
		slog.String("event", string(e.Event)),
		slog.String("timestamp", e.CreatedAt.UTC().Format(time.RFC3339)),
	}
	if e.ActorID != 0 {
		attrs = append(attrs, slog.Int64("actor_id", e.ActorID))
	}
	if e.CertificateID != 0 {
		attrs = append(attrs, slog.Int64("certificate_id", e.CertificateID))
	}
	if e.CAID != 0 {
		attrs = append(attrs, slog.Int64("ca_id", e.CAID))
	}
	if e.Detail != "" {
		attrs = append(attrs, slog.String("detail", e.Detail))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// Multi fans an entry out to every recorder and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(context.Context, Entry) error { return nil }
