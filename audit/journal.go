package audit

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/mtlsvault/internal/uuid"
)

var bucketName = []byte("audit")

// Journal is a durable, append-only audit log in a BBolt file. Keys are
// big-endian sequence numbers so cursor order is insertion order.
type Journal struct {
	db         *bbolt.DB
	maxEntries int
	now        func() time.Time
}

var _ Recorder = (*Journal)(nil)

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithMaxEntries keeps at most n entries, pruning the oldest on write.
// Zero keeps everything.
func WithMaxEntries(n int) JournalOption {
	return func(j *Journal) { j.maxEntries = n }
}

// WithClock sets the time source stamped on entries without CreatedAt.
func WithClock(now func() time.Time) JournalOption {
	return func(j *Journal) { j.now = now }
}

// OpenJournal opens (creating if needed) the journal at path.
func OpenJournal(path string, opts ...JournalOption) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening audit journal: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit bucket: %w", err)
	}
	j := &Journal{db: db, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Close closes the underlying BBolt database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends e, assigning an ID and timestamp when missing.
func (j *Journal) Record(_ context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		return prune(b, seq, j.maxEntries)
	})
}

// Filter narrows List.
type Filter struct {
	Event         Event
	CertificateID int64
	// Limit caps the number of entries returned; zero means no cap.
	Limit int
}

// List returns matching entries, newest first.
func (j *Journal) List(_ context.Context, f Filter) ([]Entry, error) {
	entries := []Entry{}
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if f.Event != "" && e.Event != f.Event {
				continue
			}
			if f.CertificateID != 0 && e.CertificateID != f.CertificateID {
				continue
			}
			entries = append(entries, e)
			if f.Limit > 0 && len(entries) == f.Limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

// prune drops every key at or below last-maxEntries. Keys are dense
// sequence numbers, so only the dropped keys are visited.
func prune(b *bbolt.Bucket, last uint64, maxEntries int) error {
	if maxEntries <= 0 || last <= uint64(maxEntries) {
		return nil
	}
	cutoff := seqKey(last - uint64(maxEntries))
	c := b.Cursor()
	for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) <= 0; k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
