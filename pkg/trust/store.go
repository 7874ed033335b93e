package trust

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linuxplay/pkg/clock"
	"github.com/linuxplay/pkg/logging"
)

var (
	ErrEnrollmentDisabled = errors.New("trust store is read-only after a persistence failure; enrollment disabled")
	ErrNotFound           = errors.New("fingerprint not found")
	ErrRevoked            = errors.New("fingerprint is revoked")
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
)

// Status of a trust record
type Status string

const (
	StatusTrusted Status = "trusted"
	StatusRevoked Status = "revoked"
)

// Record is one persisted authorization entry
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	CommonName  string    `json:"common_name"`
	IssuedOn    time.Time `json:"issued_on"`
	Status      Status    `json:"status"`
	LastAddress string    `json:"last_address,omitempty"`
}

type document struct {
	TrustedClients []Record `json:"trusted_clients"`
}

// Store is the in-memory trust set backed by a JSON document. Reads never
// touch the disk; writes snapshot under the lock and persist after releasing it.
type Store struct {
	path  string
	clock clock.Clock

	mu         sync.RWMutex
	records    map[string]Record
	version    uint64
	degraded   bool
	persistErr error

	// writeMu orders file writes; written is the last version on disk.
	writeMu sync.Mutex
	written uint64

	onPersistFailure func(error)
}

// Open loads the trust document at path. A missing file yields an empty store.
func Open(path string, c clock.Clock) (*Store, error) {
	if c == nil {
		c = clock.Real()
	}
	records, err := load(path)
	if err != nil {
		return nil, err
	}
	return &Store{
		path:    path,
		clock:   c,
		records: records,
	}, nil
}

// Reload replaces the in-memory records with the document on disk, picking
// up edits made by another process. On error the current records are kept.
func (s *Store) Reload() error {
	records, err := load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	logging.Logf("[trust] reloaded (records=%d)", len(records))
	return nil
}

func load(path string) (map[string]Record, error) {
	records := make(map[string]Record)
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trust store %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse trust store %s: %w", path, err)
	}
	for _, r := range doc.TrustedClients {
		fp := NormalizeFingerprint(r.Fingerprint)
		if fp == "" {
			continue
		}
		r.Fingerprint = fp
		if r.Status != StatusRevoked {
			r.Status = StatusTrusted
		}
		records[fp] = r
	}
	return records, nil
}

// OnPersistFailure registers a callback invoked (outside any lock) when a
// write fails and the store degrades.
func (s *Store) OnPersistFailure(fn func(error)) {
	s.mu.Lock()
	s.onPersistFailure = fn
	s.mu.Unlock()
}

// NormalizeFingerprint upper-cases and strips separators. Returns "" for
// anything that is not hex.
func NormalizeFingerprint(fp string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(fp) {
		switch {
		case r == ':' || r == ' ' || r == '-':
			continue
		case (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F'):
			b.WriteRune(r)
		default:
			return ""
		}
	}
	return b.String()
}

// IsTrusted reports whether fp has a record with status trusted
func (s *Store) IsTrusted(fp string) bool {
	fp = NormalizeFingerprint(fp)
	s.mu.RLock()
	r, ok := s.records[fp]
	s.mu.RUnlock()
	return ok && r.Status == StatusTrusted
}

// IsRevoked reports whether fp has been explicitly revoked
func (s *Store) IsRevoked(fp string) bool {
	fp = NormalizeFingerprint(fp)
	s.mu.RLock()
	r, ok := s.records[fp]
	s.mu.RUnlock()
	return ok && r.Status == StatusRevoked
}

// RevokedForAddress reports whether a revoked record was last seen from ip
func (s *Store) RevokedForAddress(ip string) bool {
	if ip == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.Status == StatusRevoked && r.LastAddress == ip {
			return true
		}
	}
	return false
}

// Lookup returns the record for fp
func (s *Store) Lookup(fp string) (Record, bool) {
	fp = NormalizeFingerprint(fp)
	s.mu.RLock()
	r, ok := s.records[fp]
	s.mu.RUnlock()
	return r, ok
}

// Records returns all records sorted by issue time
func (s *Store) Records() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedOn.Equal(out[j].IssuedOn) {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].IssuedOn.Before(out[j].IssuedOn)
	})
	return out
}

// Degraded reports whether a persistence failure disabled enrollment
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Enroll trusts fp under name. Re-enrolling a trusted fingerprint updates the
// name; a revoked fingerprint stays revoked. If the write fails the
// enrollment is rolled back and the store stops accepting enrollments.
func (s *Store) Enroll(fp, name string) error {
	fp = NormalizeFingerprint(fp)
	if fp == "" {
		return ErrInvalidFingerprint
	}

	s.mu.Lock()
	if s.degraded {
		cause := s.persistErr
		s.mu.Unlock()
		return fmt.Errorf("%w (last write failed: %v)", ErrEnrollmentDisabled, cause)
	}
	prev, existed := s.records[fp]
	if existed && prev.Status == StatusRevoked {
		s.mu.Unlock()
		return ErrRevoked
	}
	rec := prev
	if !existed {
		rec = Record{Fingerprint: fp, IssuedOn: s.clock.Now().UTC(), Status: StatusTrusted}
	}
	rec.CommonName = name
	s.records[fp] = rec
	doc, version := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persist(doc, version); err != nil {
		s.mu.Lock()
		if cur, ok := s.records[fp]; ok && cur == rec {
			if existed {
				s.records[fp] = prev
			} else {
				delete(s.records, fp)
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("enroll %s: %w", fp, err)
	}
	logging.Logf("[trust] enrolled (fingerprint=%s name=%q)", shortFP(fp), name)
	return nil
}

// Revoke marks fp revoked. The revocation takes effect in memory before the
// write, so a persistence failure still denies the fingerprint.
func (s *Store) Revoke(fp string) error {
	fp = NormalizeFingerprint(fp)
	s.mu.Lock()
	rec, ok := s.records[fp]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if rec.Status == StatusRevoked {
		s.mu.Unlock()
		return nil
	}
	rec.Status = StatusRevoked
	s.records[fp] = rec
	doc, version := s.snapshotLocked()
	s.mu.Unlock()

	logging.Logf("[trust] revoked (fingerprint=%s name=%q)", shortFP(fp), rec.CommonName)
	if err := s.persist(doc, version); err != nil {
		return fmt.Errorf("revoke %s: %w", fp, err)
	}
	return nil
}

// Touch records the address a trusted fingerprint last authenticated from.
// Persistence is best effort and skipped while degraded.
func (s *Store) Touch(fp, ip string) {
	fp = NormalizeFingerprint(fp)
	s.mu.Lock()
	rec, ok := s.records[fp]
	if !ok || rec.LastAddress == ip {
		s.mu.Unlock()
		return
	}
	rec.LastAddress = ip
	s.records[fp] = rec
	degraded := s.degraded
	doc, version := s.snapshotLocked()
	s.mu.Unlock()

	if !degraded {
		_ = s.persist(doc, version)
	}
}

func (s *Store) snapshotLocked() (document, uint64) {
	s.version++
	doc := document{TrustedClients: make([]Record, 0, len(s.records))}
	for _, r := range s.records {
		doc.TrustedClients = append(doc.TrustedClients, r)
	}
	sort.Slice(doc.TrustedClients, func(i, j int) bool {
		return doc.TrustedClients[i].Fingerprint < doc.TrustedClients[j].Fingerprint
	})
	return doc, s.version
}

// persist writes doc unless a newer snapshot already reached the disk.
func (s *Store) persist(doc document, version uint64) error {
	s.writeMu.Lock()
	if version <= s.written {
		s.writeMu.Unlock()
		return nil
	}
	err := writeJSON(s.path, doc)
	if err == nil {
		s.written = version
	}
	s.writeMu.Unlock()

	if err == nil {
		return nil
	}

	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	s.persistErr = err
	cb := s.onPersistFailure
	s.mu.Unlock()

	if first {
		logging.Logf("[trust] persistence failed, enrollment disabled until restart (path=%s err=%v)", s.path, err)
	}
	if cb != nil {
		cb(err)
	}
	return err
}

// writeJSON writes via a temp file in the same directory, fsyncs, then renames.
func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func shortFP(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
