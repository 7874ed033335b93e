package trust

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linuxplay/pkg/clock"
)

const (
	fpA = "ABCD1234"
	fpB = "00FF00FF"
)

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "trusted_clients.json"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.Records()) != 0 {
		t.Fatalf("expected empty store, got %d records", len(s.Records()))
	}
	if s.IsTrusted(fpA) {
		t.Fatal("nothing should be trusted yet")
	}
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_clients.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnrollPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_clients.json")
	fc := clock.NewFake(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	s, err := Open(path, fc)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Enroll("ab:cd:12:34", "laptop"); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if !s.IsTrusted(fpA) {
		t.Fatal("enrolled fingerprint not trusted")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var doc struct {
		TrustedClients []map[string]any `json:"trusted_clients"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("document is not JSON: %v", err)
	}
	if len(doc.TrustedClients) != 1 {
		t.Fatalf("trusted_clients = %v", doc.TrustedClients)
	}
	entry := doc.TrustedClients[0]
	for _, field := range []string{"fingerprint", "common_name", "issued_on", "status"} {
		if _, ok := entry[field]; !ok {
			t.Errorf("persisted record missing %q: %v", field, entry)
		}
	}

	reopened, err := Open(path, fc)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := reopened.Lookup(fpA)
	if !ok || rec.CommonName != "laptop" || rec.Status != StatusTrusted {
		t.Fatalf("reloaded record = %+v, %v", rec, ok)
	}
	if !rec.IssuedOn.Equal(fc.Now()) {
		t.Fatalf("IssuedOn = %v, want %v", rec.IssuedOn, fc.Now())
	}
}

func TestIsTrustedIffStatusTrusted(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "t.json"), nil)
	if err := s.Enroll(fpA, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Enroll(fpB, "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(fpB); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	// No caching lag: the very next read observes the revocation.
	if s.IsTrusted(fpB) {
		t.Fatal("revoked fingerprint still trusted")
	}
	if !s.IsRevoked(fpB) {
		t.Fatal("IsRevoked false after Revoke")
	}
	if !s.IsTrusted(fpA) {
		t.Fatal("unrelated fingerprint lost trust")
	}
	if err := s.Enroll(fpB, "again"); !errors.Is(err, ErrRevoked) {
		t.Fatalf("re-enrolling revoked fingerprint: err = %v, want ErrRevoked", err)
	}
	if err := s.Revoke("FFFF"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoking unknown: err = %v, want ErrNotFound", err)
	}
}

func TestEnrollRejectsInvalidFingerprint(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "t.json"), nil)
	if err := s.Enroll("not-hex!", "x"); !errors.Is(err, ErrInvalidFingerprint) {
		t.Fatalf("err = %v, want ErrInvalidFingerprint", err)
	}
}

func TestRevokedForAddress(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "t.json"), nil)
	if err := s.Enroll(fpA, "a"); err != nil {
		t.Fatal(err)
	}
	s.Touch(fpA, "192.168.1.50")
	if s.RevokedForAddress("192.168.1.50") {
		t.Fatal("trusted record reported revoked")
	}
	if err := s.Revoke(fpA); err != nil {
		t.Fatal(err)
	}
	if !s.RevokedForAddress("192.168.1.50") {
		t.Fatal("revoked record not found by address")
	}
	if s.RevokedForAddress("192.168.1.51") {
		t.Fatal("unrelated address matched")
	}
}

func TestPersistenceFailureDegrades(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "trusted_clients.json")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Enroll(fpA, "a"); err != nil {
		t.Fatal(err)
	}

	var reported error
	var mu sync.Mutex
	s.OnPersistFailure(func(err error) {
		mu.Lock()
		reported = err
		mu.Unlock()
	})

	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	if err := s.Enroll(fpB, "b"); err == nil {
		t.Fatal("enroll succeeded on read-only directory")
	}
	if !s.Degraded() {
		t.Fatal("store not degraded after write failure")
	}
	mu.Lock()
	if reported == nil {
		t.Error("persistence failure not reported")
	}
	mu.Unlock()
	if s.IsTrusted(fpB) {
		t.Fatal("failed enrollment left the fingerprint trusted")
	}
	if !s.IsTrusted(fpA) {
		t.Fatal("existing trust lost after degradation")
	}
	if err := s.Enroll("CAFE", "c"); !errors.Is(err, ErrEnrollmentDisabled) {
		t.Fatalf("err = %v, want ErrEnrollmentDisabled", err)
	}
	// Revocation still applies in memory even though it cannot be written.
	if err := s.Revoke(fpA); err == nil {
		t.Fatal("expected persistence error from Revoke")
	}
	if s.IsTrusted(fpA) {
		t.Fatal("revocation not applied in memory")
	}
}

func TestPersistenceFailureWhenParentIsFile(t *testing.T) {
	// A parent that turns into a regular file cannot be written, even as root.
	parent := filepath.Join(t.TempDir(), "state")
	s, err := Open(filepath.Join(parent, "trusted_clients.json"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := os.WriteFile(parent, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := s.Enroll(fpA, "a"); err == nil {
		t.Fatal("expected write failure")
	}
	if !s.Degraded() {
		t.Fatal("store should be degraded")
	}
	if s.IsTrusted(fpA) {
		t.Fatal("rolled back enrollment still trusted")
	}
	err = s.Enroll(fpB, "b")
	if !errors.Is(err, ErrEnrollmentDisabled) {
		t.Fatalf("err = %v, want ErrEnrollmentDisabled", err)
	}
	if !strings.Contains(err.Error(), "last write failed") {
		t.Fatalf("cause of degradation missing: %v", err)
	}
}

func TestReloadPicksUpRevocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted_clients.json")
	running, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := running.Enroll(fpA, "tv"); err != nil {
		t.Fatal(err)
	}

	cli, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := cli.Revoke(fpA); err != nil {
		t.Fatal(err)
	}
	if !running.IsTrusted(fpA) {
		t.Fatal("running store changed before reload")
	}
	if err := running.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if running.IsTrusted(fpA) || !running.IsRevoked(fpA) {
		t.Fatal("revocation not visible after reload")
	}

	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := running.Reload(); err == nil {
		t.Fatal("corrupt document accepted")
	}
	if !running.IsRevoked(fpA) {
		t.Fatal("failed reload dropped records")
	}
}
