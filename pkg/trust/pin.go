package trust

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"sync/atomic"
	"time"

	"github.com/linuxplay/pkg/clock"
	"github.com/linuxplay/pkg/logging"
)

// PINLength is the number of decimal digits in a PIN
const PINLength = 6

var pinSpace = big.NewInt(1_000_000)

// PIN is a short-lived numeric shared secret
type PIN struct {
	Value  string    `json:"value"`
	Expiry time.Time `json:"expiry"`
}

// GeneratePIN returns a uniformly random 6-digit string, zero padded
func GeneratePIN(r io.Reader) (string, error) {
	n, err := rand.Int(r, pinSpace)
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%0*d", PINLength, n.Int64()), nil
}

// PINRotator owns the single current PIN. Replacement is one atomic pointer
// swap, so a verifier that loaded the PIN keeps a consistent value.
type PINRotator struct {
	current  atomic.Pointer[PIN]
	interval time.Duration
	clock    clock.Clock
	random   io.Reader
	onRotate func(PIN)
}

// NewPINRotator creates a rotator and issues the first PIN
func NewPINRotator(interval time.Duration, c clock.Clock) (*PINRotator, error) {
	if c == nil {
		c = clock.Real()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r := &PINRotator{interval: interval, clock: c, random: rand.Reader}
	if _, err := r.Rotate(); err != nil {
		return nil, err
	}
	return r, nil
}

// OnRotate registers a callback run after each rotation. Not safe to call
// concurrently with Run.
func (r *PINRotator) OnRotate(fn func(PIN)) {
	r.onRotate = fn
}

// Interval returns the rotation period
func (r *PINRotator) Interval() time.Duration {
	return r.interval
}

// Current returns the PIN in force
func (r *PINRotator) Current() PIN {
	if p := r.current.Load(); p != nil {
		return *p
	}
	return PIN{}
}

// Rotate replaces the current PIN
func (r *PINRotator) Rotate() (PIN, error) {
	value, err := GeneratePIN(r.random)
	if err != nil {
		return PIN{}, err
	}
	p := &PIN{Value: value, Expiry: r.clock.Now().Add(r.interval)}
	r.current.Store(p)
	if r.onRotate != nil {
		r.onRotate(*p)
	}
	return *p, nil
}

// Verify compares candidate against the PIN loaded once at entry
func (r *PINRotator) Verify(candidate string) bool {
	p := r.current.Load()
	if p == nil || len(candidate) != PINLength {
		return false
	}
	if !r.clock.Now().Before(p.Expiry) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(p.Value)) == 1
}

// Run rotates each PIN when it expires until ctx is done. A PIN issued
// before Run started keeps its own expiry, so there is never a stretch
// without a valid PIN.
func (r *PINRotator) Run(ctx context.Context) {
	for {
		wait := r.Current().Expiry.Sub(r.clock.Now())
		if wait <= 0 {
			if _, err := r.Rotate(); err != nil {
				logging.Logf("[trust] pin rotation failed (err=%v)", err)
				wait = time.Second
			} else {
				wait = r.interval
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// WritePINFile publishes p for the local "pin" command. The file is
// readable by the owner only.
func WritePINFile(path string, p PIN) error {
	return writeJSON(path, p)
}

// ReadPINFile loads the PIN a running host last published
func ReadPINFile(path string) (PIN, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return PIN{}, err
	}
	var p PIN
	if err := json.Unmarshal(b, &p); err != nil {
		return PIN{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}
