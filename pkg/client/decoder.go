package client

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/linuxplay/pkg/logging"
	"github.com/linuxplay/pkg/stream"
)

const (
	// A decoder that stayed up this long resets the restart counter.
	stableRun = 30 * time.Second

	decoderStopGrace = time.Second
)

// RestartDelay is the wait before the (n+1)th consecutive restart:
// 1s growing by 300ms per attempt, capped at 5s.
func RestartDelay(n int) time.Duration {
	d := time.Second + time.Duration(n)*300*time.Millisecond
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}

// Demotion holds the decode acceleration shared by every video decoder.
// A hardware failure demotes it to cpu once for the process lifetime.
type Demotion struct {
	mu      sync.Mutex
	hwaccel string
	demoted bool
}

// NewDemotion starts from the resolved hwaccel
func NewDemotion(hwaccel string) *Demotion {
	if hwaccel == "" {
		hwaccel = "cpu"
	}
	return &Demotion{hwaccel: hwaccel}
}

// Current returns the acceleration to launch with
func (d *Demotion) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hwaccel
}

// Demote switches to software decoding if failed was a hardware mode.
// It returns true only for the call that performed the demotion.
func (d *Demotion) Demote(failed string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.demoted || failed == "cpu" || failed != d.hwaccel {
		return false
	}
	d.demoted = true
	d.hwaccel = "cpu"
	return true
}

// Demoted reports whether software decoding was forced
func (d *Demotion) Demoted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.demoted
}

// decoder is one restartable decode worker
type decoder struct {
	name  string
	video bool
	argv  func(hwaccel string) []string
}

// runDecoder keeps one decoder alive until ctx is done. Every exit, clean or
// not, schedules a restart; a failing hardware video decoder demotes the
// shared acceleration first.
func (m *Mirror) runDecoder(ctx context.Context, d decoder) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		hwaccel := ""
		if d.video {
			hwaccel = m.demotion.Current()
		}
		started := time.Now()
		code, err := m.launchAndWait(ctx, d, hwaccel)
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case err != nil:
			logging.Logf("[decoder] launch failed (worker=%s err=%v)", d.name, err)
			m.metrics.recordDecoderExit(d.name, "launch")
		case code != 0:
			logging.Logf("[decoder] exited (worker=%s code=%d hwaccel=%s)", d.name, code, hwaccel)
			m.metrics.recordDecoderExit(d.name, "error")
			if d.video && m.demotion.Demote(hwaccel) {
				logging.Logf("[decoder] hardware decode failed, switching to software for this process (hwaccel=%s)", hwaccel)
				m.metrics.recordDemotion()
			}
		default:
			logging.Logf("[decoder] exited cleanly (worker=%s)", d.name)
			m.metrics.recordDecoderExit(d.name, "clean")
		}

		if time.Since(started) >= stableRun {
			attempt = 0
		}
		delay := m.restartDelay(attempt)
		attempt++
		logging.Logf("[decoder] restarting (worker=%s in=%v attempt=%d)", d.name, delay, attempt)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// launchAndWait runs the decoder once. On cancellation it sends SIGTERM,
// waits a short grace and kills.
func (m *Mirror) launchAndWait(ctx context.Context, d decoder, hwaccel string) (int, error) {
	proc, err := m.launcher.Start(stream.Spec{Name: d.name, Argv: d.argv(hwaccel)})
	if err != nil {
		return -1, err
	}
	m.metrics.recordDecoderStart(d.name)
	logging.Debugf("[decoder] started (worker=%s pid=%d hwaccel=%s)", d.name, proc.Pid(), hwaccel)

	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	select {
	case werr := <-exited:
		return stream.ExitCode(werr), nil
	case <-ctx.Done():
	}

	_ = proc.Signal(syscall.SIGTERM)
	select {
	case werr := <-exited:
		m.metrics.recordDecoderExit(d.name, "stopped")
		return stream.ExitCode(werr), nil
	case <-time.After(decoderStopGrace):
	}
	_ = proc.Kill()
	werr := <-exited
	m.metrics.recordDecoderExit(d.name, "killed")
	return stream.ExitCode(werr), nil
}
