package host

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/linuxplay/pkg/addrbook"
	"github.com/linuxplay/pkg/clock"
	"github.com/linuxplay/pkg/config"
	"github.com/linuxplay/pkg/handshake"
	"github.com/linuxplay/pkg/media"
	"github.com/linuxplay/pkg/protocol"
	"github.com/linuxplay/pkg/session"
	"github.com/linuxplay/pkg/stream"
	"github.com/linuxplay/pkg/types"
)

type noHardware struct{}

func (noHardware) HasEncoder(string) bool { return false }
func (noHardware) HasNvidia() bool        { return false }
func (noHardware) IsIntelCPU() bool       { return false }
func (noHardware) HasVAAPI() bool         { return false }
func (noHardware) Hwaccels() []string     { return nil }

type encoderProcess struct {
	exit   chan error
	once   sync.Once
	exited atomic.Bool
}

func (p *encoderProcess) Pid() int    { return 4242 }
func (p *encoderProcess) Wait() error { return <-p.exit }
func (p *encoderProcess) Kill() error { p.finish(errors.New("killed")); return nil }
func (p *encoderProcess) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM {
		p.finish(errors.New("terminated"))
	}
	return nil
}
func (p *encoderProcess) finish(err error) {
	p.once.Do(func() {
		p.exited.Store(true)
		p.exit <- err
	})
}

func (p *encoderProcess) alive() bool { return !p.exited.Load() }

type recordingLauncher struct {
	mu    sync.Mutex
	specs []stream.Spec
	procs []*encoderProcess
}

func (l *recordingLauncher) Start(spec stream.Spec) (stream.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &encoderProcess{exit: make(chan error, 1)}
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *recordingLauncher) snapshot() ([]stream.Spec, []*encoderProcess) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]stream.Spec(nil), l.specs...), append([]*encoderProcess(nil), l.procs...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Trust.Dir = t.TempDir()
	cfg.Metrics.ListenAddress = "off"
	cfg.SetDefaults()
	cfg.Host.BindAddr = "127.0.0.1"
	return cfg
}

func waitState(t *testing.T, m *session.Manager, want session.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func TestHostSessionLifecycle(t *testing.T) {
	cfg := testConfig(t)
	clk := clock.NewFake(time.Now())
	launcher := &recordingLauncher{}
	h, err := New(cfg, Options{
		Launcher: launcher,
		Probe:    noHardware{},
		Clock:    clk,
		Monitors: []types.Monitor{types.DefaultMonitor},
	})
	if err != nil {
		t.Fatal(err)
	}

	l := &listeners{}
	if l.handshake, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	if l.heartbeat, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}); err != nil {
		t.Fatal(err)
	}
	if l.control, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}); err != nil {
		t.Fatal(err)
	}
	handshakeAddr := l.handshake.Addr().String()
	heartbeatAddr := l.heartbeat.LocalAddr().(*net.UDPAddr)
	controlAddr := l.control.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.serve(ctx, l) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	}()

	// HELLO without a trusted certificate
	if _, err := handshake.Dial(ctx, handshakeAddr, protocol.FormatHello(), nil, 2*time.Second); !errors.Is(err, protocol.ErrRejected) {
		t.Fatalf("HELLO err = %v", err)
	}

	reply, err := handshake.Dial(ctx, handshakeAddr, protocol.FormatPassword(h.PINs.Current().Value), nil, 2*time.Second)
	if err != nil {
		t.Fatalf("PIN handshake: %v", err)
	}
	if reply.Encoder != "h.264" || len(reply.Monitors) != 1 || reply.Monitors[0] != types.DefaultMonitor {
		t.Fatalf("reply = %+v", reply)
	}
	if h.Manager.State() != session.StateActive {
		t.Fatalf("state = %s", h.Manager.State())
	}
	specs, procs := launcher.snapshot()
	if len(specs) != 1 || specs[0].Name != "video0" || specs[0].Nice != encoderNice {
		t.Fatalf("specs = %+v", specs)
	}

	hb, err := net.DialUDP("udp", nil, heartbeatAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer hb.Close()
	if _, err := hb.Write([]byte(protocol.MsgPong)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.Book.Lookup("127.0.0.1", addrbook.ChannelHeartbeat); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat address never learned")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// ten seconds of silence
	clk.Advance(11 * time.Second)
	waitState(t, h.Manager, session.StateReconnecting)
	if procs[0].alive() {
		t.Fatal("encoder still running while reconnecting")
	}

	// a PONG two seconds later resumes without a handshake
	clk.Advance(2 * time.Second)
	if _, err := hb.Write([]byte(protocol.MsgPong)); err != nil {
		t.Fatal(err)
	}
	waitState(t, h.Manager, session.StateActive)
	_, procs = launcher.snapshot()
	if len(procs) != 2 || !procs[1].alive() {
		t.Fatalf("encoder not restarted (%d launches)", len(procs))
	}

	ctl, err := net.DialUDP("udp", nil, controlAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer ctl.Close()
	if _, err := ctl.Write([]byte("GOODBYE")); err != nil {
		t.Fatal(err)
	}
	waitState(t, h.Manager, session.StateIdle)
	if procs[1].alive() {
		t.Fatal("encoder still running after goodbye")
	}
	if h.Book.Len() != 0 {
		t.Fatalf("address book kept %d entries after goodbye", h.Book.Len())
	}
}

func TestEncoderCrashEndsSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host.ExitOnStreamFailure = true
	launcher := &recordingLauncher{}
	h, err := New(cfg, Options{Launcher: launcher, Probe: noHardware{}, Monitors: []types.Monitor{types.DefaultMonitor}})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Manager.BeginHandshake("127.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Manager.CompleteHandshake("127.0.0.1", session.Identity{}); err != nil {
		t.Fatal(err)
	}
	_, procs := launcher.snapshot()
	procs[0].finish(nil)

	select {
	case <-h.Manager.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not terminate after encoder crash")
	}
	if h.Manager.ExitCode() != 1 {
		t.Fatalf("exit code = %d", h.Manager.ExitCode())
	}
}

func TestBuildSpecs(t *testing.T) {
	cfg := testConfig(t).Host
	cfg.Audio = true
	cfg.Bitrate = "1M"
	s := session.Session{
		ID:       "abc",
		PeerIP:   "192.168.1.50",
		Monitors: []types.Monitor{{Width: 1920, Height: 1080}, {Width: 1280, Height: 1024, X: 1920}},
		Encoder:  media.Encoder{Codec: media.CodecH264, Backend: media.BackendCPU, Name: "libx264"},
		NetMode:  types.NetWiFi,
	}
	specs, err := BuildSpecs(cfg, s, "alsa_output.monitor")
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 3 || specs[0].Name != "video0" || specs[1].Name != "video1" || specs[2].Name != "audio" {
		t.Fatalf("specs = %+v", specs)
	}
	joined := func(argv []string) string { return strings.Join(argv, " ") }
	v1 := joined(specs[1].Argv)
	for _, want := range []string{"udp://192.168.1.50:5001?", "LinuxPlayHost:abc", "-b:v 5M"} {
		if !strings.Contains(v1, want) {
			t.Errorf("video1 argv missing %q: %s", want, v1)
		}
	}
	if a := joined(specs[2].Argv); !strings.Contains(a, "udp://192.168.1.50:6001?") || !strings.Contains(a, "max_delay=150000") {
		t.Errorf("audio argv: %s", a)
	}
}

func TestNetModeRestartsOnlyAudio(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host.Audio = true
	launcher := &recordingLauncher{}
	h, err := New(cfg, Options{
		Launcher:    launcher,
		Probe:       noHardware{},
		Monitors:    []types.Monitor{types.DefaultMonitor},
		AudioSource: "alsa_output.monitor",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Manager.Shutdown()
	if err := h.Manager.BeginHandshake("127.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Manager.CompleteHandshake("127.0.0.1", session.Identity{}); err != nil {
		t.Fatal(err)
	}

	if !h.Manager.SetNetMode("127.0.0.1", types.NetWiFi) {
		t.Fatal("net mode change rejected")
	}
	specs, procs := launcher.snapshot()
	if len(specs) != 3 || specs[2].Name != audioWorker {
		t.Fatalf("launches = %+v", specs)
	}
	if !procs[0].alive() {
		t.Fatal("video encoder restarted for a net mode change")
	}
	if procs[1].alive() || !procs[2].alive() {
		t.Fatal("audio encoder not replaced")
	}
	if a := strings.Join(specs[2].Argv, " "); !strings.Contains(a, "max_delay=150000") {
		t.Fatalf("audio argv = %s", a)
	}
	if h.Manager.State() != session.StateActive {
		t.Fatalf("state = %s", h.Manager.State())
	}
}

func TestServeFailureTerminatesWithCode(t *testing.T) {
	cfg := testConfig(t)
	h, err := New(cfg, Options{Launcher: &recordingLauncher{}, Probe: noHardware{}, Monitors: []types.Monitor{types.DefaultMonitor}})
	if err != nil {
		t.Fatal(err)
	}
	l := &listeners{}
	if l.handshake, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	if l.heartbeat, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}); err != nil {
		t.Fatal(err)
	}
	if l.control, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}); err != nil {
		t.Fatal(err)
	}
	defer l.close()
	// accept fails immediately
	_ = l.handshake.Close()

	done := make(chan error, 1)
	go func() { done <- h.serve(context.Background(), l) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("serve returned nil after listener failure")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not stop after listener failure")
	}
	if h.Manager.State() != session.StateTerminated || h.Manager.ExitCode() != 1 {
		t.Fatalf("state=%s code=%d", h.Manager.State(), h.Manager.ExitCode())
	}
}
