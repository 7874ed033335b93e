package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/linuxplay/pkg/config"
	"github.com/linuxplay/pkg/protocol"
	"github.com/linuxplay/pkg/stream"
	"github.com/linuxplay/pkg/types"
)

type fakeProcess struct {
	exit chan error
	once sync.Once
}

func (p *fakeProcess) Pid() int    { return 4242 }
func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM {
		p.finish(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.finish(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) finish(err error) {
	p.once.Do(func() { p.exit <- err })
}

// fakeLauncher fails every hardware-accelerated decoder immediately and
// keeps everything else running until signalled.
type fakeLauncher struct {
	mu     sync.Mutex
	starts []stream.Spec
}

func (l *fakeLauncher) Start(spec stream.Spec) (stream.Process, error) {
	l.mu.Lock()
	l.starts = append(l.starts, spec)
	l.mu.Unlock()
	p := &fakeProcess{exit: make(chan error, 1)}
	if strings.Contains(strings.Join(spec.Argv, " "), "-hwaccel") {
		p.finish(errors.New("exit status 1"))
	}
	return p, nil
}

func (l *fakeLauncher) started(name string) []stream.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []stream.Spec
	for _, s := range l.starts {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

type fixedProbe struct{}

func (fixedProbe) HasEncoder(string) bool { return false }
func (fixedProbe) HasNvidia() bool        { return false }
func (fixedProbe) IsIntelCPU() bool       { return false }
func (fixedProbe) HasVAAPI() bool         { return true }
func (fixedProbe) Hwaccels() []string     { return []string{"vaapi"} }

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeHost answers one handshake and collects heartbeat and control datagrams
type fakeHost struct {
	tcp       net.Listener
	heartbeat *net.UDPConn
	control   *net.UDPConn

	greeting chan string
	pongs    chan struct{}
	commands chan string
}

func newFakeHost(t *testing.T, reply string) *fakeHost {
	t.Helper()
	tcp, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	hb, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	ctl, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	h := &fakeHost{
		tcp:       tcp,
		heartbeat: hb,
		control:   ctl,
		greeting:  make(chan string, 1),
		pongs:     make(chan struct{}, 64),
		commands:  make(chan string, 16),
	}
	t.Cleanup(func() {
		_ = tcp.Close()
		_ = hb.Close()
		_ = ctl.Close()
	})

	go func() {
		conn, err := tcp.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		h.greeting <- line
		_, _ = conn.Write([]byte(reply))
	}()
	go func() {
		buf := make([]byte, 64)
		for {
			n, addr, err := hb.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if protocol.IsPong(buf[:n]) {
				select {
				case h.pongs <- struct{}{}:
				default:
				}
				_, _ = hb.WriteToUDP([]byte(protocol.MsgPing), addr)
			}
		}
	}()
	go func() {
		buf := make([]byte, 256)
		for {
			n, _, err := ctl.ReadFromUDP(buf)
			if err != nil {
				return
			}
			h.commands <- string(buf[:n])
		}
	}()
	return h
}

func (h *fakeHost) config() *config.Config {
	cfg := config.Default()
	cfg.Client.HostAddr = "127.0.0.1"
	cfg.Client.MetricsAddress = "off"
	cfg.Host.HandshakePort = h.tcp.Addr().(*net.TCPAddr).Port
	cfg.Host.HeartbeatPort = h.heartbeat.LocalAddr().(*net.UDPAddr).Port
	cfg.Host.ControlPort = h.control.LocalAddr().(*net.UDPAddr).Port
	return cfg
}

func nextCommand(t *testing.T, h *fakeHost) string {
	t.Helper()
	select {
	case c := <-h.commands:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no control datagram received")
		return ""
	}
}

func TestRestartDelay(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 1300 * time.Millisecond},
		{10, 4 * time.Second},
		{14, 5 * time.Second},
		{1000, 5 * time.Second},
	}
	for _, c := range cases {
		if got := RestartDelay(c.n); got != c.want {
			t.Errorf("RestartDelay(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestDemotionHappensOnce(t *testing.T) {
	d := NewDemotion("vaapi")
	if d.Demote("cpu") {
		t.Fatal("software failure must not demote")
	}
	if !d.Demote("vaapi") {
		t.Fatal("first hardware failure should demote")
	}
	if d.Current() != "cpu" || !d.Demoted() {
		t.Fatalf("current = %s demoted = %t", d.Current(), d.Demoted())
	}
	if d.Demote("vaapi") {
		t.Fatal("second demotion reported")
	}

	sw := NewDemotion("")
	if sw.Current() != "cpu" || sw.Demote("cpu") {
		t.Fatal("software start cannot demote")
	}
}

func TestGreetingFollowsMode(t *testing.T) {
	cfg := config.Default()
	cfg.Client.HostAddr = "127.0.0.1"
	m, err := New(cfg, Options{Launcher: &fakeLauncher{}, Probe: fixedProbe{}})
	if err != nil {
		t.Fatal(err)
	}
	if m.Greeting() != "HELLO\n" {
		t.Fatalf("greeting = %q", m.Greeting())
	}
	cfg.Client.PIN = "012345"
	if m.Greeting() != "PASSWORD:012345\n" {
		t.Fatalf("greeting = %q", m.Greeting())
	}

	if _, err := New(config.Default(), Options{}); err == nil {
		t.Fatal("missing host address accepted")
	}
}

func TestMirrorRun(t *testing.T) {
	h := newFakeHost(t, "OK:h.264:1920x1080+0+0;1280x720+1920+0\n")
	cfg := h.config()
	cfg.Client.PIN = "123456"
	cfg.Client.Hwaccel = "vaapi"
	cfg.Client.Audio = true

	launcher := &fakeLauncher{}
	m, err := New(cfg, Options{Launcher: launcher, Probe: fixedProbe{}, NetMode: types.NetWiFi})
	if err != nil {
		t.Fatal(err)
	}
	m.restartDelay = func(int) time.Duration { return 10 * time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case g := <-h.greeting:
		if g != "PASSWORD:123456\n" {
			t.Fatalf("greeting = %q", g)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no handshake")
	}
	if got := nextCommand(t, h); got != "NET wifi" {
		t.Fatalf("first control datagram = %q, want NET wifi", got)
	}
	select {
	case <-h.pongs:
	case <-time.After(3 * time.Second):
		t.Fatal("no PONG on heartbeat channel")
	}

	eventually(t, "software restart of video0", func() bool {
		for _, s := range launcher.started("video0") {
			if !strings.Contains(strings.Join(s.Argv, " "), "-hwaccel") {
				return true
			}
		}
		return false
	})
	eventually(t, "video1 and audio decoders", func() bool {
		return len(launcher.started("video1")) > 0 && len(launcher.started("audio")) > 0
	})
	if !m.Demotion().Demoted() {
		t.Fatal("hardware failure did not demote")
	}
	m.metrics.mu.RLock()
	demotions := m.metrics.demoted
	m.metrics.mu.RUnlock()
	if demotions != 1 {
		t.Fatalf("demotions = %v, want 1", demotions)
	}
	if len(m.Reply.Monitors) != 2 {
		t.Fatalf("monitors = %v", m.Reply.Monitors)
	}
	video1 := launcher.started("video1")
	if argv := strings.Join(video1[len(video1)-1].Argv, " "); !strings.Contains(argv, "udp://@:5001") {
		t.Fatalf("video1 argv = %s", argv)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := nextCommand(t, h); got != "GOODBYE" {
		t.Fatalf("last control datagram = %q, want GOODBYE", got)
	}
}

func TestMirrorRejected(t *testing.T) {
	h := newFakeHost(t, "FAIL\n")
	m, err := New(h.config(), Options{Launcher: &fakeLauncher{}, Probe: fixedProbe{}, NetMode: types.NetLAN})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Run(ctx); !errors.Is(err, protocol.ErrRejected) {
		t.Fatalf("Run err = %v, want ErrRejected", err)
	}
}
