// Package host wires the handshake, heartbeat, control and stream
// components around one session manager and runs them as a group.
package host

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/linuxplay/pkg/addrbook"
	"github.com/linuxplay/pkg/clock"
	"github.com/linuxplay/pkg/config"
	"github.com/linuxplay/pkg/control"
	"github.com/linuxplay/pkg/handshake"
	"github.com/linuxplay/pkg/heartbeat"
	"github.com/linuxplay/pkg/logging"
	"github.com/linuxplay/pkg/media"
	"github.com/linuxplay/pkg/metrics"
	"github.com/linuxplay/pkg/protocol"
	"github.com/linuxplay/pkg/session"
	"github.com/linuxplay/pkg/stream"
	"github.com/linuxplay/pkg/trust"
	"github.com/linuxplay/pkg/types"
)

// ErrSessionFatal is returned by Run when the session manager terminated
// with a non-zero exit code.
var ErrSessionFatal = errors.New("session terminated with failure")

// Options replace system collaborators, mainly for tests
type Options struct {
	Launcher stream.Launcher
	Probe    media.Probe
	Input    control.InputInjector
	Clock    clock.Clock
	// Monitors skips xrandr detection when set
	Monitors []types.Monitor
	// AudioSource skips PulseAudio detection when set
	AudioSource string
}

// Host is the assembled host process
type Host struct {
	cfg *config.Config

	Manager    *session.Manager
	Store      *trust.Store
	PINs       *trust.PINRotator
	Authority  *trust.Authority
	Book       *addrbook.Book
	Supervisor *stream.Supervisor
	Collector  *metrics.Collector

	registry *prometheus.Registry
	input    control.InputInjector
}

// New assembles a host from cfg. Nothing is bound until Run.
func New(cfg *config.Config, opts Options) (*Host, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	probe := opts.Probe
	if probe == nil {
		probe = media.NewSystemProbe()
	}

	codec, err := media.ParseCodec(cfg.Host.Encoder)
	if err != nil {
		return nil, err
	}
	backend, err := media.ParseBackend(cfg.Host.HWEnc)
	if err != nil {
		return nil, err
	}
	encoder := media.ResolveEncoder(codec, backend, probe)
	logging.Logf("[stream] encoder %s (codec=%s backend=%s requested=%s)", encoder.Name, encoder.Codec, encoder.Backend, backend)

	netMode, ok := types.ParseNetMode(cfg.Host.NetMode)
	if !ok {
		return nil, fmt.Errorf("net_mode %q: want lan or wifi", cfg.Host.NetMode)
	}

	store, err := trust.Open(cfg.TrustStorePath(), clk)
	if err != nil {
		return nil, err
	}
	pins, err := trust.NewPINRotator(cfg.GetPINRotateInterval(), clk)
	if err != nil {
		return nil, err
	}

	var authority *trust.Authority
	if cfg.Trust.TLS {
		if authority, err = trust.EnsureAuthority(cfg.Trust.Dir); err != nil {
			return nil, err
		}
	}

	monitors := opts.Monitors
	if len(monitors) == 0 {
		monitors = resolveMonitors(cfg.Host.Monitors)
	}
	audioSource := opts.AudioSource
	if cfg.Host.Audio && audioSource == "" {
		audioSource = media.DetectPulseMonitor()
	}

	sup := stream.NewSupervisor(opts.Launcher, cfg.GetStopGrace(), cfg.GetStopTimeout())
	streams := NewStreams(cfg.Host, sup, audioSource)
	mgr := session.NewManager(session.Config{
		HeartbeatTimeout:    cfg.GetHeartbeatTimeout(),
		ReconnectWindow:     cfg.GetReconnectWindow(),
		ExitOnStreamFailure: cfg.Host.ExitOnStreamFailure,
	}, session.Offer{Encoder: encoder, Monitors: monitors, NetMode: netMode}, streams, clk)

	book := addrbook.New(clk)
	mgr.OnForget(book.Forget)
	sup.OnFatal(func(f stream.Failure) {
		mgr.StreamFailed(f.Generation, f)
	})

	collector := metrics.NewCollector(mgr.Snapshot, store.Degraded)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	for _, r := range handshake.Results() {
		collector.InitHandshakeResults(string(r))
	}
	mgr.OnTransition(collector.RecordTransition)
	sup.OnWorkerStart = collector.RecordWorkerStart
	sup.OnWorkerExit = collector.RecordWorkerExit
	pinFile := cfg.PINFilePath()
	pins.OnRotate(func(p trust.PIN) {
		collector.RecordPINRotation()
		logging.Logf("[trust] PIN %s (valid until %s)", p.Value, p.Expiry.Format("15:04:05"))
		publishPIN(pinFile, p)
	})
	store.OnPersistFailure(func(err error) {
		logging.Logf("[trust] store degraded, new enrollments disabled: %v", err)
	})

	return &Host{
		cfg:        cfg,
		Manager:    mgr,
		Store:      store,
		PINs:       pins,
		Authority:  authority,
		Book:       book,
		Supervisor: sup,
		Collector:  collector,
		registry:   registry,
		input:      opts.Input,
	}, nil
}

func resolveMonitors(fixed string) []types.Monitor {
	if fixed != "" {
		if mons, ok := protocol.ParseMonitors(fixed); ok && len(mons) > 0 {
			return mons
		}
		logging.Logf("[stream] invalid monitors %q, detecting instead", fixed)
	}
	mons, err := media.DetectMonitors()
	if err != nil || len(mons) == 0 {
		logging.Logf("[stream] monitor detection failed (err=%v), using %s", err, types.DefaultMonitor)
		return []types.Monitor{types.DefaultMonitor}
	}
	return mons
}

type listeners struct {
	handshake net.Listener
	heartbeat *net.UDPConn
	control   *net.UDPConn
	metrics   net.Listener
}

func (l *listeners) close() {
	if l.handshake != nil {
		_ = l.handshake.Close()
	}
	if l.heartbeat != nil {
		_ = l.heartbeat.Close()
	}
	if l.control != nil {
		_ = l.control.Close()
	}
	if l.metrics != nil {
		_ = l.metrics.Close()
	}
}

func (h *Host) bind() (*listeners, error) {
	l := &listeners{}
	var err error
	if l.handshake, err = net.Listen("tcp", h.cfg.HandshakeAddr()); err != nil {
		return nil, fmt.Errorf("bind handshake %s: %w", h.cfg.HandshakeAddr(), err)
	}
	if h.Authority != nil {
		cfg := h.Authority.ServerTLSConfig()
		l.handshake = tls.NewListener(l.handshake, cfg)
	}
	if l.heartbeat, err = listenUDP(h.cfg.HeartbeatAddr()); err != nil {
		l.close()
		return nil, fmt.Errorf("bind heartbeat: %w", err)
	}
	if l.control, err = listenUDP(h.cfg.ControlAddr()); err != nil {
		l.close()
		return nil, fmt.Errorf("bind control: %w", err)
	}
	if addr := h.cfg.Metrics.ListenAddress; addr != "" && addr != "off" {
		if l.metrics, err = net.Listen("tcp", addr); err != nil {
			l.close()
			return nil, fmt.Errorf("bind metrics %s: %w", addr, err)
		}
	}
	return l, nil
}

func listenUDP(addr string) (*net.UDPConn, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", ua)
}

// Run binds every listener, then serves until ctx is cancelled or a
// component fails. Bind failures are returned before anything starts.
func (h *Host) Run(ctx context.Context) error {
	l, err := h.bind()
	if err != nil {
		return err
	}
	return h.serve(ctx, l)
}

func (h *Host) serve(ctx context.Context, l *listeners) error {
	hs := handshake.NewServer(h.Manager, h.Store, h.PINs, handshake.Options{
		ReadTimeout: h.cfg.GetHandshakeReadTimeout(),
		RequireCert: h.cfg.Trust.RequireCert,
		AutoEnroll:  h.cfg.Trust.AutoEnroll,
		OnResult:    func(r handshake.Result) { h.Collector.RecordHandshake(string(r)) },
	})
	hb := heartbeat.NewService(l.heartbeat, h.Book, h.Manager, h.cfg.GetHeartbeatInterval())
	hb.OnPong = func(string) { h.Collector.RecordPong() }
	ctl := control.NewDispatcher(h.Manager, h.input, h.Book)
	ctl.OnCommand = func(k protocol.CommandKind) { h.Collector.RecordControlCommand(k.String()) }

	logging.Logf("[host] ready (handshake=%s heartbeat=%s control=%s tls=%t)",
		h.cfg.HandshakeAddr(), h.cfg.HeartbeatAddr(), h.cfg.ControlAddr(), h.Authority != nil)
	pin := h.PINs.Current()
	logging.Logf("[trust] PIN %s (valid until %s)", pin.Value, pin.Expiry.Format("15:04:05"))
	publishPIN(h.cfg.PINFilePath(), pin)
	defer func() { _ = os.Remove(h.cfg.PINFilePath()) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hs.Serve(gctx, l.handshake) })
	g.Go(func() error { return hb.Run(gctx) })
	g.Go(func() error { return ctl.Serve(gctx, l.control) })
	g.Go(func() error {
		h.PINs.Run(gctx)
		return nil
	})
	if l.metrics != nil {
		g.Go(func() error {
			return metrics.Serve(gctx, l.metrics, metrics.NewHandler(h.registry, h.cfg.Metrics.TelemetryPath, "LinuxPlay Host"))
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-h.Manager.Done():
			if code := h.Manager.ExitCode(); code != 0 {
				return fmt.Errorf("%w (exit code %d)", ErrSessionFatal, code)
			}
			return nil
		}
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, ErrSessionFatal) {
		h.Manager.Fatal(err)
	}
	h.Manager.Shutdown()
	logging.Logf("[host] stopped (err=%v)", err)
	return err
}

func publishPIN(path string, p trust.PIN) {
	if err := trust.WritePINFile(path, p); err != nil {
		logging.Debugf("[trust] pin file not written (path=%s err=%v)", path, err)
	}
}
