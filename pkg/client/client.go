// Package client is the viewer side: it authenticates once, answers the
// host's heartbeat and keeps a decoder running for every announced stream.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/linuxplay/pkg/config"
	"github.com/linuxplay/pkg/handshake"
	"github.com/linuxplay/pkg/heartbeat"
	"github.com/linuxplay/pkg/logging"
	"github.com/linuxplay/pkg/media"
	"github.com/linuxplay/pkg/metrics"
	"github.com/linuxplay/pkg/protocol"
	"github.com/linuxplay/pkg/stream"
	"github.com/linuxplay/pkg/trust"
	"github.com/linuxplay/pkg/types"
)

// Options overrides collaborators, mainly for tests
type Options struct {
	Launcher stream.Launcher
	Probe    media.Probe
	// NetMode skips route detection when set
	NetMode types.NetMode
}

// Mirror is the client process
type Mirror struct {
	cfg      *config.Config
	launcher stream.Launcher
	netMode  types.NetMode
	demotion *Demotion
	metrics  *metricsCollector
	registry *prometheus.Registry

	restartDelay func(int) time.Duration

	// Reply is the accepted handshake, set by Run
	Reply protocol.HandshakeReply
}

// New validates cfg.Client and prepares a mirror
func New(cfg *config.Config, opts Options) (*Mirror, error) {
	if cfg == nil {
		return nil, errors.New("client config is required")
	}
	if cfg.Client.HostAddr == "" {
		return nil, errors.New("host address is required (use --host, LINUXPLAY_HOST or client.host_addr)")
	}
	if opts.Launcher == nil {
		opts.Launcher = stream.ExecLauncher{}
	}
	if opts.Probe == nil {
		opts.Probe = media.NewSystemProbe()
	}

	m := &Mirror{
		cfg:          cfg,
		launcher:     opts.Launcher,
		netMode:      opts.NetMode,
		demotion:     NewDemotion(media.ChooseHwaccel(cfg.Client.Hwaccel, opts.Probe)),
		metrics:      newMetricsCollector(),
		registry:     prometheus.NewRegistry(),
		restartDelay: RestartDelay,
	}
	m.registry.MustRegister(m.metrics)
	return m, nil
}

// Demotion exposes the shared decode acceleration state
func (m *Mirror) Demotion() *Demotion { return m.demotion }

func (m *Mirror) hostPort(port int) string {
	return net.JoinHostPort(m.cfg.Client.HostAddr, strconv.Itoa(port))
}

// Greeting returns the handshake line for the configured mode
func (m *Mirror) Greeting() string {
	if m.cfg.Client.PIN != "" {
		return protocol.FormatPassword(m.cfg.Client.PIN)
	}
	return protocol.FormatHello()
}

func (m *Mirror) tlsConfig() (*tls.Config, error) {
	if m.cfg.Client.CAFile == "" {
		return nil, nil
	}
	return trust.ClientTLSConfig(m.cfg.Client.CertFile, m.cfg.Client.KeyFile, m.cfg.Client.CAFile)
}

// Handshake authenticates against the host once
func (m *Mirror) Handshake(ctx context.Context) (protocol.HandshakeReply, error) {
	tlsCfg, err := m.tlsConfig()
	if err != nil {
		return protocol.HandshakeReply{}, err
	}
	addr := m.hostPort(m.cfg.Host.HandshakePort)
	mode := "certificate"
	if m.cfg.Client.PIN != "" {
		mode = "pin"
	}
	logging.Logf("[handshake] connecting (host=%s mode=%s tls=%t)", addr, mode, tlsCfg != nil)
	reply, err := handshake.Dial(ctx, addr, m.Greeting(), tlsCfg, m.cfg.GetClientHandshakeTimeout())
	if err != nil {
		return protocol.HandshakeReply{}, err
	}
	logging.Logf("[handshake] accepted (encoder=%s monitors=%s)", reply.Encoder, protocol.FormatMonitors(reply.Monitors))
	return reply, nil
}

// decoders lists one video decoder per monitor plus audio when enabled
func (m *Mirror) decoders(reply protocol.HandshakeReply) []decoder {
	var out []decoder
	for i, mon := range reply.Monitors {
		port := m.cfg.Host.VideoBasePort + i
		title := fmt.Sprintf("LinuxPlay %d (%s)", i, mon)
		out = append(out, decoder{
			name:  fmt.Sprintf("video%d", i),
			video: true,
			argv: func(hwaccel string) []string {
				return media.BuildVideoDecoderCommand(media.DecoderParams{Hwaccel: hwaccel, Port: port, Title: title})
			},
		})
	}
	if m.cfg.Client.Audio {
		port := m.cfg.Host.AudioPort
		out = append(out, decoder{
			name: "audio",
			argv: func(string) []string {
				return media.BuildAudioDecoderCommand(media.DecoderParams{Port: port})
			},
		})
	}
	return out
}

func (m *Mirror) resolveNetMode() types.NetMode {
	if m.netMode != "" {
		return m.netMode
	}
	if mode, ok := types.ParseNetMode(m.cfg.Client.NetMode); ok {
		return mode
	}
	return media.DetectNetMode(m.cfg.Client.HostAddr)
}

// Run performs the handshake and then runs the heartbeat responder and the
// decoders until ctx is done. The handshake is never repeated: a host that
// stopped streaming resumes once it hears PONG again.
func (m *Mirror) Run(ctx context.Context) error {
	reply, err := m.Handshake(ctx)
	if err != nil {
		return err
	}
	m.Reply = reply

	control, err := dialControl(m.hostPort(m.cfg.Host.ControlPort))
	if err != nil {
		return err
	}
	defer control.Close()

	var metricsLn net.Listener
	if addr := m.cfg.Client.MetricsAddress; addr != "" && addr != "off" {
		metricsLn, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("bind metrics %s: %w", addr, err)
		}
	}

	// The responder owns its socket from here; Run closes it.
	responder, err := heartbeat.DialResponder(m.hostPort(m.cfg.Host.HeartbeatPort), m.cfg.GetKeepaliveInterval(), m.cfg.GetLostAfter())
	if err != nil {
		if metricsLn != nil {
			_ = metricsLn.Close()
		}
		return err
	}
	responder.OnLost = m.metrics.recordLinkLost
	responder.OnRestored = m.metrics.recordLinkRestored

	mode := m.resolveNetMode()
	if err := sendCommand(control, protocol.KindNet, string(mode)); err != nil {
		logging.Logf("[control] announce failed (mode=%s err=%v)", mode, err)
	} else {
		logging.Logf("[control] announced network (mode=%s)", mode)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return responder.Run(gctx) })
	for _, d := range m.decoders(reply) {
		d := d
		g.Go(func() error { return m.runDecoder(gctx, d) })
	}
	if metricsLn != nil {
		handler := metrics.NewHandler(m.registry, m.cfg.Metrics.TelemetryPath, "LinuxPlay Client")
		g.Go(func() error { return metrics.Serve(gctx, metricsLn, handler) })
	}

	err = g.Wait()
	if gerr := sendCommand(control, protocol.KindGoodbye); gerr != nil {
		logging.Logf("[control] goodbye failed (err=%v)", gerr)
	} else {
		logging.Logf("[control] goodbye sent")
	}
	return err
}

func dialControl(addr string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve control address %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial control %s: %w", addr, err)
	}
	return conn, nil
}

func sendCommand(conn *net.UDPConn, kind protocol.CommandKind, args ...string) error {
	_, err := conn.Write([]byte(protocol.FormatCommand(kind, args...)))
	return err
}
