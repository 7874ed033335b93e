package host

import (
	"fmt"
	"strings"

	"github.com/linuxplay/pkg/config"
	"github.com/linuxplay/pkg/logging"
	"github.com/linuxplay/pkg/media"
	"github.com/linuxplay/pkg/session"
	"github.com/linuxplay/pkg/stream"
)

const (
	encoderNice = -10
	audioWorker = "audio"
)

// Streams turns a session into encoder workers on the supervisor
type Streams struct {
	cfg         config.HostConfig
	sup         *stream.Supervisor
	audioSource string
}

// NewStreams binds the host configuration to sup
func NewStreams(cfg config.HostConfig, sup *stream.Supervisor, audioSource string) *Streams {
	return &Streams{cfg: cfg, sup: sup, audioSource: audioSource}
}

// Start launches the workers of s
func (st *Streams) Start(s session.Session) (uint64, error) {
	specs, err := BuildSpecs(st.cfg, s, st.audioSource)
	if err != nil {
		return 0, err
	}
	return st.sup.StartSession(specs)
}

// ApplyNetMode restarts only the audio worker, the one stream whose
// buffering depends on the network mode.
func (st *Streams) ApplyNetMode(s session.Session) error {
	if !st.cfg.Audio {
		return nil
	}
	specs, err := BuildSpecs(st.cfg, s, st.audioSource)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if spec.Name == audioWorker {
			return st.sup.Replace(spec)
		}
	}
	return nil
}

// Stop stops all workers
func (st *Streams) Stop() {
	st.sup.StopSession()
}

// BuildSpecs returns one video spec per monitor, plus audio when enabled
func BuildSpecs(cfg config.HostConfig, s session.Session, audioSource string) ([]stream.Spec, error) {
	ipv6 := strings.Contains(s.PeerIP, ":")
	pktSize := media.BestTSPacketSize(cfg.MTU, ipv6)
	marker := media.MarkerValue(cfg.Marker, s.ID)

	specs := make([]stream.Spec, 0, len(s.Monitors)+1)
	for i, mon := range s.Monitors {
		bitrate, bumped, err := media.ApplyBitrateFloor(cfg.Bitrate, s.Encoder.Codec, mon.Width, mon.Height, cfg.Framerate)
		if err != nil {
			return nil, err
		}
		if bumped {
			logging.Logf("[stream] bitrate %s too low for %s@%dfps, using %s", cfg.Bitrate, mon, cfg.Framerate, bitrate)
		}
		argv, err := media.BuildVideoCommand(media.VideoParams{
			Encoder:    s.Encoder,
			Monitor:    mon,
			Display:    cfg.Display,
			Framerate:  cfg.Framerate,
			Bitrate:    bitrate,
			Preset:     cfg.Preset,
			GOP:        cfg.GOP,
			QP:         cfg.QP,
			Tune:       cfg.Tune,
			PixFmt:     cfg.PixFmt,
			PeerIP:     s.PeerIP,
			Port:       cfg.VideoBasePort + i,
			PacketSize: pktSize,
			Marker:     marker,
		})
		if err != nil {
			return nil, err
		}
		specs = append(specs, stream.Spec{
			Name:     fmt.Sprintf("video%d", i),
			Argv:     argv,
			Nice:     encoderNice,
			Affinity: cfg.CPUAffinity,
		})
	}
	if cfg.Audio {
		argv, err := media.BuildAudioCommand(media.AudioParams{
			Source:     audioSource,
			PeerIP:     s.PeerIP,
			Port:       cfg.AudioPort,
			NetMode:    s.NetMode,
			PacketSize: pktSize,
			Marker:     marker,
		})
		if err != nil {
			return nil, err
		}
		specs = append(specs, stream.Spec{Name: audioWorker, Argv: argv, Nice: encoderNice, Affinity: cfg.CPUAffinity})
	}
	return specs, nil
}
