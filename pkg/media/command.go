package media

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/linuxplay/pkg/types"
)

// VideoParams describes one per-monitor encoder process
type VideoParams struct {
	FFmpeg     string
	Encoder    Encoder
	Monitor    types.Monitor
	Display    string
	Framerate  int
	Bitrate    string // already floored; "" means constant quality
	Preset     string
	GOP        int
	QP         string
	Tune       string
	PixFmt     string
	PeerIP     string
	Port       int
	PacketSize int
	Marker     string
	RenderNode string
}

// AudioParams describes the audio encoder process
type AudioParams struct {
	FFmpeg        string
	Source        string // PulseAudio monitor source
	PeerIP        string
	Port          int
	NetMode       types.NetMode
	PacketSize    int
	Marker        string
	OpusApp       string
	FrameDuration string
}

// MarkerValue is the ffmpeg metadata comment tagging host processes
func MarkerValue(base, sessionID string) string {
	if sessionID == "" {
		return base
	}
	return base + ":" + sessionID
}

func baseArgs(ffmpeg string) []string {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return []string{ffmpeg, "-hide_banner", "-loglevel", "error"}
}

func lowLatencyInput() []string {
	return []string{
		"-fflags", "nobuffer", "-avioflags", "direct",
		"-use_wallclock_as_timestamps", "1",
		"-thread_queue_size", "64",
		"-probesize", "32",
		"-analyzeduration", "0",
	}
}

func lowLatencyMux() []string {
	return []string{
		"-flush_packets", "1", "-max_interleave_delta", "0",
		"-muxdelay", "0", "-muxpreload", "0",
		"-mpegts_flags", "resend_headers",
	}
}

func udpTarget(ip string, port int, query string) string {
	return "udp://" + net.JoinHostPort(ip, strconv.Itoa(port)) + "?" + query
}

// BuildVideoCommand returns argv for an x11grab capture of one monitor
// streamed as MPEG-TS to PeerIP:Port.
func BuildVideoCommand(p VideoParams) ([]string, error) {
	if p.PeerIP == "" || p.PeerIP == "0.0.0.0" {
		return nil, fmt.Errorf("video command: invalid peer address %q", p.PeerIP)
	}
	fps := p.Framerate
	if fps <= 0 {
		fps = 60
	}
	display := p.Display
	if display == "" {
		display = ":0"
	}
	if !strings.Contains(display, ".") {
		display += ".0"
	}
	pktSize := p.PacketSize
	if pktSize <= 0 {
		pktSize = 1316
	}

	args := append(baseArgs(p.FFmpeg), lowLatencyInput()...)
	args = append(args,
		"-f", "x11grab",
		"-draw_mouse", "0",
		"-framerate", strconv.Itoa(fps),
		"-video_size", fmt.Sprintf("%dx%d", p.Monitor.Width, p.Monitor.Height),
		"-i", fmt.Sprintf("%s+%d,%d", display, p.Monitor.X, p.Monitor.Y),
		"-fps_mode", "passthrough",
	)
	args = append(args, encoderArgs(p)...)
	args = append(args, lowLatencyMux()...)
	args = append(args,
		"-flags", "+low_delay",
		"-f", "mpegts",
		"-metadata", "comment="+p.Marker,
		udpTarget(p.PeerIP, p.Port, fmt.Sprintf(
			"pkt_size=%d&buffer_size=65536&fifo_size=32768&overrun_nonfatal=1&max_delay=0", pktSize)),
	)
	return args, nil
}

func rateControl(p VideoParams) []string {
	if p.Bitrate != "" {
		return []string{"-b:v", p.Bitrate}
	}
	switch p.Encoder.Backend {
	case BackendVAAPI:
		return []string{"-rc_mode", "CQP", "-qp", orDefault(p.QP, "21")}
	case BackendNVENC:
		return []string{"-rc", "constqp", "-qp", orDefault(p.QP, "23")}
	case BackendQSV:
		return []string{"-rc_mode", "ICQ", "-icq_quality", orDefault(p.QP, "23")}
	}
	return []string{"-crf", orDefault(p.QP, "23")}
}

func encoderArgs(p VideoParams) []string {
	preset := strings.ToLower(strings.TrimSpace(p.Preset))
	pixFmt := orDefault(p.PixFmt, "yuv420p")
	bsf := "h264_mp4toannexb"
	if p.Encoder.Codec == CodecH265 {
		bsf = "hevc_mp4toannexb"
	}
	var gop []string
	if p.GOP > 0 {
		gop = []string{"-g", strconv.Itoa(p.GOP)}
	}
	rc := rateControl(p)

	var enc []string
	switch p.Encoder.Backend {
	case BackendNVENC:
		defPreset := "llhq"
		if p.Encoder.Codec == CodecH265 {
			defPreset = "p5"
		}
		enc = []string{"-c:v", p.Encoder.Name, "-preset", SafeNVENCPreset(orDefault(preset, defPreset))}
		enc = append(enc, gop...)
		enc = append(enc, "-bf", "0", "-rc-lookahead", "0", "-refs", "1", "-flags2", "+fast")
		enc = append(enc, rc...)
		enc = append(enc, "-pix_fmt", pixFmt, "-bsf:v", bsf)
		if tune := NVENCTune(p.Tune); tune != "" {
			enc = append(enc, "-tune", tune)
		}
	case BackendQSV:
		enc = []string{"-c:v", p.Encoder.Name}
		enc = append(enc, rc...)
		enc = append(enc, "-pix_fmt", pixFmt, "-bsf:v", bsf)
	case BackendVAAPI:
		node := orDefault(p.RenderNode, "/dev/dri/renderD128")
		enc = []string{"-vf", "format=" + vaapiFormat(pixFmt) + ",hwupload", "-vaapi_device", node,
			"-c:v", p.Encoder.Name, "-bf", "0"}
		enc = append(enc, rc...)
		enc = append(enc, "-bsf:v", bsf)
	default:
		enc = []string{"-c:v", p.Encoder.Name, "-preset", orDefault(preset, "ultrafast"),
			"-tune", orDefault(p.Tune, "zerolatency")}
		enc = append(enc, gop...)
		enc = append(enc, rc...)
		enc = append(enc, "-pix_fmt", pixFmt, "-bsf:v", bsf)
	}
	return enc
}

func vaapiFormat(pixFmt string) string {
	switch strings.ToLower(pixFmt) {
	case "p010", "yuv420p10", "yuv420p10le":
		return "p010"
	}
	return "nv12"
}

// BuildAudioCommand returns argv for the PulseAudio capture process
func BuildAudioCommand(p AudioParams) ([]string, error) {
	if p.PeerIP == "" {
		return nil, fmt.Errorf("audio command: invalid peer address")
	}
	source := orDefault(p.Source, "default.monitor")
	if !strings.HasSuffix(source, ".monitor") {
		source += ".monitor"
	}
	buf, delay := "512", "0"
	if p.NetMode == types.NetWiFi {
		buf, delay = "4194304", "150000"
	}
	pktSize := p.PacketSize
	if pktSize <= 0 {
		pktSize = 1316
	}

	args := append(baseArgs(p.FFmpeg), lowLatencyInput()...)
	args = append(args,
		"-f", "pulse",
		"-i", source,
		"-fps_mode", "passthrough",
		"-c:a", "libopus",
		"-b:a", "128k",
		"-application", orDefault(p.OpusApp, "voip"),
		"-frame_duration", orDefault(p.FrameDuration, "10"),
	)
	args = append(args, lowLatencyMux()...)
	args = append(args,
		"-metadata", "comment="+p.Marker,
		"-f", "mpegts",
		udpTarget(p.PeerIP, p.Port, fmt.Sprintf(
			"pkt_size=%d&buffer_size=%s&overrun_nonfatal=1&max_delay=%s", pktSize, buf, delay)),
	)
	return args, nil
}

// DecoderParams describes a client decode process for one stream
type DecoderParams struct {
	FFmpeg  string
	FFplay  string
	Hwaccel string // "" or "cpu" for software
	Port    int
	Title   string
}

// BuildVideoDecoderCommand returns argv for a client video decoder that
// listens on the local UDP port and renders into an SDL window.
func BuildVideoDecoderCommand(p DecoderParams) []string {
	ffmpeg := orDefault(p.FFmpeg, "ffmpeg")
	args := []string{ffmpeg, "-hide_banner", "-loglevel", "error"}
	if p.Hwaccel != "" && p.Hwaccel != "cpu" {
		args = append(args, "-hwaccel", p.Hwaccel)
	}
	args = append(args,
		"-fflags", "nobuffer", "-flags", "low_delay",
		"-probesize", "32", "-analyzeduration", "0",
		"-f", "mpegts",
		"-i", fmt.Sprintf("udp://@:%d?overrun_nonfatal=1&fifo_size=32768&buffer_size=65536", p.Port),
		"-pix_fmt", "yuv420p",
		"-f", "sdl2", orDefault(p.Title, "LinuxPlay"),
	)
	return args
}

// BuildAudioDecoderCommand returns argv for the client audio player
func BuildAudioDecoderCommand(p DecoderParams) []string {
	return []string{
		orDefault(p.FFplay, "ffplay"),
		"-hide_banner", "-loglevel", "error",
		"-nodisp", "-autoexit",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-f", "mpegts",
		fmt.Sprintf("udp://@:%d?overrun_nonfatal=1&buffer_size=32768", p.Port),
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
