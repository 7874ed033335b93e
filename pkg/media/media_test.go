package media

import (
	"strings"
	"testing"

	"github.com/linuxplay/pkg/types"
)

type fakeProbe struct {
	encoders map[string]bool
	nvidia   bool
	intel    bool
	vaapi    bool
	accels   []string
}

func (f fakeProbe) HasEncoder(name string) bool { return f.encoders[name] }
func (f fakeProbe) HasNvidia() bool             { return f.nvidia }
func (f fakeProbe) IsIntelCPU() bool            { return f.intel }
func (f fakeProbe) HasVAAPI() bool              { return f.vaapi }
func (f fakeProbe) Hwaccels() []string          { return f.accels }

func TestResolveEncoderFallbackChain(t *testing.T) {
	tests := []struct {
		name      string
		codec     Codec
		preferred Backend
		probe     fakeProbe
		want      string
	}{
		{
			name:  "auto picks nvenc when gpu and encoder exist",
			codec: CodecH264, preferred: BackendAuto,
			probe: fakeProbe{nvidia: true, encoders: map[string]bool{"h264_nvenc": true}},
			want:  "h264_nvenc",
		},
		{
			name:  "nvidia without ffmpeg encoder falls to qsv",
			codec: CodecH264, preferred: BackendAuto,
			probe: fakeProbe{nvidia: true, intel: true, encoders: map[string]bool{"h264_qsv": true}},
			want:  "h264_qsv",
		},
		{
			name:  "vaapi when only render node is present",
			codec: CodecH265, preferred: BackendAuto,
			probe: fakeProbe{vaapi: true, encoders: map[string]bool{"hevc_vaapi": true, "hevc_qsv": true}},
			want:  "hevc_vaapi",
		},
		{
			name:  "software when no hardware",
			codec: CodecH265, preferred: BackendAuto,
			probe: fakeProbe{},
			want:  "libx265",
		},
		{
			name:  "preferred backend is tried first",
			codec: CodecH264, preferred: BackendVAAPI,
			probe: fakeProbe{nvidia: true, vaapi: true, encoders: map[string]bool{"h264_nvenc": true, "h264_vaapi": true}},
			want:  "h264_vaapi",
		},
		{
			name:  "unavailable preferred backend falls through to the next hardware",
			codec: CodecH264, preferred: BackendQSV,
			probe: fakeProbe{nvidia: true, encoders: map[string]bool{"h264_nvenc": true}},
			want:  "h264_nvenc",
		},
		{
			name:  "cpu preference skips hardware",
			codec: CodecH264, preferred: BackendCPU,
			probe: fakeProbe{nvidia: true, encoders: map[string]bool{"h264_nvenc": true}},
			want:  "libx264",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveEncoder(tt.codec, tt.preferred, tt.probe)
			if got.Name != tt.want {
				t.Fatalf("ResolveEncoder = %+v, want %s", got, tt.want)
			}
			if got.Codec != tt.codec {
				t.Fatalf("codec changed: %s", got.Codec)
			}
		})
	}
}

func TestParseCodecAndBackend(t *testing.T) {
	if c, err := ParseCodec("HEVC"); err != nil || c != CodecH265 {
		t.Fatalf("ParseCodec(HEVC) = %v, %v", c, err)
	}
	if c, err := ParseCodec("none"); err != nil || c != CodecH264 {
		t.Fatalf("ParseCodec(none) = %v, %v", c, err)
	}
	if _, err := ParseCodec("av1"); err == nil {
		t.Fatal("av1 accepted")
	}
	if b, err := ParseBackend("NVENC"); err != nil || b != BackendNVENC {
		t.Fatalf("ParseBackend = %v, %v", b, err)
	}
	if _, err := ParseBackend("amf"); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestParseBitrate(t *testing.T) {
	tests := map[string]int64{
		"8M":      8_000_000,
		"2500k":   2_500_000,
		"1.5G":    1_500_000_000,
		"6000000": 6_000_000,
		"auto":    0,
		"":        0,
	}
	for in, want := range tests {
		got, err := ParseBitrate(in)
		if err != nil {
			t.Errorf("ParseBitrate(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseBitrate(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := ParseBitrate("fast"); err == nil {
		t.Error("garbage bitrate accepted")
	}
}

func TestFormatBits(t *testing.T) {
	tests := map[int64]string{
		14_515_200: "14M",
		999_999:    "999k",
		1000:       "1k",
		12:         "12",
		0:          "1",
	}
	for in, want := range tests {
		if got := FormatBits(in); got != want {
			t.Errorf("FormatBits(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestApplyBitrateFloor(t *testing.T) {
	// 1920*1080*60*0.07 = 8709120
	got, bumped, err := ApplyBitrateFloor("2M", CodecH264, 1920, 1080, 60)
	if err != nil {
		t.Fatal(err)
	}
	if !bumped || got != "8M" {
		t.Fatalf("ApplyBitrateFloor = %q, %v", got, bumped)
	}
	got, bumped, _ = ApplyBitrateFloor("20M", CodecH264, 1920, 1080, 60)
	if bumped || got != "20M" {
		t.Fatalf("sufficient bitrate changed: %q, %v", got, bumped)
	}
	got, bumped, _ = ApplyBitrateFloor("0", CodecH264, 1920, 1080, 60)
	if bumped || got != "" {
		t.Fatalf("auto bitrate should stay automatic: %q, %v", got, bumped)
	}
	if bpp := TargetBPP(CodecH265, 120); bpp < 0.0649 || bpp > 0.0651 {
		t.Fatalf("TargetBPP(h265, 120) = %v", bpp)
	}
}

func TestBestTSPacketSize(t *testing.T) {
	tests := []struct {
		mtu  int
		ipv6 bool
		want int
	}{
		{1500, false, 1316},
		{1500, true, 1316},
		{0, false, 1316},
		{9000, false, 8836},
		{576, false, 376},
		{300, false, 376},
	}
	for _, tt := range tests {
		if got := BestTSPacketSize(tt.mtu, tt.ipv6); got != tt.want {
			t.Errorf("BestTSPacketSize(%d, %v) = %d, want %d", tt.mtu, tt.ipv6, got, tt.want)
		}
	}
}

func TestBuildVideoCommand(t *testing.T) {
	args, err := BuildVideoCommand(VideoParams{
		Encoder:   Encoder{Codec: CodecH264, Backend: BackendCPU, Name: "libx264"},
		Monitor:   types.Monitor{Width: 1920, Height: 1080, X: 1920, Y: 0},
		Display:   ":1",
		Framerate: 60,
		Bitrate:   "10M",
		GOP:       30,
		PeerIP:    "192.168.1.20",
		Port:      5001,
		Marker:    "LinuxPlayHost:abc",
	})
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"ffmpeg -hide_banner",
		"-f x11grab",
		"-video_size 1920x1080",
		"-i :1.0+1920,0",
		"-c:v libx264",
		"-b:v 10M",
		"-g 30",
		"-metadata comment=LinuxPlayHost:abc",
		"udp://192.168.1.20:5001?pkt_size=1316",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("video command missing %q:\n%s", want, joined)
		}
	}
	if _, err := BuildVideoCommand(VideoParams{PeerIP: "0.0.0.0"}); err == nil {
		t.Error("unspecified peer accepted")
	}
}

func TestBuildVideoCommandNVENC(t *testing.T) {
	args, err := BuildVideoCommand(VideoParams{
		Encoder: Encoder{Codec: CodecH265, Backend: BackendNVENC, Name: "hevc_nvenc"},
		Monitor: types.DefaultMonitor,
		Preset:  "bogus",
		Tune:    "zerolatency",
		PeerIP:  "10.0.0.2",
		Port:    5000,
	})
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{"-c:v hevc_nvenc", "-preset p4", "-tune ull", "-rc constqp", "hevc_mp4toannexb"} {
		if !strings.Contains(joined, want) {
			t.Errorf("nvenc command missing %q:\n%s", want, joined)
		}
	}
}

func TestBuildAudioCommandNetMode(t *testing.T) {
	lan, _ := BuildAudioCommand(AudioParams{Source: "alsa_output.pci", PeerIP: "10.0.0.2", Port: 6001, NetMode: types.NetLAN})
	wifi, _ := BuildAudioCommand(AudioParams{Source: "alsa_output.pci", PeerIP: "10.0.0.2", Port: 6001, NetMode: types.NetWiFi})
	if !strings.Contains(strings.Join(lan, " "), "buffer_size=512&") {
		t.Errorf("lan audio buffering wrong: %v", lan)
	}
	if !strings.Contains(strings.Join(wifi, " "), "buffer_size=4194304&overrun_nonfatal=1&max_delay=150000") {
		t.Errorf("wifi audio buffering wrong: %v", wifi)
	}
	if !strings.Contains(strings.Join(lan, " "), "-i alsa_output.pci.monitor") {
		t.Errorf("monitor suffix not appended: %v", lan)
	}
}

func TestDecoderCommands(t *testing.T) {
	hw := strings.Join(BuildVideoDecoderCommand(DecoderParams{Hwaccel: "vaapi", Port: 5000}), " ")
	if !strings.Contains(hw, "-hwaccel vaapi") || !strings.Contains(hw, "udp://@:5000") {
		t.Errorf("hw decoder command: %s", hw)
	}
	sw := strings.Join(BuildVideoDecoderCommand(DecoderParams{Hwaccel: "cpu", Port: 5001}), " ")
	if strings.Contains(sw, "-hwaccel") {
		t.Errorf("software decoder asks for hwaccel: %s", sw)
	}
	audio := BuildAudioDecoderCommand(DecoderParams{Port: 6001})
	if audio[0] != "ffplay" || !strings.Contains(strings.Join(audio, " "), "-nodisp") {
		t.Errorf("audio decoder command: %v", audio)
	}
}

func TestChooseHwaccel(t *testing.T) {
	if got := ChooseHwaccel("auto", fakeProbe{accels: []string{"cuda", "qsv"}}); got != "qsv" {
		t.Errorf("auto = %q, want qsv", got)
	}
	if got := ChooseHwaccel("", fakeProbe{}); got != "cpu" {
		t.Errorf("no accels = %q, want cpu", got)
	}
	if got := ChooseHwaccel("CUDA", fakeProbe{}); got != "cuda" {
		t.Errorf("explicit = %q, want cuda", got)
	}
}

func TestParseXrandrMonitors(t *testing.T) {
	out := "Monitors: 2\n 0: +*DP-1 2560/597x1440/336+0+0  DP-1\n 1: +HDMI-1 1920/527x1080/296+2560+0  HDMI-1\n"
	mons := ParseXrandrMonitors(out)
	want := []types.Monitor{{Width: 2560, Height: 1440}, {Width: 1920, Height: 1080, X: 2560}}
	if len(mons) != len(want) {
		t.Fatalf("mons = %+v", mons)
	}
	for i := range want {
		if mons[i] != want[i] {
			t.Errorf("monitor %d = %+v, want %+v", i, mons[i], want[i])
		}
	}
	if ParseXrandrMonitors("Monitors: 0\n") != nil {
		t.Error("expected no monitors")
	}
}

func TestParsePulseSources(t *testing.T) {
	out := "0\talsa_input.usb\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tSUSPENDED\n" +
		"1\talsa_output.pci.monitor\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tIDLE\n" +
		"2\tbluez_sink.monitor\tmodule-bluez5-device.c\ts16le 2ch 44100Hz\tRUNNING\n"
	if got := ParsePulseSources(out); got != "bluez_sink.monitor" {
		t.Errorf("ParsePulseSources = %q", got)
	}
	if got := ParsePulseSources(""); got != "" {
		t.Errorf("empty output = %q", got)
	}
}

func TestParseHwaccels(t *testing.T) {
	got := parseHwaccels([]byte("Hardware acceleration methods:\nvdpau\ncuda\nvaapi\n\n"))
	if strings.Join(got, ",") != "vdpau,cuda,vaapi" {
		t.Errorf("parseHwaccels = %v", got)
	}
}
