package media

import (
	"fmt"
	"strings"
)

// Codec is the negotiated video codec, named as it appears in the handshake
type Codec string

const (
	CodecH264 Codec = "h.264"
	CodecH265 Codec = "h.265"
)

// ParseCodec accepts common spellings of h.264/h.265
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "h.264", "h264", "avc":
		return CodecH264, nil
	case "h.265", "h265", "hevc":
		return CodecH265, nil
	}
	return "", fmt.Errorf("unsupported codec %q", s)
}

// Backend is an encoder implementation family
type Backend string

const (
	BackendAuto  Backend = "auto"
	BackendNVENC Backend = "nvenc"
	BackendQSV   Backend = "qsv"
	BackendVAAPI Backend = "vaapi"
	BackendCPU   Backend = "cpu"
)

var hardwareOrder = []Backend{BackendNVENC, BackendQSV, BackendVAAPI}

// ParseBackend accepts auto, nvenc, qsv, vaapi or cpu
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	switch b {
	case "":
		return BackendAuto, nil
	case BackendAuto, BackendNVENC, BackendQSV, BackendVAAPI, BackendCPU:
		return b, nil
	}
	return "", fmt.Errorf("unsupported encoder backend %q", s)
}

// Encoder is the resolved encoder for one session
type Encoder struct {
	Codec   Codec
	Backend Backend
	Name    string // ffmpeg encoder name, e.g. hevc_nvenc
}

// EncoderName maps codec and backend to the ffmpeg encoder
func EncoderName(codec Codec, backend Backend) string {
	prefix := "h264"
	if codec == CodecH265 {
		prefix = "hevc"
	}
	switch backend {
	case BackendNVENC, BackendQSV, BackendVAAPI:
		return prefix + "_" + string(backend)
	}
	if codec == CodecH265 {
		return "libx265"
	}
	return "libx264"
}

// FallbackChain lists backends to try in order: the preferred hardware
// backend, the remaining hardware backends, then software.
func FallbackChain(preferred Backend) []Backend {
	switch preferred {
	case BackendCPU:
		return []Backend{BackendCPU}
	case BackendNVENC, BackendQSV, BackendVAAPI:
		chain := []Backend{preferred}
		for _, b := range hardwareOrder {
			if b != preferred {
				chain = append(chain, b)
			}
		}
		return append(chain, BackendCPU)
	}
	return append(append([]Backend{}, hardwareOrder...), BackendCPU)
}

// ResolveEncoder walks the fallback chain and returns the first backend whose
// device and ffmpeg encoder are both present. Software always succeeds.
func ResolveEncoder(codec Codec, preferred Backend, p Probe) Encoder {
	for _, b := range FallbackChain(preferred) {
		name := EncoderName(codec, b)
		if b == BackendCPU || (backendPresent(p, b) && p.HasEncoder(name)) {
			return Encoder{Codec: codec, Backend: b, Name: name}
		}
	}
	return Encoder{Codec: codec, Backend: BackendCPU, Name: EncoderName(codec, BackendCPU)}
}

func backendPresent(p Probe, b Backend) bool {
	switch b {
	case BackendNVENC:
		return p.HasNvidia()
	case BackendQSV:
		return p.IsIntelCPU()
	case BackendVAAPI:
		return p.HasVAAPI()
	}
	return true
}

var nvencPresets = map[string]bool{
	"default": true, "fast": true, "medium": true, "slow": true,
	"hp": true, "hq": true, "bd": true, "ll": true, "llhq": true, "llhp": true,
	"lossless": true,
	"p1":       true, "p2": true, "p3": true, "p4": true, "p5": true, "p6": true, "p7": true,
}

// SafeNVENCPreset returns preset if nvenc accepts it, otherwise p4
func SafeNVENCPreset(preset string) string {
	if nvencPresets[preset] {
		return preset
	}
	return "p4"
}

// NVENCTune maps user-facing tune names to nvenc values; empty means ll
func NVENCTune(tune string) string {
	switch strings.ToLower(strings.TrimSpace(tune)) {
	case "":
		return "ll"
	case "zerolatency", "ull", "ultra-low-latency", "ultra_low_latency":
		return "ull"
	case "low-latency", "ll", "low_latency":
		return "ll"
	case "hq", "film", "quality", "high_quality":
		return "hq"
	case "lossless":
		return "lossless"
	}
	return ""
}

// ChooseHwaccel resolves the client decoder acceleration. "auto" picks the
// first of vaapi, qsv, cuda that ffmpeg reports, otherwise cpu.
func ChooseHwaccel(requested string, p Probe) string {
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested != "" && requested != "auto" {
		return requested
	}
	avail := make(map[string]bool)
	for _, a := range p.Hwaccels() {
		avail[a] = true
	}
	for _, cand := range []string{"vaapi", "qsv", "cuda"} {
		if avail[cand] {
			return cand
		}
	}
	return "cpu"
}
