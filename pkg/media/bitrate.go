package media

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseBitrate parses strings like "8M", "2500k", "1.5G" or "6000000" into
// bits per second using SI multipliers. "", "0" and "auto" yield 0.
func ParseBitrate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" || strings.EqualFold(s, "auto") {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse bitrate %q: %w", s, err)
	}
	return int64(n), nil
}

// FormatBits renders bits as ffmpeg bitrate text: "NM" above a megabit,
// "Nk" above a kilobit, plain otherwise.
func FormatBits(bits int64) string {
	switch {
	case bits >= 1_000_000:
		return strconv.FormatInt(max(1, bits/1_000_000), 10) + "M"
	case bits >= 1000:
		return strconv.FormatInt(max(1, bits/1000), 10) + "k"
	}
	return strconv.FormatInt(max(1, bits), 10)
}

// TargetBPP is the minimum bits per pixel per frame for codec at fps
func TargetBPP(codec Codec, fps int) float64 {
	bpp := 0.07
	if codec == CodecH265 {
		bpp = 0.045
	}
	if fps >= 90 {
		bpp += 0.02
	}
	return bpp
}

// BitrateFloor is width*height*fps*bpp
func BitrateFloor(codec Codec, width, height, fps int) int64 {
	fps = max(1, fps)
	return int64(float64(width) * float64(height) * float64(fps) * TargetBPP(codec, fps))
}

// ApplyBitrateFloor returns the bitrate to use and whether it was raised.
// An automatic (zero) bitrate is left alone so rate control picks quality.
func ApplyBitrateFloor(requested string, codec Codec, width, height, fps int) (string, bool, error) {
	bits, err := ParseBitrate(requested)
	if err != nil {
		return "", false, err
	}
	if bits == 0 {
		return "", false, nil
	}
	floor := BitrateFloor(codec, width, height, fps)
	if bits < floor {
		return FormatBits(floor), true, nil
	}
	return requested, false, nil
}

// BestTSPacketSize is the largest multiple of 188 bytes fitting one datagram
func BestTSPacketSize(mtu int, ipv6 bool) int {
	if mtu <= 0 {
		mtu = 1500
	}
	overhead := 28
	if ipv6 {
		overhead = 48
	}
	payload := max(512, mtu-overhead)
	return max(188, (payload/188)*188)
}
