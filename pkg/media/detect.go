package media

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/linuxplay/pkg/protocol"
	"github.com/linuxplay/pkg/types"
)

const detectTimeout = 5 * time.Second

func output(name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), detectTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// DetectMonitors asks xrandr for the active monitors. An empty result means
// the caller should fall back to the default geometry.
func DetectMonitors() ([]types.Monitor, error) {
	out, err := output("xrandr", "--listmonitors")
	if err != nil {
		return nil, err
	}
	return ParseXrandrMonitors(out), nil
}

// ParseXrandrMonitors parses `xrandr --listmonitors` output such as
//
//	Monitors: 2
//	 0: +*DP-1 2560/597x1440/336+0+0  DP-1
//	 1: +HDMI-1 1920/527x1080/296+2560+0  HDMI-1
func ParseXrandrMonitors(out string) []types.Monitor {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) <= 1 {
		return nil
	}
	var mons []types.Monitor
	for _, line := range lines[1:] {
		for _, part := range strings.Fields(line) {
			if !strings.Contains(part, "x") || !strings.Contains(part, "+") {
				continue
			}
			if m, err := protocol.ParseMonitor(part); err == nil {
				mons = append(mons, m)
				break
			}
		}
	}
	return mons
}

// DetectPulseMonitor picks a PulseAudio monitor source, preferring RUNNING
// over IDLE. PULSE_MONITOR overrides detection.
func DetectPulseMonitor() string {
	if v := os.Getenv("PULSE_MONITOR"); v != "" {
		return v
	}
	out, err := output("pactl", "list", "short", "sources")
	if err != nil {
		return "default.monitor"
	}
	if best := ParsePulseSources(out); best != "" {
		return best
	}
	return "default.monitor"
}

// ParsePulseSources returns the best monitor source from `pactl list short sources`
func ParsePulseSources(out string) string {
	best := ""
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 5 {
			continue
		}
		name, state := parts[1], strings.ToUpper(strings.TrimSpace(parts[4]))
		if !strings.Contains(name, ".monitor") {
			continue
		}
		if state == "RUNNING" {
			return name
		}
		if state == "IDLE" && best == "" {
			best = name
		}
	}
	return best
}

var routeDevRe = regexp.MustCompile(`\bdev\s+(\S+)`)

// DetectNetMode reports wifi when the route to hostIP leaves through a
// wireless interface, lan otherwise.
func DetectNetMode(hostIP string) types.NetMode {
	out, err := output("ip", "route", "get", hostIP)
	if err != nil {
		return types.NetLAN
	}
	m := routeDevRe.FindStringSubmatch(out)
	if m == nil {
		return types.NetLAN
	}
	iface := m[1]
	if _, err := os.Stat("/sys/class/net/" + iface + "/wireless"); err == nil {
		return types.NetWiFi
	}
	if strings.HasPrefix(iface, "wl") {
		return types.NetWiFi
	}
	return types.NetLAN
}
