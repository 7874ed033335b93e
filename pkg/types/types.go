package types

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Monitor geometry of one captured screen region
type Monitor struct {
	Width  int
	Height int
	X      int
	Y      int
}

// String formats the monitor as WxH+X+Y
func (m Monitor) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", m.Width, m.Height, m.X, m.Y)
}

// DefaultMonitor is used when no geometry can be detected or parsed
var DefaultMonitor = Monitor{Width: 1920, Height: 1080}

// NetMode selects network buffering for media streams
type NetMode string

const (
	NetLAN  NetMode = "lan"
	NetWiFi NetMode = "wifi"
)

// ParseNetMode accepts "lan" or "wifi" (case-insensitive)
func ParseNetMode(s string) (NetMode, bool) {
	switch NetMode(strings.ToLower(strings.TrimSpace(s))) {
	case NetLAN:
		return NetLAN, true
	case NetWiFi:
		return NetWiFi, true
	}
	return "", false
}

// PeerInfo describes the connected client as seen by the host
type PeerInfo struct {
	IP          string
	Name        string
	Fingerprint string
	ConnectedAt time.Time
	LastSeen    time.Time
}

// HostIP returns the IP portion of a net.Addr (TCP or UDP); other address
// types return their string form.
func HostIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	case nil:
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
