package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/linuxplay/pkg/types"
)

const (
	CmdHello    = "HELLO"
	CmdPassword = "PASSWORD"
	CmdOK       = "OK"
	CmdFail     = "FAIL"

	MsgPing = "PING"
	MsgPong = "PONG"

	// MaxGreetingLen bounds the handshake line read by the host.
	MaxGreetingLen = 1024
)

var (
	ErrRejected  = errors.New("handshake rejected by host")
	ErrMalformed = errors.New("malformed handshake reply")
)

// GreetingKind identifies which authentication method a greeting asks for
type GreetingKind int

const (
	GreetingHello GreetingKind = iota + 1
	GreetingPassword
)

// Greeting is the first line a client sends on the handshake connection
type Greeting struct {
	Kind GreetingKind
	PIN  string
}

// HandshakeReply is the parsed OK response
type HandshakeReply struct {
	Encoder  string
	Monitors []types.Monitor
}

func TrimLine(line string) string {
	return strings.TrimSpace(line)
}

func FormatHello() string {
	return CmdHello + "\n"
}

func FormatPassword(pin string) string {
	return CmdPassword + ":" + pin + "\n"
}

// ParseGreeting accepts "HELLO" or "PASSWORD:<pin>". Anything else is malformed.
func ParseGreeting(line string) (g Greeting, ok bool) {
	line = TrimLine(line)
	if line == CmdHello {
		return Greeting{Kind: GreetingHello}, true
	}
	if !strings.HasPrefix(line, CmdPassword+":") {
		return Greeting{}, false
	}
	pin := strings.TrimSpace(strings.TrimPrefix(line, CmdPassword+":"))
	if pin == "" {
		return Greeting{}, false
	}
	return Greeting{Kind: GreetingPassword, PIN: pin}, true
}

// FormatOK formats OK:<encoder>:<WxH+X+Y;...>
func FormatOK(encoder string, monitors []types.Monitor) string {
	return CmdOK + ":" + encoder + ":" + FormatMonitors(monitors) + "\n"
}

func FormatFail() string {
	return CmdFail + "\n"
}

// ParseReply parses the host response. FAIL yields ErrRejected; a reply
// without usable geometry falls back to the default monitor.
func ParseReply(line string) (HandshakeReply, error) {
	line = TrimLine(line)
	if line == CmdFail {
		return HandshakeReply{}, ErrRejected
	}
	if !strings.HasPrefix(line, CmdOK+":") {
		return HandshakeReply{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	parts := strings.SplitN(line, ":", 3)
	encoder := strings.TrimSpace(parts[1])
	if encoder == "" {
		return HandshakeReply{}, fmt.Errorf("%w: empty encoder", ErrMalformed)
	}
	reply := HandshakeReply{Encoder: encoder}
	if len(parts) == 3 {
		reply.Monitors, _ = ParseMonitors(parts[2])
	}
	if len(reply.Monitors) == 0 {
		reply.Monitors = []types.Monitor{types.DefaultMonitor}
	}
	return reply, nil
}

// FormatMonitors joins WxH+X+Y segments with ';'
func FormatMonitors(monitors []types.Monitor) string {
	if len(monitors) == 0 {
		return types.DefaultMonitor.String()
	}
	parts := make([]string, 0, len(monitors))
	for _, m := range monitors {
		parts = append(parts, m.String())
	}
	return strings.Join(parts, ";")
}

// ParseMonitors parses "WxH+X+Y;..." skipping malformed segments. ok is false
// when any segment was malformed.
func ParseMonitors(s string) (monitors []types.Monitor, ok bool) {
	ok = true
	for _, seg := range strings.Split(s, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		m, err := ParseMonitor(seg)
		if err != nil {
			ok = false
			continue
		}
		monitors = append(monitors, m)
	}
	return monitors, ok
}

// ParseMonitor parses one WxH+X+Y segment. Offsets default to 0 when absent.
// Widths like "1920/527" (xrandr physical size suffix) are accepted.
func ParseMonitor(seg string) (types.Monitor, error) {
	res := seg
	var offs []string
	if idx := strings.Index(seg, "+"); idx >= 0 {
		res = seg[:idx]
		offs = strings.Split(seg[idx+1:], "+")
	}
	wh := strings.SplitN(res, "x", 2)
	if len(wh) != 2 {
		return types.Monitor{}, fmt.Errorf("monitor %q: missing WxH", seg)
	}
	w, err := atoiPhysical(wh[0])
	if err != nil {
		return types.Monitor{}, fmt.Errorf("monitor %q: width: %w", seg, err)
	}
	h, err := atoiPhysical(wh[1])
	if err != nil {
		return types.Monitor{}, fmt.Errorf("monitor %q: height: %w", seg, err)
	}
	if w <= 0 || h <= 0 {
		return types.Monitor{}, fmt.Errorf("monitor %q: non-positive size", seg)
	}
	m := types.Monitor{Width: w, Height: h}
	if len(offs) > 2 {
		return types.Monitor{}, fmt.Errorf("monitor %q: too many offsets", seg)
	}
	if len(offs) >= 1 {
		if m.X, err = strconv.Atoi(offs[0]); err != nil {
			return types.Monitor{}, fmt.Errorf("monitor %q: x offset: %w", seg, err)
		}
	}
	if len(offs) == 2 {
		if m.Y, err = strconv.Atoi(offs[1]); err != nil {
			return types.Monitor{}, fmt.Errorf("monitor %q: y offset: %w", seg, err)
		}
	}
	return m, nil
}

func atoiPhysical(s string) (int, error) {
	if idx := strings.Index(s, "/"); idx >= 0 {
		s = s[:idx]
	}
	return strconv.Atoi(strings.TrimSpace(s))
}

// IsPing reports whether a heartbeat datagram is a PING
func IsPing(b []byte) bool {
	return string(b) == MsgPing
}

// IsPong reports whether a heartbeat datagram is a PONG
func IsPong(b []byte) bool {
	return string(b) == MsgPong
}
