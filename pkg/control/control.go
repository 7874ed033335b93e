// Package control receives the client's UDP control datagrams (input,
// GOODBYE, NET) and dispatches them through a table keyed by command kind.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/linuxplay/pkg/addrbook"
	"github.com/linuxplay/pkg/logging"
	"github.com/linuxplay/pkg/protocol"
	"github.com/linuxplay/pkg/types"
)

var ErrUnknownCommand = errors.New("unknown control command")

// Handler processes one command from ip
type Handler func(ip string, cmd protocol.Command) error

// InputInjector receives input events; translation to the display server
// lives outside this package.
type InputInjector interface {
	Mouse(p protocol.MousePacket) error
	Scroll(arg string) error
	Key(name string, down bool) error
}

// Sessions is the part of the session manager control commands reach
type Sessions interface {
	PeerIP() string
	Goodbye(ip string) bool
	SetNetMode(ip string, mode types.NetMode) bool
}

// Dispatcher owns the handler table
type Dispatcher struct {
	handlers map[protocol.CommandKind]Handler
	sessions Sessions
	book     *addrbook.Book

	OnCommand func(kind protocol.CommandKind)
}

// NewDispatcher builds the default table. book may be nil.
func NewDispatcher(sessions Sessions, input InputInjector, book *addrbook.Book) *Dispatcher {
	if input == nil {
		input = LogInjector{}
	}
	d := &Dispatcher{sessions: sessions, book: book}
	d.handlers = map[protocol.CommandKind]Handler{
		protocol.KindMousePacket: func(_ string, cmd protocol.Command) error {
			p, err := cmd.MousePacket()
			if err != nil {
				return err
			}
			return input.Mouse(p)
		},
		protocol.KindMouseScroll: func(_ string, cmd protocol.Command) error {
			return input.Scroll(cmd.Args[0])
		},
		protocol.KindKeyPress: func(_ string, cmd protocol.Command) error {
			return input.Key(cmd.Args[0], true)
		},
		protocol.KindKeyRelease: func(_ string, cmd protocol.Command) error {
			return input.Key(cmd.Args[0], false)
		},
		protocol.KindGoodbye: d.goodbye,
		protocol.KindNet:     d.net,
	}
	return d
}

// Handle replaces the handler for kind
func (d *Dispatcher) Handle(kind protocol.CommandKind, h Handler) {
	d.handlers[kind] = h
}

// Dispatch parses payload and runs the matching handler
func (d *Dispatcher) Dispatch(ip string, payload []byte) error {
	cmd, ok := protocol.ParseCommand(string(payload))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, truncate(string(payload), 32))
	}
	h, ok := d.handlers[cmd.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Kind)
	}
	if d.OnCommand != nil {
		d.OnCommand(cmd.Kind)
	}
	return h(ip, cmd)
}

func (d *Dispatcher) goodbye(ip string, _ protocol.Command) error {
	if d.sessions.Goodbye(ip) {
		logging.Logf("[control] goodbye from %s", ip)
	}
	return nil
}

func (d *Dispatcher) net(ip string, cmd protocol.Command) error {
	mode, ok := types.ParseNetMode(cmd.Args[0])
	if !ok {
		return fmt.Errorf("net mode %q: want lan or wifi", cmd.Args[0])
	}
	d.sessions.SetNetMode(ip, mode)
	return nil
}

// Serve reads datagrams until ctx is cancelled. Datagrams from anyone but
// the session peer are dropped.
func (d *Dispatcher) Serve(ctx context.Context, conn *net.UDPConn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logging.Logf("[listen] control addr=%s", conn.LocalAddr())
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control read: %w", err)
		}
		ip := types.HostIP(addr)
		if ip != d.sessions.PeerIP() {
			logging.Debugf("[control] dropped datagram from %s", addr)
			continue
		}
		if d.book != nil {
			d.book.Observe(addrbook.ChannelControl, addr)
		}
		if err := d.Dispatch(ip, buf[:n]); err != nil {
			logging.Debugf("[control] %s: %v", ip, err)
		}
	}
}

// LogInjector logs input events without injecting them
type LogInjector struct{}

func (LogInjector) Mouse(p protocol.MousePacket) error {
	logging.Debugf("[input] mouse type=%d buttons=%d x=%d y=%d", p.Type, p.Buttons, p.X, p.Y)
	return nil
}

func (LogInjector) Scroll(arg string) error {
	logging.Debugf("[input] scroll %s", arg)
	return nil
}

func (LogInjector) Key(name string, down bool) error {
	logging.Debugf("[input] key %s down=%t", name, down)
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
