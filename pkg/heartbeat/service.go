// Package heartbeat runs the UDP PING/PONG liveness protocol. The host
// always replies to the source address of the most recent PONG, so the
// client never binds a fixed port.
package heartbeat

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/linuxplay/pkg/addrbook"
	"github.com/linuxplay/pkg/logging"
	"github.com/linuxplay/pkg/protocol"
	"github.com/linuxplay/pkg/session"
	"github.com/linuxplay/pkg/types"
)

const (
	DefaultInterval  = time.Second
	DefaultKeepalive = 2 * time.Second
	DefaultLostAfter = 6 * time.Second
)

// Liveness is the part of the session manager the heartbeat drives
type Liveness interface {
	PeerIP() string
	ObservePong(ip string) bool
	CheckLiveness() session.State
}

// Service is the host side: it learns the client address from PONGs and
// sends PING to it every interval.
type Service struct {
	conn     *net.UDPConn
	book     *addrbook.Book
	sessions Liveness
	interval time.Duration

	OnPong func(ip string)
}

// NewService wraps a bound UDP socket
func NewService(conn *net.UDPConn, book *addrbook.Book, sessions Liveness, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{conn: conn, book: book, sessions: sessions, interval: interval}
}

// Run serves until ctx is cancelled. The socket is closed on return.
func (s *Service) Run(ctx context.Context) error {
	logging.Logf("[listen] heartbeat addr=%s interval=%v", s.conn.LocalAddr(), s.interval)
	var wg sync.WaitGroup
	readErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr <- s.readLoop()
	}()
	defer func() {
		_ = s.conn.Close()
		wg.Wait()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Service) tick() {
	s.sessions.CheckLiveness()
	ip := s.sessions.PeerIP()
	if ip == "" {
		return
	}
	entry, ok := s.book.Lookup(ip, addrbook.ChannelHeartbeat)
	if !ok {
		return
	}
	if _, err := s.conn.WriteToUDP([]byte(protocol.MsgPing), entry.Addr); err != nil {
		logging.Debugf("[heartbeat] ping to %s failed: %v", entry.Addr, err)
	}
}

func (s *Service) readLoop() error {
	buf := make([]byte, 64)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if !protocol.IsPong(buf[:n]) {
			continue
		}
		ip := types.HostIP(addr)
		if !s.sessions.ObservePong(ip) {
			logging.Debugf("[heartbeat] pong from unknown peer %s", addr)
			continue
		}
		prev, had := s.book.Lookup(ip, addrbook.ChannelHeartbeat)
		s.book.Observe(addrbook.ChannelHeartbeat, addr)
		if !had || prev.Addr.Port != addr.Port {
			logging.Logf("[heartbeat] learned address %s", addr)
		}
		if s.OnPong != nil {
			s.OnPong(ip)
		}
	}
}
