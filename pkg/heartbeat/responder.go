package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linuxplay/pkg/logging"
	"github.com/linuxplay/pkg/protocol"
)

// Responder is the client side: it announces itself with PONG from an
// ephemeral port, answers every PING and keeps the host's view of its
// address fresh while no PING arrives.
type Responder struct {
	conn      *net.UDPConn
	keepalive time.Duration
	lostAfter time.Duration

	lastPing atomic.Int64 // unix nanos
	pings    atomic.Int64
	lost     atomic.Bool

	OnLost     func()
	OnRestored func()
}

// DialResponder opens an unbound UDP socket towards hostAddr
func DialResponder(hostAddr string, keepalive, lostAfter time.Duration) (*Responder, error) {
	raddr, err := net.ResolveUDPAddr("udp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve heartbeat address %s: %w", hostAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial heartbeat %s: %w", hostAddr, err)
	}
	return NewResponder(conn, keepalive, lostAfter), nil
}

// NewResponder wraps a connected UDP socket
func NewResponder(conn *net.UDPConn, keepalive, lostAfter time.Duration) *Responder {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	if lostAfter <= 0 {
		lostAfter = DefaultLostAfter
	}
	r := &Responder{conn: conn, keepalive: keepalive, lostAfter: lostAfter}
	r.lastPing.Store(time.Now().UnixNano())
	return r
}

// LocalAddr is the ephemeral address the host learns
func (r *Responder) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// Pings counts PINGs received
func (r *Responder) Pings() int64 { return r.pings.Load() }

// Lost reports whether no PING has arrived within lostAfter
func (r *Responder) Lost() bool { return r.lost.Load() }

// Run serves until ctx is cancelled and closes the socket
func (r *Responder) Run(ctx context.Context) error {
	r.pong()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.readLoop(ctx)
	}()
	defer func() {
		_ = r.conn.Close()
		wg.Wait()
	}()

	tick := r.keepalive / 2
	if tick > 500*time.Millisecond {
		tick = 500 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	lastPong := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			silence := now.Sub(time.Unix(0, r.lastPing.Load()))
			if silence >= r.keepalive && now.Sub(lastPong) >= r.keepalive {
				r.pong()
				lastPong = now
			}
			if silence >= r.lostAfter && r.lost.CompareAndSwap(false, true) {
				logging.Logf("[heartbeat] no PING for %v, host link lost", silence.Round(time.Second))
				if r.OnLost != nil {
					r.OnLost()
				}
			}
		}
	}
}

func (r *Responder) pong() {
	if _, err := r.conn.Write([]byte(protocol.MsgPong)); err != nil {
		logging.Debugf("[heartbeat] pong failed: %v", err)
	}
}

func (r *Responder) readLoop(ctx context.Context) {
	buf := make([]byte, 64)
	for {
		n, err := r.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			// ICMP port unreachable surfaces here while the host is down
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !protocol.IsPing(buf[:n]) {
			continue
		}
		r.lastPing.Store(time.Now().UnixNano())
		r.pings.Add(1)
		r.pong()
		if r.lost.CompareAndSwap(true, false) {
			logging.Logf("[heartbeat] host link restored")
			if r.OnRestored != nil {
				r.OnRestored()
			}
		}
	}
}
