package handshake

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/linuxplay/pkg/protocol"
)

// DefaultDialTimeout bounds the whole client handshake
const DefaultDialTimeout = 5 * time.Second

// Dial connects to addr, sends greeting (a formatted HELLO or PASSWORD line)
// and parses the host's reply. A FAIL reply returns protocol.ErrRejected.
func Dial(ctx context.Context, addr, greeting string, tlsCfg *tls.Config, timeout time.Duration) (protocol.HandshakeReply, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return protocol.HandshakeReply{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if tlsCfg != nil {
		tc := tls.Client(conn, tlsCfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			return protocol.HandshakeReply{}, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tc
	}

	if _, err := io.WriteString(conn, greeting); err != nil {
		return protocol.HandshakeReply{}, fmt.Errorf("send greeting: %w", err)
	}
	line, err := bufio.NewReader(io.LimitReader(conn, 64*1024)).ReadString('\n')
	if err != nil && line == "" {
		return protocol.HandshakeReply{}, fmt.Errorf("read reply: %w", err)
	}
	return protocol.ParseReply(line)
}
