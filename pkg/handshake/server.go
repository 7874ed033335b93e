// Package handshake implements the one-line TCP handshake that
// authenticates a client (trusted certificate or rotating PIN) and hands
// it a session.
package handshake

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/linuxplay/pkg/logging"
	"github.com/linuxplay/pkg/protocol"
	"github.com/linuxplay/pkg/session"
	"github.com/linuxplay/pkg/trust"
	"github.com/linuxplay/pkg/types"
)

// Result classifies a handshake attempt
type Result string

const (
	ResultOK          Result = "ok"
	ResultMalformed   Result = "malformed"
	ResultBadPIN      Result = "bad_pin"
	ResultUntrusted   Result = "untrusted"
	ResultRevoked     Result = "revoked"
	ResultBusy        Result = "busy"
	ResultRateLimited Result = "rate_limited"
	ResultError       Result = "error"
)

// Results lists every result, for metric label pre-registration
func Results() []Result {
	return []Result{ResultOK, ResultMalformed, ResultBadPIN, ResultUntrusted, ResultRevoked, ResultBusy, ResultRateLimited, ResultError}
}

// Sessions is the part of the session manager the handshake drives
type Sessions interface {
	BeginHandshake(ip string) error
	CompleteHandshake(ip string, id session.Identity) (session.Session, error)
	FailHandshake(ip string)
}

// TrustStore answers certificate questions
type TrustStore interface {
	IsTrusted(fp string) bool
	IsRevoked(fp string) bool
	RevokedForAddress(ip string) bool
	Lookup(fp string) (trust.Record, bool)
	Enroll(fp, name string) error
	Touch(fp, ip string)
}

// PINVerifier checks a candidate PIN against the current one
type PINVerifier interface {
	Verify(candidate string) bool
}

// Options tunes the server. Zero values take defaults.
type Options struct {
	ReadTimeout time.Duration
	// RequireCert disables PIN authentication
	RequireCert bool
	// AutoEnroll trusts a client certificate presented on a connection the
	// PIN authorised.
	AutoEnroll bool
	// FailureRate and FailureBurst bound failed attempts per source IP
	FailureRate  rate.Limit
	FailureBurst int
	OnResult     func(Result)
}

const (
	DefaultReadTimeout  = 10 * time.Second
	DefaultFailureBurst = 5
)

// DefaultFailureRate refills one failed attempt every two seconds
var DefaultFailureRate = rate.Every(2 * time.Second)

// Server accepts handshakes one at a time
type Server struct {
	sessions Sessions
	store    TrustStore
	pins     PINVerifier
	opts     Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer returns a handshake server
func NewServer(sessions Sessions, store TrustStore, pins PINVerifier, opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.FailureRate <= 0 {
		opts.FailureRate = DefaultFailureRate
	}
	if opts.FailureBurst <= 0 {
		opts.FailureBurst = DefaultFailureBurst
	}
	return &Server{
		sessions: sessions,
		store:    store,
		pins:     pins,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Serve runs the serial accept loop until ctx is cancelled or the listener
// fails. Cancellation returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	logging.Logf("[listen] handshake addr=%s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("handshake accept: %w", err)
		}
		s.Handle(conn)
	}
}

// Handle processes one connection and closes it
func (s *Server) Handle(conn net.Conn) {
	defer conn.Close()
	ip := types.HostIP(conn.RemoteAddr())
	_ = conn.SetDeadline(time.Now().Add(s.opts.ReadTimeout))

	if !s.allowed(ip) {
		logging.Logf("[handshake] rate limited (remote=%s)", ip)
		s.reply(conn, ip, ResultRateLimited, "")
		return
	}

	fp, name, err := peerCertificate(conn)
	if err != nil {
		logging.Logf("[handshake] tls failed (remote=%s err=%v)", ip, err)
		s.fail(ip, ResultError)
		return
	}

	line, err := readGreeting(conn)
	if err != nil {
		logging.Logf("[handshake] bad greeting (remote=%s err=%v)", ip, err)
		s.reply(conn, ip, ResultMalformed, "")
		return
	}
	greeting, ok := protocol.ParseGreeting(line)
	if !ok {
		logging.Logf("[handshake] malformed greeting (remote=%s)", ip)
		s.reply(conn, ip, ResultMalformed, "")
		return
	}
	logging.Debugf("[handshake] greeting (remote=%s kind=%d cert=%t)", ip, greeting.Kind, fp != "")

	if err := s.sessions.BeginHandshake(ip); err != nil {
		logging.Logf("[handshake] rejected (remote=%s err=%v)", ip, err)
		s.reply(conn, ip, ResultBusy, "")
		return
	}

	id, result := s.authenticate(ip, greeting, fp, name)
	if result != ResultOK {
		s.sessions.FailHandshake(ip)
		s.reply(conn, ip, result, "")
		return
	}

	sess, err := s.sessions.CompleteHandshake(ip, id)
	if err != nil {
		logging.Logf("[handshake] session start failed (remote=%s err=%v)", ip, err)
		s.reply(conn, ip, ResultError, "")
		return
	}
	logging.Logf("[handshake] accepted (remote=%s method=%s session=%s encoder=%s monitors=%d)",
		ip, id.Method, sess.ID, sess.Encoder.Codec, len(sess.Monitors))
	s.reply(conn, ip, ResultOK, protocol.FormatOK(string(sess.Encoder.Codec), sess.Monitors))
}

// authenticate evaluates exactly one method: a trusted certificate
// short-circuits the PIN.
func (s *Server) authenticate(ip string, g protocol.Greeting, fp, name string) (session.Identity, Result) {
	if fp != "" && s.store.IsRevoked(fp) {
		logging.Logf("[handshake] revoked certificate (remote=%s fingerprint=%s)", ip, short(fp))
		return session.Identity{}, ResultRevoked
	}
	if fp != "" && s.store.IsTrusted(fp) {
		if rec, ok := s.store.Lookup(fp); ok && rec.CommonName != "" {
			name = rec.CommonName
		}
		s.store.Touch(fp, ip)
		return session.Identity{Method: session.MethodCertificate, Fingerprint: fp, Name: name}, ResultOK
	}
	if g.Kind == protocol.GreetingHello {
		logging.Logf("[handshake] certificate not trusted (remote=%s fingerprint=%s)", ip, short(fp))
		return session.Identity{}, ResultUntrusted
	}
	if s.opts.RequireCert {
		logging.Logf("[handshake] PIN refused, certificate required (remote=%s)", ip)
		return session.Identity{}, ResultUntrusted
	}
	if s.store.RevokedForAddress(ip) {
		logging.Logf("[handshake] PIN refused, revoked client seen at this address (remote=%s)", ip)
		return session.Identity{}, ResultRevoked
	}
	if !s.pins.Verify(g.PIN) {
		logging.Logf("[handshake] wrong or expired PIN (remote=%s)", ip)
		return session.Identity{}, ResultBadPIN
	}
	if fp != "" && s.opts.AutoEnroll {
		if err := s.store.Enroll(fp, name); err != nil {
			logging.Logf("[handshake] auto-enroll failed (remote=%s fingerprint=%s err=%v)", ip, short(fp), err)
		} else {
			s.store.Touch(fp, ip)
		}
	}
	return session.Identity{Method: session.MethodPIN, Fingerprint: fp, Name: name}, ResultOK
}

func (s *Server) reply(conn net.Conn, ip string, result Result, okLine string) {
	msg := okLine
	if result != ResultOK {
		msg = protocol.FormatFail()
		s.fail(ip, result)
	} else if s.opts.OnResult != nil {
		s.opts.OnResult(result)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.ReadTimeout))
	if _, err := io.WriteString(conn, msg); err != nil {
		logging.Debugf("[handshake] reply write failed (remote=%s err=%v)", ip, err)
	}
}

// fail reports result and charges ip one failed attempt. Busy and
// rate-limited replies are not the client's fault and cost nothing.
func (s *Server) fail(ip string, result Result) {
	if result != ResultRateLimited && result != ResultBusy {
		s.limiter(ip).Allow()
	}
	if s.opts.OnResult != nil {
		s.opts.OnResult(result)
	}
}

func (s *Server) limiter(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	for other, l := range s.limiters {
		// a refilled limiter is indistinguishable from a new one
		if other != ip && l.Tokens() >= float64(s.opts.FailureBurst) {
			delete(s.limiters, other)
		}
	}
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(s.opts.FailureRate, s.opts.FailureBurst)
		s.limiters[ip] = l
	}
	return l
}

// allowed reports whether ip still has failed-attempt budget
func (s *Server) allowed(ip string) bool {
	return s.limiter(ip).Tokens() >= 1
}

// readGreeting treats the first read as the whole frame: clients may send
// the greeting without a trailing newline and keep the socket open for the
// reply.
func readGreeting(conn net.Conn) (string, error) {
	buf := make([]byte, protocol.MaxGreetingLen+1)
	n, err := conn.Read(buf)
	frame := buf[:n]
	if i := bytes.IndexByte(frame, '\n'); i >= 0 {
		frame = frame[:i+1]
	} else if n > protocol.MaxGreetingLen {
		return "", fmt.Errorf("greeting exceeds %d bytes", protocol.MaxGreetingLen)
	}
	if strings.TrimSpace(string(frame)) == "" {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(frame), nil
}

// peerCertificate completes TLS when conn is a TLS connection and returns
// the client certificate fingerprint and common name, if one was sent.
func peerCertificate(conn net.Conn) (fp, name string, err error) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return "", "", nil
	}
	if err := tc.Handshake(); err != nil {
		return "", "", err
	}
	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return "", "", nil
	}
	return trust.Fingerprint(certs[0]), certs[0].Subject.CommonName, nil
}

func short(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
