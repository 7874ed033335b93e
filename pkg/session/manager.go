package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linuxplay/pkg/clock"
	"github.com/linuxplay/pkg/logging"
	"github.com/linuxplay/pkg/types"
)

// Config tunes liveness and failure handling
type Config struct {
	HeartbeatTimeout time.Duration
	ReconnectWindow  time.Duration
	// ExitOnStreamFailure terminates the process on an encoder crash
	// instead of returning to Idle.
	ExitOnStreamFailure bool
}

// Transition is delivered to listeners after the lock is released
type Transition struct {
	From, To State
	PeerIP   string
	Reason   string
}

// Manager owns all mutable session state
type Manager struct {
	cfg     Config
	clock   clock.Clock
	streams StreamController

	mu         sync.Mutex
	state      State
	since      time.Time
	offer      Offer
	current    *Session
	pendingIP  string
	lastPong   time.Time
	streamGen  uint64
	streaming  bool
	exitCode   int
	done       chan struct{}
	queued     []Transition
	listeners  []func(Transition)
	forgetPeer func(ip string)
	restarts   int
}

// NewManager returns a manager in Idle advertising offer
func NewManager(cfg Config, offer Offer, streams StreamController, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 10 * time.Second
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = 30 * time.Second
	}
	if offer.NetMode == "" {
		offer.NetMode = types.NetLAN
	}
	if len(offer.Monitors) == 0 {
		offer.Monitors = []types.Monitor{types.DefaultMonitor}
	}
	return &Manager{
		cfg:     cfg,
		clock:   clk,
		streams: streams,
		state:   StateIdle,
		since:   clk.Now(),
		offer:   offer,
		done:    make(chan struct{}),
	}
}

// OnTransition registers a listener called after every state change.
// Listeners run outside the manager lock, in transition order.
func (m *Manager) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// OnForget registers the hook that drops cached addresses of a peer when
// its session is discarded.
func (m *Manager) OnForget(fn func(ip string)) {
	m.mu.Lock()
	m.forgetPeer = fn
	m.mu.Unlock()
}

// unlock releases the lock and delivers queued transitions
func (m *Manager) unlock() {
	events := m.queued
	m.queued = nil
	listeners := m.listeners
	m.mu.Unlock()
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

func (m *Manager) setState(to State, reason string) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.since = m.clock.Now()
	ip := m.pendingIP
	if m.current != nil {
		m.current.State = to
		ip = m.current.PeerIP
	}
	logging.Logf("[session] %s -> %s (peer=%s reason=%s)", from, to, ip, reason)
	m.queued = append(m.queued, Transition{From: from, To: to, PeerIP: ip, Reason: reason})
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PeerIP returns the IP of the current session's peer, or "" when there is none
func (m *Manager) PeerIP() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.PeerIP
}

// Offer returns what the host advertises
func (m *Manager) Offer() Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.offer
	o.Monitors = append([]types.Monitor(nil), o.Monitors...)
	return o
}

// Snapshot copies the current state
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{State: m.state, LastPong: m.lastPong, Since: m.since}
	if m.current != nil {
		s := m.current.clone()
		snap.Session = &s
	}
	return snap
}

// Restarts counts heartbeat-driven stream restarts
func (m *Manager) Restarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

// Done is closed when the manager reaches Terminated
func (m *Manager) Done() <-chan struct{} { return m.done }

// ExitCode is the process exit code implied by termination
func (m *Manager) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitCode
}

// live reports whether the current session is Active with a recent PONG.
// Caller holds mu.
func (m *Manager) live(now time.Time) bool {
	return m.state == StateActive && now.Sub(m.lastPong) <= m.cfg.HeartbeatTimeout
}

// BeginHandshake reserves the state machine for a handshake from ip. A
// live session rejects it with ErrBusy; a stale one (Reconnecting, or
// Active without a PONG inside the timeout) is torn down and replaced.
func (m *Manager) BeginHandshake(ip string) error {
	m.mu.Lock()
	defer m.unlock()
	now := m.clock.Now()
	switch m.state {
	case StateTerminated:
		return ErrTerminated
	case StateHandshaking:
		return ErrBusy
	case StateActive:
		if m.live(now) {
			return fmt.Errorf("%w: active session for %s", ErrBusy, m.current.PeerIP)
		}
		m.discardLocked("replaced by handshake from " + ip)
	case StateReconnecting:
		m.discardLocked("replaced by handshake from " + ip)
	}
	m.pendingIP = ip
	m.setState(StateHandshaking, "handshake")
	return nil
}

// FailHandshake returns to Idle after an authentication failure
func (m *Manager) FailHandshake(ip string) {
	m.mu.Lock()
	defer m.unlock()
	if m.state != StateHandshaking || m.pendingIP != ip {
		return
	}
	m.setState(StateIdle, "handshake failed")
	m.pendingIP = ""
}

// CompleteHandshake creates the session for ip and starts its streams. The
// liveness timer starts now, so a client that never sends PONG times out.
func (m *Manager) CompleteHandshake(ip string, id Identity) (Session, error) {
	m.mu.Lock()
	defer m.unlock()
	if m.state != StateHandshaking || m.pendingIP != ip {
		return Session{}, ErrNotHandshaking
	}
	now := m.clock.Now()
	s := &Session{
		ID:        uuid.NewString(),
		PeerIP:    ip,
		Identity:  id,
		Monitors:  append([]types.Monitor(nil), m.offer.Monitors...),
		Encoder:   m.offer.Encoder,
		NetMode:   m.offer.NetMode,
		State:     StateHandshaking,
		StartedAt: now,
	}
	m.current = s
	m.pendingIP = ""
	m.lastPong = now
	if err := m.startLocked(); err != nil {
		m.current = nil
		m.setState(StateIdle, "stream start failed")
		return Session{}, err
	}
	m.setState(StateActive, "handshake ok ("+id.Method.String()+")")
	return s.clone(), nil
}

// ObservePong records a heartbeat from ip. A PONG from the session peer
// while Reconnecting and inside the window resumes streaming. It reports
// whether ip belongs to the current session.
func (m *Manager) ObservePong(ip string) bool {
	m.mu.Lock()
	defer m.unlock()
	if m.current == nil || m.current.PeerIP != ip {
		return false
	}
	now := m.clock.Now()
	switch m.state {
	case StateActive:
		m.lastPong = now
	case StateReconnecting:
		if now.Sub(m.since) > m.cfg.ReconnectWindow {
			m.discardLocked("reconnect window expired")
			return false
		}
		m.lastPong = now
		if err := m.startLocked(); err != nil {
			logging.Logf("[session] restart streams for %s failed: %v", ip, err)
			m.discardLocked("stream restart failed")
			return true
		}
		m.restarts++
		m.setState(StateActive, "heartbeat resumed")
	}
	return true
}

// CheckLiveness applies the heartbeat timeout and the reconnect window.
// The heartbeat loop calls it every tick.
func (m *Manager) CheckLiveness() State {
	m.mu.Lock()
	defer m.unlock()
	now := m.clock.Now()
	switch m.state {
	case StateActive:
		if now.Sub(m.lastPong) > m.cfg.HeartbeatTimeout {
			m.stopLocked()
			m.setState(StateReconnecting, fmt.Sprintf("no PONG for %v", now.Sub(m.lastPong).Round(time.Millisecond)))
		}
	case StateReconnecting:
		if now.Sub(m.since) > m.cfg.ReconnectWindow {
			m.discardLocked("reconnect window expired")
		}
	}
	return m.state
}

// Goodbye ends the session of ip on client request
func (m *Manager) Goodbye(ip string) bool {
	m.mu.Lock()
	defer m.unlock()
	if m.current == nil || m.current.PeerIP != ip {
		return false
	}
	if m.state != StateActive && m.state != StateReconnecting {
		return false
	}
	m.discardLocked("goodbye")
	return true
}

// SetNetMode switches stream buffering for ip's session. A change while
// Active is applied to the running streams: only the affected workers
// restart when the controller supports it, otherwise all of them.
func (m *Manager) SetNetMode(ip string, mode types.NetMode) bool {
	m.mu.Lock()
	defer m.unlock()
	if m.current == nil || m.current.PeerIP != ip || m.current.NetMode == mode {
		return false
	}
	m.current.NetMode = mode
	logging.Logf("[session] net mode for %s set to %s", ip, mode)
	if m.state != StateActive || !m.streaming {
		return true
	}
	if applier, ok := m.streams.(NetModeApplier); ok {
		if err := applier.ApplyNetMode(m.current.clone()); err != nil {
			logging.Logf("[session] apply net mode for %s failed: %v", ip, err)
			m.discardLocked("stream restart failed")
		}
		return true
	}
	m.stopLocked()
	if err := m.startLocked(); err != nil {
		logging.Logf("[session] restart streams for %s failed: %v", ip, err)
		m.discardLocked("stream restart failed")
	}
	return true
}

// StreamFailed handles a worker crash reported for generation gen. Reports
// for an older generation or outside Active are ignored.
func (m *Manager) StreamFailed(gen uint64, err error) {
	m.mu.Lock()
	defer m.unlock()
	if m.state != StateActive || !m.streaming || gen != m.streamGen {
		logging.Debugf("[session] ignoring stale stream failure (gen=%d current=%d state=%s): %v", gen, m.streamGen, m.state, err)
		return
	}
	logging.Logf("[session] stream failure, tearing down session: %v", err)
	if m.cfg.ExitOnStreamFailure {
		m.stopLocked()
		m.terminateLocked(1, "stream failure")
		return
	}
	m.discardLocked("stream failure")
}

// Fatal terminates the manager with exit code 1
func (m *Manager) Fatal(err error) {
	m.mu.Lock()
	defer m.unlock()
	logging.Logf("[session] fatal: %v", err)
	m.stopLocked()
	m.terminateLocked(1, "fatal error")
}

// Shutdown stops streams and enters Terminated. It is idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.unlock()
	m.stopLocked()
	m.terminateLocked(0, "shutdown")
}

func (m *Manager) terminateLocked(code int, reason string) {
	if m.state == StateTerminated {
		return
	}
	if code > m.exitCode {
		m.exitCode = code
	}
	m.setState(StateTerminated, reason)
	close(m.done)
}

// discardLocked stops streams, forgets the peer and returns to Idle
func (m *Manager) discardLocked(reason string) {
	m.stopLocked()
	ip := ""
	if m.current != nil {
		ip = m.current.PeerIP
	}
	m.setState(StateIdle, reason)
	m.current = nil
	m.pendingIP = ""
	if ip != "" && m.forgetPeer != nil {
		m.forgetPeer(ip)
	}
}

func (m *Manager) startLocked() error {
	if m.streams == nil {
		m.streaming = true
		return nil
	}
	gen, err := m.streams.Start(m.current.clone())
	if err != nil {
		return fmt.Errorf("start streams: %w", err)
	}
	m.streamGen = gen
	m.streaming = true
	return nil
}

func (m *Manager) stopLocked() {
	if !m.streaming {
		return
	}
	m.streaming = false
	if m.streams != nil {
		m.streams.Stop()
	}
}
