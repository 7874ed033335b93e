// Package session holds the host's single authoritative session state
// machine. Network and process callbacks only request transitions; every
// decision is taken under one mutex so concurrent triggers cannot double
// stop or double start the streams.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/linuxplay/pkg/media"
	"github.com/linuxplay/pkg/types"
)

var (
	// ErrBusy rejects a handshake while a live session exists
	ErrBusy = errors.New("session busy")
	// ErrTerminated is returned once the manager has shut down
	ErrTerminated = errors.New("session manager terminated")
	// ErrNotHandshaking is returned when completing a handshake that was never begun
	ErrNotHandshaking = errors.New("no handshake in progress")
)

// State of the session state machine
type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateActive
	StateReconnecting
	StateTerminated
)

var stateNames = [...]string{"idle", "handshaking", "active", "reconnecting", "terminated"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AllStates lists every state, in order
func AllStates() []State {
	return []State{StateIdle, StateHandshaking, StateActive, StateReconnecting, StateTerminated}
}

// Method is how a peer authenticated
type Method int

const (
	MethodPIN Method = iota
	MethodCertificate
)

func (m Method) String() string {
	if m == MethodCertificate {
		return "certificate"
	}
	return "pin"
}

// Identity is the authenticated peer identity
type Identity struct {
	Method      Method
	Fingerprint string
	Name        string
}

// Offer is what the host advertises to every client: the resolved encoder,
// the captured monitors and the initial network mode.
type Offer struct {
	Encoder  media.Encoder
	Monitors []types.Monitor
	NetMode  types.NetMode
}

// Session is one client's streaming session
type Session struct {
	ID        string
	PeerIP    string
	Identity  Identity
	Monitors  []types.Monitor
	Encoder   media.Encoder
	NetMode   types.NetMode
	State     State
	StartedAt time.Time
}

func (s Session) clone() Session {
	s.Monitors = append([]types.Monitor(nil), s.Monitors...)
	return s
}

// Snapshot is a point-in-time copy for logging and metrics
type Snapshot struct {
	State    State
	Session  *Session
	LastPong time.Time
	// Since is when the current state was entered
	Since time.Time
}

// StreamController starts and stops the media workers of a session. Start
// returns the generation tag of the started workers; failure reports carry
// the same tag.
type StreamController interface {
	Start(s Session) (uint64, error)
	Stop()
}

// NetModeApplier is implemented by controllers that can apply a network
// mode change without restarting every worker.
type NetModeApplier interface {
	ApplyNetMode(s Session) error
}
