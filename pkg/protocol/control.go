package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandKind enumerates the control channel commands
type CommandKind int

const (
	KindUnknown CommandKind = iota
	KindMousePacket
	KindMouseScroll
	KindKeyPress
	KindKeyRelease
	KindGoodbye
	KindNet
)

type commandSpec struct {
	name    string
	minArgs int
	maxArgs int
}

var commandSpecs = [...]commandSpec{
	KindUnknown:     {name: "UNKNOWN"},
	KindMousePacket: {name: "MOUSE_PKT", minArgs: 4, maxArgs: 4},
	KindMouseScroll: {name: "MOUSE_SCROLL", minArgs: 1, maxArgs: 1},
	KindKeyPress:    {name: "KEY_PRESS", minArgs: 1, maxArgs: 1},
	KindKeyRelease:  {name: "KEY_RELEASE", minArgs: 1, maxArgs: 1},
	KindGoodbye:     {name: "GOODBYE"},
	KindNet:         {name: "NET", minArgs: 1, maxArgs: 1},
}

var kindsByName = func() map[string]CommandKind {
	m := make(map[string]CommandKind, len(commandSpecs))
	for k, s := range commandSpecs {
		if CommandKind(k) != KindUnknown {
			m[s.name] = CommandKind(k)
		}
	}
	return m
}()

func (k CommandKind) String() string {
	if k < 0 || int(k) >= len(commandSpecs) {
		return commandSpecs[KindUnknown].name
	}
	return commandSpecs[k].name
}

// Command is one parsed control datagram
type Command struct {
	Kind CommandKind
	Args []string
}

// Mouse packet types carried in MOUSE_PKT
const (
	MouseDown = 1
	MouseMove = 2
	MouseUp   = 3
)

// MousePacket is the typed form of MOUSE_PKT <type> <buttonMask> <x> <y>
type MousePacket struct {
	Type    int
	Buttons int
	X       int
	Y       int
}

// ParseCommand splits a whitespace-delimited control line. Unknown names and
// wrong arity are rejected. NET tolerates trailing tokens.
func ParseCommand(line string) (Command, bool) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Command{}, false
	}
	kind, ok := kindsByName[strings.ToUpper(tokens[0])]
	if !ok {
		return Command{}, false
	}
	args := tokens[1:]
	spec := commandSpecs[kind]
	if len(args) < spec.minArgs {
		return Command{}, false
	}
	if len(args) > spec.maxArgs {
		if kind != KindNet {
			return Command{}, false
		}
		args = args[:spec.maxArgs]
	}
	return Command{Kind: kind, Args: args}, true
}

// FormatCommand builds a control datagram payload
func FormatCommand(kind CommandKind, args ...string) string {
	if len(args) == 0 {
		return kind.String()
	}
	return kind.String() + " " + strings.Join(args, " ")
}

// MousePacket decodes the integer arguments of a MOUSE_PKT command
func (c Command) MousePacket() (MousePacket, error) {
	if c.Kind != KindMousePacket || len(c.Args) != 4 {
		return MousePacket{}, fmt.Errorf("not a mouse packet: %s", c.Kind)
	}
	var vals [4]int
	for i, a := range c.Args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return MousePacket{}, fmt.Errorf("mouse packet arg %d: %w", i, err)
		}
		vals[i] = v
	}
	return MousePacket{Type: vals[0], Buttons: vals[1], X: vals[2], Y: vals[3]}, nil
}
