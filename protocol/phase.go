package protocol

import (
	"fmt"
	"strings"
)

// Phase is a state of the round state machine.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseSum
	PhaseUpdate
	PhaseSum2
	PhaseError
	PhaseShutdown
)

var phaseNames = [...]string{
	PhaseIdle:     "idle",
	PhaseSum:      "sum",
	PhaseUpdate:   "update",
	PhaseSum2:     "sum2",
	PhaseError:    "error",
	PhaseShutdown: "shutdown",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// ParsePhase parses a phase name as printed by Phase.String.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if strings.EqualFold(s, name) {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return int(p) < len(phaseNames)
}

// Active reports whether participants submit messages in this phase.
func (p Phase) Active() bool {
	return p == PhaseSum || p == PhaseUpdate || p == PhaseSum2
}

// Tag returns the message tag accepted in this phase, or 0 if none is.
func (p Phase) Tag() Tag {
	switch p {
	case PhaseSum:
		return TagSum
	case PhaseUpdate:
		return TagUpdate
	case PhaseSum2:
		return TagSum2
	}
	return 0
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Tag identifies the kind of an encoded message.
type Tag uint8

const (
	TagSum             Tag = 1
	TagUpdate          Tag = 2
	TagSum2            Tag = 3
	TagRoundParameters Tag = 4
)

func (t Tag) String() string {
	switch t {
	case TagSum:
		return "sum"
	case TagUpdate:
		return "update"
	case TagSum2:
		return "sum2"
	case TagRoundParameters:
		return "params"
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Phase returns the phase messages with this tag belong to.
func (t Tag) Phase() Phase {
	switch t {
	case TagSum:
		return PhaseSum
	case TagUpdate:
		return PhaseUpdate
	case TagSum2:
		return PhaseSum2
	}
	return PhaseIdle
}

// ParseTag parses a participant message tag from its name.
func ParseTag(s string) (Tag, error) {
	for _, t := range []Tag{TagSum, TagUpdate, TagSum2} {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown message tag %q", ErrMalformed, s)
}

// Role is the task a participant is selected for in a round.
type Role uint8

const (
	RoleNone Role = iota
	RoleSum
	RoleUpdate
)

func (r Role) String() string {
	switch r {
	case RoleSum:
		return "sum"
	case RoleUpdate:
		return "update"
	}
	return "none"
}
