// Package signal implements the three-phase state machine of a single
// approach: RED -> GREEN -> YELLOW -> RED.
//
// GREEN and YELLOW end on their own timers. RED ends only when the
// intersection arbiter promotes the approach, which is how mutual
// exclusion is kept in one place.
package signal

import (
	"errors"
	"fmt"
	"time"
)

// Phase is the lamp currently shown by an approach.
type Phase uint8

const (
	Red Phase = iota
	Green
	Yellow
)

func (p Phase) String() string {
	switch p {
	case Red:
		return "RED"
	case Green:
		return "GREEN"
	case Yellow:
		return "YELLOW"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "RED", "red":
		*p = Red
	case "GREEN", "green":
		*p = Green
	case "YELLOW", "yellow":
		*p = Yellow
	default:
		return fmt.Errorf("unknown phase %q", b)
	}
	return nil
}

// Transition names an edge of the machine.
type Transition uint8

const (
	GreenToYellow Transition = iota + 1
	YellowToRed
	RedToGreen
)

func (t Transition) String() string {
	switch t {
	case GreenToYellow:
		return "green_to_yellow"
	case YellowToRed:
		return "yellow_to_red"
	case RedToGreen:
		return "red_to_green"
	}
	return fmt.Sprintf("transition(%d)", uint8(t))
}

// From returns the phase the transition leaves.
func (t Transition) From() Phase {
	switch t {
	case GreenToYellow:
		return Green
	case YellowToRed:
		return Yellow
	default:
		return Red
	}
}

// To returns the phase the transition enters.
func (t Transition) To() Phase {
	switch t {
	case GreenToYellow:
		return Yellow
	case YellowToRed:
		return Red
	default:
		return Green
	}
}

// ErrNotRed is returned when a promotion targets a signal that is not RED.
var ErrNotRed = errors.New("signal: promotion requires RED")

// State is the tagged record the transition function operates on.
type State struct {
	Phase     Phase
	EnteredAt time.Time
	Duration  time.Duration
}

// Elapsed returns the time spent in the current phase.
func (s State) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.EnteredAt)
}

// Remaining returns the time left in the current phase, never negative.
func (s State) Remaining(now time.Time) time.Duration {
	r := s.Duration - s.Elapsed(now)
	if r < 0 {
		return 0
	}
	return r
}

// Input is what the transition function sees on a tick.
type Input struct {
	Now     time.Time
	Demand  int
	Handoff bool // arbiter asked the current GREEN to yield
}

// Next applies the automatic transitions for one tick. It never moves a
// RED state; promotions go through Promote.
//
// YELLOW is entered at the tick that observes the end of GREEN, however
// late, and is held for the full p.Yellow from there. RED is stamped at the
// YELLOW boundary.
func Next(p Policy, st State, in Input) (State, Transition, bool) {
	elapsed := st.Elapsed(in.Now)
	switch st.Phase {
	case Green:
		if elapsed >= st.Duration {
			return State{Phase: Yellow, EnteredAt: in.Now, Duration: p.Yellow}, GreenToYellow, true
		}
		if in.Handoff && elapsed >= p.MinGreen {
			return State{Phase: Yellow, EnteredAt: in.Now, Duration: p.Yellow}, GreenToYellow, true
		}
	case Yellow:
		if elapsed >= st.Duration {
			at := st.EnteredAt.Add(st.Duration)
			return State{Phase: Red, EnteredAt: at, Duration: p.RedDuration(in.Demand)}, YellowToRed, true
		}
	case Red:
	}
	return st, 0, false
}

// Counters tallies transitions by kind.
type Counters struct {
	GreenToYellow int `json:"green_to_yellow"`
	YellowToRed   int `json:"yellow_to_red"`
	RedToGreen    int `json:"red_to_green"`
}

func (c *Counters) add(t Transition) {
	switch t {
	case GreenToYellow:
		c.GreenToYellow++
	case YellowToRed:
		c.YellowToRed++
	case RedToGreen:
		c.RedToGreen++
	}
}

// Add merges o into c.
func (c *Counters) Add(o Counters) {
	c.GreenToYellow += o.GreenToYellow
	c.YellowToRed += o.YellowToRed
	c.RedToGreen += o.RedToGreen
}

// Signal is one approach's lamp. Not safe for concurrent use.
type Signal struct {
	policy   Policy
	state    State
	counters Counters
	handoff  bool
}

// New returns a signal in phase initial, entered at now. Only Red and
// Green are accepted as initial phases.
func New(p Policy, initial Phase, now time.Time) *Signal {
	s := &Signal{policy: p}
	s.Reset(now, initial)
	return s
}

// Reset restores the signal to initial and clears its counters.
func (s *Signal) Reset(now time.Time, initial Phase) {
	if initial != Green {
		initial = Red
	}
	s.state = State{Phase: initial, EnteredAt: now, Duration: s.policy.Duration(initial, 0)}
	s.counters = Counters{}
	s.handoff = false
}

// State returns a copy of the current state record.
func (s *Signal) State() State { return s.state }

// Phase returns the current phase.
func (s *Signal) Phase() Phase { return s.state.Phase }

// Counters returns the transition counts since the last reset.
func (s *Signal) Counters() Counters { return s.counters }

// Remaining returns time left in the current phase.
func (s *Signal) Remaining(now time.Time) time.Duration {
	return s.state.Remaining(now)
}

// HandoffRequested reports whether a hand-off is pending.
func (s *Signal) HandoffRequested() bool { return s.handoff }

// RequestHandoff asks a GREEN signal to yield once MinGreen has passed.
// It is ignored in any other phase.
func (s *Signal) RequestHandoff() {
	if s.state.Phase == Green {
		s.handoff = true
	}
}

// Promote moves a RED signal to GREEN, sizing the green window from the
// latest demand.
func (s *Signal) Promote(now time.Time, demand int) error {
	if s.state.Phase != Red {
		return fmt.Errorf("%w: currently %s", ErrNotRed, s.state.Phase)
	}
	s.state = State{Phase: Green, EnteredAt: now, Duration: s.policy.GreenDuration(demand)}
	s.counters.add(RedToGreen)
	s.handoff = false
	return nil
}

// Step applies at most one automatic transition for this tick.
func (s *Signal) Step(now time.Time, demand int) (Transition, bool) {
	next, tr, ok := Next(s.policy, s.state, Input{Now: now, Demand: demand, Handoff: s.handoff})
	if !ok {
		return 0, false
	}
	s.state = next
	s.counters.add(tr)
	s.handoff = false
	return tr, true
}
