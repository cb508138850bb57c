// Package approach names the arms of an intersection and carries the
// per-tick occupancy observed on each of them.
package approach

import (
	"fmt"
	"strings"
)

// Approach identifies one arm of the intersection.
type Approach uint8

const (
	North Approach = iota
	East
	South
	West
)

// All lists every approach in declaration order.
var All = []Approach{North, East, South, West}

func (a Approach) String() string {
	switch a {
	case North:
		return "north"
	case East:
		return "east"
	case South:
		return "south"
	case West:
		return "west"
	}
	return fmt.Sprintf("approach(%d)", uint8(a))
}

// Valid reports whether a is one of the declared approaches.
func (a Approach) Valid() bool {
	return a <= West
}

// Opposite returns the approach facing a across the junction.
func (a Approach) Opposite() Approach {
	switch a {
	case North:
		return South
	case East:
		return West
	case South:
		return North
	case West:
		return East
	}
	return a
}

// Parse accepts compass names and the T-junction aliases used by the
// camera deployments (top, left, right, bottom).
func Parse(s string) (Approach, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "north", "n", "top":
		return North, nil
	case "east", "e", "right":
		return East, nil
	case "south", "s", "bottom":
		return South, nil
	case "west", "w", "left":
		return West, nil
	}
	return 0, fmt.Errorf("unknown approach %q", s)
}

func (a Approach) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid approach %d", uint8(a))
	}
	return []byte(a.String()), nil
}

func (a *Approach) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Occupancy is the set of entity identities inside an approach's
// counting zone for one tick.
type Occupancy struct {
	Entities []string
}

// Count returns the live occupancy.
func (o Occupancy) Count() int { return len(o.Entities) }

// Demand is one tick of input for the arbiter. An approach missing from
// the map has no fresh observation (stale); an approach present with an
// empty Occupancy is observed empty.
type Demand map[Approach]Occupancy
